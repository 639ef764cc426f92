// Package store persists simulated users, wallets, positions, orders and
// trades. A settled order is written through a single Settle call so that a
// failure anywhere leaves no partial state behind.
package store

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"cryptosim/models"
)

type Store interface {
	// EnsureUser returns the user, creating it with initial when absent.
	EnsureUser(ctx context.Context, userID string, initial models.Wallet) (models.User, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetPosition(ctx context.Context, key models.PositionKey) (models.Position, bool, error)
	ListPositions(ctx context.Context, userID string) ([]models.Position, error)
	// ListOrders and ListTrades return newest first.
	ListOrders(ctx context.Context, userID string) ([]models.Order, error)
	ListTrades(ctx context.Context, userID string) ([]models.Trade, error)
	// Settle commits one fill atomically and returns the updated user.
	Settle(ctx context.Context, s Settlement) (models.User, error)

	CreateWatchlist(ctx context.Context, w models.Watchlist) (models.Watchlist, error)
	// ListWatchlists returns the user's watchlists oldest first. An empty
	// userID lists every user's.
	ListWatchlists(ctx context.Context, userID string) ([]models.Watchlist, error)
	// AddWatchlistSymbol and RemoveWatchlistSymbol report whether the symbol
	// set changed. A watchlist the user does not own is ErrNotFound.
	AddWatchlistSymbol(ctx context.Context, userID, id, symbol string) (models.Watchlist, bool, error)
	RemoveWatchlistSymbol(ctx context.Context, userID, id, symbol string) (models.Watchlist, bool, error)
	// DeleteWatchlist returns the removed watchlist.
	DeleteWatchlist(ctx context.Context, userID, id string) (models.Watchlist, error)

	Close() error
}

// Settlement is everything one fill changes. Wallet changes are deltas so
// that fills on different positions of the same user compose; a delta that
// would take a balance below zero fails the whole settlement with
// exception.ErrInsufficientBalance.
type Settlement struct {
	UserID      string
	WalletDelta map[string]decimal.Decimal
	PnLDelta    decimal.Decimal

	// Position is the state after the fill. When ClosePosition is set the
	// position identified by Position.PositionKey is removed instead.
	Position      models.Position
	ClosePosition bool

	Order models.Order
	Trade models.Trade
}

// applyDelta returns wallet with delta applied and the assets whose
// balances went negative.
func applyDelta(wallet models.Wallet, delta map[string]decimal.Decimal) (models.Wallet, []string) {
	next := wallet.Clone()
	var negative []string
	for asset, d := range delta {
		v := next.Balance(asset).Add(d)
		if v.IsNegative() {
			negative = append(negative, asset)
		}
		next[asset] = v
	}
	sort.Strings(negative)
	return next, negative
}

func sortOrders(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

func sortTrades(trades []models.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.After(trades[j].ExecutedAt)
	})
}

func sortWatchlists(lists []models.Watchlist) {
	sort.SliceStable(lists, func(i, j int) bool {
		if !lists[i].CreatedAt.Equal(lists[j].CreatedAt) {
			return lists[i].CreatedAt.Before(lists[j].CreatedAt)
		}
		return lists[i].ID < lists[j].ID
	})
}

func sortPositions(positions []models.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Symbol != positions[j].Symbol {
			return positions[i].Symbol < positions[j].Symbol
		}
		return positions[i].TradeType < positions[j].TradeType
	})
}
