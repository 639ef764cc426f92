package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cryptosim/internal/exception"
	"cryptosim/models"
)

// Settlement stages passed to a Memory fault hook.
const (
	StageWallet   = "wallet"
	StagePosition = "position"
	StageOrder    = "order"
	StageTrade    = "trade"
)

// Memory is the in-process store. Settle mutates in stages and restores a
// snapshot of the touched user when any stage fails.
type Memory struct {
	mu        sync.Mutex
	users     map[string]*models.User
	positions map[models.PositionKey]models.Position
	orders    map[string][]models.Order
	trades    map[string][]models.Trade
	lists     map[string]*models.Watchlist
	now       func() time.Time

	fault func(stage string) error
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]*models.User),
		positions: make(map[models.PositionKey]models.Position),
		orders:    make(map[string][]models.Order),
		trades:    make(map[string][]models.Trade),
		lists:     make(map[string]*models.Watchlist),
		now:       time.Now,
	}
}

// SetFault installs a hook consulted before each settlement stage. A non-nil
// error aborts the settlement at that stage. Pass nil to remove it.
func (m *Memory) SetFault(fn func(stage string) error) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

func (m *Memory) EnsureUser(_ context.Context, userID string, initial models.Wallet) (models.User, error) {
	if strings.TrimSpace(userID) == "" {
		return models.User{}, fmt.Errorf("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[userID]; ok {
		return copyUser(u), nil
	}
	now := m.now()
	u := &models.User{
		ID:        userID,
		Wallet:    initial.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.users[userID] = u
	return copyUser(u), nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", userID, exception.ErrNotFound)
	}
	return copyUser(u), nil
}

func (m *Memory) GetPosition(_ context.Context, key models.PositionKey) (models.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[key]
	return p, ok, nil
}

func (m *Memory) ListPositions(_ context.Context, userID string) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for k, p := range m.positions {
		if k.UserID == userID {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (m *Memory) ListOrders(_ context.Context, userID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.Order(nil), m.orders[userID]...)
	sortOrders(out)
	return out, nil
}

func (m *Memory) ListTrades(_ context.Context, userID string) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.Trade(nil), m.trades[userID]...)
	sortTrades(out)
	return out, nil
}

type memorySnapshot struct {
	user        models.User
	position    models.Position
	hadPosition bool
	orders      int
	trades      int
}

func (m *Memory) Settle(_ context.Context, s Settlement) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[s.UserID]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", s.UserID, exception.ErrNotFound)
	}
	key := s.Position.PositionKey

	snap := memorySnapshot{user: copyUser(u), orders: len(m.orders[s.UserID]), trades: len(m.trades[s.UserID])}
	snap.position, snap.hadPosition = m.positions[key]

	if err := m.settleLocked(u, s); err != nil {
		*u = snap.user
		if snap.hadPosition {
			m.positions[key] = snap.position
		} else {
			delete(m.positions, key)
		}
		m.orders[s.UserID] = m.orders[s.UserID][:snap.orders]
		m.trades[s.UserID] = m.trades[s.UserID][:snap.trades]
		return models.User{}, err
	}
	return copyUser(u), nil
}

func (m *Memory) settleLocked(u *models.User, s Settlement) error {
	now := m.now()

	if err := m.stage(StageWallet); err != nil {
		return err
	}
	wallet, negative := applyDelta(u.Wallet, s.WalletDelta)
	if len(negative) > 0 {
		return fmt.Errorf("%w: %s", exception.ErrInsufficientBalance, strings.Join(negative, ","))
	}
	u.Wallet = wallet
	u.TotalRealizedPnL = u.TotalRealizedPnL.Add(s.PnLDelta)
	u.UpdatedAt = now

	if err := m.stage(StagePosition); err != nil {
		return err
	}
	if s.ClosePosition {
		delete(m.positions, s.Position.PositionKey)
	} else {
		m.positions[s.Position.PositionKey] = s.Position
	}

	if err := m.stage(StageOrder); err != nil {
		return err
	}
	m.orders[s.UserID] = append(m.orders[s.UserID], s.Order)

	if err := m.stage(StageTrade); err != nil {
		return err
	}
	m.trades[s.UserID] = append(m.trades[s.UserID], s.Trade)
	return nil
}

func (m *Memory) stage(name string) error {
	if m.fault == nil {
		return nil
	}
	if err := m.fault(name); err != nil {
		return fmt.Errorf("settle %s: %w", name, err)
	}
	return nil
}

func (m *Memory) CreateWatchlist(_ context.Context, w models.Watchlist) (models.Watchlist, error) {
	if w.ID == "" || strings.TrimSpace(w.UserID) == "" {
		return models.Watchlist{}, fmt.Errorf("watchlist id and user id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[w.ID]; ok {
		return models.Watchlist{}, fmt.Errorf("watchlist %s already exists", w.ID)
	}
	now := m.now()
	w = w.Clone()
	w.CreatedAt, w.UpdatedAt = now, now
	m.lists[w.ID] = &w
	return w.Clone(), nil
}

func (m *Memory) ListWatchlists(_ context.Context, userID string) ([]models.Watchlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Watchlist
	for _, w := range m.lists {
		if userID == "" || w.UserID == userID {
			out = append(out, w.Clone())
		}
	}
	sortWatchlists(out)
	return out, nil
}

func (m *Memory) AddWatchlistSymbol(_ context.Context, userID, id, symbol string) (models.Watchlist, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.ownedList(userID, id)
	if err != nil {
		return models.Watchlist{}, false, err
	}
	if w.Has(symbol) {
		return w.Clone(), false, nil
	}
	w.Symbols = append(w.Symbols, symbol)
	w.UpdatedAt = m.now()
	return w.Clone(), true, nil
}

func (m *Memory) RemoveWatchlistSymbol(_ context.Context, userID, id, symbol string) (models.Watchlist, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.ownedList(userID, id)
	if err != nil {
		return models.Watchlist{}, false, err
	}
	if !w.Has(symbol) {
		return w.Clone(), false, nil
	}
	kept := make([]string, 0, len(w.Symbols)-1)
	for _, s := range w.Symbols {
		if s != symbol {
			kept = append(kept, s)
		}
	}
	w.Symbols = kept
	w.UpdatedAt = m.now()
	return w.Clone(), true, nil
}

func (m *Memory) DeleteWatchlist(_ context.Context, userID, id string) (models.Watchlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.ownedList(userID, id)
	if err != nil {
		return models.Watchlist{}, err
	}
	delete(m.lists, id)
	return w.Clone(), nil
}

func (m *Memory) ownedList(userID, id string) (*models.Watchlist, error) {
	w, ok := m.lists[id]
	if !ok || w.UserID != userID {
		return nil, fmt.Errorf("watchlist %s: %w", id, exception.ErrNotFound)
	}
	return w, nil
}

func (m *Memory) Close() error {
	return nil
}

func copyUser(u *models.User) models.User {
	out := *u
	out.Wallet = u.Wallet.Clone()
	return out
}
