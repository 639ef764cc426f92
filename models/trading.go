package models

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type TradeType string

const (
	TradeTypeIntraday TradeType = "INTRADAY"
	TradeTypeLongTerm TradeType = "LONG_TERM"
)

func (t TradeType) Valid() bool {
	return t == TradeTypeIntraday || t == TradeTypeLongTerm
}

type OrderStatus string

const OrderStatusFilled OrderStatus = "FILLED"

// Wallet maps asset symbol to balance. Balances never go negative.
type Wallet map[string]decimal.Decimal

// Balance returns the balance of asset, zero when absent.
func (w Wallet) Balance(asset string) decimal.Decimal {
	if w == nil {
		return decimal.Zero
	}
	return w[asset]
}

// Clone returns an independent copy of the wallet.
func (w Wallet) Clone() Wallet {
	out := make(Wallet, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Assets returns the asset symbols in sorted order.
func (w Wallet) Assets() []string {
	assets := make([]string, 0, len(w))
	for k := range w {
		assets = append(assets, k)
	}
	sort.Strings(assets)
	return assets
}

type User struct {
	ID               string          `json:"id"`
	Wallet           Wallet          `json:"wallet"`
	TotalRealizedPnL decimal.Decimal `json:"totalRealizedPnL"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// PositionKey identifies a position. INTRADAY and LONG_TERM holdings of the
// same symbol are independent positions.
type PositionKey struct {
	UserID    string    `json:"userId"`
	Symbol    string    `json:"symbol"`
	TradeType TradeType `json:"tradeType"`
}

func (k PositionKey) String() string {
	return k.UserID + "|" + k.Symbol + "|" + string(k.TradeType)
}

type Position struct {
	PositionKey
	BaseAsset   string          `json:"baseAsset"`
	QuoteAsset  string          `json:"quoteAsset"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgBuyPrice decimal.Decimal `json:"avgBuyPrice"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Total     decimal.Decimal `json:"total"`
	TradeType TradeType       `json:"tradeType"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Trade struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	UserID      string          `json:"userId"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Total       decimal.Decimal `json:"total"`
	TradeType   TradeType       `json:"tradeType"`
	RealizedPnL decimal.Decimal `json:"realizedPnL"`
	ExecutedAt  time.Time       `json:"executedAt"`
}

// SplitSymbol splits an exchange symbol such as BTCUSDT into its base and
// quote assets. ok is false when the symbol does not end in quote or has
// nothing in front of it.
func SplitSymbol(symbol, quote string) (base string, ok bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	quote = strings.ToUpper(quote)
	if quote == "" || !strings.HasSuffix(symbol, quote) || len(symbol) == len(quote) {
		return "", false
	}
	return strings.TrimSuffix(symbol, quote), true
}
