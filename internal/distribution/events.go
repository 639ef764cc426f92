// Package distribution defines the event surface produced by the feed and
// the execution engine and the publishers that fan it out.
package distribution

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptosim/models"
)

// Global and per-user event names.
const (
	MarketData       = "marketData"
	OrderFilled      = "order:filled"
	PortfolioUpdated = "portfolio:updated"
	PortfolioClosed  = "portfolio:closed"
	PnLUpdate        = "pnl:update"
	TradeExecuted    = "trade:executed"
	OrderRejected    = "order:rejected"

	WatchlistUpdated  = "watchlist:updated"
	WatchlistRejected = "watchlist:rejected"
)

func KlineEvent(symbol, interval string) string {
	return "kline-" + strings.ToUpper(symbol) + "-" + interval
}

func TradeEvent(symbol string) string {
	return "trade-" + strings.ToUpper(symbol)
}

func DepthEvent(symbol string) string {
	return "depth-" + strings.ToUpper(symbol)
}

// Event is one emission. UserID is set for events addressed to a single
// user and empty for market-wide broadcasts.
type Event struct {
	Name      string      `json:"event"`
	UserID    string      `json:"userId,omitempty"`
	Payload   interface{} `json:"payload"`
	EmittedAt time.Time   `json:"emittedAt"`
}

func (e Event) IsUserEvent() bool {
	return e.UserID != ""
}

// Publisher delivers events to the distribution layer.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type KlinePayload struct {
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	Candles  []models.Candle `json:"candles"`
}

type TradePayload struct {
	Symbol string                  `json:"symbol"`
	Trades []models.TradeTapeEntry `json:"trades"`
}

type DepthPayload struct {
	Symbol string `json:"symbol"`
	models.DepthSnapshot
}

type PortfolioClosedPayload struct {
	Symbol    string           `json:"symbol"`
	TradeType models.TradeType `json:"tradeType"`
}

type PnLPayload struct {
	Symbol           string           `json:"symbol"`
	TradeType        models.TradeType `json:"tradeType"`
	RealizedPnL      decimal.Decimal  `json:"realizedPnL"`
	TotalRealizedPnL decimal.Decimal  `json:"totalRealizedPnL"`
}

type TradeExecutedPayload struct {
	Trade   models.Trade `json:"trade"`
	Message string       `json:"message"`
}

// OrderRejectedPayload answers an order that arrived through the order
// topic and was not filled.
type OrderRejectedPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Symbol    string `json:"symbol"`
	State     string `json:"state"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

// WatchlistPayload carries the user's watchlists after a watchlist request.
type WatchlistPayload struct {
	RequestID  string             `json:"requestId,omitempty"`
	Action     string             `json:"action"`
	Watchlists []models.Watchlist `json:"watchlists"`
}

type WatchlistRejectedPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}
