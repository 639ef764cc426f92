package models

import (
	"time"
)

// TickerSnapshot is the latest mini-ticker view of a symbol. One per symbol,
// overwritten on every update.
type TickerSnapshot struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Volume        float64   `json:"volume"`
	PercentChange float64   `json:"percentChange"`
	CapturedAt    time.Time `json:"capturedAt"`
}

// Candle is one OHLCV bucket. OpenTime is the exchange bucket start in
// milliseconds and identifies the bucket within a series.
type Candle struct {
	OpenTime int64   `json:"openTime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Closed   bool    `json:"closed,omitempty"`
}

// TradeTapeEntry is a single public trade on the exchange tape.
type TradeTapeEntry struct {
	TradeID  int64   `json:"tradeId,omitempty"`
	Symbol   string  `json:"symbol,omitempty"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	ExecTime int64   `json:"execTime"`
}

// DepthLevel represents a single price level in the order book
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// DepthSnapshot is the top of book for a symbol, replaced wholesale on update.
type DepthSnapshot struct {
	Bids       []DepthLevel `json:"bids"`
	Asks       []DepthLevel `json:"asks"`
	CapturedAt time.Time    `json:"capturedAt"`
}

// PricePoint is a price together with the moment it was observed.
type PricePoint struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Age reports how old the price point is relative to now.
func (p PricePoint) Age(now time.Time) time.Duration {
	return now.Sub(p.CapturedAt)
}
