// Package cache holds the market-data views derived from the exchange feed:
// the latest ticker per symbol, bounded candle series, a bounded trade tape
// and the top of book. The feed is the only writer; the execution engine and
// the distribution layer read.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"cryptosim/models"
)

// Store is implemented in-process (Memory) and on Redis (Redis) so that
// ingestion and execution can run as separate processes.
type Store interface {
	SetTicker(ctx context.Context, t models.TickerSnapshot) error
	SetTickers(ctx context.Context, ts []models.TickerSnapshot) error
	// AppendCandle merges c into the (symbol, interval) series and returns
	// the resulting series.
	AppendCandle(ctx context.Context, symbol, interval string, c models.Candle) ([]models.Candle, error)
	// SeedCandles merges REST history into the series. Buckets already held
	// from the live stream are kept.
	SeedCandles(ctx context.Context, symbol, interval string, history []models.Candle) ([]models.Candle, error)
	// AppendTrade pushes e onto the symbol's tape and returns the tape.
	AppendTrade(ctx context.Context, symbol string, e models.TradeTapeEntry) ([]models.TradeTapeEntry, error)
	SetDepth(ctx context.Context, symbol string, d models.DepthSnapshot) error

	Ticker(ctx context.Context, symbol string) (models.TickerSnapshot, bool, error)
	Candles(ctx context.Context, symbol, interval string) ([]models.Candle, error)
	Trades(ctx context.Context, symbol string) ([]models.TradeTapeEntry, error)
	Depth(ctx context.Context, symbol string) (models.DepthSnapshot, bool, error)
	ListTickers(ctx context.Context) ([]models.TickerSnapshot, error)
	LatestPrice(ctx context.Context, symbol string) (models.PricePoint, bool, error)
}

// PriceReader is the read side the execution engine depends on.
type PriceReader interface {
	LatestPrice(ctx context.Context, symbol string) (models.PricePoint, bool, error)
}

type Limits struct {
	Candles     int
	Trades      int
	DepthLevels int
}

func DefaultLimits() Limits {
	return Limits{Candles: 100, Trades: 50, DepthLevels: 10}
}

func (l Limits) normalize() Limits {
	d := DefaultLimits()
	if l.Candles <= 0 {
		l.Candles = d.Candles
	}
	if l.Trades <= 0 {
		l.Trades = d.Trades
	}
	if l.DepthLevels <= 0 {
		l.DepthLevels = d.DepthLevels
	}
	return l
}

func normSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// MergeCandle applies the open-candle rule: a candle sharing the last
// entry's open time replaces it, a newer one is appended and the series is
// trimmed to limit from the front. Candles older than the last entry are
// ignored. The input slice is never modified.
func MergeCandle(series []models.Candle, c models.Candle, limit int) []models.Candle {
	n := len(series)
	if n > 0 {
		last := series[n-1]
		switch {
		case last.OpenTime == c.OpenTime:
			out := make([]models.Candle, n)
			copy(out, series)
			out[n-1] = c
			return out
		case c.OpenTime < last.OpenTime:
			out := make([]models.Candle, n)
			copy(out, series)
			return out
		}
	}
	out := make([]models.Candle, 0, n+1)
	out = append(out, series...)
	out = append(out, c)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// MergeHistory merges history into series by open time. On equal open times
// the series entry wins. The result is ascending and keeps the newest limit
// candles. Neither input is modified.
func MergeHistory(series, history []models.Candle, limit int) []models.Candle {
	byOpen := make(map[int64]models.Candle, len(series)+len(history))
	for _, c := range history {
		byOpen[c.OpenTime] = c
	}
	for _, c := range series {
		byOpen[c.OpenTime] = c
	}
	out := make([]models.Candle, 0, len(byOpen))
	for _, c := range byOpen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// PushTrade appends e and evicts the oldest entries beyond limit.
func PushTrade(tape []models.TradeTapeEntry, e models.TradeTapeEntry, limit int) []models.TradeTapeEntry {
	out := make([]models.TradeTapeEntry, 0, len(tape)+1)
	out = append(out, tape...)
	out = append(out, e)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ParseLevels converts exchange [price, quantity] string pairs into numeric
// levels, keeping at most limit levels in received order.
func ParseLevels(raw [][]string, limit int) ([]models.DepthLevel, error) {
	n := len(raw)
	if limit > 0 && n > limit {
		n = limit
	}
	levels := make([]models.DepthLevel, 0, n)
	for i := 0; i < n; i++ {
		if len(raw[i]) < 2 {
			return nil, fmt.Errorf("depth level %d: expected [price, quantity], got %d fields", i, len(raw[i]))
		}
		price, err := strconv.ParseFloat(raw[i][0], 64)
		if err != nil {
			return nil, fmt.Errorf("depth level %d price: %w", i, err)
		}
		qty, err := strconv.ParseFloat(raw[i][1], 64)
		if err != nil {
			return nil, fmt.Errorf("depth level %d quantity: %w", i, err)
		}
		levels = append(levels, models.DepthLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func truncateDepth(d models.DepthSnapshot, n int) models.DepthSnapshot {
	out := models.DepthSnapshot{CapturedAt: d.CapturedAt}
	out.Bids = truncateLevels(d.Bids, n)
	out.Asks = truncateLevels(d.Asks, n)
	return out
}

func truncateLevels(levels []models.DepthLevel, n int) []models.DepthLevel {
	if len(levels) > n {
		levels = levels[:n]
	}
	out := make([]models.DepthLevel, len(levels))
	copy(out, levels)
	return out
}

func tickerPrice(t models.TickerSnapshot) models.PricePoint {
	return models.PricePoint{Symbol: t.Symbol, Price: t.Price, CapturedAt: t.CapturedAt}
}
