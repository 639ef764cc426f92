package cache

import (
	"context"
	"sort"
	"sync"

	"cryptosim/models"
)

// Memory keeps all views in process memory.
type Memory struct {
	mu      sync.RWMutex
	limits  Limits
	tickers map[string]models.TickerSnapshot
	candles map[string][]models.Candle
	trades  map[string][]models.TradeTapeEntry
	depth   map[string]models.DepthSnapshot
}

func NewMemory(limits Limits) *Memory {
	return &Memory{
		limits:  limits.normalize(),
		tickers: make(map[string]models.TickerSnapshot),
		candles: make(map[string][]models.Candle),
		trades:  make(map[string][]models.TradeTapeEntry),
		depth:   make(map[string]models.DepthSnapshot),
	}
}

func candleKey(symbol, interval string) string {
	return symbol + ":" + interval
}

func (m *Memory) SetTicker(_ context.Context, t models.TickerSnapshot) error {
	t.Symbol = normSymbol(t.Symbol)
	m.mu.Lock()
	m.tickers[t.Symbol] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetTickers(ctx context.Context, ts []models.TickerSnapshot) error {
	for _, t := range ts {
		if err := m.SetTicker(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) AppendCandle(_ context.Context, symbol, interval string, c models.Candle) ([]models.Candle, error) {
	key := candleKey(normSymbol(symbol), interval)
	m.mu.Lock()
	defer m.mu.Unlock()
	series := MergeCandle(m.candles[key], c, m.limits.Candles)
	m.candles[key] = series
	return copyCandles(series), nil
}

func (m *Memory) SeedCandles(_ context.Context, symbol, interval string, history []models.Candle) ([]models.Candle, error) {
	key := candleKey(normSymbol(symbol), interval)
	m.mu.Lock()
	defer m.mu.Unlock()
	series := MergeHistory(m.candles[key], history, m.limits.Candles)
	m.candles[key] = series
	return copyCandles(series), nil
}

func (m *Memory) AppendTrade(_ context.Context, symbol string, e models.TradeTapeEntry) ([]models.TradeTapeEntry, error) {
	sym := normSymbol(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	tape := PushTrade(m.trades[sym], e, m.limits.Trades)
	m.trades[sym] = tape
	return copyTrades(tape), nil
}

func (m *Memory) SetDepth(_ context.Context, symbol string, d models.DepthSnapshot) error {
	sym := normSymbol(symbol)
	d = truncateDepth(d, m.limits.DepthLevels)
	m.mu.Lock()
	m.depth[sym] = d
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ticker(_ context.Context, symbol string) (models.TickerSnapshot, bool, error) {
	m.mu.RLock()
	t, ok := m.tickers[normSymbol(symbol)]
	m.mu.RUnlock()
	return t, ok, nil
}

func (m *Memory) Candles(_ context.Context, symbol, interval string) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyCandles(m.candles[candleKey(normSymbol(symbol), interval)]), nil
}

func (m *Memory) Trades(_ context.Context, symbol string) ([]models.TradeTapeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyTrades(m.trades[normSymbol(symbol)]), nil
}

func (m *Memory) Depth(_ context.Context, symbol string) (models.DepthSnapshot, bool, error) {
	m.mu.RLock()
	d, ok := m.depth[normSymbol(symbol)]
	m.mu.RUnlock()
	if !ok {
		return models.DepthSnapshot{}, false, nil
	}
	return copyDepth(d), true, nil
}

func (m *Memory) ListTickers(_ context.Context) ([]models.TickerSnapshot, error) {
	m.mu.RLock()
	out := make([]models.TickerSnapshot, 0, len(m.tickers))
	for _, t := range m.tickers {
		out = append(out, t)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Memory) LatestPrice(ctx context.Context, symbol string) (models.PricePoint, bool, error) {
	t, ok, err := m.Ticker(ctx, symbol)
	if err != nil || !ok {
		return models.PricePoint{}, false, err
	}
	return tickerPrice(t), true, nil
}

func copyCandles(in []models.Candle) []models.Candle {
	out := make([]models.Candle, len(in))
	copy(out, in)
	return out
}

func copyTrades(in []models.TradeTapeEntry) []models.TradeTapeEntry {
	out := make([]models.TradeTapeEntry, len(in))
	copy(out, in)
	return out
}

func copyDepth(d models.DepthSnapshot) models.DepthSnapshot {
	return models.DepthSnapshot{
		Bids:       truncateLevels(d.Bids, len(d.Bids)),
		Asks:       truncateLevels(d.Asks, len(d.Asks)),
		CapturedAt: d.CapturedAt,
	}
}
