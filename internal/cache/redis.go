package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"cryptosim/config"
	"cryptosim/models"
)

const (
	tickerPrefix = "market:"
	candlePrefix = "kline:"
	tradesPrefix = "trades:"
	depthPrefix  = "depth:"
)

func TickerKey(symbol string) string { return tickerPrefix + normSymbol(symbol) }
func CandleKey(symbol, interval string) string {
	return candlePrefix + normSymbol(symbol) + ":" + interval
}
func TradesKey(symbol string) string { return tradesPrefix + normSymbol(symbol) }
func DepthKey(symbol string) string  { return depthPrefix + normSymbol(symbol) }

// Redis stores each view as a JSON value under a fixed key layout so that
// processes sharing the instance see the same market state. Series updates
// are read-modify-write and rely on the feed being the single writer.
type Redis struct {
	client redis.UniversalClient
	limits Limits
}

func NewRedis(client redis.UniversalClient, limits Limits) *Redis {
	return &Redis{client: client, limits: limits.normalize()}
}

// DialRedis creates a client from cfg and verifies the connection.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func (r *Redis) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) SetTicker(ctx context.Context, t models.TickerSnapshot) error {
	t.Symbol = normSymbol(t.Symbol)
	return r.setJSON(ctx, TickerKey(t.Symbol), t)
}

// SetTickers writes a whole mini-ticker push in one pipeline round trip.
func (r *Redis) SetTickers(ctx context.Context, ts []models.TickerSnapshot) error {
	if len(ts) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range ts {
			t.Symbol = normSymbol(t.Symbol)
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("failed to marshal ticker %s: %w", t.Symbol, err)
			}
			pipe.Set(ctx, TickerKey(t.Symbol), data, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write tickers: %w", err)
	}
	return nil
}

func (r *Redis) AppendCandle(ctx context.Context, symbol, interval string, c models.Candle) ([]models.Candle, error) {
	key := CandleKey(symbol, interval)
	var series []models.Candle
	if _, err := r.getJSON(ctx, key, &series); err != nil {
		return nil, err
	}
	series = MergeCandle(series, c, r.limits.Candles)
	if err := r.setJSON(ctx, key, series); err != nil {
		return nil, err
	}
	return series, nil
}

func (r *Redis) SeedCandles(ctx context.Context, symbol, interval string, history []models.Candle) ([]models.Candle, error) {
	key := CandleKey(symbol, interval)
	var series []models.Candle
	if _, err := r.getJSON(ctx, key, &series); err != nil {
		return nil, err
	}
	series = MergeHistory(series, history, r.limits.Candles)
	if err := r.setJSON(ctx, key, series); err != nil {
		return nil, err
	}
	return series, nil
}

func (r *Redis) AppendTrade(ctx context.Context, symbol string, e models.TradeTapeEntry) ([]models.TradeTapeEntry, error) {
	key := TradesKey(symbol)
	var tape []models.TradeTapeEntry
	if _, err := r.getJSON(ctx, key, &tape); err != nil {
		return nil, err
	}
	tape = PushTrade(tape, e, r.limits.Trades)
	if err := r.setJSON(ctx, key, tape); err != nil {
		return nil, err
	}
	return tape, nil
}

func (r *Redis) SetDepth(ctx context.Context, symbol string, d models.DepthSnapshot) error {
	return r.setJSON(ctx, DepthKey(symbol), truncateDepth(d, r.limits.DepthLevels))
}

func (r *Redis) Ticker(ctx context.Context, symbol string) (models.TickerSnapshot, bool, error) {
	var t models.TickerSnapshot
	ok, err := r.getJSON(ctx, TickerKey(symbol), &t)
	return t, ok, err
}

func (r *Redis) Candles(ctx context.Context, symbol, interval string) ([]models.Candle, error) {
	series := []models.Candle{}
	if _, err := r.getJSON(ctx, CandleKey(symbol, interval), &series); err != nil {
		return nil, err
	}
	return series, nil
}

func (r *Redis) Trades(ctx context.Context, symbol string) ([]models.TradeTapeEntry, error) {
	tape := []models.TradeTapeEntry{}
	if _, err := r.getJSON(ctx, TradesKey(symbol), &tape); err != nil {
		return nil, err
	}
	return tape, nil
}

func (r *Redis) Depth(ctx context.Context, symbol string) (models.DepthSnapshot, bool, error) {
	var d models.DepthSnapshot
	ok, err := r.getJSON(ctx, DepthKey(symbol), &d)
	return d, ok, err
}

func (r *Redis) ListTickers(ctx context.Context) ([]models.TickerSnapshot, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, tickerPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tickers: %w", err)
	}
	if len(keys) == 0 {
		return []models.TickerSnapshot{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tickers: %w", err)
	}
	out := make([]models.TickerSnapshot, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// expired or deleted between SCAN and MGET
			continue
		}
		var t models.TickerSnapshot
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *Redis) LatestPrice(ctx context.Context, symbol string) (models.PricePoint, bool, error) {
	t, ok, err := r.Ticker(ctx, symbol)
	if err != nil || !ok {
		return models.PricePoint{}, false, err
	}
	return tickerPrice(t), true, nil
}
