package feed

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"

	"cryptosim/config"
	"cryptosim/models"
)

// Backfiller loads recent candles so a freshly subscribed series is not
// empty until the next kline push.
type Backfiller interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// RESTBackfiller reads klines from the exchange REST API.
type RESTBackfiller struct {
	client *binance.Client
	now    func() time.Time
}

func NewRESTBackfiller(cfg config.BackfillConfig) *RESTBackfiller {
	client := binance.NewClient("", "")
	if cfg.RESTURL != "" {
		client.BaseURL = strings.TrimRight(cfg.RESTURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &RESTBackfiller{client: client, now: time.Now}
}

func (b *RESTBackfiller) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	klines, err := b.client.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}
	nowMs := b.now().UnixMilli()
	out := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := candleFromREST(k, nowMs)
		if err != nil {
			return nil, fmt.Errorf("kline %s %s at %d: %w", symbol, interval, k.OpenTime, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func candleFromREST(k *binance.Kline, nowMs int64) (models.Candle, error) {
	vals := make([]float64, 5)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, err
		}
		vals[i] = v
	}
	return models.Candle{
		OpenTime: k.OpenTime,
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
		Closed:   k.CloseTime < nowMs,
	}, nil
}
