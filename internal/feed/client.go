// Package feed keeps one websocket connection to the exchange's combined
// stream endpoint, classifies inbound frames, writes them to the market-data
// cache and emits the matching distribution events.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cryptosim/config"
	"cryptosim/internal/cache"
	"cryptosim/internal/distribution"
	"cryptosim/internal/exception"
	"cryptosim/internal/metrics"
	"cryptosim/internal/subscription"
	"cryptosim/logger"
	"cryptosim/models"
)

// Options carries the collaborators of a Client. Store and Publisher are
// required.
type Options struct {
	Store         cache.Store
	Publisher     distribution.Publisher
	Subscriptions *subscription.Manager
	Ticks         *TickWaiter
	Backfill      Backfiller
	Metrics       *metrics.Metrics
	Logger        *logger.Log
	DepthLevels   int
	Now           func() time.Time
}

type Client struct {
	cfg         config.FeedConfig
	store       cache.Store
	pub         distribution.Publisher
	subs        *subscription.Manager
	ticks       *TickWaiter
	backfill    Backfiller
	metrics     *metrics.Metrics
	log         *logger.Log
	queue       *frameQueue
	depthLevels int
	now         func() time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	connected    atomic.Bool
	degraded     atomic.Bool
	degradedOnce sync.Once
	degradedCh   chan struct{}
}

func NewClient(cfg config.FeedConfig, opts Options) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("feed requires a cache store")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("feed requires a publisher")
	}

	c := &Client{
		cfg:         cfg,
		store:       opts.Store,
		pub:         opts.Publisher,
		subs:        opts.Subscriptions,
		ticks:       opts.Ticks,
		backfill:    opts.Backfill,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		queue:       newFrameQueue(cfg.FrameBuffer),
		depthLevels: opts.DepthLevels,
		now:         opts.Now,
		degradedCh:  make(chan struct{}),
	}
	if c.subs == nil {
		c.subs = subscription.NewManager(0, opts.Metrics)
	}
	if c.ticks == nil {
		c.ticks = NewTickWaiter()
	}
	if c.log == nil {
		c.log = logger.GetLogger()
	}
	if c.depthLevels <= 0 {
		c.depthLevels = cache.DefaultLimits().DepthLevels
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Start launches the subscription drain loop, the dispatcher and the
// connection loop. It returns immediately; connection failures are retried
// in the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("feed client already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := c.subs.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start subscription manager: %w", err)
	}
	c.running = true
	c.ctx = ctx
	c.cancel = cancel

	c.wg.Add(2)
	go c.dispatch(ctx)
	go c.run(ctx)

	c.log.WithComponent("feed").WithFields(logger.Fields{
		"url":          c.cfg.URL,
		"frame_buffer": cap(c.queue.ch),
	}).Info("feed client started")
	return nil
}

func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.subs.Stop()

	stats := c.queue.Stats()
	c.log.WithComponent("feed").WithFields(logger.Fields{
		"frames_queued":  stats.Sent,
		"frames_dropped": stats.Dropped,
	}).Info("feed client stopped")
}

// Subscribe activates trade, depth and kline channels for symbol. New kline
// channels are backfilled in the background when a Backfiller is set.
func (c *Client) Subscribe(symbol string, intervals []string) []string {
	delta := c.subs.Subscribe(symbol, intervals)
	if len(delta) > 0 {
		c.log.WithComponent("feed").WithFields(logger.Fields{
			"symbol":   strings.ToUpper(symbol),
			"channels": delta,
		}).Info("subscribed")
	}
	c.startBackfill(symbol, delta)
	return delta
}

func (c *Client) Unsubscribe(symbol string, intervals []string) []string {
	delta := c.subs.Unsubscribe(symbol, intervals)
	if len(delta) > 0 {
		c.log.WithComponent("feed").WithFields(logger.Fields{
			"symbol":   strings.ToUpper(symbol),
			"channels": delta,
		}).Info("unsubscribed")
	}
	return delta
}

// Ticks exposes the live-tick waiter fed by the trade stream.
func (c *Client) Ticks() *TickWaiter {
	return c.ticks
}

// Degraded is closed once the reconnect budget is exhausted.
func (c *Client) Degraded() <-chan struct{} {
	return c.degradedCh
}

func (c *Client) IsDegraded() bool {
	return c.degraded.Load()
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) QueueStats() QueueStats {
	return c.queue.Stats()
}

func (c *Client) startBackfill(symbol string, delta []string) {
	if c.backfill == nil || len(delta) == 0 {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	running := c.running
	if running {
		c.wg.Add(1)
	}
	c.mu.Unlock()
	if !running {
		return
	}

	sym := strings.ToUpper(symbol)
	var intervals []string
	for _, ch := range delta {
		if i := strings.Index(ch, "@kline_"); i >= 0 {
			intervals = append(intervals, ch[i+len("@kline_"):])
		}
	}

	go func() {
		defer c.wg.Done()
		log := c.log.WithComponent("feed").WithFields(logger.Fields{"symbol": sym})
		for _, interval := range intervals {
			candles, err := c.backfill.Klines(ctx, sym, interval, c.cfg.Backfill.Limit)
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).WithFields(logger.Fields{"interval": interval}).Warn("candle backfill failed")
				}
				continue
			}
			batch := &backfillBatch{symbol: sym, interval: interval, candles: candles}
			if !c.queue.put(ctx, inbound{backfill: batch}) {
				return
			}
		}
	}()
}

// dispatch is the single consumer of the frame queue and therefore the only
// cache writer.
func (c *Client) dispatch(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.queue.ch:
			if msg.backfill != nil {
				c.applyBackfill(ctx, msg.backfill)
				continue
			}
			c.handle(ctx, msg.raw)
		}
	}
}

func (c *Client) handle(ctx context.Context, raw []byte) {
	log := c.log.WithComponent("feed")

	f, err := classify(raw)
	if err != nil {
		c.malformed(log, err, raw)
		return
	}
	c.metrics.Frame(f.kind.String())

	switch f.kind {
	case FrameAck:
		return
	case FrameError:
		log.WithFields(logger.Fields{
			"id":   f.id,
			"code": f.err.Code,
			"msg":  f.err.Msg,
		}).Warn("exchange rejected control request")
		return
	case FrameKline:
		err = c.onKline(ctx, f)
	case FrameTrade:
		err = c.onTrade(ctx, f)
	case FrameDepth:
		err = c.onDepth(ctx, f)
	case FrameMiniTicker:
		err = c.onMiniTicker(ctx, f)
	default:
		log.WithFields(logger.Fields{"stream": f.stream}).Debug("unknown frame ignored")
		return
	}

	if err != nil {
		if errors.Is(err, exception.ErrMalformedFrame) {
			c.malformed(log, err, raw)
			return
		}
		log.WithError(err).WithFields(logger.Fields{
			"kind":   f.kind.String(),
			"stream": f.stream,
		}).Error("failed to apply frame")
	}
}

func (c *Client) malformed(log *logger.Entry, err error, raw []byte) {
	sample := raw
	if len(sample) > 256 {
		sample = sample[:256]
	}
	log.WithError(err).WithFields(logger.Fields{"frame": string(sample)}).Warn("malformed frame dropped")
}

func (c *Client) onKline(ctx context.Context, f frame) error {
	u, err := decodeKline(f)
	if err != nil {
		return err
	}
	series, err := c.store.AppendCandle(ctx, u.symbol, u.interval, u.candle)
	if err != nil {
		return fmt.Errorf("append candle: %w", err)
	}
	return c.emit(ctx, distribution.KlineEvent(u.symbol, u.interval), distribution.KlinePayload{
		Symbol:   u.symbol,
		Interval: u.interval,
		Candles:  series,
	})
}

func (c *Client) onTrade(ctx context.Context, f frame) error {
	entry, err := decodeTrade(f)
	if err != nil {
		return err
	}
	tape, err := c.store.AppendTrade(ctx, entry.Symbol, entry)
	if err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	c.ticks.Notify(models.PricePoint{Symbol: entry.Symbol, Price: entry.Price, CapturedAt: c.now()})
	return c.emit(ctx, distribution.TradeEvent(entry.Symbol), distribution.TradePayload{
		Symbol: entry.Symbol,
		Trades: tape,
	})
}

func (c *Client) onDepth(ctx context.Context, f frame) error {
	symbol, snap, err := decodeDepth(f, c.depthLevels, c.now())
	if err != nil {
		return err
	}
	if err := c.store.SetDepth(ctx, symbol, snap); err != nil {
		return fmt.Errorf("set depth: %w", err)
	}
	return c.emit(ctx, distribution.DepthEvent(symbol), distribution.DepthPayload{
		Symbol:        symbol,
		DepthSnapshot: snap,
	})
}

func (c *Client) onMiniTicker(ctx context.Context, f frame) error {
	tickers, skipped, err := decodeMiniTickers(f, c.now())
	if err != nil {
		return err
	}
	if skipped > 0 {
		c.log.WithComponent("feed").WithFields(logger.Fields{"skipped": skipped}).Debug("mini ticker entries skipped")
	}
	if len(tickers) == 0 {
		return nil
	}
	if err := c.store.SetTickers(ctx, tickers); err != nil {
		return fmt.Errorf("set tickers: %w", err)
	}
	all, err := c.store.ListTickers(ctx)
	if err != nil {
		return fmt.Errorf("list tickers: %w", err)
	}
	return c.emit(ctx, distribution.MarketData, all)
}

func (c *Client) applyBackfill(ctx context.Context, b *backfillBatch) {
	if len(b.candles) == 0 {
		return
	}
	series, err := c.store.SeedCandles(ctx, b.symbol, b.interval, b.candles)
	if err != nil {
		c.log.WithComponent("feed").WithError(err).WithFields(logger.Fields{
			"symbol":   b.symbol,
			"interval": b.interval,
		}).Error("failed to apply backfilled candles")
		return
	}
	logger.LogDataFlowEntry(c.log.WithComponent("feed"), "rest", "cache", len(b.candles), "candles")
	if err := c.emit(ctx, distribution.KlineEvent(b.symbol, b.interval), distribution.KlinePayload{
		Symbol:   b.symbol,
		Interval: b.interval,
		Candles:  series,
	}); err != nil {
		c.log.WithComponent("feed").WithError(err).Warn("failed to publish backfilled series")
	}
}

func (c *Client) emit(ctx context.Context, name string, payload interface{}) error {
	err := c.pub.Publish(ctx, distribution.Event{
		Name:      name,
		Payload:   payload,
		EmittedAt: c.now(),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}
