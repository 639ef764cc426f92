// Package intake reads order and watchlist requests from a Kafka topic and
// hands them to the execution engine or the watchlist service.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"cryptosim/config"
	"cryptosim/internal/distribution"
	"cryptosim/internal/exception"
	"cryptosim/internal/execution"
	"cryptosim/internal/watchlist"
	"cryptosim/logger"
	"cryptosim/models"
)

// Request types carried in the "type" field. A message without one is an
// order.
const (
	TypeOrder     = "order"
	TypeWatchlist = "watchlist"
)

// Executor settles one order.
type Executor interface {
	Execute(ctx context.Context, req execution.OrderRequest) (*execution.Fill, error)
}

// Watchlists applies one watchlist request and returns the user's
// watchlists afterwards.
type Watchlists interface {
	Apply(ctx context.Context, req watchlist.Request) ([]models.Watchlist, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Stats struct {
	Received   int64
	Filled     int64
	Rejected   int64
	Malformed  int64
	Watchlists int64
}

// Consumer processes one message at a time and commits it after the engine
// has answered, so a restart resumes at the first unanswered order.
type Consumer struct {
	reader     messageReader
	exec       Executor
	watchlists Watchlists
	publisher  distribution.Publisher
	topic      string
	retry      time.Duration
	log        *logger.Log

	received      int64
	filled        int64
	rejected      int64
	malformed     int64
	watchlistReqs int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewConsumer(cfg config.KafkaConfig, exec Executor, publisher distribution.Publisher) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.OrderTopic == "" {
		return nil, fmt.Errorf("kafka order topic not configured")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.OrderGroupID,
		Topic:    cfg.OrderTopic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  500 * time.Millisecond,
	})
	return newConsumer(r, cfg.OrderTopic, exec, publisher)
}

func newConsumer(r messageReader, topic string, exec Executor, publisher distribution.Publisher) (*Consumer, error) {
	if exec == nil {
		return nil, fmt.Errorf("order consumer requires an executor")
	}
	return &Consumer{
		reader:    r,
		exec:      exec,
		publisher: publisher,
		topic:     topic,
		retry:     time.Second,
		log:       logger.GetLogger(),
	}, nil
}

// HandleWatchlists routes "watchlist" requests to w. Call it before Start;
// without it such requests are dropped as malformed.
func (c *Consumer) HandleWatchlists(w Watchlists) {
	c.watchlists = w
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("order consumer already running")
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.loop(ctx)

	c.log.WithComponent("intake").WithFields(logger.Fields{"topic": c.topic}).Info("order consumer started")
	return nil
}

func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.log.WithComponent("intake").WithError(err).Warn("failed to close kafka reader")
	}
	stats := c.Stats()
	c.log.WithComponent("intake").WithFields(logger.Fields{
		"received":   stats.Received,
		"filled":     stats.Filled,
		"rejected":   stats.Rejected,
		"malformed":  stats.Malformed,
		"watchlists": stats.Watchlists,
	}).Info("order consumer stopped")
}

func (c *Consumer) Stats() Stats {
	return Stats{
		Received:   atomic.LoadInt64(&c.received),
		Filled:     atomic.LoadInt64(&c.filled),
		Rejected:   atomic.LoadInt64(&c.rejected),
		Malformed:  atomic.LoadInt64(&c.malformed),
		Watchlists: atomic.LoadInt64(&c.watchlistReqs),
	}
}

func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()
	log := c.log.WithComponent("intake")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to fetch order message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retry):
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("failed to commit order message")
		}
	}
}

// handle reports false when the engine did not answer because of shutdown;
// the message is then left uncommitted.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	atomic.AddInt64(&c.received, 1)
	requestID := string(msg.Key)
	log := c.log.WithComponent("intake").WithFields(logger.Fields{
		"request_id": requestID,
		"offset":     msg.Offset,
	})

	kind, err := requestType(msg.Value)
	if err == nil && kind == TypeWatchlist {
		if c.watchlists == nil {
			err = fmt.Errorf("watchlist requests are not handled here")
		} else {
			return c.handleWatchlist(ctx, log, requestID, msg.Value)
		}
	}
	if err == nil && kind != "" && kind != TypeOrder {
		err = fmt.Errorf("unknown request type %q", kind)
	}
	var req execution.OrderRequest
	if err == nil {
		req, err = decodeRequest(msg.Value)
	}
	if err != nil {
		atomic.AddInt64(&c.malformed, 1)
		log.WithError(err).Warn("dropping malformed order message")
		return true
	}

	fill, err := c.exec.Execute(ctx, req)
	if err == nil {
		atomic.AddInt64(&c.filled, 1)
		log.WithFields(logger.Fields{"order_id": fill.Order.ID}).Debug("order filled")
		return true
	}
	if errors.Is(err, execution.ErrEngineClosed) || ctx.Err() != nil {
		return false
	}

	atomic.AddInt64(&c.rejected, 1)
	payload := distribution.OrderRejectedPayload{
		RequestID: requestID,
		Symbol:    strings.ToUpper(req.Symbol),
		State:     string(execution.StateRejected),
		Reason:    "error",
		Detail:    err.Error(),
	}
	var rej *execution.RejectError
	if errors.As(err, &rej) {
		payload.State = string(rej.State)
		payload.Reason = rej.Code()
		payload.Detail = rej.Detail
	}
	if c.publisher == nil || req.UserID == "" {
		return true
	}
	if err := c.publisher.Publish(ctx, distribution.Event{
		Name:    distribution.OrderRejected,
		UserID:  req.UserID,
		Payload: payload,
	}); err != nil {
		log.WithError(err).Warn("failed to publish order rejection")
	}
	return true
}

func (c *Consumer) handleWatchlist(ctx context.Context, log *logger.Entry, requestID string, data []byte) bool {
	var req watchlist.Request
	if err := json.Unmarshal(data, &req); err != nil {
		atomic.AddInt64(&c.malformed, 1)
		log.WithError(err).Warn("dropping malformed watchlist message")
		return true
	}

	lists, err := c.watchlists.Apply(ctx, req)
	if err != nil && ctx.Err() != nil {
		return false
	}
	atomic.AddInt64(&c.watchlistReqs, 1)

	ev := distribution.Event{UserID: req.UserID}
	if err != nil {
		entry := log.WithError(err).WithFields(logger.Fields{"action": req.Action})
		if watchlist.IsInvalid(err) {
			entry.Info("watchlist request rejected")
		} else {
			entry.Warn("watchlist request failed")
		}
		ev.Name = distribution.WatchlistRejected
		ev.Payload = distribution.WatchlistRejectedPayload{
			RequestID: requestID,
			Action:    string(req.Action),
			Reason:    watchlistReason(err),
			Detail:    err.Error(),
		}
	} else {
		ev.Name = distribution.WatchlistUpdated
		ev.Payload = distribution.WatchlistPayload{
			RequestID:  requestID,
			Action:     string(req.Action),
			Watchlists: lists,
		}
	}
	if c.publisher == nil || req.UserID == "" {
		return true
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		log.WithError(err).Warn("failed to publish watchlist result")
	}
	return true
}

func watchlistReason(err error) string {
	switch {
	case errors.Is(err, exception.ErrNotFound):
		return "not_found"
	case errors.Is(err, exception.ErrInvalidWatchlist):
		return "invalid_request"
	default:
		return "error"
	}
}

func requestType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("decode request type: %w", err)
	}
	return strings.ToLower(strings.TrimSpace(head.Type)), nil
}

func decodeRequest(data []byte) (execution.OrderRequest, error) {
	var req execution.OrderRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decode order request: %w", err)
	}
	return req, nil
}
