package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"cryptosim/config"
	"cryptosim/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultPublishBuffer = 4096
	maxWriteBatch        = 100
	writeTimeout         = 10 * time.Second
)

// ErrPublishBufferFull is returned when the writer goroutine is behind and
// the event was dropped.
var ErrPublishBufferFull = errors.New("kafka publish buffer full")

var errPublisherClosed = errors.New("kafka publisher closed")

type KafkaStats struct {
	Written int64
	Dropped int64
	Failed  int64
}

// KafkaPublisher writes market events to the market topic keyed by event
// name and user events to the user topic keyed by user id, so that a user's
// events stay ordered within one partition. Publish only encodes and
// enqueues; a single writer goroutine owns the kafka.Writer.
type KafkaPublisher struct {
	writer      messageWriter
	marketTopic string
	userTopic   string
	log         *logger.Log

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	wg     sync.WaitGroup

	written int64
	dropped int64
	failed  int64
}

func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		BatchSize:              maxWriteBatch,
		AllowAutoTopicCreation: true,
	}
	kp := newKafkaPublisher(w, cfg.MarketTopic, cfg.UserTopic, cfg.PublishBuffer)
	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers":      cfg.Brokers,
		"market_topic": cfg.MarketTopic,
		"user_topic":   cfg.UserTopic,
		"buffer":       cap(kp.queue),
	}).Info("kafka publisher initialized")
	return kp, nil
}

func newKafkaPublisher(w messageWriter, marketTopic, userTopic string, buffer int) *KafkaPublisher {
	if buffer <= 0 {
		buffer = defaultPublishBuffer
	}
	kp := &KafkaPublisher{
		writer:      w,
		marketTopic: marketTopic,
		userTopic:   userTopic,
		log:         logger.GetLogger(),
		queue:       make(chan kafka.Message, buffer),
	}
	kp.wg.Add(1)
	go kp.run()
	return kp
}

func (kp *KafkaPublisher) message(e Event) (kafka.Message, error) {
	if e.EmittedAt.IsZero() {
		e.EmittedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event %s: %w", e.Name, err)
	}
	msg := kafka.Message{
		Topic: kp.marketTopic,
		Key:   []byte(e.Name),
		Value: data,
		Time:  e.EmittedAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Name)},
		},
	}
	if e.IsUserEvent() {
		msg.Topic = kp.userTopic
		msg.Key = []byte(e.UserID)
	}
	return msg, nil
}

// Publish never waits on the broker. When the buffer is full the event is
// dropped and ErrPublishBufferFull returned.
func (kp *KafkaPublisher) Publish(_ context.Context, e Event) error {
	msg, err := kp.message(e)
	if err != nil {
		return err
	}

	kp.mu.RLock()
	defer kp.mu.RUnlock()
	if kp.closed {
		return fmt.Errorf("kafka publish %s: %w", e.Name, errPublisherClosed)
	}
	select {
	case kp.queue <- msg:
		return nil
	default:
		atomic.AddInt64(&kp.dropped, 1)
		return fmt.Errorf("kafka publish %s: %w", e.Name, ErrPublishBufferFull)
	}
}

// run drains the queue in batches until Close closes it.
func (kp *KafkaPublisher) run() {
	defer kp.wg.Done()
	batch := make([]kafka.Message, 0, maxWriteBatch)
	for msg := range kp.queue {
		batch = append(batch[:0], msg)
	fill:
		for len(batch) < maxWriteBatch {
			select {
			case next, ok := <-kp.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		kp.write(batch)
	}
}

func (kp *KafkaPublisher) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := kp.writer.WriteMessages(ctx, batch...); err != nil {
		atomic.AddInt64(&kp.failed, int64(len(batch)))
		kp.log.WithComponent("kafka_publisher").WithError(err).WithFields(logger.Fields{
			"messages": len(batch),
			"topic":    batch[0].Topic,
		}).Warn("failed to write messages")
		return
	}
	atomic.AddInt64(&kp.written, int64(len(batch)))
}

func (kp *KafkaPublisher) Stats() KafkaStats {
	return KafkaStats{
		Written: atomic.LoadInt64(&kp.written),
		Dropped: atomic.LoadInt64(&kp.dropped),
		Failed:  atomic.LoadInt64(&kp.failed),
	}
}

// Close flushes queued events and closes the writer.
func (kp *KafkaPublisher) Close() error {
	kp.mu.Lock()
	if kp.closed {
		kp.mu.Unlock()
		return nil
	}
	kp.closed = true
	close(kp.queue)
	kp.mu.Unlock()

	kp.wg.Wait()
	stats := kp.Stats()
	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"written": stats.Written,
		"dropped": stats.Dropped,
		"failed":  stats.Failed,
	}).Debug("closing kafka publisher")
	return kp.writer.Close()
}

// Multi publishes every event to each publisher in order and joins their
// errors. A failing publisher does not prevent delivery to the others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
