package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cryptosim/internal/metrics"
	"cryptosim/logger"
)

// Sender writes one control frame to the live connection.
type Sender interface {
	WriteJSON(v interface{}) error
}

// Manager owns the active channel set and the outbound control queue. Its
// drain goroutine is the only code path that writes control frames, and it
// writes at most one frame per interval regardless of how many callers
// subscribe concurrently.
type Manager struct {
	mu      sync.Mutex
	active  channelSet
	queue   []ControlMessage
	sender  Sender
	nextID  int64
	wake    chan struct{}
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	metrics *metrics.Metrics
	log     *logger.Log
}

func NewManager(interval time.Duration, m *metrics.Metrics) *Manager {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Manager{
		active:  make(channelSet),
		wake:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		metrics: m,
		log:     logger.GetLogger(),
	}
}

// Subscribe activates the channels for symbol and queues one SUBSCRIBE for
// the ones not already active. It returns that delta, sorted like a resync.
func (m *Manager) Subscribe(symbol string, intervals []string) []string {
	return m.apply(MethodSubscribe, Channels(symbol, intervals))
}

// Unsubscribe is the inverse of Subscribe.
func (m *Manager) Unsubscribe(symbol string, intervals []string) []string {
	return m.apply(MethodUnsubscribe, Channels(symbol, intervals))
}

func (m *Manager) apply(method string, channels []string) []string {
	m.mu.Lock()
	var delta []string
	if method == MethodSubscribe {
		delta = m.active.add(channels)
	} else {
		delta = m.active.remove(channels)
	}
	sort.Strings(delta)
	if len(delta) > 0 {
		m.enqueueLocked(method, delta)
	}
	m.mu.Unlock()

	if len(delta) > 0 {
		m.log.WithComponent("subscription").WithFields(logger.Fields{
			"method":   method,
			"channels": delta,
		}).Debug("control frame queued")
	}
	return delta
}

func (m *Manager) enqueueLocked(method string, params []string) {
	m.nextID++
	m.queue = append(m.queue, ControlMessage{Method: method, Params: params, ID: m.nextID})
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Active returns the active per-symbol channels in sorted order.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.sorted()
}

func (m *Manager) IsActive(channel string) bool {
	m.mu.Lock()
	_, ok := m.active[channel]
	m.mu.Unlock()
	return ok
}

// Pending reports how many control frames are waiting to be sent.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Attach binds a freshly opened connection and resynchronises it.
func (m *Manager) Attach(s Sender) {
	m.mu.Lock()
	m.sender = s
	m.resyncLocked()
	m.mu.Unlock()
}

// Detach unbinds the connection. Queued frames stay queued until the next
// Attach replaces them.
func (m *Manager) Detach() {
	m.mu.Lock()
	m.sender = nil
	m.mu.Unlock()
}

// Resync replaces the pending queue with the default mini-ticker SUBSCRIBE
// followed by one SUBSCRIBE naming the whole active set. Deltas queued for a
// previous connection are subsumed by it.
func (m *Manager) Resync() {
	m.mu.Lock()
	m.resyncLocked()
	m.mu.Unlock()
}

func (m *Manager) resyncLocked() {
	m.queue = m.queue[:0]
	m.enqueueLocked(MethodSubscribe, []string{MiniTickerChannel})
	if len(m.active) > 0 {
		m.enqueueLocked(MethodSubscribe, m.active.sorted())
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return fmt.Errorf("subscription manager already running")
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.drain(ctx)
	return nil
}

func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.runMu.Unlock()

	m.wg.Wait()
	m.log.WithComponent("subscription").Info("subscription manager stopped")
}

func (m *Manager) ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sender != nil && len(m.queue) > 0
}

func (m *Manager) drain(ctx context.Context) {
	defer m.wg.Done()
	log := m.log.WithComponent("subscription")

	for {
		if !m.ready() {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return
		}

		m.mu.Lock()
		if m.sender == nil || len(m.queue) == 0 {
			m.mu.Unlock()
			continue
		}
		msg := m.queue[0]
		m.queue = m.queue[1:]
		sender := m.sender
		m.mu.Unlock()

		if err := sender.WriteJSON(msg); err != nil {
			// the read loop sees the broken connection and the next Attach
			// resends the active set
			log.WithError(err).WithFields(logger.Fields{"method": msg.Method, "id": msg.ID}).Warn("failed to write control frame")
			continue
		}
		m.metrics.ControlFrame(msg.Method)
		logger.IncrementControlFrame()
		log.WithFields(logger.Fields{
			"method": msg.Method,
			"id":     msg.ID,
			"params": len(msg.Params),
		}).Debug("control frame sent")
	}
}
