package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cryptosim/internal/exception"
	"cryptosim/models"
)

// TickWaiter hands the next live trade price of a symbol to callers that
// registered for it. Each waiter resolves exactly once, by tick, timeout or
// cancellation, and is unregistered on every path.
type TickWaiter struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[string]map[uint64]chan models.PricePoint
}

func NewTickWaiter() *TickWaiter {
	return &TickWaiter{waiters: make(map[string]map[uint64]chan models.PricePoint)}
}

// WaitForTick blocks until the next trade for symbol arrives, timeout elapses
// or ctx is done. A timeout returns an error wrapping ErrNoMarketData.
func (w *TickWaiter) WaitForTick(ctx context.Context, symbol string, timeout time.Duration) (models.PricePoint, error) {
	sym := strings.ToUpper(symbol)
	ch := make(chan models.PricePoint, 1)

	w.mu.Lock()
	w.nextID++
	id := w.nextID
	if w.waiters[sym] == nil {
		w.waiters[sym] = make(map[uint64]chan models.PricePoint)
	}
	w.waiters[sym][id] = ch
	w.mu.Unlock()
	defer w.remove(sym, id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-ch:
		return p, nil
	case <-timer.C:
		return models.PricePoint{}, fmt.Errorf("%w: no live tick for %s within %s", exception.ErrNoMarketData, sym, timeout)
	case <-ctx.Done():
		return models.PricePoint{}, ctx.Err()
	}
}

func (w *TickWaiter) remove(sym string, id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if set, ok := w.waiters[sym]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(w.waiters, sym)
		}
	}
}

// Notify resolves every waiter registered for p.Symbol.
func (w *TickWaiter) Notify(p models.PricePoint) {
	sym := strings.ToUpper(p.Symbol)
	w.mu.Lock()
	set := w.waiters[sym]
	delete(w.waiters, sym)
	w.mu.Unlock()

	for _, ch := range set {
		// buffered by one and sent to at most once
		ch <- p
	}
}

// Pending reports the number of registered waiters.
func (w *TickWaiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, set := range w.waiters {
		n += len(set)
	}
	return n
}
