package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptosim/internal/exception"
	"cryptosim/models"
)

func waitPending(t *testing.T, w *TickWaiter, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return w.Pending() == n }, time.Second, time.Millisecond)
}

func TestTickWaiterResolvesOnNextTick(t *testing.T) {
	w := NewTickWaiter()

	var wg sync.WaitGroup
	results := make([]models.PricePoint, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := w.WaitForTick(context.Background(), "btcusdt", time.Second)
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	waitPending(t, w, 3)

	// other symbols do not resolve the waiters
	w.Notify(models.PricePoint{Symbol: "ETHUSDT", Price: 1})
	assert.Equal(t, 3, w.Pending())

	w.Notify(models.PricePoint{Symbol: "BTCUSDT", Price: 42000})
	wg.Wait()

	for _, p := range results {
		assert.Equal(t, 42000.0, p.Price)
	}
	assert.Equal(t, 0, w.Pending())
}

func TestTickWaiterTimeoutUnregisters(t *testing.T) {
	w := NewTickWaiter()

	start := time.Now()
	_, err := w.WaitForTick(context.Background(), "BTCUSDT", 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrNoMarketData)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, w.Pending())

	// a late tick finds nobody and does not block
	w.Notify(models.PricePoint{Symbol: "BTCUSDT", Price: 1})
}

func TestTickWaiterContextCancel(t *testing.T) {
	w := NewTickWaiter()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := w.WaitForTick(ctx, "BTCUSDT", time.Minute)
		errCh <- err
	}()
	waitPending(t, w, 1)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter did not return after cancel")
	}
	assert.Equal(t, 0, w.Pending())
}
