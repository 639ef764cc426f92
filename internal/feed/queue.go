package feed

import (
	"context"
	"sync"

	"cryptosim/models"
)

// inbound is one unit of work for the dispatcher: either a raw socket frame
// or a batch of backfilled candles.
type inbound struct {
	raw      []byte
	backfill *backfillBatch
}

type backfillBatch struct {
	symbol   string
	interval string
	candles  []models.Candle
}

type QueueStats struct {
	Sent    int64
	Dropped int64
}

// frameQueue is the single logical stream between the socket reader and the
// dispatcher.
type frameQueue struct {
	ch chan inbound

	stats      QueueStats
	statsMutex sync.RWMutex
}

func newFrameQueue(size int) *frameQueue {
	if size <= 0 {
		size = 1024
	}
	return &frameQueue{ch: make(chan inbound, size)}
}

// offer enqueues without blocking and drops when the queue is full.
func (q *frameQueue) offer(ctx context.Context, msg inbound) bool {
	select {
	case q.ch <- msg:
		q.count(true)
		return true
	case <-ctx.Done():
		return false
	default:
		q.count(false)
		return false
	}
}

// put enqueues and waits for room. Backfill uses it so seeded history is
// never dropped.
func (q *frameQueue) put(ctx context.Context, msg inbound) bool {
	select {
	case q.ch <- msg:
		q.count(true)
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *frameQueue) count(sent bool) {
	q.statsMutex.Lock()
	if sent {
		q.stats.Sent++
	} else {
		q.stats.Dropped++
	}
	q.statsMutex.Unlock()
}

func (q *frameQueue) Stats() QueueStats {
	q.statsMutex.RLock()
	defer q.statsMutex.RUnlock()
	return q.stats
}
