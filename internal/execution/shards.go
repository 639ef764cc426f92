package execution

import (
	"context"
	"hash/fnv"
	"sync"
)

type job struct {
	run  func() (*Fill, error)
	resp chan jobResult
}

type jobResult struct {
	fill *Fill
	err  error
}

// shardPool serializes work per key. Each shard is a single goroutine, so
// two jobs with the same key never overlap while jobs on different shards
// run in parallel.
type shardPool struct {
	shards    []*shard
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type shard struct {
	in   chan job
	done chan struct{}
}

func newShardPool(n, queue int) *shardPool {
	if n <= 0 {
		n = 16
	}
	if queue <= 0 {
		queue = 256
	}
	p := &shardPool{
		shards: make([]*shard, n),
		closed: make(chan struct{}),
	}
	for i := range p.shards {
		s := &shard{in: make(chan job, queue), done: make(chan struct{})}
		p.shards[i] = s
		p.wg.Add(1)
		go p.loop(s)
	}
	return p
}

func (p *shardPool) pick(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

func (p *shardPool) loop(s *shard) {
	defer p.wg.Done()
	defer close(s.done)
	for {
		select {
		case j := <-s.in:
			fill, err := j.run()
			j.resp <- jobResult{fill: fill, err: err}
		case <-p.closed:
			for {
				select {
				case j := <-s.in:
					j.resp <- jobResult{err: ErrEngineClosed}
				default:
					return
				}
			}
		}
	}
}

// do runs fn on the shard owning key. Once the job is queued the caller
// waits for its result; ctx only bounds the wait for queue space.
func (p *shardPool) do(ctx context.Context, key string, fn func() (*Fill, error)) (*Fill, error) {
	s := p.pick(key)
	j := job{run: fn, resp: make(chan jobResult, 1)}

	select {
	case <-p.closed:
		return nil, ErrEngineClosed
	default:
	}
	select {
	case s.in <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrEngineClosed
	}

	select {
	case r := <-j.resp:
		return r.fill, r.err
	case <-s.done:
		select {
		case r := <-j.resp:
			return r.fill, r.err
		default:
			return nil, ErrEngineClosed
		}
	}
}

func (p *shardPool) close() {
	p.closeOnce.Do(func() { close(p.closed) })
	p.wg.Wait()
}
