package delivery

import (
	"context"
	"sync"
)

// Pool runs deliveries on a fixed set of workers, decoupled from the request
// thread that produced the events. A single event can occupy a worker
// intermittently over tens of seconds across retries; size the pool
// accordingly.
type Pool struct {
	deliverer *Deliverer
	tasks     chan DispatchEvent
	wg        sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewPool returns a pool over the given deliverer with the given
// concurrency and queue depth.
func NewPool(deliverer *Deliverer, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 4
	}
	p := &Pool{
		deliverer: deliverer,
		tasks:     make(chan DispatchEvent, concurrency*16),
	}
	p.start(concurrency)
	return p
}

func (p *Pool) start(concurrency int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for ev := range p.tasks {
				p.deliverer.Deliver(context.Background(), ev)
			}
		}()
	}
}

// Submit enqueues an event for asynchronous delivery. Blocks when the
// buffer is full rather than dropping: the event has already survived the
// host's commit and must at least reach the delivery task's entry point.
func (p *Pool) Submit(_ context.Context, ev DispatchEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.tasks <- ev
}

// Close stops accepting events and waits for in-flight deliveries to
// finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.tasks)
	p.wg.Wait()
}
