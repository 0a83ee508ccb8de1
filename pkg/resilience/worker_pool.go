package resilience

import (
	"context"
	"errors"
	"sync"
)

var ErrWorkerPoolClosed = errors.New("dispatch pool is closed")

// DispatchPool bounds how many inbound forward_request callbacks run
// concurrently. grpcbus hands every accepted frame to DispatchPool.Submit
// instead of spawning a goroutine per frame, so a burst of traffic from one
// peer can't run the local handler unbounded.
type DispatchPool struct {
	jobs   chan func()
	closed bool
	mu     sync.RWMutex
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWorkerPool starts workers goroutines draining a queue of size
// queueSize. Submit blocks (respecting ctx) once the queue is full.
func NewWorkerPool(workers, queueSize int) *DispatchPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}

	p := &DispatchPool{
		jobs: make(chan func(), queueSize),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				if job != nil {
					job()
				}
			}
		}()
	}

	return p
}

func (p *DispatchPool) Submit(ctx context.Context, job func()) error {
	if job == nil {
		return nil
	}

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrWorkerPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job:
		return nil
	}
}

func (p *DispatchPool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

func (p *DispatchPool) Wait() {
	p.wg.Wait()
}

// Pending reports how many submitted forward_request dispatches are
// currently queued waiting for a free worker.
func (p *DispatchPool) Pending() int {
	return len(p.jobs)
}
