package jobs

import (
	"context"
	"fmt"
	"sync"
)

// WorkerPool runs jobs on a fixed number of slots, taking job IDs from a
// bounded FIFO queue.
type WorkerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []string
	size    int
	limit   int // max waiting jobs when every slot is busy
	busy    int
	started bool
	stopped bool
	exec    func(id string)
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool with size slots and room for capacity
// waiting jobs. exec runs one job and returns once it is terminal.
func NewWorkerPool(size, capacity int, exec func(id string)) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	p := &WorkerPool{size: size, limit: capacity, exec: exec}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start starts all workers
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

// run is the main worker loop
func (p *WorkerPool) run() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		id := p.pending[0]
		p.pending = p.pending[1:]
		p.busy++
		p.mu.Unlock()

		p.exec(id)

		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
	}
}

// Enqueue appends id to the queue. It fails with ErrQueueFull when every
// slot is busy and the queue already holds its maximum.
func (p *WorkerPool) Enqueue(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("%w: shutting down", ErrQueueFull)
	}
	idle := p.size - p.busy
	if len(p.pending)-idle >= p.limit {
		return fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, len(p.pending))
	}

	p.pending = append(p.pending, id)
	p.cond.Signal()
	return nil
}

// Remove drops id from the queue. Returns false if it was not waiting.
func (p *WorkerPool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pid := range p.pending {
		if pid == id {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Stop stops accepting jobs and tells idle workers to exit. Running jobs
// are not interrupted. Returns the IDs that were still waiting.
func (p *WorkerPool) Stop() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	left := p.pending
	p.pending = nil
	p.cond.Broadcast()
	return left
}

// Wait blocks until every worker has exited or ctx is done
func (p *WorkerPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of waiting jobs
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Busy returns the number of slots running a job
func (p *WorkerPool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Size returns the number of slots
func (p *WorkerPool) Size() int {
	return p.size
}

// Capacity returns the maximum number of waiting jobs
func (p *WorkerPool) Capacity() int {
	return p.limit
}
