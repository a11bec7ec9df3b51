package pipeline

import (
	"context"
	"sync"
	"time"
)

// Pool runs a resizable set of identical workers. Each worker gets two
// contexts: pickup is cancelled when the pool shrinks past it and only
// gates claiming new work; lifecycle is the pool's own context, so a
// message already claimed keeps executing across a shrink or a pause.
type Pool struct {
	name string
	run  func(pickup, lifecycle context.Context, worker int)

	mu      sync.Mutex
	base    context.Context
	cancels []context.CancelFunc
	next    int
	wg      sync.WaitGroup
}

// NewPool constructs a pool around a worker loop body.
func NewPool(name string, run func(pickup, lifecycle context.Context, worker int)) *Pool {
	return &Pool{name: name, run: run}
}

// Start binds the pool to a lifecycle context and spawns the initial
// workers.
func (p *Pool) Start(ctx context.Context, size int) {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()
	p.Resize(size)
}

// Size reports the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// Resize grows or shrinks the pool. Growth spawns workers immediately;
// shrink cancels the newest workers' pickup contexts and lets each finish
// whatever it already claimed before exiting.
func (p *Pool) Resize(size int) {
	if size < 0 {
		size = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.base == nil {
		return
	}
	for len(p.cancels) < size {
		pickupCtx, cancel := context.WithCancel(p.base)
		p.cancels = append(p.cancels, cancel)
		id := p.next
		p.next++
		base := p.base
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(pickupCtx, base, id)
		}()
	}
	for len(p.cancels) > size {
		last := len(p.cancels) - 1
		p.cancels[last]()
		p.cancels = p.cancels[:last]
	}
}

// Wait blocks until every worker has exited or the timeout elapses. It
// reports whether the pool drained in time.
func (p *Pool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
