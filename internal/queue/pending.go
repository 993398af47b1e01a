package queue

import (
	"context"
	"sync"
)

// Pending is the caller's handle on a submitted unit. It settles exactly once.
type Pending[R any] struct {
	done chan struct{}
	once sync.Once

	result R
	err    error

	mu     sync.Mutex
	unitID string
	queued bool
}

func newPending[R any]() *Pending[R] {
	return &Pending[R]{done: make(chan struct{})}
}

// settle resolves or rejects the handle. Later calls are ignored.
func (p *Pending[R]) settle(result R, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

func (p *Pending[R]) markQueued(unitID string) {
	p.mu.Lock()
	p.unitID = unitID
	p.queued = true
	p.mu.Unlock()
}

// Done is closed once the handle settles
func (p *Pending[R]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the handle settles or ctx ends
func (p *Pending[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Settled reports whether the handle has resolved or rejected
func (p *Pending[R]) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Queued reports whether the first attempt failed transiently and the work
// was handed to the retry loop
func (p *Pending[R]) Queued() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// UnitID is the queued unit's id, empty unless Queued
func (p *Pending[R]) UnitID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unitID
}
