package table

import (
	"context"
	"sync"
)

// State is the lifecycle state of a collection's table.
type State int

const (
	Pending State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Gate is a one-shot readiness latch. Every waiter that arrives while it is
// pending is released once it settles, in no particular order; later
// arrivals return immediately with the settled result.
type Gate struct {
	mu      sync.Mutex
	state   State
	err     error
	waiters []chan struct{}
}

// NewGate returns a pending gate.
func NewGate() *Gate {
	return &Gate{}
}

// Settle moves the gate to Ready (err == nil) or Failed. Only the first call
// has an effect.
func (g *Gate) Settle(err error) {
	g.mu.Lock()

	if g.state != Pending {
		g.mu.Unlock()

		return
	}

	if err != nil {
		g.state = Failed
		g.err = err
	} else {
		g.state = Ready
	}

	waiters := g.waiters
	g.waiters = nil

	g.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Wait blocks until the gate settles or ctx is done. It returns the captured
// creation error for a failed gate.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()

	switch g.state {
	case Ready:
		g.mu.Unlock()

		return nil
	case Failed:
		err := g.err
		g.mu.Unlock()

		return err
	}

	w := make(chan struct{})
	g.waiters = append(g.waiters, w)

	g.mu.Unlock()

	select {
	case <-w:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.err
}

// State returns the current state and, when failed, the captured error.
func (g *Gate) State() (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state, g.err
}
