package syncengine

import (
	"context"
	"sync"
)

// ProjectGate serializes work on one project across the forward and reverse
// passes. Different projects never wait on each other.
type ProjectGate struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewProjectGate() *ProjectGate {
	return &ProjectGate{slots: map[string]chan struct{}{}}
}

func (g *ProjectGate) slot(projectID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.slots[projectID]
	if !ok {
		ch = make(chan struct{}, 1)
		g.slots[projectID] = ch
	}
	return ch
}

// Acquire blocks until the project is free or ctx is done.
func (g *ProjectGate) Acquire(ctx context.Context, projectID string) (func(), error) {
	ch := g.slot(projectID)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
