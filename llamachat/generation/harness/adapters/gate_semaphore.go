package adapters

import (
	"context"
	"sync"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"golang.org/x/sync/semaphore"
)

// SemaphoreGate admits at most width concurrent completions. Waiters are
// served in FIFO order.
type SemaphoreGate struct {
	sem   *semaphore.Weighted
	width int64
}

// NewSemaphoreGate creates a gate of the given width. Width one is the global
// completion lock.
func NewSemaphoreGate(width int) *SemaphoreGate {
	if width < 1 {
		width = 1
	}
	return &SemaphoreGate{
		sem:   semaphore.NewWeighted(int64(width)),
		width: int64(width),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *SemaphoreGate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(func() { g.sem.Release(1) }) }, nil
}

// Width returns the number of concurrent completions allowed.
func (g *SemaphoreGate) Width() int { return int(g.width) }

// Ensure SemaphoreGate implements the Gate interface.
var _ ports.Gate = (*SemaphoreGate)(nil)
