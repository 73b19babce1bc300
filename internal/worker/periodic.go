package worker

import (
	"context"
	"time"
)

// Periodic invokes a function on a fixed interval until its context is
// cancelled. Cancellation is a clean stop, not an error.
type Periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// NewPeriodic creates a Periodic worker. The first invocation happens one
// interval after start, not immediately.
func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context)) *Periodic {
	return &Periodic{name: name, interval: interval, fn: fn}
}

// Name identifies the worker in logs.
func (p *Periodic) Name() string { return p.name }

// Run implements Worker.
func (p *Periodic) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.fn(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
