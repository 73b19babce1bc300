package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/hanzoai/bot/internal"
)

const (
	flushThreshold = 50
	flushDelay     = 5 * time.Second
	flushTimeout   = 10 * time.Second
)

// UsagePoster posts one batch of usage records to the commerce back end.
type UsagePoster interface {
	ReportUsage(ctx context.Context, records []gateway.UsageRecord) error
}

// Reporter is the best-effort usage queue: a process-wide FIFO plus a single
// pending-flush timer. Records reaching the back end is not guaranteed --
// a failed flush logs and discards its batch. A Reporter with a nil poster
// is a no-op.
type Reporter struct {
	poster UsagePoster

	mu      sync.Mutex
	queue   []gateway.UsageRecord
	timer   *time.Timer
	flushWG sync.WaitGroup
}

// NewReporter creates a Reporter posting through poster (nil disables it).
func NewReporter(poster UsagePoster) *Reporter {
	return &Reporter{poster: poster}
}

// Report enqueues a record. Reaching the batch threshold triggers an
// immediate flush; otherwise a single 5-second timer is armed.
func (r *Reporter) Report(rec gateway.UsageRecord) {
	if r.poster == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	r.mu.Lock()
	r.queue = append(r.queue, rec)
	if len(r.queue) >= flushThreshold {
		r.stopTimerLocked()
		r.startFlushLocked()
		r.mu.Unlock()
		return
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(flushDelay, r.flushNow)
	}
	r.mu.Unlock()
}

// Len reports the current queue length.
func (r *Reporter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// flushNow is the timer callback.
func (r *Reporter) flushNow() {
	r.mu.Lock()
	r.timer = nil
	if len(r.queue) > 0 {
		r.startFlushLocked()
	}
	r.mu.Unlock()
}

// startFlushLocked takes up to one batch off the queue and posts it in the
// background. Caller holds r.mu.
func (r *Reporter) startFlushLocked() {
	n := len(r.queue)
	if n > flushThreshold {
		n = flushThreshold
	}
	batch := make([]gateway.UsageRecord, n)
	copy(batch, r.queue[:n])
	r.queue = append(r.queue[:0], r.queue[n:]...)

	r.flushWG.Add(1)
	go func() {
		defer r.flushWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := r.poster.ReportUsage(ctx, batch); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
				slog.Int("count", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (r *Reporter) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Shutdown drains the queue by repeatedly flushing until empty or ctx ends.
func (r *Reporter) Shutdown(ctx context.Context) {
	if r.poster == nil {
		return
	}
	for {
		r.mu.Lock()
		r.stopTimerLocked()
		empty := len(r.queue) == 0
		if !empty {
			r.startFlushLocked()
		}
		r.mu.Unlock()

		done := make(chan struct{})
		go func() {
			r.flushWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		if empty {
			return
		}
	}
}
