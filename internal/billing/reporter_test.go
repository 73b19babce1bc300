package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gateway "github.com/hanzoai/bot/internal"
)

type capturePoster struct {
	mu      sync.Mutex
	batches [][]gateway.UsageRecord
	err     error
}

func (p *capturePoster) ReportUsage(_ context.Context, records []gateway.UsageRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	batch := make([]gateway.UsageRecord, len(records))
	copy(batch, records)
	p.batches = append(p.batches, batch)
	return nil
}

func (p *capturePoster) snapshot() [][]gateway.UsageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]gateway.UsageRecord, len(p.batches))
	copy(out, p.batches)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestReporterFlushesAtThreshold(t *testing.T) {
	poster := &capturePoster{}
	r := NewReporter(poster)

	for i := range flushThreshold {
		r.Report(gateway.UsageRecord{Model: fmt.Sprintf("m-%d", i)})
	}

	waitFor(t, time.Second, func() bool { return len(poster.snapshot()) == 1 })
	batch := poster.snapshot()[0]
	if len(batch) != flushThreshold {
		t.Fatalf("batch size = %d, want %d", len(batch), flushThreshold)
	}
	// FIFO within the batch.
	for i, rec := range batch {
		if want := fmt.Sprintf("m-%d", i); rec.Model != want {
			t.Fatalf("batch[%d].Model = %q, want %q", i, rec.Model, want)
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after flush, want 0", r.Len())
	}
}

func TestReporterTimestampsRecords(t *testing.T) {
	r := NewReporter(&capturePoster{})
	r.Report(gateway.UsageRecord{Model: "m"})

	r.mu.Lock()
	ts := r.queue[0].Timestamp
	r.mu.Unlock()
	if ts.IsZero() {
		t.Error("enqueued record has zero timestamp")
	}
}

func TestReporterDiscardsFailedBatch(t *testing.T) {
	poster := &capturePoster{err: errors.New("commerce down")}
	r := NewReporter(poster)

	for range flushThreshold {
		r.Report(gateway.UsageRecord{Model: "m"})
	}
	// The failed flush must not leave records behind or retry.
	waitFor(t, time.Second, func() bool { return r.Len() == 0 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Shutdown(ctx)
	if got := poster.snapshot(); len(got) != 0 {
		t.Errorf("failed batches delivered: %d", len(got))
	}
}

func TestReporterShutdownDrains(t *testing.T) {
	poster := &capturePoster{}
	r := NewReporter(poster)

	total := flushThreshold + 20
	for i := range total {
		r.Report(gateway.UsageRecord{Model: fmt.Sprintf("m-%d", i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Shutdown(ctx)

	got := 0
	for _, batch := range poster.snapshot() {
		if len(batch) > flushThreshold {
			t.Fatalf("batch size %d exceeds threshold", len(batch))
		}
		got += len(batch)
	}
	if got != total {
		t.Errorf("delivered %d records, want %d", got, total)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after shutdown, want 0", r.Len())
	}
}

func TestReporterNilPosterIsNoop(t *testing.T) {
	r := NewReporter(nil)
	r.Report(gateway.UsageRecord{Model: "m"})
	if r.Len() != 0 {
		t.Errorf("nil poster enqueued records: %d", r.Len())
	}
	r.Shutdown(context.Background())
}
