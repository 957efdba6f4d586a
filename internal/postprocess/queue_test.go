package postprocess

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pymedusa/medusa/internal/downloader"
)

type countingProcessor struct {
	mu      sync.Mutex
	jobs    []downloader.ProcessJob
	release chan struct{}
}

func (p *countingProcessor) Process(_ context.Context, job downloader.ProcessJob) error {
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *countingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEnqueueProcessesJob(t *testing.T) {
	processor := &countingProcessor{}
	queue := NewQueue(processor, 4, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(t.Context())
	queue.Start(ctx)
	defer func() { cancel(); queue.Stop() }()

	err := queue.Enqueue(ctx, downloader.ProcessJob{InfoHash: "abc", Resource: "Some.Show.S01E01"})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	waitFor(t, func() bool { return processor.count() == 1 })
}

func TestEnqueueDedupesInFlight(t *testing.T) {
	processor := &countingProcessor{release: make(chan struct{})}
	queue := NewQueue(processor, 4, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(t.Context())
	queue.Start(ctx)
	defer func() { cancel(); queue.Stop() }()

	for i := 0; i < 3; i++ {
		if err := queue.Enqueue(ctx, downloader.ProcessJob{InfoHash: "same"}); err != nil {
			t.Fatalf("Enqueue() %d failed: %v", i, err)
		}
	}
	if got := queue.InFlight(); got != 1 {
		t.Errorf("InFlight() = %d, want 1", got)
	}

	close(processor.release)
	waitFor(t, func() bool { return queue.InFlight() == 0 })

	if got := processor.count(); got != 1 {
		t.Errorf("processed %d jobs, want 1", got)
	}
}

func TestEnqueueFailsWhenFull(t *testing.T) {
	processor := &countingProcessor{release: make(chan struct{})}
	queue := NewQueue(processor, 1, 1, zerolog.Nop())
	// No Start: nothing drains the channel.

	if err := queue.Enqueue(t.Context(), downloader.ProcessJob{InfoHash: "a"}); err != nil {
		t.Fatalf("first Enqueue() failed: %v", err)
	}
	err := queue.Enqueue(t.Context(), downloader.ProcessJob{InfoHash: "b"})
	if err == nil {
		t.Fatal("expected error from full queue")
	}

	// The rejected key must not stay marked in flight.
	if err := queue.Enqueue(t.Context(), downloader.ProcessJob{InfoHash: "b"}); err == nil {
		t.Fatal("expected error again, queue still full")
	}
	if got := queue.InFlight(); got != 1 {
		t.Errorf("InFlight() = %d, want only the accepted job", got)
	}
}
