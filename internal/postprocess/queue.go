// Package postprocess runs completed downloads through the post-processing
// pipeline. The queue accepts jobs from the reconciliation loop and dedupes
// by download key while a job is queued or running, so a row that is seen
// again before its status update lands does not process twice.
package postprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pymedusa/medusa/internal/downloader"
)

// Processor handles a single completed download.
type Processor interface {
	Process(ctx context.Context, job downloader.ProcessJob) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job downloader.ProcessJob) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job downloader.ProcessJob) error {
	return f(ctx, job)
}

type queuedJob struct {
	id  uuid.UUID
	job downloader.ProcessJob
}

// Queue is a bounded worker queue for post-processing jobs.
type Queue struct {
	processor Processor
	logger    zerolog.Logger
	jobs      chan queuedJob
	workers   int

	mu       sync.Mutex
	inFlight map[string]uuid.UUID

	wg      sync.WaitGroup
	started bool
}

// NewQueue creates a queue with the given capacity and worker count.
func NewQueue(processor Processor, size, workers int, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		processor: processor,
		logger:    logger.With().Str("component", "postprocess").Logger(),
		jobs:      make(chan queuedJob, size),
		workers:   workers,
		inFlight:  make(map[string]uuid.UUID),
	}
}

// Start launches the workers. They run until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	if q.started {
		return
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info().Int("workers", q.workers).Int("capacity", cap(q.jobs)).Msg("Post-process queue started")
}

// Stop waits for the workers to drain. Call after cancelling the context
// passed to Start.
func (q *Queue) Stop() {
	q.wg.Wait()
}

// Enqueue accepts a job for processing. A job whose key is already queued
// or running is accepted without being added again. Enqueue fails only when
// the queue is full, which callers treat as "not accepted": the download
// stays pending and is offered again on the next reconciliation pass.
func (q *Queue) Enqueue(_ context.Context, job downloader.ProcessJob) error {
	q.mu.Lock()
	if _, dup := q.inFlight[job.InfoHash]; dup {
		q.mu.Unlock()
		q.logger.Debug().Str("key", job.InfoHash).Msg("Job already in flight")
		return nil
	}

	id := uuid.New()
	q.inFlight[job.InfoHash] = id
	q.mu.Unlock()

	select {
	case q.jobs <- queuedJob{id: id, job: job}:
		q.logger.Debug().
			Str("jobId", id.String()).
			Str("key", job.InfoHash).
			Str("resource", job.Resource).
			Msg("Job queued")
		return nil
	default:
		q.mu.Lock()
		delete(q.inFlight, job.InfoHash)
		q.mu.Unlock()
		return fmt.Errorf("post-process queue is full")
	}
}

// InFlight returns the number of jobs queued or running.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case queued := <-q.jobs:
			q.run(ctx, queued)
		}
	}
}

func (q *Queue) run(ctx context.Context, queued queuedJob) {
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, queued.job.InfoHash)
		q.mu.Unlock()
	}()

	err := q.processor.Process(ctx, queued.job)
	if err != nil {
		q.logger.Error().
			Err(err).
			Str("jobId", queued.id.String()).
			Str("resource", queued.job.Resource).
			Msg("Post-processing failed")
		return
	}

	q.logger.Info().
		Str("jobId", queued.id.String()).
		Str("resource", queued.job.Resource).
		Bool("failed", queued.job.Failed).
		Msg("Post-processing finished")
}

var _ downloader.ProcessQueue = (*Queue)(nil)
