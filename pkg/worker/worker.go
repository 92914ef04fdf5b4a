// Package worker consumes the ingestion queue. Documents are enqueued
// by the CLI (or any other producer) and processed here with bounded
// concurrency, so a bulk import cannot starve the embedding provider.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/csbot-dev/csbot/pkg/config"
	"github.com/csbot-dev/csbot/pkg/ingest"
	"github.com/csbot-dev/csbot/pkg/log"
)

const dequeueWait = 5 * time.Second

// Worker pulls ingestion jobs off the queue and runs them through the
// pipeline. A failed job is logged and left in the error state; retries
// are an explicit operator action.
type Worker struct {
	queue    *Queue
	pipeline *ingest.Pipeline
	cfg      *config.Config
	slots    chan struct{}
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New creates a worker with the configured concurrency limit.
func New(queue *Queue, pipeline *ingest.Pipeline, cfg *config.Config) *Worker {
	maxJobs := cfg.Worker.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &Worker{
		queue:    queue,
		pipeline: pipeline,
		cfg:      cfg,
		slots:    make(chan struct{}, maxJobs),
		logger:   log.WithModule("worker"),
	}
}

// Run consumes jobs until ctx is cancelled, then waits for in-flight
// jobs to finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"max_jobs", cap(w.slots), "job_timeout", w.cfg.Worker.JobTimeout)

loop:
	for {
		job, err := w.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				break
			}
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if job == nil {
			if ctx.Err() != nil {
				break
			}
			continue
		}

		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			// shutting down, put the job back for the next worker
			if err := w.queue.push(context.WithoutCancel(ctx), *job); err != nil {
				w.logger.Error("failed to return job to queue",
					"document_id", job.DocumentID, "error", err)
			}
			break loop
		}

		w.wg.Add(1)
		go func(job Job) {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.Handle(ctx, job)
		}(*job)
	}

	w.logger.Info("worker draining")
	w.wg.Wait()
	w.logger.Info("worker stopped")
	return ctx.Err()
}

// Handle runs one job under the configured per-job timeout. Failures
// are already recorded on the document row by the pipeline; the worker
// logs and moves on.
func (w *Worker) Handle(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.Worker.JobTimeout)
	defer cancel()

	started := time.Now()
	if err := w.pipeline.Run(jobCtx, job.DocumentID, w.cfg.Tuning().Chunking); err != nil {
		w.logger.Error("job failed", "document_id", job.DocumentID, "error", err)
		return
	}
	w.logger.Info("job finished",
		"document_id", job.DocumentID, "duration", time.Since(started))
}
