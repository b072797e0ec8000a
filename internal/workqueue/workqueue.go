// Package workqueue runs analysis requests through a River job queue.
// The queue's MaxWorkers is the concurrency bound for the whole
// pipeline; the HTTP layer accepts triggers without waiting on it.
package workqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/pipewatch/internal/orchestrator"
)

// AnalysisJobArgs identifies one queued analysis request.
type AnalysisJobArgs struct {
	RequestID string `json:"request_id"`
}

// Kind returns the job kind for River.
func (AnalysisJobArgs) Kind() string {
	return "pipeline_analysis"
}

// AnalysisWorker hands queued requests to the manager.
type AnalysisWorker struct {
	river.WorkerDefaults[AnalysisJobArgs]
	manager *orchestrator.Manager
}

// Work processes one analysis request.
func (w *AnalysisWorker) Work(ctx context.Context, job *river.Job[AnalysisJobArgs]) error {
	log.Debug().Str("request_id", job.Args.RequestID).Msg("Worker picked up analysis request")
	return w.manager.Process(ctx, job.Args.RequestID)
}

// Queue wraps the River client.
type Queue struct {
	client *river.Client[pgx.Tx]
}

// New creates the queue on an existing connection pool.
func New(pool *pgxpool.Pool, manager *orchestrator.Manager, maxWorkers int) (*Queue, error) {
	if maxWorkers <= 0 {
		maxWorkers = 3
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &AnalysisWorker{manager: manager})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &Queue{client: client}, nil
}

// Enqueue inserts one analysis job. MaxAttempts is 1: retries happen
// inside the fetch and provider layers, and a request that reached a
// terminal state must never run again.
func (q *Queue) Enqueue(ctx context.Context, requestID string) error {
	_, err := q.client.Insert(ctx, AnalysisJobArgs{RequestID: requestID}, &river.InsertOpts{
		MaxAttempts: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to queue analysis job: %w", err)
	}
	return nil
}

// Start begins working queued jobs.
func (q *Queue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop drains workers and shuts the client down.
func (q *Queue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}
