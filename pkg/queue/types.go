// Package queue provides the evaluation tasker: a pool of polling workers
// that select attempts with pending work and drive the per-test compression
// pipeline against the shared database.
package queue

import (
	"context"
	"time"

	"github.com/promptlab/comprev/pkg/evaluator"
	"github.com/promptlab/comprev/pkg/models"
)

// AttemptExecutor processes one selected attempt end to end.
//
// The executor owns the per-test loop internally:
//   - Claims or adopts each unfinished test (at most one writer per slot)
//   - Runs the two-phase compress-and-answer evaluation
//   - Finalizes every claimed result before moving on
//   - Aggregates the average compression ratio when the loop completes
//
// A FAILED test aborts the attempt without error: the FAILED row keeps the
// attempt out of future polls. Errors are reserved for database failures the
// worker should back off on.
type AttemptExecutor interface {
	ProcessAttempt(ctx context.Context, attempt *models.Attempt) error
}

// CompressionEvaluator is the evaluation pipeline the executor drives.
type CompressionEvaluator interface {
	EvaluateCompression(ctx context.Context, testCase models.TestPayload, compressingPrompt, compressionModel, evaluationModel string, uncompressedTotalTokens int64) (*evaluator.CompressionResult, error)
}

// PoolHealth contains health information for the entire tasker pool.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	DBReachable   bool           `json:"db_reachable"`
	DBError       string         `json:"db_error,omitempty"`
	PodID         string         `json:"pod_id"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	QueueDepth    int            `json:"queue_depth"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"` // "idle" or "working"
	CurrentAttemptID  int64     `json:"current_attempt_id,omitempty"`
	AttemptsProcessed int       `json:"attempts_processed"`
	LastActivity      time.Time `json:"last_activity"`
}
