package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/promptlab/comprev/pkg/config"
	"github.com/promptlab/comprev/pkg/metrics"
	"github.com/promptlab/comprev/pkg/services"
)

// errorBackoff is the pause after a database or processing error.
const errorBackoff = time.Second

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single tasker worker that polls for and processes attempts.
type Worker struct {
	id       string
	podID    string
	attempts *services.AttemptService
	config   config.TaskerConfig
	executor AttemptExecutor
	metrics  *metrics.Metrics
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu                sync.RWMutex
	status            WorkerStatus
	currentAttemptID  int64
	attemptsProcessed int
	lastActivity      time.Time
}

// NewWorker creates a tasker worker. Metrics may be nil.
func NewWorker(id, podID string, attempts *services.AttemptService, cfg config.TaskerConfig, executor AttemptExecutor, m *metrics.Metrics) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		attempts:     attempts,
		config:       cfg,
		executor:     executor,
		metrics:      m,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                w.id,
		Status:            string(w.status),
		CurrentAttemptID:  w.currentAttemptID,
		AttemptsProcessed: w.attemptsProcessed,
		LastActivity:      w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, services.ErrNoAttemptsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing attempt", "error", err)
				w.sleep(errorBackoff)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess selects the next attempt with pending work and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	w.metrics.IncPoll()

	attempt, err := w.attempts.NextAttemptWithPendingWork(ctx)
	if err != nil {
		if errors.Is(err, services.ErrNoAttemptsAvailable) {
			return err
		}
		return fmt.Errorf("failed to select attempt: %w", err)
	}

	log := slog.With("attempt_id", attempt.ID, "worker_id", w.id)
	log.Info("Attempt selected", "login", attempt.Login, "model", attempt.Model)

	w.setStatus(WorkerStatusWorking, attempt.ID)
	defer w.setStatus(WorkerStatusIdle, 0)

	start := time.Now()
	if err := w.executor.ProcessAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to process attempt %d: %w", attempt.ID, err)
	}
	w.metrics.ObserveAttemptDuration(time.Since(start))

	w.mu.Lock()
	w.attemptsProcessed++
	w.mu.Unlock()

	log.Info("Attempt processing finished", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, attemptID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentAttemptID = attemptID
	w.lastActivity = time.Now()
}
