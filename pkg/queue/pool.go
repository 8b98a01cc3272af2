package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/promptlab/comprev/pkg/config"
	"github.com/promptlab/comprev/pkg/metrics"
	"github.com/promptlab/comprev/pkg/services"
)

// TaskerPool manages a pool of tasker workers sharing one executor.
type TaskerPool struct {
	podID    string
	attempts *services.AttemptService
	config   config.TaskerConfig
	executor AttemptExecutor
	metrics  *metrics.Metrics
	workers  []*Worker
	cancel   context.CancelFunc
	started  bool
}

// NewTaskerPool creates a tasker pool. Metrics may be nil.
func NewTaskerPool(podID string, attempts *services.AttemptService, cfg config.TaskerConfig, executor AttemptExecutor, m *metrics.Metrics) *TaskerPool {
	return &TaskerPool{
		podID:    podID,
		attempts: attempts,
		config:   cfg,
		executor: executor,
		metrics:  m,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
	}
}

// Start spawns the worker goroutines.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *TaskerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Tasker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	// The pool context is cancelled when graceful shutdown overruns its
	// budget, halting in-flight attempts between steps.
	ctx, p.cancel = context.WithCancel(ctx)

	slog.Info("Starting tasker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.attempts, p.config, p.executor, p.metrics)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	slog.Info("Tasker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish their current
// attempts. Workers still running after the shutdown timeout are cancelled;
// interrupted tests stay PENDING and are swept by a later cycle.
func (p *TaskerPool) Stop() {
	slog.Info("Stopping tasker pool gracefully", "pod_id", p.podID)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, worker := range p.workers {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.Stop()
			}(worker)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Tasker pool stopped gracefully")
	case <-time.After(p.config.ShutdownTimeout):
		slog.Warn("Shutdown timeout reached, cancelling in-flight attempts",
			"timeout", p.config.ShutdownTimeout)
		if p.cancel != nil {
			p.cancel()
		}
		<-done
		slog.Info("Tasker pool stopped")
	}
}

// Health returns the current health status of the pool.
func (p *TaskerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.attempts.CountPendingAttempts(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID,
			"error", errQ)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil
	isHealthy := len(p.workers) > 0 && dbHealthy

	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	}

	return &PoolHealth{
		IsHealthy:     isHealthy,
		DBReachable:   dbHealthy,
		DBError:       dbError,
		PodID:         p.podID,
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		QueueDepth:    queueDepth,
		WorkerStats:   workerStats,
	}
}
