package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptlab/comprev/pkg/config"
	"github.com/promptlab/comprev/pkg/models"
)

// intTestTaskerConfig returns a tasker config suitable for integration tests.
func intTestTaskerConfig() config.TaskerConfig {
	return config.TaskerConfig{
		WorkerCount:     2,
		PollInterval:    50 * time.Millisecond,
		PollJitter:      0,
		ShutdownTimeout: 10 * time.Second,
	}
}

// awaitCondition polls until condition returns true or the timeout elapses.
func awaitCondition(t *testing.T, timeout, interval time.Duration, msg string, condition func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out: %s", msg)
		default:
			if condition() {
				return
			}
			time.Sleep(interval)
		}
	}
}

// TestPoolProcessesAttempts runs the full pool lifecycle over an empty test
// corpus: every attempt completes immediately with average 0.
func TestPoolProcessesAttempts(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	env.seedUser(t, "alice")
	attempts := make([]*models.Attempt, 0, 3)
	for i := 0; i < 3; i++ {
		attempts = append(attempts, env.seedAttempt(t, "alice"))
	}

	pool := NewTaskerPool("test-pod", env.attempts, intTestTaskerConfig(), env.executor, nil)
	require.NoError(t, pool.Start(ctx))

	awaitCondition(t, 10*time.Second, 50*time.Millisecond,
		"waiting for attempts to complete",
		func() bool {
			pending, err := env.attempts.CountPendingAttempts(ctx)
			return err == nil && pending == 0
		})

	pool.Stop()

	for _, a := range attempts {
		done, err := env.attempts.GetAttempt(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, done.AverageCompressionRatio, "attempt %d should be complete", a.ID)
		assert.Zero(t, *done.AverageCompressionRatio)
	}

	assert.Zero(t, env.pipeline.callCount(), "empty corpus should never reach the pipeline")
}

// TestPoolConcurrentWorkersSingleResult races two workers over one attempt
// with one test: exactly one result row may exist, and it ends terminal.
func TestPoolConcurrentWorkersSingleResult(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	env.seedUser(t, "alice")
	testID := env.seedTest(t, skyTask(), 100)
	attempt := env.seedAttempt(t, "alice")

	env.pipeline.byTask[skyTask().Task] = passedOutcome("sky color clear day?", 2.0)

	pool := NewTaskerPool("test-pod", env.attempts, intTestTaskerConfig(), env.executor, nil)
	require.NoError(t, pool.Start(ctx))

	awaitCondition(t, 10*time.Second, 50*time.Millisecond,
		"waiting for attempt completion and a terminal result",
		func() bool {
			done, err := env.attempts.GetAttempt(ctx, attempt.ID)
			if err != nil || done.AverageCompressionRatio == nil {
				return false
			}
			result, err := env.results.GetResult(ctx, attempt.ID, testID)
			return err == nil && result.Status.Terminal()
		})

	pool.Stop()

	rows, err := env.results.ResultsForAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1, "the composite key admits exactly one row per (attempt, test)")
	assert.Equal(t, models.StatusValid, rows[0].Status)
}

// TestPoolHealth verifies the health snapshot before and after Start.
func TestPoolHealth(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	env.seedUser(t, "alice")
	env.seedAttempt(t, "alice")

	cfg := intTestTaskerConfig()
	// A long interval keeps workers idle so queue depth stays observable.
	cfg.PollInterval = 1 * time.Hour
	cfg.PollJitter = 0

	pool := NewTaskerPool("health-pod", env.attempts, cfg, env.executor, nil)

	// Before Start: no workers, not healthy.
	health := pool.Health()
	assert.False(t, health.IsHealthy)
	assert.Zero(t, health.TotalWorkers)
	assert.Equal(t, "health-pod", health.PodID)

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	health = pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.DBReachable)
	assert.Equal(t, 2, health.TotalWorkers)
	assert.Len(t, health.WorkerStats, 2)
	assert.Equal(t, "health-pod-worker-0", health.WorkerStats[0].ID)
	assert.Equal(t, "health-pod-worker-1", health.WorkerStats[1].ID)
}

// TestPoolStartIsIdempotent verifies duplicate Start calls are no-ops.
func TestPoolStartIsIdempotent(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	cfg := intTestTaskerConfig()
	cfg.WorkerCount = 1
	cfg.PollInterval = 1 * time.Hour

	pool := NewTaskerPool("dup-pod", env.attempts, cfg, env.executor, nil)
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	assert.Equal(t, 1, pool.Health().TotalWorkers)
}
