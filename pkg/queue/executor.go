package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/promptlab/comprev/pkg/metrics"
	"github.com/promptlab/comprev/pkg/models"
	"github.com/promptlab/comprev/pkg/services"
)

// Executor runs the per-test evaluation loop for one attempt. It writes
// results progressively: every claimed test is finalized before the next one
// starts, so a crash never loses more than the in-flight test.
type Executor struct {
	tests     *services.TestService
	attempts  *services.AttemptService
	results   *services.ResultService
	evaluator CompressionEvaluator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewExecutor creates an attempt executor. Metrics may be nil.
func NewExecutor(tests *services.TestService, attempts *services.AttemptService, results *services.ResultService, ev CompressionEvaluator, m *metrics.Metrics) *Executor {
	return &Executor{
		tests:     tests,
		attempts:  attempts,
		results:   results,
		evaluator: ev,
		metrics:   m,
		logger:    slog.With("component", "executor"),
	}
}

// ProcessAttempt implements AttemptExecutor.
//
// The work list is every active test without a terminal result for this
// attempt. Tests are claimed one by one; a lost claim is skipped (another
// worker owns it), a leftover PENDING row is adopted. The first failed
// evaluation finalizes FAILED and aborts the attempt. When the loop runs to
// completion the attempt is marked complete with the average ratio over the
// tests this worker finalized VALID (0 when none).
//
// An empty work list over a non-empty corpus means another worker finalized
// everything between selection and listing; completion is left to that worker
// so its real average is not raced by a zero.
func (e *Executor) ProcessAttempt(ctx context.Context, attempt *models.Attempt) error {
	log := e.logger.With("attempt_id", attempt.ID)

	work, err := e.tests.UnfinishedActiveTests(ctx, attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to list unfinished tests: %w", err)
	}

	if len(work) == 0 {
		active, err := e.tests.CountActiveTests(ctx)
		if err != nil {
			return fmt.Errorf("failed to count active tests: %w", err)
		}
		if active > 0 {
			log.Debug("No unfinished tests, leaving completion to the finalizing worker")
			return nil
		}
	}

	testsPassed := 0
	ratioSum := 0.0

	for _, item := range work {
		if err := ctx.Err(); err != nil {
			log.Info("Attempt processing interrupted", "error", err)
			return err
		}

		if item.HasPendingResult {
			log.Info("Adopting leftover pending result", "test_id", item.ID)
		} else {
			claimed, err := e.results.ClaimTestResult(ctx, attempt.ID, item.ID)
			if err != nil {
				return fmt.Errorf("failed to claim test %d: %w", item.ID, err)
			}
			e.metrics.IncClaim(claimed)
			if !claimed {
				// Another worker owns this slot; it never counts toward
				// this worker's aggregate.
				log.Debug("Claim lost, skipping test", "test_id", item.ID)
				continue
			}
		}

		outcome, err := e.evaluator.EvaluateCompression(ctx, item.Payload,
			attempt.CompressingPrompt, attempt.Model, item.Model, item.TotalTokens)
		if err != nil {
			log.Error("Compression failed, aborting attempt", "test_id", item.ID, "error", err)
			e.finalize(ctx, log, models.FinalizeResultRequest{
				AttemptID: attempt.ID,
				TestID:    item.ID,
				Status:    models.StatusFailed,
			})
			e.metrics.IncAttemptProcessed(metrics.AttemptOutcomeAborted)
			return nil
		}

		if !outcome.Evaluation.Passed {
			log.Info("Compressed task failed evaluation, aborting attempt", "test_id", item.ID)
			e.finalize(ctx, log, models.FinalizeResultRequest{
				AttemptID:        attempt.ID,
				TestID:           item.ID,
				Status:           models.StatusFailed,
				CompressedPrompt: &outcome.CompressedTask,
				RequestJSON:      &outcome.RequestJSON,
			})
			e.metrics.IncAttemptProcessed(metrics.AttemptOutcomeAborted)
			return nil
		}

		if err := e.finalize(ctx, log, models.FinalizeResultRequest{
			AttemptID:        attempt.ID,
			TestID:           item.ID,
			Status:           models.StatusValid,
			CompressedPrompt: &outcome.CompressedTask,
			CompressionRatio: &outcome.CompressionRatio,
			RequestJSON:      &outcome.RequestJSON,
		}); err != nil {
			// The slot stays PENDING and is swept on a later cycle; do not
			// mark the attempt complete with this test unaccounted.
			e.metrics.IncAttemptProcessed(metrics.AttemptOutcomeError)
			return nil
		}

		testsPassed++
		ratioSum += outcome.CompressionRatio
		log.Info("Test passed",
			"test_id", item.ID,
			"compression_ratio", outcome.CompressionRatio)
	}

	average := 0.0
	if testsPassed > 0 {
		average = ratioSum / float64(testsPassed)
	}

	if err := e.attempts.MarkAttemptComplete(ctx, attempt.ID, average); err != nil {
		log.Error("Failed to mark attempt complete", "error", err)
		e.metrics.IncAttemptProcessed(metrics.AttemptOutcomeError)
		return nil
	}

	e.metrics.IncAttemptProcessed(metrics.AttemptOutcomeCompleted)
	log.Info("Attempt complete",
		"tests_passed", testsPassed,
		"average_compression_ratio", average)
	return nil
}

// finalize writes a terminal result and records the outcome metric. A
// database error is logged and returned; the caller aborts the attempt so
// the pending slot is swept on a later cycle.
func (e *Executor) finalize(ctx context.Context, log *slog.Logger, req models.FinalizeResultRequest) error {
	if err := e.results.FinalizeTestResult(ctx, req); err != nil {
		log.Error("Failed to finalize test result",
			"test_id", req.TestID,
			"status", req.Status,
			"error", err)
		return err
	}
	e.metrics.IncTestResult(string(req.Status))
	return nil
}
