package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/promptlab/comprev/pkg/database"
	"github.com/promptlab/comprev/pkg/models"
)

// AttemptService manages attempt lifecycle: creation by producers, work
// discovery and completion by the tasker.
type AttemptService struct {
	client *database.Client
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(client *database.Client) *AttemptService {
	return &AttemptService{client: client}
}

const attemptColumns = `id, timestamp, compressing_prompt, model, login, average_compression_ratio`

// scanAttempt reads one attempt row. Timestamps are stored as epoch
// milliseconds and surfaced as UTC time.Time.
func scanAttempt(row interface{ Scan(...any) error }) (*models.Attempt, error) {
	var (
		a   models.Attempt
		ms  int64
		avg sql.NullFloat64
	)
	if err := row.Scan(&a.ID, &ms, &a.CompressingPrompt, &a.Model, &a.Login, &avg); err != nil {
		return nil, err
	}
	a.Timestamp = time.UnixMilli(ms).UTC()
	if avg.Valid {
		a.AverageCompressionRatio = &avg.Float64
	}
	return &a, nil
}

// CreateAttempt inserts a new attempt owned by req.Login.
func (s *AttemptService) CreateAttempt(ctx context.Context, req models.CreateAttemptRequest) (*models.Attempt, error) {
	if req.CompressingPrompt == "" {
		return nil, NewValidationError("compressing_prompt", "required")
	}
	if req.Model == "" {
		return nil, NewValidationError("model", "required")
	}
	if req.Login == "" {
		return nil, NewValidationError("login", "required")
	}

	now := time.Now().UTC()
	query := s.client.Rebind(`
		INSERT INTO attempts (timestamp, compressing_prompt, model, login)
		VALUES (?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err := s.client.DB().QueryRowContext(ctx, query,
		now.UnixMilli(), req.CompressingPrompt, req.Model, req.Login).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	return &models.Attempt{
		ID:                id,
		Timestamp:         time.UnixMilli(now.UnixMilli()).UTC(),
		CompressingPrompt: req.CompressingPrompt,
		Model:             req.Model,
		Login:             req.Login,
	}, nil
}

// GetAttempt fetches a single attempt by id.
func (s *AttemptService) GetAttempt(ctx context.Context, id int64) (*models.Attempt, error) {
	query := s.client.Rebind(`SELECT ` + attemptColumns + ` FROM attempts WHERE id = ?`)

	attempt, err := scanAttempt(s.client.DB().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return attempt, nil
}

// NextAttemptWithPendingWork returns the oldest attempt that still has work:
// not yet aggregated, no FAILED result (a failed test halts an attempt until
// resolved out-of-band), and fewer active tests with terminal results than
// the active corpus holds. PENDING rows do not count as coverage: a claim
// orphaned by a crashed worker must keep its attempt selectable so the row is
// swept back into the work set. An empty active corpus keeps the attempt
// selectable so it can complete immediately with average 0. Returns
// ErrNoAttemptsAvailable when nothing qualifies.
//
// The single SELECT gives a consistent snapshot; the claim that follows is
// what serializes concurrent workers, so no row locking happens here.
func (s *AttemptService) NextAttemptWithPendingWork(ctx context.Context) (*models.Attempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM attempts a
		WHERE a.average_compression_ratio IS NULL
		  AND NOT EXISTS (
		        SELECT 1 FROM test_results r
		        WHERE r.attempt_id = a.id AND r.status = 'FAILED')
		  AND (
		        (SELECT COUNT(*) FROM tests t WHERE t.is_active = TRUE) = 0
		        OR (SELECT COUNT(*)
		            FROM test_results r
		            JOIN tests t ON t.id = r.test_id
		            WHERE r.attempt_id = a.id AND r.status <> 'PENDING' AND t.is_active = TRUE)
		           < (SELECT COUNT(*) FROM tests t WHERE t.is_active = TRUE)
		      )
		ORDER BY a.timestamp, a.id
		LIMIT 1`

	attempt, err := scanAttempt(s.client.DB().QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoAttemptsAvailable
		}
		return nil, fmt.Errorf("failed to query next attempt: %w", err)
	}
	return attempt, nil
}

// MarkAttemptComplete sets the terminal average_compression_ratio field.
// Unconditional: when crash recovery makes two workers finish the same
// attempt, the last completing worker wins.
func (s *AttemptService) MarkAttemptComplete(ctx context.Context, id int64, averageCompressionRatio float64) error {
	query := s.client.Rebind(`UPDATE attempts SET average_compression_ratio = ? WHERE id = ?`)

	res, err := s.client.DB().ExecContext(ctx, query, averageCompressionRatio, id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt complete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPendingAttempts returns the number of attempts not yet aggregated,
// used by the pool health snapshot as queue depth.
func (s *AttemptService) CountPendingAttempts(ctx context.Context) (int, error) {
	var count int
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE average_compression_ratio IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending attempts: %w", err)
	}
	return count, nil
}
