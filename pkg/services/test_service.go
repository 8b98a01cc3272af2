// Package services provides the typed persistence layer over pkg/database.
// All SQL is hand-authored with ? placeholders and rebound per dialect, so
// every statement runs unchanged on postgres and sqlite.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/promptlab/comprev/pkg/database"
	"github.com/promptlab/comprev/pkg/models"
)

// TestService manages the stored test corpus.
type TestService struct {
	client *database.Client
}

// NewTestService creates a new TestService.
func NewTestService(client *database.Client) *TestService {
	return &TestService{client: client}
}

// UpsertTests bulk-inserts tests, skipping rows whose (model, payload) pair
// already exists. Payloads are canonicalized before insert so that equal
// payloads always collide on the uniqueness constraint. Returns the number
// of newly inserted rows; re-ingesting the same set returns 0.
func (s *TestService) UpsertTests(ctx context.Context, rows []models.UpsertTestRow) (int, error) {
	for i, row := range rows {
		if row.Model == "" {
			return 0, NewValidationError("model", fmt.Sprintf("required (row %d)", i))
		}
		if row.TotalTokens < 0 {
			return 0, NewValidationError("total_tokens", fmt.Sprintf("must not be negative (row %d)", i))
		}
		if err := row.Payload.Validate(); err != nil {
			return 0, NewValidationError("payload", fmt.Sprintf("row %d: %v", i, err))
		}
	}

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.client.Rebind(`
		INSERT INTO tests (model, payload, is_active, total_tokens)
		VALUES (?, ?, TRUE, ?)
		ON CONFLICT (model, payload) DO NOTHING`)

	inserted := 0
	for _, row := range rows {
		payload, err := row.Payload.CanonicalJSON()
		if err != nil {
			return 0, fmt.Errorf("failed to canonicalize payload: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, row.Model, payload, row.TotalTokens)
		if err != nil {
			return 0, fmt.Errorf("failed to insert test: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		inserted += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit test ingestion: %w", err)
	}

	return inserted, nil
}

// GetTest fetches a single test by id.
func (s *TestService) GetTest(ctx context.Context, id int64) (*models.Test, error) {
	query := s.client.Rebind(`
		SELECT id, model, payload, is_active, total_tokens
		FROM tests
		WHERE id = ?`)

	var (
		test models.Test
		raw  string
	)
	err := s.client.DB().QueryRowContext(ctx, query, id).
		Scan(&test.ID, &test.Model, &raw, &test.IsActive, &test.TotalTokens)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	test.Payload, err = models.ParseTestPayload(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payload of test %d: %w", id, err)
	}
	return &test, nil
}

// SetTestActive activates or deactivates a test. Retired tests are
// deactivated, never deleted.
func (s *TestService) SetTestActive(ctx context.Context, id int64, active bool) error {
	query := s.client.Rebind(`UPDATE tests SET is_active = ? WHERE id = ?`)

	res, err := s.client.DB().ExecContext(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("failed to update test: %w", err)
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

// CountActiveTests returns the size of the active corpus.
func (s *TestService) CountActiveTests(ctx context.Context) (int, error) {
	var count int
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tests WHERE is_active = TRUE`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tests: %w", err)
	}
	return count, nil
}

// UnfinishedActiveTests returns the remaining work for an attempt: every
// active test that has either no result row for the attempt or a PENDING one.
// A PENDING row means a prior worker crashed mid-evaluation; the entry is
// flagged so the caller adopts it instead of claiming. Ordered by test id.
func (s *TestService) UnfinishedActiveTests(ctx context.Context, attemptID int64) ([]models.PendingTest, error) {
	query := s.client.Rebind(`
		SELECT t.id, t.model, t.payload, t.is_active, t.total_tokens,
		       r.status IS NOT NULL AS has_pending
		FROM tests t
		LEFT JOIN test_results r ON r.test_id = t.id AND r.attempt_id = ?
		WHERE t.is_active = TRUE AND (r.status IS NULL OR r.status = 'PENDING')
		ORDER BY t.id`)

	rows, err := s.client.DB().QueryContext(ctx, query, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished tests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pending []models.PendingTest
	for rows.Next() {
		var (
			pt  models.PendingTest
			raw string
		)
		if err := rows.Scan(&pt.ID, &pt.Model, &raw, &pt.IsActive, &pt.TotalTokens, &pt.HasPendingResult); err != nil {
			return nil, fmt.Errorf("failed to scan unfinished test: %w", err)
		}
		pt.Payload, err = models.ParseTestPayload(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse payload of test %d: %w", pt.ID, err)
		}
		pending = append(pending, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unfinished tests: %w", err)
	}

	return pending, nil
}
