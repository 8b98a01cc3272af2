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

// ResultService manages test results. The composite (attempt_id, test_id)
// primary key is the claim lock: inserting the PENDING row reserves the slot,
// and the guarded finalize makes terminal states immutable.
type ResultService struct {
	client *database.Client
}

// NewResultService creates a new ResultService.
func NewResultService(client *database.Client) *ResultService {
	return &ResultService{client: client}
}

// ClaimTestResult atomically claims the (attempt, test) slot by inserting a
// PENDING row. Returns false when another worker already owns the slot; any
// other failure is a database error.
func (s *ResultService) ClaimTestResult(ctx context.Context, attemptID, testID int64) (bool, error) {
	query := s.client.Rebind(`
		INSERT INTO test_results (attempt_id, test_id, status, last_modified)
		VALUES (?, ?, 'PENDING', ?)
		ON CONFLICT (attempt_id, test_id) DO NOTHING`)

	res, err := s.client.DB().ExecContext(ctx, query, attemptID, testID, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to claim test result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// FinalizeTestResult transitions the PENDING row to a terminal status. The
// update is guarded on status = 'PENDING', so the first terminal write wins
// and repeat invocations are no-ops: a worker that adopted a crashed claim
// cannot overwrite a result another worker already finalized.
func (s *ResultService) FinalizeTestResult(ctx context.Context, req models.FinalizeResultRequest) error {
	if !req.Status.Terminal() {
		return NewValidationError("status", fmt.Sprintf("must be terminal, got %q", req.Status))
	}
	if req.Status == models.StatusValid {
		if req.CompressedPrompt == nil {
			return NewValidationError("compressed_prompt", "required for VALID results")
		}
		if req.CompressionRatio == nil {
			return NewValidationError("compression_ratio", "required for VALID results")
		}
	}
	// Ratio 0 is legal: it encodes "undefined" for tests with an unknown
	// uncompressed token count.
	if req.CompressionRatio != nil && *req.CompressionRatio < 0 {
		return NewValidationError("compression_ratio", "must not be negative when set")
	}

	query := s.client.Rebind(`
		UPDATE test_results
		SET status = ?, compressed_prompt = ?, compression_ratio = ?, request_json = ?, last_modified = ?
		WHERE attempt_id = ? AND test_id = ? AND status = 'PENDING'`)

	res, err := s.client.DB().ExecContext(ctx, query,
		string(req.Status), req.CompressedPrompt, req.CompressionRatio, req.RequestJSON,
		time.Now().UnixMilli(), req.AttemptID, req.TestID)
	if err != nil {
		return fmt.Errorf("failed to finalize test result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Nothing was PENDING: either the row is already terminal (lost the
	// finalize race, which is fine) or it never existed.
	if _, err := s.GetResult(ctx, req.AttemptID, req.TestID); err != nil {
		return err
	}
	return nil
}

const resultColumns = `attempt_id, test_id, status, compressed_prompt, compression_ratio, request_json, last_modified`

func scanResult(row interface{ Scan(...any) error }) (*models.TestResult, error) {
	var (
		r      models.TestResult
		status string
		prompt sql.NullString
		ratio  sql.NullFloat64
		reqJS  sql.NullString
		ms     int64
	)
	if err := row.Scan(&r.AttemptID, &r.TestID, &status, &prompt, &ratio, &reqJS, &ms); err != nil {
		return nil, err
	}
	r.Status = models.ResultStatus(status)
	if prompt.Valid {
		r.CompressedPrompt = &prompt.String
	}
	if ratio.Valid {
		r.CompressionRatio = &ratio.Float64
	}
	if reqJS.Valid {
		r.RequestJSON = &reqJS.String
	}
	r.LastModified = time.UnixMilli(ms).UTC()
	return &r, nil
}

// GetResult fetches one result by its composite key.
func (s *ResultService) GetResult(ctx context.Context, attemptID, testID int64) (*models.TestResult, error) {
	query := s.client.Rebind(`
		SELECT ` + resultColumns + `
		FROM test_results
		WHERE attempt_id = ? AND test_id = ?`)

	result, err := scanResult(s.client.DB().QueryRowContext(ctx, query, attemptID, testID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get test result: %w", err)
	}
	return result, nil
}

// ResultsForAttempt returns all results of one attempt ordered by test id.
func (s *ResultService) ResultsForAttempt(ctx context.Context, attemptID int64) ([]models.TestResult, error) {
	query := s.client.Rebind(`
		SELECT ` + resultColumns + `
		FROM test_results
		WHERE attempt_id = ?
		ORDER BY test_id`)

	rows, err := s.client.DB().QueryContext(ctx, query, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query test results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []models.TestResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test result: %w", err)
		}
		results = append(results, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate test results: %w", err)
	}

	return results, nil
}
