package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/promptlab/comprev/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Seeding Helpers
// ────────────────────────────────────────────────────────────

// SeedUser inserts a plain user so attempts can reference it.
func (app *TestApp) SeedUser(t *testing.T, login string) {
	t.Helper()
	_, err := app.Users.CreateUser(context.Background(), models.CreateUserRequest{
		Login:        login,
		Email:        login + "@example.com",
		PasswordHash: "x",
	})
	require.NoError(t, err)
}

// SeedTest ingests one test and returns its database id.
func (app *TestApp) SeedTest(t *testing.T, model string, payload models.TestPayload, totalTokens int64) int64 {
	t.Helper()
	ctx := context.Background()

	n, err := app.Tests.UpsertTests(ctx, []models.UpsertTestRow{
		{Model: model, Payload: payload, TotalTokens: totalTokens},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	canonical, err := payload.CanonicalJSON()
	require.NoError(t, err)

	var id int64
	err = app.DBClient.DB().QueryRowContext(ctx,
		app.DBClient.Rebind(`SELECT id FROM tests WHERE model = ? AND payload = ?`),
		model, canonical).Scan(&id)
	require.NoError(t, err)
	return id
}

// CreateAttempt submits an attempt for evaluation.
func (app *TestApp) CreateAttempt(t *testing.T, login, prompt, model string) *models.Attempt {
	t.Helper()
	attempt, err := app.Attempts.CreateAttempt(context.Background(), models.CreateAttemptRequest{
		CompressingPrompt: prompt,
		Model:             model,
		Login:             login,
	})
	require.NoError(t, err)
	return attempt
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForAttemptComplete polls the DB until the attempt's aggregate is set
// and returns the final attempt.
func (app *TestApp) WaitForAttemptComplete(t *testing.T, attemptID int64) *models.Attempt {
	t.Helper()
	var final *models.Attempt
	require.Eventually(t, func() bool {
		a, err := app.Attempts.GetAttempt(context.Background(), attemptID)
		if err != nil {
			return false
		}
		final = a
		return a.Completed()
	}, 10*time.Second, 25*time.Millisecond,
		"attempt %d did not complete", attemptID)
	return final
}

// WaitForResultStatus polls the DB until the (attempt, test) result reaches
// the expected status and returns it.
func (app *TestApp) WaitForResultStatus(t *testing.T, attemptID, testID int64, expected models.ResultStatus) *models.TestResult {
	t.Helper()
	var final *models.TestResult
	require.Eventually(t, func() bool {
		r, err := app.Results.GetResult(context.Background(), attemptID, testID)
		if err != nil {
			return false
		}
		final = r
		return r.Status == expected
	}, 10*time.Second, 25*time.Millisecond,
		"result (%d,%d) did not reach status %s", attemptID, testID, expected)
	return final
}

// GetResult fetches one result, failing the test when it does not exist.
func (app *TestApp) GetResult(t *testing.T, attemptID, testID int64) *models.TestResult {
	t.Helper()
	r, err := app.Results.GetResult(context.Background(), attemptID, testID)
	require.NoError(t, err)
	return r
}

// QueryResults returns all results of an attempt ordered by test id.
func (app *TestApp) QueryResults(t *testing.T, attemptID int64) []models.TestResult {
	t.Helper()
	results, err := app.Results.ResultsForAttempt(context.Background(), attemptID)
	require.NoError(t, err)
	return results
}

// ────────────────────────────────────────────────────────────
// HTTP Helpers
// ────────────────────────────────────────────────────────────

// GetHealth calls GET /api/v1/health and returns the parsed response.
func (app *TestApp) GetHealth(t *testing.T) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+"/api/v1/health", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// GetMetricsText calls GET /metrics and returns the exposition body.
func (app *TestApp) GetMetricsText(t *testing.T) string {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+"/metrics", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
