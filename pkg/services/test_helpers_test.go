package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/promptlab/comprev/pkg/database"
	"github.com/promptlab/comprev/pkg/models"
	"github.com/promptlab/comprev/test/util"
)

// testServices bundles every service over one migrated test database.
type testServices struct {
	client   *database.Client
	users    *UserService
	tests    *TestService
	attempts *AttemptService
	results  *ResultService
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()
	client := util.NewTestClient(t)
	return &testServices{
		client:   client,
		users:    NewUserService(client),
		tests:    NewTestService(client),
		attempts: NewAttemptService(client),
		results:  NewResultService(client),
	}
}

func skyPayload() models.TestPayload {
	return models.TestPayload{
		Task:          "What color is the sky on a clear day?",
		Options:       []string{"blue", "green"},
		CorrectAnswer: "blue",
	}
}

func mathPayload() models.TestPayload {
	return models.TestPayload{
		Task:          "What is 2+2?",
		Options:       []string{"3", "4", "5"},
		CorrectAnswer: "4",
	}
}

// seedUser inserts a plain user so attempts can reference it.
func (s *testServices) seedUser(t *testing.T, login string) {
	t.Helper()
	_, err := s.users.CreateUser(context.Background(), models.CreateUserRequest{
		Login:        login,
		Email:        login + "@example.com",
		PasswordHash: "x",
	})
	require.NoError(t, err)
}

// seedTest ingests one test and returns its database id.
func (s *testServices) seedTest(t *testing.T, model string, payload models.TestPayload, totalTokens int64) int64 {
	t.Helper()
	ctx := context.Background()

	n, err := s.tests.UpsertTests(ctx, []models.UpsertTestRow{
		{Model: model, Payload: payload, TotalTokens: totalTokens},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	canonical, err := payload.CanonicalJSON()
	require.NoError(t, err)

	var id int64
	err = s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`SELECT id FROM tests WHERE model = ? AND payload = ?`),
		model, canonical).Scan(&id)
	require.NoError(t, err)
	return id
}

// seedAttempt creates an attempt for login and returns it.
func (s *testServices) seedAttempt(t *testing.T, login, prompt string) *models.Attempt {
	t.Helper()
	attempt, err := s.attempts.CreateAttempt(context.Background(), models.CreateAttemptRequest{
		CompressingPrompt: prompt,
		Model:             "compress-model",
		Login:             login,
	})
	require.NoError(t, err)
	return attempt
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }
