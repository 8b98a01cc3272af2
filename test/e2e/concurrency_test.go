package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptlab/comprev/pkg/llm"
	"github.com/promptlab/comprev/pkg/models"
	"github.com/promptlab/comprev/pkg/services"
	"github.com/promptlab/comprev/test/util"
)

// ────────────────────────────────────────────────────────────
// Scenario: Two Replicas, One Writer Per Test
// ────────────────────────────────────────────────────────────

func TestE2E_ConcurrentReplicasSingleWriter(t *testing.T) {
	client := util.NewTestClient(t)

	// All four tests resolve to ratio 2.0 so the final average does not
	// depend on which replica finalized which test. The answer delay keeps
	// evaluations slow enough that a replica losing every claim always
	// writes its aggregate before the winner does.
	gw := NewScriptedGateway()
	gw.OnAnswer = func(string) { time.Sleep(75 * time.Millisecond) }
	tasks := make([]string, 4)
	for i := range tasks {
		tasks[i] = fmt.Sprintf("Question number %d, stated at full length?", i+1)
		compressed := fmt.Sprintf("q%d?", i+1)
		gw.ScriptCompression(tasks[i], compressed,
			llm.Usage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25})
		gw.ScriptAnswer(compressed, "yes",
			llm.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50})
	}

	// Seed the shared database before either replica boots, so both first
	// polls discover the same attempt.
	ctx := context.Background()
	users := services.NewUserService(client)
	tests := services.NewTestService(client)
	attempts := services.NewAttemptService(client)

	_, err := users.CreateUser(ctx, models.CreateUserRequest{
		Login: "alice", Email: "alice@example.com", PasswordHash: "x",
	})
	require.NoError(t, err)

	rows := make([]models.UpsertTestRow, len(tasks))
	for i, task := range tasks {
		rows[i] = models.UpsertTestRow{
			Model: "M-eval",
			Payload: models.TestPayload{
				Task:          task,
				Options:       []string{"yes", "no"},
				CorrectAnswer: "yes",
			},
			TotalTokens: 100,
		}
	}
	n, err := tests.UpsertTests(ctx, rows)
	require.NoError(t, err)
	require.Equal(t, len(tasks), n)

	attempt, err := attempts.CreateAttempt(ctx, models.CreateAttemptRequest{
		CompressingPrompt: "Shorten.", Model: "M-compress", Login: "alice",
	})
	require.NoError(t, err)

	app1 := NewTestApp(t, WithDBClient(client), WithGateway(gw), WithPodID("replica-1"))
	app2 := NewTestApp(t, WithDBClient(client), WithGateway(gw), WithPodID("replica-2"))

	app1.WaitForAttemptComplete(t, attempt.ID)

	// Quiesce: all four results terminal, then room for a late aggregate
	// overwrite from the other replica.
	require.Eventually(t, func() bool {
		results, err := app1.Results.ResultsForAttempt(ctx, attempt.ID)
		if err != nil || len(results) != len(tasks) {
			return false
		}
		for _, r := range results {
			if !r.Status.Terminal() {
				return false
			}
		}
		return true
	}, 10*time.Second, 25*time.Millisecond)
	time.Sleep(500 * time.Millisecond)

	// Exactly one row per test, every one VALID with the scripted ratio.
	results := app2.QueryResults(t, attempt.ID)
	require.Len(t, results, len(tasks))
	seen := make(map[int64]bool)
	for _, r := range results {
		assert.False(t, seen[r.TestID], "test %d has more than one result row", r.TestID)
		seen[r.TestID] = true
		assert.Equal(t, models.StatusValid, r.Status)
		require.NotNil(t, r.CompressionRatio)
		assert.InDelta(t, 2.0, *r.CompressionRatio, 1e-9)
	}

	final, err := app2.Attempts.GetAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.NotNil(t, final.AverageCompressionRatio)
	assert.InDelta(t, 2.0, *final.AverageCompressionRatio, 1e-9)

	// Claims serialize evaluation, so at least one compress + answer pair per
	// test. A replica that saw a freshly claimed row before its owner
	// finalized may adopt and re-evaluate it, so the count is a floor, not an
	// exact figure.
	assert.GreaterOrEqual(t, gw.CallCount(), 2*len(tasks))

	assert.Equal(t, "healthy", app1.GetHealth(t)["status"])
	assert.Equal(t, "healthy", app2.GetHealth(t)["status"])
}

// ────────────────────────────────────────────────────────────
// Scenario: Multiple Workers Drain the Queue
// ────────────────────────────────────────────────────────────

func TestE2E_MultipleAttemptsDrained(t *testing.T) {
	// Same pacing trick as above: workers racing for the same attempt must
	// not land a zero aggregate after the claim winner's real one.
	gw := NewScriptedGateway()
	gw.OnAnswer = func(string) { time.Sleep(75 * time.Millisecond) }
	gw.ScriptCompression("What color is the sky on a clear day?", "sky color?",
		llm.Usage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25})
	gw.ScriptAnswer("sky color?", "blue",
		llm.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50})

	app := NewTestApp(t, WithGateway(gw), WithWorkerCount(3))

	app.SeedUser(t, "alice")
	testID := app.SeedTest(t, "M-eval", models.TestPayload{
		Task:          "What color is the sky on a clear day?",
		Options:       []string{"blue", "green"},
		CorrectAnswer: "blue",
	}, 100)

	// Several users' worth of attempts, all sharing the scripted pipeline.
	var ids []int64
	for i := 0; i < 5; i++ {
		attempt := app.CreateAttempt(t, "alice", "Shorten.", "M-compress")
		ids = append(ids, attempt.ID)
	}

	for _, id := range ids {
		final := app.WaitForAttemptComplete(t, id)
		require.NotNil(t, final.AverageCompressionRatio)
		assert.InDelta(t, 2.0, *final.AverageCompressionRatio, 1e-9)

		result := app.GetResult(t, id, testID)
		assert.Equal(t, models.StatusValid, result.Status)
	}
}
