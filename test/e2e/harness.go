// Package e2e boots complete comprev instances (real database and tasker
// pool behind the real ops server) over a scripted LLM gateway.
package e2e

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/promptlab/comprev/pkg/api"
	"github.com/promptlab/comprev/pkg/config"
	"github.com/promptlab/comprev/pkg/database"
	"github.com/promptlab/comprev/pkg/evaluator"
	"github.com/promptlab/comprev/pkg/metrics"
	"github.com/promptlab/comprev/pkg/queue"
	"github.com/promptlab/comprev/pkg/services"
	"github.com/promptlab/comprev/test/util"
)

// TestApp boots a complete comprev instance for e2e testing.
type TestApp struct {
	Config   config.TaskerConfig
	DBClient *database.Client

	Gateway *ScriptedGateway

	Users    *services.UserService
	Tests    *services.TestService
	Attempts *services.AttemptService
	Results  *services.ResultService

	Pool     *queue.TaskerPool
	Server   *api.Server
	Registry *prometheus.Registry

	BaseURL string

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	gateway     *ScriptedGateway
	dbClient    *database.Client
	podID       string
	workerCount int
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithGateway sets a pre-scripted LLM gateway.
func WithGateway(g *ScriptedGateway) TestAppOption {
	return func(c *testAppConfig) { c.gateway = g }
}

// WithDBClient injects a pre-created database client, skipping the default
// per-test database creation. Used by multi-replica tests where instances
// share one schema, and by tests that seed state before the pool starts.
func WithDBClient(client *database.Client) TestAppOption {
	return func(c *testAppConfig) { c.dbClient = client }
}

// WithPodID overrides the auto-generated pod ID. Needed for multi-replica
// tests so each replica gets a distinct worker identity.
func WithPodID(id string) TestAppOption {
	return func(c *testAppConfig) { c.podID = id }
}

// WithWorkerCount sets the number of tasker workers.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// NewTestApp creates and starts a full comprev test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{workerCount: 1}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.gateway == nil {
		tc.gateway = NewScriptedGateway()
	}

	dbClient := tc.dbClient
	if dbClient == nil {
		dbClient = util.NewTestClient(t)
	}

	cfg := config.TaskerConfig{
		WorkerCount:     tc.workerCount,
		PollInterval:    50 * time.Millisecond,
		PollJitter:      25 * time.Millisecond,
		ShutdownTimeout: 10 * time.Second,
	}

	users := services.NewUserService(dbClient)
	tests := services.NewTestService(dbClient)
	attempts := services.NewAttemptService(dbClient)
	results := services.NewResultService(dbClient)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	pipeline := evaluator.New(tc.gateway)
	executor := queue.NewExecutor(tests, attempts, results, pipeline, m)

	podID := tc.podID
	if podID == "" {
		podID = fmt.Sprintf("e2e-%s", t.Name())
	}
	pool := queue.NewTaskerPool(podID, attempts, cfg, executor, m)
	require.NoError(t, pool.Start(context.Background()))

	server := api.NewServer(dbClient, pool, registry)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	app := &TestApp{
		Config:   cfg,
		DBClient: dbClient,
		Gateway:  tc.gateway,
		Users:    users,
		Tests:    tests,
		Attempts: attempts,
		Results:  results,
		Pool:     pool,
		Server:   server,
		Registry: registry,
		BaseURL:  fmt.Sprintf("http://%s", ln.Addr().String()),
		t:        t,
	}

	// Cleanup in reverse-creation order.
	t.Cleanup(func() {
		pool.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	return app
}
