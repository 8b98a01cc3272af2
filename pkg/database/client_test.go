package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSQLiteClient opens a temp-file sqlite client with migrations applied.
// The sqlite path keeps the database package tests runnable without Docker.
func newSQLiteClient(t *testing.T) *Client {
	t.Helper()

	cfg := Config{
		Type:         DialectSQLite,
		Database:     filepath.Join(t.TempDir(), "comprev.db"),
		Synchronize:  true,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestNewClient_SQLiteMigrations(t *testing.T) {
	client := newSQLiteClient(t)
	ctx := context.Background()

	require.NoError(t, client.DB().PingContext(ctx))
	assert.Equal(t, DialectSQLite, client.Dialect())

	for _, table := range []string{"users", "tests", "attempts", "test_results"} {
		var name string
		err := client.DB().QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist after migration", table)
	}

	// The migrated schema enforces its keys: login is the users primary key,
	// so a duplicate insert must be rejected.
	_, err := client.DB().ExecContext(ctx,
		"INSERT INTO users (login, email, password_hash) VALUES ('alice', 'alice@example.com', 'x')")
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx,
		"INSERT INTO users (login, email, password_hash) VALUES ('alice', 'other@example.com', 'x')")
	require.Error(t, err)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	client := newSQLiteClient(t)

	// Applying the same migrations again tolerates ErrNoChange.
	err := RunMigrations(client.DB(), Config{Type: DialectSQLite, Database: "comprev"})
	require.NoError(t, err)
}

func TestHealth_SQLite(t *testing.T) {
	client := newSQLiteClient(t)

	health, err := Health(context.Background(), client.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.GreaterOrEqual(t, health.ResponseTime, int64(0))
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestRebind(t *testing.T) {
	pg := &Client{dialect: DialectPostgres}
	lite := &Client{dialect: DialectSQLite}

	q := "INSERT INTO test_results (attempt_id, test_id, status) VALUES (?, ?, ?)"
	assert.Equal(t,
		"INSERT INTO test_results (attempt_id, test_id, status) VALUES ($1, $2, $3)",
		pg.Rebind(q))
	assert.Equal(t, q, lite.Rebind(q))
	assert.Equal(t, "SELECT 1", pg.Rebind("SELECT 1"))
}

func TestLoadConfigFromEnv(t *testing.T) {
	envKeys := []string{
		"DB_TYPE", "DB_HOST", "DB_PORT", "DB_USERNAME", "DB_PASSWORD",
		"DB_DATABASE", "DB_SSL", "DB_SYNCHRONIZE",
		"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
	}

	tests := []struct {
		name        string
		envVars     map[string]string
		wantErr     bool
		errContains string
		check       func(t *testing.T, cfg Config)
	}{
		{
			name:    "defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, DialectPostgres, cfg.Type)
				assert.Equal(t, "localhost", cfg.Host)
				assert.Equal(t, 5432, cfg.Port)
				assert.Equal(t, "comprev", cfg.User)
				assert.Equal(t, "comprev", cfg.Database)
				assert.False(t, cfg.SSL)
				assert.False(t, cfg.Synchronize)
			},
		},
		{
			name: "custom postgres values",
			envVars: map[string]string{
				"DB_HOST":        "db.example.com",
				"DB_PORT":        "5433",
				"DB_USERNAME":    "admin",
				"DB_PASSWORD":    "secret",
				"DB_DATABASE":    "production",
				"DB_SSL":         "true",
				"DB_SYNCHRONIZE": "true",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "db.example.com", cfg.Host)
				assert.Equal(t, 5433, cfg.Port)
				assert.Equal(t, "admin", cfg.User)
				assert.Equal(t, "secret", cfg.Password)
				assert.Equal(t, "production", cfg.Database)
				assert.True(t, cfg.SSL)
				assert.True(t, cfg.Synchronize)
			},
		},
		{
			name: "sqlite file path",
			envVars: map[string]string{
				"DB_TYPE":     "sqlite",
				"DB_DATABASE": "/var/lib/comprev/comprev.db",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, DialectSQLite, cfg.Type)
				assert.Equal(t, "/var/lib/comprev/comprev.db", cfg.Database)
			},
		},
		{
			name:        "unsupported DB_TYPE",
			envVars:     map[string]string{"DB_TYPE": "oracle"},
			wantErr:     true,
			errContains: "unsupported DB_TYPE",
		},
		{
			name:        "invalid DB_PORT",
			envVars:     map[string]string{"DB_PORT": "invalid"},
			wantErr:     true,
			errContains: "invalid DB_PORT",
		},
		{
			name:        "invalid DB_SSL",
			envVars:     map[string]string{"DB_SSL": "yes please"},
			wantErr:     true,
			errContains: "invalid DB_SSL",
		},
		{
			name:        "invalid DB_SYNCHRONIZE",
			envVars:     map[string]string{"DB_SYNCHRONIZE": "maybe"},
			wantErr:     true,
			errContains: "invalid DB_SYNCHRONIZE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range envKeys {
				os.Unsetenv(key)
			}
			for key, val := range tt.envVars {
				os.Setenv(key, val)
			}
			t.Cleanup(func() {
				for _, key := range envKeys {
					os.Unsetenv(key)
				}
			})

			cfg, err := LoadConfigFromEnv()

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}
