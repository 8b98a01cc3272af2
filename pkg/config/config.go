// Package config loads environment-driven application configuration with
// typed defaults. Database settings live in pkg/database; everything else
// (LLM gateway, tasker, admin seeding, ops HTTP server) is here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates all non-database configuration sections.
type Config struct {
	LLM    LLMConfig
	Tasker TaskerConfig
	Admin  AdminConfig
	HTTP   HTTPConfig
}

// LLMConfig configures the OpenRouter chat-completions gateway.
type LLMConfig struct {
	// BaseURL is the endpoint base; /chat/completions is appended.
	BaseURL string
	// APIKey is the bearer credential. Required.
	APIKey string
	// HTTPReferer and XTitle are optional identifying headers.
	HTTPReferer string
	XTitle      string
	// Timeout bounds a single request; a timeout surfaces as an error.
	Timeout time.Duration
}

// TaskerConfig controls the polling worker pool.
type TaskerConfig struct {
	// WorkerCount is the number of worker goroutines per replica.
	WorkerCount int
	// PollInterval is the base sleep between polls when no work is found.
	PollInterval time.Duration
	// PollJitter randomizes the idle sleep: PollInterval ± PollJitter.
	PollJitter time.Duration
	// ShutdownTimeout is the max time to wait for in-flight attempts to
	// drain during graceful shutdown before the pool context is cancelled.
	ShutdownTimeout time.Duration
}

// AdminConfig seeds the default administrator account on startup. All three
// identity fields empty means seeding is skipped.
type AdminConfig struct {
	Login    string
	Email    string
	Password string
	// SaltRounds is the bcrypt cost used for the seeded password.
	SaltRounds int
}

// HTTPConfig binds the operational HTTP server (health + metrics).
type HTTPConfig struct {
	Host string
	Port int
}

// Addr returns the host:port bind address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from environment variables, applying defaults.
// A missing OPENROUTER_API_KEY is an error: the tasker cannot evaluate
// anything without the LLM credential.
func Load() (*Config, error) {
	llm, err := loadLLM()
	if err != nil {
		return nil, err
	}

	tasker, err := loadTasker()
	if err != nil {
		return nil, err
	}

	admin, err := loadAdmin()
	if err != nil {
		return nil, err
	}

	httpCfg, err := loadHTTP()
	if err != nil {
		return nil, err
	}

	return &Config{LLM: llm, Tasker: tasker, Admin: admin, HTTP: httpCfg}, nil
}

func loadLLM() (LLMConfig, error) {
	apiKey := os.Getenv("OPENROUTER_API_KEY")
	if apiKey == "" {
		return LLMConfig{}, fmt.Errorf("OPENROUTER_API_KEY is required")
	}

	timeoutSec, err := envInt("OPENROUTER_TIMEOUT", 60)
	if err != nil {
		return LLMConfig{}, err
	}
	if timeoutSec <= 0 {
		return LLMConfig{}, fmt.Errorf("OPENROUTER_TIMEOUT must be positive, got %d", timeoutSec)
	}

	return LLMConfig{
		BaseURL:     getEnvOrDefault("OPENROUTER_API_BASE_URL", "https://openrouter.ai/api/v1"),
		APIKey:      apiKey,
		HTTPReferer: os.Getenv("OPENROUTER_HTTP_REFERER"),
		XTitle:      os.Getenv("OPENROUTER_X_TITLE"),
		Timeout:     time.Duration(timeoutSec) * time.Second,
	}, nil
}

func loadTasker() (TaskerConfig, error) {
	pollMs, err := envInt("TASKER_POLL_INTERVAL", 5000)
	if err != nil {
		return TaskerConfig{}, err
	}
	if pollMs <= 0 {
		return TaskerConfig{}, fmt.Errorf("TASKER_POLL_INTERVAL must be positive, got %d", pollMs)
	}

	jitterMs, err := envInt("TASKER_POLL_JITTER", 500)
	if err != nil {
		return TaskerConfig{}, err
	}
	if jitterMs < 0 {
		return TaskerConfig{}, fmt.Errorf("TASKER_POLL_JITTER must not be negative, got %d", jitterMs)
	}

	workers, err := envInt("TASKER_WORKER_COUNT", 1)
	if err != nil {
		return TaskerConfig{}, err
	}
	if workers <= 0 {
		return TaskerConfig{}, fmt.Errorf("TASKER_WORKER_COUNT must be positive, got %d", workers)
	}

	shutdownSec, err := envInt("TASKER_SHUTDOWN_TIMEOUT", 30)
	if err != nil {
		return TaskerConfig{}, err
	}
	if shutdownSec <= 0 {
		return TaskerConfig{}, fmt.Errorf("TASKER_SHUTDOWN_TIMEOUT must be positive, got %d", shutdownSec)
	}

	return TaskerConfig{
		WorkerCount:     workers,
		PollInterval:    time.Duration(pollMs) * time.Millisecond,
		PollJitter:      time.Duration(jitterMs) * time.Millisecond,
		ShutdownTimeout: time.Duration(shutdownSec) * time.Second,
	}, nil
}

func loadAdmin() (AdminConfig, error) {
	saltRounds, err := envInt("SALT_ROUNDS", 10)
	if err != nil {
		return AdminConfig{}, err
	}
	if saltRounds < 4 || saltRounds > 31 {
		return AdminConfig{}, fmt.Errorf("SALT_ROUNDS must be between 4 and 31, got %d", saltRounds)
	}

	return AdminConfig{
		Login:      os.Getenv("ADMIN_DEFAULT_LOGIN"),
		Email:      os.Getenv("ADMIN_DEFAULT_EMAIL"),
		Password:   os.Getenv("ADMIN_DEFAULT_PASSWORD"),
		SaltRounds: saltRounds,
	}, nil
}

func loadHTTP() (HTTPConfig, error) {
	port, err := envInt("HTTP_PORT", 8080)
	if err != nil {
		return HTTPConfig{}, err
	}
	if port <= 0 || port > 65535 {
		return HTTPConfig{}, fmt.Errorf("HTTP_PORT out of range: %d", port)
	}

	return HTTPConfig{
		Host: getEnvOrDefault("HTTP_HOST", "0.0.0.0"),
		Port: port,
	}, nil
}

func envInt(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
