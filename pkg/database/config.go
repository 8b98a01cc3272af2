package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Supported DB_TYPE values.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Config holds relational store configuration.
type Config struct {
	Type     string
	Host     string
	Port     int
	User     string
	Password string
	// Database is the database name for postgres and the file path for sqlite.
	Database string
	SSL      bool
	// Synchronize applies embedded migrations on startup when true.
	Synchronize bool

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	dbType := getEnvOrDefault("DB_TYPE", DialectPostgres)
	if dbType != DialectPostgres && dbType != DialectSQLite {
		return Config{}, fmt.Errorf("unsupported DB_TYPE %q (want %q or %q)", dbType, DialectPostgres, DialectSQLite)
	}

	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	ssl, err := strconv.ParseBool(getEnvOrDefault("DB_SSL", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_SSL: %w", err)
	}

	synchronize, err := strconv.ParseBool(getEnvOrDefault("DB_SYNCHRONIZE", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_SYNCHRONIZE: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"))

	return Config{
		Type:            dbType,
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USERNAME", "comprev"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_DATABASE", "comprev"),
		SSL:             ssl,
		Synchronize:     synchronize,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
