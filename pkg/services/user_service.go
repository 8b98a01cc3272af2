package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/promptlab/comprev/pkg/config"
	"github.com/promptlab/comprev/pkg/database"
	"github.com/promptlab/comprev/pkg/models"
)

// UserService manages user accounts and the default-administrator seeding.
// The tasker never destroys users; the only write paths are registration
// (out of scope, exercised by tests) and the startup seeder.
type UserService struct {
	client *database.Client
}

// NewUserService creates a new UserService.
func NewUserService(client *database.Client) *UserService {
	return &UserService{client: client}
}

// CreateUser inserts a new user. A login or email collision returns
// ErrAlreadyExists.
func (s *UserService) CreateUser(ctx context.Context, req models.CreateUserRequest) (*models.User, error) {
	if req.Login == "" {
		return nil, NewValidationError("login", "required")
	}
	if req.Email == "" {
		return nil, NewValidationError("email", "required")
	}
	if req.PasswordHash == "" {
		return nil, NewValidationError("password_hash", "required")
	}

	query := s.client.Rebind(`
		INSERT INTO users (login, email, password_hash, is_admin)
		VALUES (?, ?, ?, ?)`)

	if _, err := s.client.DB().ExecContext(ctx, query,
		req.Login, req.Email, req.PasswordHash, req.IsAdmin); err != nil {
		// Uniqueness violations are driver-specific; re-check instead of
		// matching error strings.
		if exists, checkErr := s.exists(ctx, req.Login, req.Email); checkErr == nil && exists {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return &models.User{
		Login:        req.Login,
		Email:        req.Email,
		PasswordHash: req.PasswordHash,
		IsAdmin:      req.IsAdmin,
	}, nil
}

// GetUser fetches a user by login.
func (s *UserService) GetUser(ctx context.Context, login string) (*models.User, error) {
	query := s.client.Rebind(`
		SELECT login, email, password_hash, is_admin
		FROM users
		WHERE login = ?`)

	var u models.User
	err := s.client.DB().QueryRowContext(ctx, query, login).
		Scan(&u.Login, &u.Email, &u.PasswordHash, &u.IsAdmin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// exists reports whether any user holds the given login or email.
func (s *UserService) exists(ctx context.Context, login, email string) (bool, error) {
	query := s.client.Rebind(`SELECT COUNT(*) FROM users WHERE login = ? OR email = ?`)

	var count int
	if err := s.client.DB().QueryRowContext(ctx, query, login, email).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return count > 0, nil
}

// EnsureDefaultAdmin seeds the configured administrator account on startup.
// Skipped (with a log line) when nothing is configured or when a user with
// the same login or email already exists; a partially configured trio is a
// validation error. Idempotent across restarts, and a uniqueness race against
// a concurrently starting replica is treated as already-seeded.
func (s *UserService) EnsureDefaultAdmin(ctx context.Context, cfg config.AdminConfig) error {
	if cfg.Login == "" && cfg.Email == "" && cfg.Password == "" {
		slog.Info("Default admin not configured, skipping seeding")
		return nil
	}
	if cfg.Login == "" || cfg.Email == "" || cfg.Password == "" {
		return NewValidationError("admin",
			"ADMIN_DEFAULT_LOGIN, ADMIN_DEFAULT_EMAIL and ADMIN_DEFAULT_PASSWORD must be set together")
	}

	exists, err := s.exists(ctx, cfg.Login, cfg.Email)
	if err != nil {
		return err
	}
	if exists {
		slog.Info("Default admin already present, skipping seeding", "login", cfg.Login)
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), cfg.SaltRounds)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	_, err = s.CreateUser(ctx, models.CreateUserRequest{
		Login:        cfg.Login,
		Email:        cfg.Email,
		PasswordHash: string(hash),
		IsAdmin:      true,
	})
	if errors.Is(err, ErrAlreadyExists) {
		slog.Info("Default admin seeded by another replica", "login", cfg.Login)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("Default admin seeded", "login", cfg.Login, "email", cfg.Email)
	return nil
}
