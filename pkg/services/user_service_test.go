package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/promptlab/comprev/pkg/config"
	"github.com/promptlab/comprev/pkg/models"
)

func TestUserService_CreateUser(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	created, err := s.users.CreateUser(ctx, models.CreateUserRequest{
		Login:        "alice",
		Email:        "alice@example.com",
		PasswordHash: "hash",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", created.Login)
	assert.False(t, created.IsAdmin)

	fetched, err := s.users.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", fetched.Email)
	assert.Equal(t, "hash", fetched.PasswordHash)
	assert.False(t, fetched.IsAdmin)

	_, err = s.users.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("duplicate login", func(t *testing.T) {
		_, err := s.users.CreateUser(ctx, models.CreateUserRequest{
			Login:        "alice",
			Email:        "other@example.com",
			PasswordHash: "hash",
		})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := s.users.CreateUser(ctx, models.CreateUserRequest{
			Login:        "alice2",
			Email:        "alice@example.com",
			PasswordHash: "hash",
		})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})
}

func TestUserService_CreateUser_Validation(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  models.CreateUserRequest
	}{
		{"missing login", models.CreateUserRequest{Email: "a@b.c", PasswordHash: "h"}},
		{"missing email", models.CreateUserRequest{Login: "a", PasswordHash: "h"}},
		{"missing password hash", models.CreateUserRequest{Login: "a", Email: "a@b.c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.users.CreateUser(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestUserService_EnsureDefaultAdmin(t *testing.T) {
	adminCfg := func() config.AdminConfig {
		return config.AdminConfig{
			Login:      "admin",
			Email:      "admin@example.com",
			Password:   "s3cret",
			SaltRounds: bcrypt.MinCost,
		}
	}

	t.Run("not configured skips seeding", func(t *testing.T) {
		s := newTestServices(t)

		err := s.users.EnsureDefaultAdmin(context.Background(), config.AdminConfig{SaltRounds: bcrypt.MinCost})
		require.NoError(t, err)

		_, err = s.users.GetUser(context.Background(), "admin")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("partial configuration is an error", func(t *testing.T) {
		s := newTestServices(t)

		cfg := adminCfg()
		cfg.Password = ""
		err := s.users.EnsureDefaultAdmin(context.Background(), cfg)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("seeds admin with bcrypt hash", func(t *testing.T) {
		s := newTestServices(t)
		ctx := context.Background()

		require.NoError(t, s.users.EnsureDefaultAdmin(ctx, adminCfg()))

		admin, err := s.users.GetUser(ctx, "admin")
		require.NoError(t, err)
		assert.True(t, admin.IsAdmin)
		assert.Equal(t, "admin@example.com", admin.Email)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte("s3cret")))
	})

	t.Run("idempotent across restarts", func(t *testing.T) {
		s := newTestServices(t)
		ctx := context.Background()

		require.NoError(t, s.users.EnsureDefaultAdmin(ctx, adminCfg()))
		first, err := s.users.GetUser(ctx, "admin")
		require.NoError(t, err)

		require.NoError(t, s.users.EnsureDefaultAdmin(ctx, adminCfg()))
		second, err := s.users.GetUser(ctx, "admin")
		require.NoError(t, err)
		assert.Equal(t, first.PasswordHash, second.PasswordHash)
	})

	t.Run("existing user is never overwritten", func(t *testing.T) {
		s := newTestServices(t)
		ctx := context.Background()

		_, err := s.users.CreateUser(ctx, models.CreateUserRequest{
			Login:        "admin",
			Email:        "ops@example.com",
			PasswordHash: "original",
		})
		require.NoError(t, err)

		require.NoError(t, s.users.EnsureDefaultAdmin(ctx, adminCfg()))

		user, err := s.users.GetUser(ctx, "admin")
		require.NoError(t, err)
		assert.False(t, user.IsAdmin)
		assert.Equal(t, "original", user.PasswordHash)
		assert.Equal(t, "ops@example.com", user.Email)
	})
}
