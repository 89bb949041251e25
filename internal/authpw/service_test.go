package authpw

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/store"
)

type fakeUserStore struct {
	users        map[string]store.User
	getByEmailFn func(email string) (store.User, error)
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]store.User{}}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if f.getByEmailFn != nil {
		return f.getByEmailFn(email)
	}
	user, ok := f.users[strings.ToLower(email)]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	user.ID = "u-" + user.Username
	f.users[strings.ToLower(user.Email)] = user
	return user, nil
}

func newTestService() (*Service, *fakeUserStore) {
	users := newFakeUserStore()
	svc := NewService(users)
	svc.cost = bcrypt.MinCost
	return svc, users
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService()

	t.Run("should create the user with a hashed password", func(t *testing.T) {
		req := require.New(t)
		user, err := svc.SignUp(ctx, SignUpRequest{Username: "alice", Email: "alice@example.com", Password: "password123"})
		req.NoError(err)
		req.Equal("u-alice", user.ID)
		req.NotEqual("password123", users.users["alice@example.com"].PasswordHash)
	})

	t.Run("should reject a duplicate email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{Username: "alice2", Email: "ALICE@example.com", Password: "password123"})
		require.True(t, apperr.Is(err, apperr.KindConflict))
	})

	t.Run("should reject a short password", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{Username: "bob", Email: "bob@example.com", Password: "short"})
		require.True(t, apperr.Is(err, apperr.KindInvalidInput))
	})

	t.Run("should reject missing fields", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{})
		require.True(t, apperr.Is(err, apperr.KindInvalidInput))
	})

	t.Run("should surface storage failures", func(t *testing.T) {
		users.getByEmailFn = func(string) (store.User, error) { return store.User{}, errors.New("down") }
		defer func() { users.getByEmailFn = nil }()
		_, err := svc.SignUp(ctx, SignUpRequest{Username: "carol", Email: "carol@example.com", Password: "password123"})
		require.True(t, apperr.Is(err, apperr.KindPersistence))
	})
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	_, err := svc.SignUp(ctx, SignUpRequest{Username: "alice", Email: "alice@example.com", Password: "password123"})
	require.NoError(t, err)

	t.Run("should accept the right password", func(t *testing.T) {
		user, err := svc.SignIn(ctx, "alice@example.com", "password123")
		require.NoError(t, err)
		require.Equal(t, "alice", user.Username)
	})

	t.Run("should reject a wrong password", func(t *testing.T) {
		_, err := svc.SignIn(ctx, "alice@example.com", "wrongpassword")
		require.True(t, apperr.Is(err, apperr.KindUnauthorized))
	})

	t.Run("should not reveal unknown emails", func(t *testing.T) {
		_, err := svc.SignIn(ctx, "nobody@example.com", "password123")
		require.True(t, apperr.Is(err, apperr.KindUnauthorized))
	})
}
