// Package authpw provides email/password sign-up and sign-in.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/store"
)

const minPasswordLength = 8

var errBadCredentials = apperr.Unauthorized("Invalid email or password")

type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(users UserStore) *Service {
	return &Service{store: users, cost: bcrypt.DefaultCost}
}

type SignUpRequest struct {
	Username string
	Email    string
	Password string
}

func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return store.User{}, apperr.Invalid("username, email, and password are required", nil)
	}
	if len(req.Password) < minPasswordLength {
		return store.User{}, apperr.Invalid("password must be at least 8 characters", map[string]string{"field": "password"})
	}

	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return store.User{}, apperr.Conflict("Email already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, apperr.Persistence(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.store.CreateUser(ctx, store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrConflict) {
		return store.User{}, apperr.Conflict("Username or email already registered")
	}
	if err != nil {
		return store.User{}, apperr.Persistence(err)
	}
	return user, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return store.User{}, apperr.Invalid("email and password are required", nil)
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, errBadCredentials
	}
	if err != nil {
		return store.User{}, apperr.Persistence(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, errBadCredentials
	}
	return user, nil
}
