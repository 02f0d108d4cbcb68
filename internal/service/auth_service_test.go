package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vipul43/subtrack/internal/models"
	"github.com/vipul43/subtrack/internal/repository"
)

type memUserStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (s *memUserStore) Create(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = map[string]*models.User{}
	}
	for _, u := range s.users {
		if u.Email == user.Email {
			return repository.ErrEmailTaken
		}
	}
	s.users[user.ID] = user
	return nil
}

func (s *memUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (s *memUserStore) GetByID(ctx context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.UserToken
}

func (s *memTokenStore) Create(ctx context.Context, token *models.UserToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil {
		s.tokens = map[string]*models.UserToken{}
	}
	s.tokens[token.ID] = token
	return nil
}

func (s *memTokenStore) GetByID(ctx context.Context, tokenID string) (*models.UserToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[tokenID]; ok {
		return t, nil
	}
	return nil, repository.ErrTokenNotFound
}

func (s *memTokenStore) Revoke(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[tokenID]; ok && t.RevokedAt == nil {
		now := time.Now()
		t.RevokedAt = &now
	}
	return nil
}

func newTestAuthService() *AuthService {
	s := NewAuthService(&memUserStore{}, &memTokenStore{}, "test-secret", time.Hour, zap.NewNop())
	s.bcryptCost = bcrypt.MinCost
	return s
}

func TestAuthService_Register(t *testing.T) {
	s := newTestAuthService()
	ctx := context.Background()

	user, err := s.Register(ctx, "  Alice@Example.com ", "password123", "Alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("expected lower-cased email, got %s", user.Email)
	}
	if user.PasswordHash == "password123" || user.PasswordHash == "" {
		t.Error("password must be hashed")
	}

	if _, err := s.Register(ctx, "alice@example.com", "password123", "Again"); !errors.Is(err, repository.ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"invalid email", "not-an-email", "password123"},
		{"display name form", "Bob <bob@example.com>", "password123"},
		{"short password", "bob@example.com", "short"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Register(ctx, tt.email, tt.password, ""); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestAuthService_LoginAuthenticateLogout(t *testing.T) {
	s := newTestAuthService()
	ctx := context.Background()

	user, err := s.Register(ctx, "alice@example.com", "password123", "Alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, _, err := s.Login(ctx, "alice@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := s.Login(ctx, "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	token, loggedIn, err := s.Login(ctx, "ALICE@example.com", "password123")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if loggedIn.ID != user.ID {
		t.Errorf("unexpected user %s", loggedIn.ID)
	}

	id, err := s.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if id.UserID != user.ID || id.TokenID == "" {
		t.Errorf("unexpected identity %+v", id)
	}

	if err := s.Logout(ctx, id.TokenID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := s.Authenticate(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected revoked token to be rejected, got %v", err)
	}
	if err := s.Logout(ctx, id.TokenID); err != nil {
		t.Errorf("second logout should succeed, got %v", err)
	}
}

func TestAuthService_Authenticate_Rejects(t *testing.T) {
	s := newTestAuthService()
	ctx := context.Background()

	if _, err := s.Register(ctx, "alice@example.com", "password123", ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	token, _, err := s.Login(ctx, "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	other := NewAuthService(s.users, s.tokens, "other-secret", time.Hour, zap.NewNop())
	if _, err := other.Authenticate(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected wrong secret to be rejected, got %v", err)
	}

	if _, err := s.Authenticate(ctx, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected garbage to be rejected, got %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Authenticate(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected expired token to be rejected, got %v", err)
	}
}
