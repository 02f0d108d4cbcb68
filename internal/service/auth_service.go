package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vipul43/subtrack/internal/models"
	"github.com/vipul43/subtrack/internal/repository"
)

const minPasswordLength = 8

type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, userID string) (*models.User, error)
}

type TokenStore interface {
	Create(ctx context.Context, token *models.UserToken) error
	GetByID(ctx context.Context, tokenID string) (*models.UserToken, error)
	Revoke(ctx context.Context, tokenID string) error
}

// Identity is what a valid bearer token resolves to
type Identity struct {
	UserID  string
	TokenID string
}

type AuthService struct {
	users      UserStore
	tokens     TokenStore
	secret     []byte
	ttl        time.Duration
	bcryptCost int
	logger     *zap.Logger
	now        func() time.Time
}

func NewAuthService(users UserStore, tokens TokenStore, secret string, ttl time.Duration, logger *zap.Logger) *AuthService {
	return &AuthService{
		users:      users,
		tokens:     tokens,
		secret:     []byte(secret),
		ttl:        ttl,
		bcryptCost: bcrypt.DefaultCost,
		logger:     logger,
		now:        time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a user. Emails are stored lower-cased.
func (s *AuthService) Register(ctx context.Context, email, password, name string) (*models.User, error) {
	email = normalizeEmail(email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: invalid email address", ErrInvalidRequest)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRequest, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		Name:         strings.TrimSpace(name),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID))
	return user, nil
}

// Login checks the password and issues a signed token backed by a
// user_tokens row
func (s *AuthService) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, repository.ErrUserNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	now := s.now()
	record := &models.UserToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.tokens.Create(ctx, record); err != nil {
		return "", nil, err
	}

	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		ID:        record.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, user, nil
}

// Authenticate validates a bearer token and its server-side record
func (s *AuthService) Authenticate(ctx context.Context, token string) (*Identity, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || claims.Subject == "" || claims.ID == "" {
		return nil, ErrUnauthorized
	}

	record, err := s.tokens.GetByID(ctx, claims.ID)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if record.UserID != claims.Subject || !record.Active(s.now()) {
		return nil, ErrUnauthorized
	}

	return &Identity{UserID: claims.Subject, TokenID: claims.ID}, nil
}

// Logout revokes the token. Revoking an already revoked token succeeds.
func (s *AuthService) Logout(ctx context.Context, tokenID string) error {
	if err := s.tokens.Revoke(ctx, tokenID); err != nil && !errors.Is(err, repository.ErrTokenNotFound) {
		return err
	}
	return nil
}

func (s *AuthService) Me(ctx context.Context, userID string) (*models.User, error) {
	return s.users.GetByID(ctx, userID)
}
