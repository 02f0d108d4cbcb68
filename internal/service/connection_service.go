package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/subtrack/internal/models"
)

const (
	oauthStateAudience = "email-oauth"
	oauthStateTTL      = 10 * time.Minute
)

type ConnectionStore interface {
	GetActiveForUser(ctx context.Context, userID, connectionID string) (*models.EmailConnection, error)
	ListByUser(ctx context.Context, userID string) ([]models.EmailConnection, error)
	Upsert(ctx context.Context, conn *models.EmailConnection) error
	UpdateTokens(ctx context.Context, connectionID string, accessToken string, refreshToken string, expiry time.Time) error
	Deactivate(ctx context.Context, userID, connectionID string) error
}

// ConnectionService links and unlinks mailboxes and keeps their tokens
// fresh. A nil OAuthProvider disables Gmail; linking then fails with
// ErrGmailDisabled.
type ConnectionService struct {
	store       ConnectionStore
	oauth       OAuthProvider
	stateSecret []byte
	logger      *zap.Logger
	now         func() time.Time
}

func NewConnectionService(store ConnectionStore, oauth OAuthProvider, stateSecret string, logger *zap.Logger) *ConnectionService {
	return &ConnectionService{
		store:       store,
		oauth:       oauth,
		stateSecret: []byte(stateSecret),
		logger:      logger,
		now:         time.Now,
	}
}

// AuthURL returns the consent URL. The state parameter is a short-lived
// signed token naming the user, so the callback needs no session.
func (s *ConnectionService) AuthURL(userID string) (string, error) {
	if s.oauth == nil {
		return "", ErrGmailDisabled
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Audience:  jwt.ClaimStrings{oauthStateAudience},
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(oauthStateTTL)),
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.stateSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign oauth state: %w", err)
	}

	return s.oauth.AuthCodeURL(state), nil
}

// HandleCallback completes the consent flow and stores the connection.
// Linking a mailbox the user already linked reactivates that row.
func (s *ConnectionService) HandleCallback(ctx context.Context, state, code string) (*models.EmailConnection, error) {
	if s.oauth == nil {
		return nil, ErrGmailDisabled
	}
	if state == "" || code == "" {
		return nil, fmt.Errorf("%w: state and code are required", ErrInvalidRequest)
	}

	userID, err := s.verifyState(state)
	if err != nil {
		return nil, err
	}

	tokens, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		return nil, fmt.Errorf("provider returned no refresh token")
	}

	address, err := s.oauth.Profile(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	expiry := tokens.Expiry
	conn := &models.EmailConnection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Provider:     models.ProviderGmail,
		EmailAddress: strings.ToLower(strings.TrimSpace(address)),
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenExpiry:  &expiry,
		IsActive:     true,
	}
	if err := s.store.Upsert(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info("email connection linked",
		zap.String("user_id", userID),
		zap.String("connection_id", conn.ID),
		zap.String("provider", conn.Provider),
	)
	return conn, nil
}

func (s *ConnectionService) verifyState(state string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (interface{}, error) {
		return s.stateSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(oauthStateAudience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: invalid oauth state", ErrInvalidRequest)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: invalid oauth state", ErrInvalidRequest)
	}
	return claims.Subject, nil
}

func (s *ConnectionService) List(ctx context.Context, userID string) ([]models.EmailConnection, error) {
	return s.store.ListByUser(ctx, userID)
}

// Disconnect deactivates the connection; the row and its history stay
func (s *ConnectionService) Disconnect(ctx context.Context, userID, connectionID string) error {
	if err := s.store.Deactivate(ctx, userID, connectionID); err != nil {
		return err
	}
	s.logger.Info("email connection deactivated", zap.String("user_id", userID), zap.String("connection_id", connectionID))
	return nil
}

// EnsureFreshToken returns conn's access token, refreshing it first when
// it expires within five minutes. Rotated tokens are persisted and written
// back into conn.
func (s *ConnectionService) EnsureFreshToken(ctx context.Context, conn *models.EmailConnection) (string, error) {
	if !conn.TokenExpiresWithin(s.now(), tokenExpiryMargin) && conn.AccessToken != "" {
		return conn.AccessToken, nil
	}
	if s.oauth == nil {
		return "", ErrGmailDisabled
	}
	if conn.RefreshToken == "" {
		return "", errors.New("connection has no refresh token")
	}

	s.logger.Debug("access token expiring, refreshing", zap.String("connection_id", conn.ID))

	result, err := s.oauth.RefreshAccessToken(ctx, conn.RefreshToken)
	if err != nil {
		return "", err
	}

	if err := s.store.UpdateTokens(ctx, conn.ID, result.AccessToken, result.RefreshToken, result.ExpiresAt); err != nil {
		return "", fmt.Errorf("failed to update tokens in database: %w", err)
	}

	expiry := result.ExpiresAt
	conn.AccessToken = result.AccessToken
	conn.RefreshToken = result.RefreshToken
	conn.TokenExpiry = &expiry

	return result.AccessToken, nil
}
