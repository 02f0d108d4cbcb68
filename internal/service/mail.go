package service

import (
	"context"
	"time"

	"github.com/vipul43/subtrack/internal/parser"
)

// MailFetcher is the mail provider surface the import needs
type MailFetcher interface {
	SearchCandidates(ctx context.Context, accessToken string, since time.Time, pageSize int) ([]string, error)
	FetchBatch(ctx context.Context, accessToken string, ids []string, batchSize int, delay time.Duration) []*parser.RawMessage
}

// OAuthProvider covers the authorization-code flow for linking a mailbox
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*TokenSet, error)
	Profile(ctx context.Context, accessToken string) (string, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// TokenSet is the result of exchanging an authorization code
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

type TokenRefreshResult struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string // May be same or new
}

// tokenExpiryMargin is how close to expiry an access token is refreshed
const tokenExpiryMargin = 5 * time.Minute
