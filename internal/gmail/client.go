package gmail

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/vipul43/subtrack/internal/parser"
	"github.com/vipul43/subtrack/internal/service"
)

// Keywords and sender domains that make a message an import candidate
var (
	SearchKeywords = []string{
		"subscription", "receipt", "payment", "invoice", "billing",
		"renew", "membership", "monthly", "annual", "yearly",
	}
	SearchDomains = []string{
		"netflix.com", "spotify.com", "youtube.com", "disneyplus.com",
		"amazon.com", "apple.com", "github.com", "dropbox.com",
		"adobe.com", "microsoft.com", "hulu.com", "hbomax.com",
		"openai.com", "notion.so", "slack.com", "zoom.us",
	}
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	CallTimeout  time.Duration

	// Endpoint and TokenURL override Google's defaults, mostly for tests
	Endpoint string
	TokenURL string
}

type Client struct {
	oauth       *oauth2.Config
	endpoint    string
	callTimeout time.Duration
	logger      *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{gmail.GmailReadonlyScope},
			Endpoint:     endpoint,
		},
		endpoint:    cfg.Endpoint,
		callTimeout: cfg.CallTimeout,
		logger:      logger,
	}
}

// BuildSearchQuery ORs the keyword subjects with the sender allowlist and
// restricts the result to messages after since.
func BuildSearchQuery(since time.Time) string {
	return fmt.Sprintf("(subject:(%s) OR from:(%s)) after:%s",
		strings.Join(SearchKeywords, " OR "),
		strings.Join(SearchDomains, " OR "),
		since.Format("2006/01/02"))
}

// callContext bounds a single provider call
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}

	opts := []option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// SearchCandidates returns ids of candidate messages since the given time.
// Only the first page is read.
func (c *Client) SearchCandidates(ctx context.Context, accessToken string, since time.Time, pageSize int) ([]string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	query := BuildSearchQuery(since)
	resp, err := svc.Users.Messages.List("me").Q(query).MaxResults(int64(pageSize)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	c.logger.Debug("gmail search",
		zap.String("query", query),
		zap.Int("results", len(resp.Messages)),
		zap.Bool("truncated", resp.NextPageToken != ""))

	ids := make([]string, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		ids = append(ids, msg.Id)
	}
	return ids, nil
}

// FetchFull fetches a single message with its full payload
func (c *Client) FetchFull(ctx context.Context, accessToken string, messageID string) (*parser.RawMessage, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}

	return convertMessage(msg), nil
}

// FetchBatch fetches ids in groups of batchSize, pausing between groups.
// The result is index-aligned with ids; a failed fetch leaves nil in its
// slot. Cancellation stops further groups and leaves their slots nil.
func (c *Client) FetchBatch(ctx context.Context, accessToken string, ids []string, batchSize int, delay time.Duration) []*parser.RawMessage {
	if batchSize <= 0 {
		batchSize = 1
	}
	out := make([]*parser.RawMessage, len(ids))

	for start := 0; start < len(ids); start += batchSize {
		if start > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			return out
		}

		end := min(start+batchSize, len(ids))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				msg, err := c.FetchFull(ctx, accessToken, ids[i])
				if err != nil {
					c.logger.Warn("failed to fetch message", zap.String("message_id", ids[i]), zap.Error(err))
					return
				}
				out[i] = msg
			}(i)
		}
		wg.Wait()
	}

	return out
}

// Profile returns the mailbox address of the token's owner
func (c *Client) Profile(ctx context.Context, accessToken string) (string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	return profile.EmailAddress, nil
}

// AuthCodeURL builds the consent URL. Offline access with forced consent
// makes Google return a refresh token on every link.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens
func (c *Client) Exchange(ctx context.Context, code string) (*service.TokenSet, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return &service.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}, nil
}

// RefreshAccessToken refreshes the OAuth2 access token
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	newToken, err := c.oauth.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := &service.TokenRefreshResult{
		AccessToken: newToken.AccessToken,
		ExpiresAt:   newToken.Expiry,
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	} else {
		result.RefreshToken = refreshToken
	}

	c.logger.Debug("token refreshed", zap.Time("expires_at", result.ExpiresAt))

	return result, nil
}

func convertMessage(msg *gmail.Message) *parser.RawMessage {
	raw := &parser.RawMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Headers:  make(map[string]string),
	}

	// Parse internal date (milliseconds since epoch)
	if msg.InternalDate > 0 {
		raw.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}

	if msg.Payload == nil {
		return raw
	}

	for _, header := range msg.Payload.Headers {
		if _, ok := raw.Headers[header.Name]; !ok {
			raw.Headers[header.Name] = header.Value
		}
	}
	raw.Payload = convertPart(msg.Payload)

	return raw
}

func convertPart(part *gmail.MessagePart) *parser.MessagePart {
	p := &parser.MessagePart{
		MimeType: part.MimeType,
		Filename: part.Filename,
	}
	if part.Body != nil {
		p.Data = part.Body.Data
	}
	for _, child := range part.Parts {
		if child != nil {
			p.Parts = append(p.Parts, convertPart(child))
		}
	}
	return p
}
