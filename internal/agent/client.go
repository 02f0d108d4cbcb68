// Package agent talks to the external assistant service over its
// envelope protocol. A client without a URL is disabled and every call
// returns ErrDisabled.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/vipul43/subtrack/internal/metrics"
)

var ErrDisabled = errors.New("assistant is not configured")

// Envelope types understood by the agent
const (
	TypeChat  = "chat"
	TypeEmail = "email"
)

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		url:    strings.TrimSpace(cfg.URL),
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
		now:    time.Now,
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// EmailData is the email part of a detection envelope
type EmailData struct {
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Message string        `json:"message"`
	History []ChatMessage `json:"history,omitempty"`
}

type envelope struct {
	Type     string         `json:"type"`
	Email    *EmailData     `json:"email,omitempty"`
	Chat     *chatPayload   `json:"chat,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// Detection is the agent's structured verdict on one email
type Detection struct {
	IsSubscription  bool     `json:"is_subscription"`
	Company         string   `json:"company"`
	Category        string   `json:"category"`
	Amount          *float64 `json:"amount"`
	Currency        string   `json:"currency"`
	BillingCycle    string   `json:"billing_cycle"`
	NextBillingDate string   `json:"next_billing_date"`
}

// Chat forwards a user message and returns the agent's reply text
func (c *Client) Chat(ctx context.Context, userID, message string, history []ChatMessage) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}

	env := envelope{
		Type:     TypeChat,
		Chat:     &chatPayload{Message: message, History: history},
		Metadata: c.metadata(userID),
	}

	return c.send(ctx, env)
}

// DetectSubscription asks the agent whether the email is a subscription
// receipt. It returns nil without error when the agent says it is not, or
// when the reply lacks a company or a positive amount.
func (c *Client) DetectSubscription(ctx context.Context, userID string, email EmailData) (*Detection, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	env := envelope{
		Type:     TypeEmail,
		Email:    &email,
		Metadata: c.metadata(userID),
	}

	output, err := c.send(ctx, env)
	if err != nil {
		return nil, err
	}

	var d Detection
	if err := json.Unmarshal([]byte(cleanJSONResponse(output)), &d); err != nil {
		return nil, fmt.Errorf("failed to parse detection JSON: %w", err)
	}

	if !isValidDetection(d) {
		return nil, nil
	}
	return &d, nil
}

func (c *Client) metadata(userID string) map[string]any {
	return map[string]any{
		"user_id":   userID,
		"source":    "subtrack",
		"timestamp": c.now().UTC().Format(time.RFC3339),
	}
}

func (c *Client) send(ctx context.Context, env envelope) (string, error) {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.RecordAgentCallLatency(env.Type, status, time.Since(start))
	}()

	jsonData, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent error (status %d): %s", resp.StatusCode, truncate(string(body), 512))
	}

	output, ok := resolveOutput(body)
	if !ok {
		return "", fmt.Errorf("agent response has no output")
	}

	status = "success"
	c.logger.Debug("agent call",
		zap.String("type", env.Type),
		zap.Duration("latency", time.Since(start)),
	)
	return output, nil
}

// outputPaths are tried in order against the agent's response body
var outputPaths = []string{"output", "result", "state.values.output"}

// resolveOutput finds the reply text. After the fixed paths it falls back
// to the content of the last message in state.values.messages.
func resolveOutput(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}

	for _, path := range outputPaths {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type != gjson.Null {
			return valueText(v), true
		}
	}

	messages := gjson.GetBytes(body, "state.values.messages").Array()
	if len(messages) > 0 {
		if v := messages[len(messages)-1].Get("content"); v.Exists() {
			return valueText(v), true
		}
	}

	return "", false
}

func valueText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	return v.Raw
}

// cleanJSONResponse removes markdown code blocks and extra whitespace from LLM response
func cleanJSONResponse(content string) string {
	content = strings.TrimSpace(content)

	// Find the first { and last } to extract just the JSON object
	startIdx := strings.Index(content, "{")
	endIdx := strings.LastIndex(content, "}")

	if startIdx == -1 || endIdx == -1 || startIdx > endIdx {
		return content
	}

	return strings.TrimSpace(content[startIdx : endIdx+1])
}

func isValidDetection(d Detection) bool {
	if !d.IsSubscription {
		return false
	}
	if strings.TrimSpace(d.Company) == "" {
		return false
	}
	if d.Amount == nil || *d.Amount <= 0 {
		return false
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
