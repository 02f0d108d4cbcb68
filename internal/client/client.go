// Package client is a small Go client for the subtrack HTTP API, used by
// the CLI to start imports and follow them to completion.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vipul43/subtrack/internal/models"
)

// DefaultPollInterval matches the web client's polling cadence
const DefaultPollInterval = 3 * time.Second

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// StartImport begins an import for the connection and returns the run id
func (c *Client) StartImport(ctx context.Context, connectionID string) (string, error) {
	var resp struct {
		ImportID string `json:"importId"`
	}
	path := "/email/imports/" + url.PathEscape(connectionID)
	if err := c.do(ctx, http.MethodPost, path, &resp); err != nil {
		return "", err
	}
	if resp.ImportID == "" {
		return "", fmt.Errorf("response carried no importId")
	}
	return resp.ImportID, nil
}

func (c *Client) GetImport(ctx context.Context, importID string) (*models.ImportRun, error) {
	var run models.ImportRun
	if err := c.do(ctx, http.MethodGet, "/email/imports/"+url.PathEscape(importID), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// PollImport fetches the run every interval until it is terminal and
// returns the final state. onUpdate, if set, sees every observed state.
func (c *Client) PollImport(ctx context.Context, importID string, interval time.Duration, onUpdate func(*models.ImportRun)) (*models.ImportRun, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetImport(ctx, importID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(run)
		}
		if run.Status.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
