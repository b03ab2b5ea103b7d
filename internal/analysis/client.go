// Package analysis is the HTTP client for the site-analysis backend.
// The backend owns the crawlers, audits, and fix engine; seologyd only
// forwards tool invocations to it and relays the findings to the model
// as text. Responses are passed through verbatim (bounded) — the model
// is the consumer, not application code.
package analysis

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/anyrxo/seology/internal/httpkit"
)

// maxResultBytes bounds how much backend output is relayed to the
// model for a single tool invocation.
const maxResultBytes = 32 * 1024

// Client talks to the analysis backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an analysis client. Timeouts are governed by the
// caller's context — the tool dispatcher applies a per-invocation
// deadline.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("backend", "analysis"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
		),
	}
}

// AnalyzeSite runs a fresh analysis of the domain and returns the
// findings summary.
func (c *Client) AnalyzeSite(ctx context.Context, userID, domain string) (string, error) {
	return c.get(ctx, "/v1/analyze", url.Values{
		"user":   {userID},
		"domain": {domain},
	})
}

// ListIssues returns the open issues for a domain, optionally filtered
// by severity.
func (c *Client) ListIssues(ctx context.Context, userID, domain, severity string) (string, error) {
	q := url.Values{
		"user":   {userID},
		"domain": {domain},
	}
	if severity != "" {
		q.Set("severity", severity)
	}
	return c.get(ctx, "/v1/issues", q)
}

// IssueDetails returns the full diagnosis and fix recommendation for
// one issue.
func (c *Client) IssueDetails(ctx context.Context, userID, issueID string) (string, error) {
	return c.get(ctx, "/v1/issues/"+url.PathEscape(issueID), url.Values{
		"user": {userID},
	})
}

// CheckPage audits a single page URL.
func (c *Client) CheckPage(ctx context.Context, userID, pageURL string) (string, error) {
	return c.get(ctx, "/v1/check-page", url.Values{
		"user": {userID},
		"url":  {pageURL},
	})
}

// FixHistory returns the most recent applied fixes for a domain.
func (c *Client) FixHistory(ctx context.Context, userID, domain string, limit int) (string, error) {
	q := url.Values{
		"user":   {userID},
		"domain": {domain},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/v1/fixes", q)
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (string, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("analysis backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		c.logger.Warn("analysis backend error", "path", path, "status", resp.StatusCode, "body", errBody)
		return "", fmt.Errorf("analysis backend returned %d for %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return "", fmt.Errorf("read analysis response: %w", err)
	}
	return string(body), nil
}
