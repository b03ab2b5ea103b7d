package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/anyrxo/seology/internal/analysis"
)

// errNoUser guards against a handler running without an authenticated
// caller attached to the context.
var errNoUser = errors.New("no authenticated user in context")

// RegisterAnalysisTools wires the site-analysis backend into the
// catalogue. These are the only tools the chat model can invoke.
func RegisterAnalysisTools(r *Registry, client *analysis.Client) error {
	tools := []*Tool{
		{
			Name:        "analyze_site",
			Description: "Run a fresh SEO analysis of one of the user's connected sites. Returns a findings summary including health score, crawl stats, and newly detected issues. Use when the user asks how a site is doing or wants current data.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"domain": map[string]any{
						"type":        "string",
						"description": "The site domain to analyze (e.g., example.com)",
					},
				},
				"required":             []string{"domain"},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				userID, err := callerID(ctx)
				if err != nil {
					return "", err
				}
				return client.AnalyzeSite(ctx, userID, stringArg(input, "domain"))
			},
		},
		{
			Name:        "list_site_issues",
			Description: "List the open SEO issues for a connected site, optionally filtered by severity. Use when the user asks what is wrong with a site.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"domain": map[string]any{
						"type":        "string",
						"description": "The site domain",
					},
					"severity": map[string]any{
						"type":        "string",
						"description": "Optional severity filter",
						"enum":        []string{"critical", "high", "medium", "low"},
					},
				},
				"required":             []string{"domain"},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				userID, err := callerID(ctx)
				if err != nil {
					return "", err
				}
				return client.ListIssues(ctx, userID, stringArg(input, "domain"), stringArg(input, "severity"))
			},
		},
		{
			Name:        "get_issue_details",
			Description: "Get the full diagnosis and recommended fix for a single issue by its ID. Use after list_site_issues when the user wants specifics.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"issue_id": map[string]any{
						"type":        "string",
						"description": "The issue ID from list_site_issues",
					},
				},
				"required":             []string{"issue_id"},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				userID, err := callerID(ctx)
				if err != nil {
					return "", err
				}
				return client.IssueDetails(ctx, userID, stringArg(input, "issue_id"))
			},
		},
		{
			Name:        "check_page",
			Description: "Audit a single page URL for on-page SEO problems (title, meta description, headings, structured data, load performance).",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The full page URL to audit",
					},
				},
				"required":             []string{"url"},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				userID, err := callerID(ctx)
				if err != nil {
					return "", err
				}
				return client.CheckPage(ctx, userID, stringArg(input, "url"))
			},
		},
		{
			Name:        "get_fix_history",
			Description: "List the most recent SEO fixes applied to a connected site. Use when the user asks what has changed or been fixed.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"domain": map[string]any{
						"type":        "string",
						"description": "The site domain",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of fixes to return (default 10)",
					},
				},
				"required":             []string{"domain"},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				userID, err := callerID(ctx)
				if err != nil {
					return "", err
				}
				return client.FixHistory(ctx, userID, stringArg(input, "domain"), intArg(input, "limit"))
			},
		},
	}

	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register analysis tools: %w", err)
		}
	}
	return nil
}

func callerID(ctx context.Context) (string, error) {
	id := UserIDFromContext(ctx)
	if id == "" {
		return "", errNoUser
	}
	return id, nil
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// intArg tolerates the float64 that JSON decoding produces for numbers.
func intArg(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
