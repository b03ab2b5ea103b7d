// Package account provides the user account store: profile, plan,
// and connected sites with their health summaries and open issues.
// The dashboard and provisioning flows that write most of this data
// live outside this service; the chat pipeline only reads it.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no user record matches the identity.
var ErrNotFound = errors.New("account not found")

// User is an account record with its connected sites.
type User struct {
	ID             string
	Email          string
	Plan           string // starter, growth, scale, unlimited
	AutomationMode string // manual, approve, auto
	CreatedAt      time.Time
	Sites          []Site
}

// Site is a connected website with its latest analysis summary.
type Site struct {
	ID          string
	Domain      string
	HealthScore int // 0-100, from the most recent crawl
	LastCrawled time.Time
	Issues      []Issue
}

// Issue is one open finding on a site.
type Issue struct {
	ID         string
	Severity   string // critical, high, medium, low
	Title      string
	DetectedAt time.Time
}

// SeverityRank orders severities for sorting, highest first.
// Unknown severities sort last.
func SeverityRank(severity string) int {
	switch severity {
	case "critical":
		return 0
	case "high":
		return 1
	case "medium":
		return 2
	case "low":
		return 3
	default:
		return 4
	}
}

// Store is a SQLite-backed account store. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates an account store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open account database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate account schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		email           TEXT NOT NULL UNIQUE,
		plan            TEXT NOT NULL,
		automation_mode TEXT NOT NULL DEFAULT 'approve',
		created_at      TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sites (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES users(id),
		domain       TEXT NOT NULL,
		health_score INTEGER NOT NULL DEFAULT 0,
		last_crawled TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sites_user ON sites(user_id);
	CREATE TABLE IF NOT EXISTS issues (
		id          TEXT PRIMARY KEY,
		site_id     TEXT NOT NULL REFERENCES sites(id),
		severity    TEXT NOT NULL,
		title       TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'open',
		detected_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_issues_site ON issues(site_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// FindUser loads a user and their connected sites with open issues.
func (s *Store) FindUser(ctx context.Context, userID string) (*User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, plan, automation_mode, created_at FROM users WHERE id = ?`,
		userID,
	).Scan(&u.ID, &u.Email, &u.Plan, &u.AutomationMode, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	sites, err := s.loadSites(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Sites = sites

	return &u, nil
}

func (s *Store) loadSites(ctx context.Context, userID string) ([]Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, domain, health_score, COALESCE(last_crawled, '') FROM sites
		 WHERE user_id = ? ORDER BY domain`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var site Site
		var lastCrawled string
		if err := rows.Scan(&site.ID, &site.Domain, &site.HealthScore, &lastCrawled); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		if lastCrawled != "" {
			site.LastCrawled, _ = time.Parse(time.RFC3339, lastCrawled)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sites {
		issues, err := s.loadOpenIssues(ctx, sites[i].ID)
		if err != nil {
			return nil, err
		}
		sites[i].Issues = issues
	}

	return sites, nil
}

func (s *Store) loadOpenIssues(ctx context.Context, siteID string) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, severity, title, detected_at FROM issues
		 WHERE site_id = ? AND status = 'open'
		 ORDER BY detected_at DESC`, siteID)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var issue Issue
		var detectedAt string
		if err := rows.Scan(&issue.ID, &issue.Severity, &issue.Title, &detectedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issue.DetectedAt, _ = time.Parse(time.RFC3339, detectedAt)
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// CreateUser inserts an account record. If id is empty, a UUIDv7 is
// generated. Returns the user ID.
func (s *Store) CreateUser(ctx context.Context, id, email, plan, automationMode string) (string, error) {
	if id == "" {
		uid, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate user ID: %w", err)
		}
		id = uid.String()
	}
	if automationMode == "" {
		automationMode = "approve"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, plan, automation_mode, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, email, plan, automationMode, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// AddSite connects a site to a user. Returns the site ID.
func (s *Store) AddSite(ctx context.Context, userID, domain string, healthScore int, lastCrawled time.Time) (string, error) {
	sid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate site ID: %w", err)
	}

	crawled := ""
	if !lastCrawled.IsZero() {
		crawled = lastCrawled.UTC().Format(time.RFC3339)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sites (id, user_id, domain, health_score, last_crawled) VALUES (?, ?, ?, ?, ?)`,
		sid.String(), userID, domain, healthScore, crawled,
	)
	if err != nil {
		return "", fmt.Errorf("insert site: %w", err)
	}
	return sid.String(), nil
}

// AddIssue records an open issue against a site. Returns the issue ID.
func (s *Store) AddIssue(ctx context.Context, siteID, severity, title string, detectedAt time.Time) (string, error) {
	iid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate issue ID: %w", err)
	}
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issues (id, site_id, severity, title, status, detected_at)
		 VALUES (?, ?, ?, ?, 'open', ?)`,
		iid.String(), siteID, severity, title, detectedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert issue: %w", err)
	}
	return iid.String(), nil
}
