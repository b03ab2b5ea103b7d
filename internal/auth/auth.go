// Package auth verifies API callers. Tokens are bearer credentials of
// the form "slk_<token-id>.<secret>"; only a bcrypt hash of the secret
// is stored, so a leaked database does not leak usable tokens.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthenticated is returned when a request carries no valid token.
var ErrUnauthenticated = errors.New("unauthenticated")

const tokenPrefix = "slk_"

// Store is a SQLite-backed API token store.
type Store struct {
	db *sql.DB
}

// NewStore creates a token store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open auth database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate auth schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_tokens (
		token_id    TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		secret_hash TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_user ON api_tokens(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// IssueToken creates a new API token for the user and returns the full
// bearer string. The secret is shown exactly once; only its hash is
// persisted.
func (s *Store) IssueToken(ctx context.Context, userID string) (string, error) {
	tid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate token ID: %w", err)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token secret: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_tokens (token_id, user_id, secret_hash, created_at) VALUES (?, ?, ?, ?)`,
		tid.String(), userID, string(hash), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert token: %w", err)
	}

	return fmt.Sprintf("%s%s.%s", tokenPrefix, tid.String(), secret), nil
}

// Revoke deletes a token by its token ID.
func (s *Store) Revoke(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// Verify extracts and checks the bearer token on a request, returning
// the authenticated user ID. Any failure — missing header, malformed
// token, unknown ID, wrong secret — yields ErrUnauthenticated; the
// caller learns nothing about which check failed.
func (s *Store) Verify(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrUnauthenticated
	}

	body, ok := strings.CutPrefix(strings.TrimSpace(token), tokenPrefix)
	if !ok {
		return "", ErrUnauthenticated
	}
	tokenID, secret, ok := strings.Cut(body, ".")
	if !ok || tokenID == "" || secret == "" {
		return "", ErrUnauthenticated
	}

	var userID, secretHash string
	err := s.db.QueryRowContext(r.Context(),
		`SELECT user_id, secret_hash FROM api_tokens WHERE token_id = ?`, tokenID,
	).Scan(&userID, &secretHash)
	if err == sql.ErrNoRows {
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("query token: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)) != nil {
		return "", ErrUnauthenticated
	}

	return userID, nil
}
