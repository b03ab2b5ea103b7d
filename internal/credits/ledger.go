// Package credits tracks per-user consumable chat credits. Every
// assistant turn draws one credit before the model is invoked. A
// balance combines a monthly allotment (reset on the billing cycle)
// with purchased top-ups that never expire; unlimited accounts skip
// metering entirely.
package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrInsufficientCredits is returned by Consume when both the monthly
// allotment and the purchased pool are exhausted.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrNoBalance is returned when no balance row exists for the user.
var ErrNoBalance = errors.New("no credit balance for user")

// Balance is a snapshot of one user's credit state.
type Balance struct {
	UserID           string `json:"user_id"`
	MonthlyAllotment int    `json:"monthly_allotment"`
	MonthlyConsumed  int    `json:"monthly_consumed"`
	Purchased        int    `json:"purchased"`
	Unlimited        bool   `json:"unlimited"`
}

// TotalAvailable returns the number of credits the user can still
// spend. Meaningless for unlimited accounts; callers should check
// Unlimited first.
func (b Balance) TotalAvailable() int {
	remaining := b.MonthlyAllotment - b.MonthlyConsumed
	if remaining < 0 {
		remaining = 0
	}
	return remaining + b.Purchased
}

// Ledger is a SQLite-backed credit store. All public methods are safe
// for concurrent use; consumption is a single guarded UPDATE so two
// racing requests can never both spend the last credit.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a credit ledger at the given database path. The
// schema is created automatically on first use.
func NewLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open credits database: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate credits schema: %w", err)
	}

	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_balances (
		user_id           TEXT PRIMARY KEY,
		monthly_allotment INTEGER NOT NULL DEFAULT 0,
		monthly_consumed  INTEGER NOT NULL DEFAULT 0,
		purchased         INTEGER NOT NULL DEFAULT 0,
		unlimited         INTEGER NOT NULL DEFAULT 0,
		updated_at        TEXT NOT NULL,
		CHECK (monthly_consumed >= 0),
		CHECK (purchased >= 0)
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// EnsureBalance creates a balance row for the user if none exists.
// Called at account provisioning; an existing row is left untouched.
func (l *Ledger) EnsureBalance(ctx context.Context, userID string, monthlyAllotment int, unlimited bool) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO credit_balances (user_id, monthly_allotment, unlimited, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, monthlyAllotment, boolToInt(unlimited), now(),
	)
	if err != nil {
		return fmt.Errorf("ensure balance: %w", err)
	}
	return nil
}

// Balance returns the user's current balance snapshot. Pure read.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Balance, error) {
	var b Balance
	var unlimited int
	err := l.db.QueryRowContext(ctx,
		`SELECT user_id, monthly_allotment, monthly_consumed, purchased, unlimited
		 FROM credit_balances WHERE user_id = ?`, userID,
	).Scan(&b.UserID, &b.MonthlyAllotment, &b.MonthlyConsumed, &b.Purchased, &unlimited)
	if err == sql.ErrNoRows {
		return nil, ErrNoBalance
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	b.Unlimited = unlimited != 0
	return &b, nil
}

// HasCredits reports whether the user can start a chat turn.
func (l *Ledger) HasCredits(ctx context.Context, userID string) (bool, error) {
	b, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return b.Unlimited || b.TotalAvailable() > 0, nil
}

// Consume spends exactly one credit and returns the balance after the
// spend. The monthly allotment drains before purchased credits. The
// decrement is a single conditional UPDATE: when only one credit
// remains and two requests race, SQLite serializes the writes and the
// guard clause fails the loser, which gets ErrInsufficientCredits.
// Unlimited accounts succeed without mutating anything.
func (l *Ledger) Consume(ctx context.Context, userID string) (*Balance, error) {
	b, err := l.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if b.Unlimited {
		return b, nil
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE credit_balances SET
			monthly_consumed = CASE
				WHEN monthly_consumed < monthly_allotment THEN monthly_consumed + 1
				ELSE monthly_consumed END,
			purchased = CASE
				WHEN monthly_consumed < monthly_allotment THEN purchased
				ELSE purchased - 1 END,
			updated_at = ?
		 WHERE user_id = ?
		   AND unlimited = 0
		   AND (monthly_consumed < monthly_allotment OR purchased > 0)`,
		now(), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("consume credit: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume credit: %w", err)
	}
	if affected == 0 {
		return nil, ErrInsufficientCredits
	}

	return l.Balance(ctx, userID)
}

// AddPurchased grants non-expiring top-up credits.
func (l *Ledger) AddPurchased(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return fmt.Errorf("top-up amount must be positive, got %d", n)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE credit_balances SET purchased = purchased + ?, updated_at = ? WHERE user_id = ?`,
		n, now(), userID,
	)
	if err != nil {
		return fmt.Errorf("add purchased credits: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNoBalance
	}
	return nil
}

// ResetCycle zeroes the monthly consumption at a billing cycle
// boundary and applies the plan's current allotment. Purchased credits
// carry over untouched. The cycle scheduler lives outside this core.
func (l *Ledger) ResetCycle(ctx context.Context, userID string, monthlyAllotment int) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE credit_balances SET monthly_allotment = ?, monthly_consumed = 0, updated_at = ?
		 WHERE user_id = ?`,
		monthlyAllotment, now(), userID,
	)
	if err != nil {
		return fmt.Errorf("reset cycle: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNoBalance
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
