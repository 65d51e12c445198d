package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SendLog remembers the last code sent to each address: when it went out,
// the challenge it belongs to and how often it was tried.
type SendLog interface {
	// Reserve records now as the last send to email unless one happened less
	// than cooldown ago, in which case it returns the remaining wait. A
	// successful reservation drops any earlier challenge of email.
	Reserve(ctx context.Context, email string, now time.Time, cooldown time.Duration) (time.Duration, error)
	// Release forgets the last send so a failed delivery can be retried at once.
	Release(ctx context.Context, email string) error
	// Attach binds the reserved send of email to challenge nonce and the MAC of its code.
	Attach(ctx context.Context, email, nonce, codeMAC string) error
	// Attempt spends one of max verification attempts of the challenge and
	// returns its code MAC. It fails with ErrChallengeInvalid when nonce is not
	// the live challenge of email and ErrTooManyAttempts once max is spent.
	Attempt(ctx context.Context, email, nonce string, max int) (string, error)
	// Consume ends the challenge so its code cannot be used twice. The
	// cooldown is kept.
	Consume(ctx context.Context, email, nonce string) error
}

type sendEntry struct {
	sentAt   time.Time
	nonce    string
	codeMAC  string
	attempts int
}

// MemorySendLog keeps sends in process memory.
type MemorySendLog struct {
	mu   sync.Mutex
	last map[string]*sendEntry
}

func NewMemorySendLog() *MemorySendLog {
	return &MemorySendLog{last: make(map[string]*sendEntry)}
}

func (l *MemorySendLog) Reserve(_ context.Context, email string, now time.Time, cooldown time.Duration) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.last[email]; ok {
		if elapsed := now.Sub(prev.sentAt); elapsed < cooldown {
			return cooldown - elapsed, nil
		}
	}
	l.last[email] = &sendEntry{sentAt: now}
	return 0, nil
}

func (l *MemorySendLog) Release(_ context.Context, email string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, email)
	return nil
}

func (l *MemorySendLog) Attach(_ context.Context, email, nonce, codeMAC string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.last[email]
	if !ok {
		return fmt.Errorf("auth: attach challenge: no send reserved for %s", email)
	}
	entry.nonce, entry.codeMAC, entry.attempts = nonce, codeMAC, 0
	return nil
}

func (l *MemorySendLog) Attempt(_ context.Context, email, nonce string, max int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.last[email]
	if !ok || nonce == "" || entry.nonce != nonce {
		return "", ErrChallengeInvalid
	}
	if entry.attempts >= max {
		return "", ErrTooManyAttempts
	}
	entry.attempts++
	return entry.codeMAC, nil
}

func (l *MemorySendLog) Consume(_ context.Context, email, nonce string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.last[email]; ok && entry.nonce == nonce {
		entry.nonce, entry.codeMAC = "", ""
	}
	return nil
}

// SendLogSchema creates the table backing PGSendLog.
const SendLogSchema = `
CREATE TABLE IF NOT EXISTS otp_send_log (
	email   TEXT PRIMARY KEY,
	sent_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE otp_send_log ADD COLUMN IF NOT EXISTS nonce TEXT;
ALTER TABLE otp_send_log ADD COLUMN IF NOT EXISTS code_mac TEXT;
ALTER TABLE otp_send_log ADD COLUMN IF NOT EXISTS attempts INTEGER NOT NULL DEFAULT 0;
`

// PGSendLog keeps sends in PostgreSQL so every API instance shares the cooldown.
type PGSendLog struct {
	pool *pgxpool.Pool
}

func NewPGSendLog(pool *pgxpool.Pool) *PGSendLog {
	return &PGSendLog{pool: pool}
}

// EnsureSchema creates the send log table if it is missing.
func (l *PGSendLog) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, SendLogSchema); err != nil {
		return fmt.Errorf("auth: ensure send log schema: %w", err)
	}
	return nil
}

func (l *PGSendLog) Reserve(ctx context.Context, email string, now time.Time, cooldown time.Duration) (time.Duration, error) {
	const reserveSQL = `
		INSERT INTO otp_send_log (email, sent_at)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE
		SET sent_at = EXCLUDED.sent_at, nonce = NULL, code_mac = NULL, attempts = 0
		WHERE otp_send_log.sent_at <= $3
		RETURNING sent_at
	`

	var sentAt time.Time
	err := l.pool.QueryRow(ctx, reserveSQL, email, now, now.Add(-cooldown)).Scan(&sentAt)
	if err == nil {
		return 0, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("auth: reserve otp send: %w", err)
	}

	// The conflicting row is inside the cooldown window.
	const selectSQL = `SELECT sent_at FROM otp_send_log WHERE email = $1`
	if err := l.pool.QueryRow(ctx, selectSQL, email).Scan(&sentAt); err != nil {
		return 0, fmt.Errorf("auth: read otp send: %w", err)
	}
	wait := cooldown - now.Sub(sentAt)
	if wait <= 0 {
		wait = time.Second
	}
	return wait, nil
}

func (l *PGSendLog) Release(ctx context.Context, email string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM otp_send_log WHERE email = $1`, email); err != nil {
		return fmt.Errorf("auth: release otp send: %w", err)
	}
	return nil
}

func (l *PGSendLog) Attach(ctx context.Context, email, nonce, codeMAC string) error {
	const attachSQL = `UPDATE otp_send_log SET nonce = $2, code_mac = $3, attempts = 0 WHERE email = $1`
	tag, err := l.pool.Exec(ctx, attachSQL, email, nonce, codeMAC)
	if err != nil {
		return fmt.Errorf("auth: attach challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("auth: attach challenge: no send reserved for %s", email)
	}
	return nil
}

func (l *PGSendLog) Attempt(ctx context.Context, email, nonce string, max int) (string, error) {
	if nonce == "" {
		return "", ErrChallengeInvalid
	}
	const attemptSQL = `
		UPDATE otp_send_log SET attempts = attempts + 1
		WHERE email = $1 AND nonce = $2 AND attempts < $3
		RETURNING code_mac
	`
	var codeMAC string
	err := l.pool.QueryRow(ctx, attemptSQL, email, nonce, max).Scan(&codeMAC)
	if err == nil {
		return codeMAC, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("auth: record verify attempt: %w", err)
	}

	var exists bool
	const existsSQL = `SELECT EXISTS (SELECT 1 FROM otp_send_log WHERE email = $1 AND nonce = $2)`
	if err := l.pool.QueryRow(ctx, existsSQL, email, nonce).Scan(&exists); err != nil {
		return "", fmt.Errorf("auth: read challenge: %w", err)
	}
	if exists {
		return "", ErrTooManyAttempts
	}
	return "", ErrChallengeInvalid
}

func (l *PGSendLog) Consume(ctx context.Context, email, nonce string) error {
	const consumeSQL = `UPDATE otp_send_log SET nonce = NULL, code_mac = NULL WHERE email = $1 AND nonce = $2`
	if _, err := l.pool.Exec(ctx, consumeSQL, email, nonce); err != nil {
		return fmt.Errorf("auth: consume challenge: %w", err)
	}
	return nil
}
