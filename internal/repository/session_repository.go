package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session repository errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionTx exposes the session operations that must run inside a single
// transaction during refresh rotation. GetByTokenHashForUpdate takes a
// row-level exclusive lock, so two concurrent rotations of the same
// session serialize on the database.
type SessionTx interface {
	GetByTokenHashForUpdate(ctx context.Context, tokenHash string) (*Session, error)
	HasNewerActive(ctx context.Context, accountID uuid.UUID, createdAfter time.Time) (bool, error)
	MarkRotated(ctx context.Context, id uuid.UUID, usedAt, revokeAfter time.Time) error
	Create(ctx context.Context, session *Session) error
}

// SessionRepository defines the interface for session data access
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeByTokenHash(ctx context.Context, tokenHash string) error
	WithTx(ctx context.Context, fn func(SessionTx) error) error
	SweepDueRevocations(ctx context.Context, now time.Time) (int64, error)
	CleanupExpired(ctx context.Context, now time.Time, revokedBefore time.Time) (int64, error)
	CountFailedAttempts(ctx context.Context, email string, since time.Time) (int, error)
	RecordFailedAttempt(ctx context.Context, email string, ip string) error
	CleanupOldFailedAttempts(ctx context.Context, before time.Time) (int64, error)
}

// sessionRepository implements SessionRepository using PostgreSQL
type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

const sessionColumns = `id, account_id, token_hash, user_agent, ip_address, expires_at, revoked, revoked_at, revoke_after, last_used_at, created_at, updated_at`

// Create inserts a new session into the database
func (r *sessionRepository) Create(ctx context.Context, session *Session) error {
	return createSession(ctx, r.pool, session)
}

// GetByTokenHash retrieves a session by its token hash without locking
func (r *sessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1`
	return scanSession(r.pool.QueryRow(ctx, query, tokenHash))
}

// Revoke marks a session revoked. Revocation is terminal; the row keeps
// its revoked_at timestamp until the cleanup sweep deletes it.
func (r *sessionRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_at = $1, updated_at = $1
		WHERE id = $2 AND revoked = FALSE
	`

	result, err := r.pool.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeByTokenHash marks a session revoked by its token hash (blind
// revoke used as a logout safety net)
func (r *sessionRepository) RevokeByTokenHash(ctx context.Context, tokenHash string) error {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_at = $1, updated_at = $1
		WHERE token_hash = $2 AND revoked = FALSE
	`

	result, err := r.pool.Exec(ctx, query, time.Now().UTC(), tokenHash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// WithTx runs fn inside a transaction. Any error from fn rolls the
// transaction back in full.
func (r *sessionRepository) WithTx(ctx context.Context, fn func(SessionTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin session tx: %w", err)
	}

	if err := fn(&sessionTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}

// SweepDueRevocations flips revoked=true for sessions whose delayed
// revocation deadline has passed. Safe to call concurrently with
// rotation traffic: liveness checks already treat these rows as dead.
func (r *sessionRepository) SweepDueRevocations(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_at = revoke_after, updated_at = $1
		WHERE revoked = FALSE AND revoke_after IS NOT NULL AND revoke_after <= $1
	`

	result, err := r.pool.Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// CleanupExpired deletes sessions past their expiry and sessions revoked
// before the given cutoff. Login logs referencing them keep their rows;
// the FK is ON DELETE SET NULL.
func (r *sessionRepository) CleanupExpired(ctx context.Context, now time.Time, revokedBefore time.Time) (int64, error) {
	query := `
		DELETE FROM sessions
		WHERE expires_at < $1 OR (revoked = TRUE AND revoked_at < $2)
	`

	result, err := r.pool.Exec(ctx, query, now.UTC(), revokedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// CountFailedAttempts counts failed login attempts for an email since a given time
func (r *sessionRepository) CountFailedAttempts(ctx context.Context, email string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM failed_login_attempts
		WHERE LOWER(email) = LOWER($1) AND attempted_at >= $2
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, strings.ToLower(email), since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// RecordFailedAttempt records a failed login attempt
func (r *sessionRepository) RecordFailedAttempt(ctx context.Context, email string, ip string) error {
	query := `INSERT INTO failed_login_attempts (email, ip_address) VALUES ($1, $2)`

	_, err := r.pool.Exec(ctx, query, strings.ToLower(email), ip)
	return err
}

// CleanupOldFailedAttempts removes failed login attempts older than the specified time
func (r *sessionRepository) CleanupOldFailedAttempts(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM failed_login_attempts WHERE attempted_at < $1`

	result, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// sessionTx implements SessionTx over a pgx transaction
type sessionTx struct {
	tx pgx.Tx
}

// GetByTokenHashForUpdate retrieves a session by token hash with a
// row-level exclusive lock held until the transaction ends.
func (t *sessionTx) GetByTokenHashForUpdate(ctx context.Context, tokenHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1 FOR UPDATE`
	return scanSession(t.tx.QueryRow(ctx, query, tokenHash))
}

// HasNewerActive reports whether the account already has a non-revoked
// session created after the given instant (a concurrent rotation winner).
func (t *sessionTx) HasNewerActive(ctx context.Context, accountID uuid.UUID, createdAfter time.Time) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM sessions
			WHERE account_id = $1 AND revoked = FALSE AND created_at > $2
		)
	`

	var exists bool
	if err := t.tx.QueryRow(ctx, query, accountID, createdAfter).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// MarkRotated stamps last_used_at and the delayed-revocation deadline on
// the old session. The revoked flag stays false until the deadline so
// concurrent retries inside the grace period still succeed.
func (t *sessionTx) MarkRotated(ctx context.Context, id uuid.UUID, usedAt, revokeAfter time.Time) error {
	query := `
		UPDATE sessions
		SET last_used_at = $1, revoke_after = $2, updated_at = $1
		WHERE id = $3
	`

	result, err := t.tx.Exec(ctx, query, usedAt.UTC(), revokeAfter.UTC(), id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Create inserts the successor session inside the rotation transaction
func (t *sessionTx) Create(ctx context.Context, session *Session) error {
	return createSession(ctx, t.tx, session)
}

// querier is the subset of pgxpool.Pool / pgx.Tx used by session writes
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func createSession(ctx context.Context, q querier, session *Session) error {
	query := `
		INSERT INTO sessions (account_id, token_hash, user_agent, ip_address, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	return q.QueryRow(ctx, query,
		session.AccountID,
		session.TokenHash,
		session.UserAgent,
		session.IPAddress,
		session.ExpiresAt,
	).Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt)
}

func scanSession(row pgx.Row) (*Session, error) {
	session := &Session{}
	err := row.Scan(
		&session.ID,
		&session.AccountID,
		&session.TokenHash,
		&session.UserAgent,
		&session.IPAddress,
		&session.ExpiresAt,
		&session.Revoked,
		&session.RevokedAt,
		&session.RevokeAfter,
		&session.LastUsedAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}
