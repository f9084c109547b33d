package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OTP repository errors
var (
	ErrChallengeNotFound = errors.New("otp challenge not found")
)

// OTPRepository defines the interface for OTP challenge data access.
// The email column carries a unique constraint, so Upsert can never
// leave two unexpired challenges for the same address.
type OTPRepository interface {
	Upsert(ctx context.Context, challenge *OTPChallenge) error
	GetByEmail(ctx context.Context, email string) (*OTPChallenge, error)
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	UpdateForResend(ctx context.Context, id uuid.UUID, codeHash string, expiresAt, sentAt time.Time) error
	DeleteByEmail(ctx context.Context, email string) error
	CleanupExpired(ctx context.Context, before time.Time) (int64, error)
}

// otpRepository implements OTPRepository using PostgreSQL
type otpRepository struct {
	pool *pgxpool.Pool
}

// NewOTPRepository creates a new OTPRepository instance
func NewOTPRepository(pool *pgxpool.Pool) OTPRepository {
	return &otpRepository{pool: pool}
}

const otpColumns = `id, email, purpose, code_hash, expires_at, attempt_count, max_attempts, resend_count, last_sent_at, ip_address, user_agent, created_at`

// Upsert inserts a challenge, replacing any existing row for the email.
// A replaced row loses its counters: the new code starts fresh.
func (r *otpRepository) Upsert(ctx context.Context, challenge *OTPChallenge) error {
	query := `
		INSERT INTO otp_challenges (email, purpose, code_hash, expires_at, max_attempts, last_sent_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO UPDATE SET
			purpose = EXCLUDED.purpose,
			code_hash = EXCLUDED.code_hash,
			expires_at = EXCLUDED.expires_at,
			attempt_count = 0,
			max_attempts = EXCLUDED.max_attempts,
			resend_count = 0,
			last_sent_at = EXCLUDED.last_sent_at,
			ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent,
			created_at = NOW()
		RETURNING id, attempt_count, resend_count, created_at
	`

	return r.pool.QueryRow(ctx, query,
		strings.ToLower(challenge.Email),
		challenge.Purpose,
		challenge.CodeHash,
		challenge.ExpiresAt,
		challenge.MaxAttempts,
		challenge.LastSentAt,
		challenge.IPAddress,
		challenge.UserAgent,
	).Scan(&challenge.ID, &challenge.AttemptCount, &challenge.ResendCount, &challenge.CreatedAt)
}

// GetByEmail retrieves the challenge for an email address
func (r *otpRepository) GetByEmail(ctx context.Context, email string) (*OTPChallenge, error) {
	query := `SELECT ` + otpColumns + ` FROM otp_challenges WHERE LOWER(email) = LOWER($1)`

	challenge := &OTPChallenge{}
	err := r.pool.QueryRow(ctx, query, email).Scan(
		&challenge.ID,
		&challenge.Email,
		&challenge.Purpose,
		&challenge.CodeHash,
		&challenge.ExpiresAt,
		&challenge.AttemptCount,
		&challenge.MaxAttempts,
		&challenge.ResendCount,
		&challenge.LastSentAt,
		&challenge.IPAddress,
		&challenge.UserAgent,
		&challenge.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, err
	}
	return challenge, nil
}

// IncrementAttempts bumps the attempt counter in a single UPDATE so the
// database serializes concurrent wrong guesses, and returns the new count.
func (r *otpRepository) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE otp_challenges
		SET attempt_count = attempt_count + 1
		WHERE id = $1
		RETURNING attempt_count
	`

	var count int
	err := r.pool.QueryRow(ctx, query, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrChallengeNotFound
		}
		return 0, err
	}
	return count, nil
}

// UpdateForResend swaps in a fresh code and expiry and bumps resend_count
func (r *otpRepository) UpdateForResend(ctx context.Context, id uuid.UUID, codeHash string, expiresAt, sentAt time.Time) error {
	query := `
		UPDATE otp_challenges
		SET code_hash = $1, expires_at = $2, attempt_count = 0, resend_count = resend_count + 1, last_sent_at = $3
		WHERE id = $4
	`

	result, err := r.pool.Exec(ctx, query, codeHash, expiresAt, sentAt, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrChallengeNotFound
	}
	return nil
}

// DeleteByEmail removes the challenge for an email (consumed or abandoned)
func (r *otpRepository) DeleteByEmail(ctx context.Context, email string) error {
	query := `DELETE FROM otp_challenges WHERE LOWER(email) = LOWER($1)`

	result, err := r.pool.Exec(ctx, query, email)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrChallengeNotFound
	}
	return nil
}

// CleanupExpired removes challenges that expired before the given time
func (r *otpRepository) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM otp_challenges WHERE expires_at < $1`

	result, err := r.pool.Exec(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
