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

// Common errors
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// AccountRepository defines the interface for account data access
type AccountRepository interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, actor Actor, email string) (*Account, error)
	GetByGoogleID(ctx context.Context, googleID string) (*Account, error)
	EmailExists(ctx context.Context, actor Actor, email string) (bool, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, passwordHash string) error
	LinkGoogleID(ctx context.Context, id uuid.UUID, googleID string) error
}

// accountRepository implements AccountRepository using PostgreSQL
type accountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository instance
func NewAccountRepository(pool *pgxpool.Pool) AccountRepository {
	return &accountRepository{pool: pool}
}

const accountColumns = `id, actor, display_name, email, password_hash, google_id, status, created_at, updated_at, last_login_at`

// Create inserts a new account into the database
func (r *accountRepository) Create(ctx context.Context, account *Account) error {
	query := `
		INSERT INTO accounts (actor, display_name, email, password_hash, google_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	if account.Status == "" {
		account.Status = AccountActive
	}

	err := r.pool.QueryRow(ctx, query,
		account.Actor,
		account.DisplayName,
		strings.ToLower(account.Email),
		account.PasswordHash,
		account.GoogleID,
		account.Status,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "idx_accounts_actor_email") {
			return ErrEmailAlreadyExists
		}
		return err
	}

	return nil
}

// GetByID retrieves an account by its ID
func (r *accountRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail retrieves an account by actor and email address (case-insensitive)
func (r *accountRepository) GetByEmail(ctx context.Context, actor Actor, email string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE actor = $1 AND LOWER(email) = LOWER($2)`
	return r.scanOne(r.pool.QueryRow(ctx, query, actor, email))
}

// GetByGoogleID retrieves a customer account by its federated Google subject id
func (r *accountRepository) GetByGoogleID(ctx context.Context, googleID string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE google_id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, googleID))
}

// EmailExists checks if an email address is already registered for the actor
func (r *accountRepository) EmailExists(ctx context.Context, actor Actor, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM accounts WHERE actor = $1 AND LOWER(email) = LOWER($2))`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, actor, email).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// UpdateLastLogin updates the last_login_at timestamp for an account
func (r *accountRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE accounts SET last_login_at = $1, updated_at = $1 WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdatePasswordHash replaces the stored password hash (password reset)
func (r *accountRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `UPDATE accounts SET password_hash = $1, updated_at = $2 WHERE id = $3`

	result, err := r.pool.Exec(ctx, query, passwordHash, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// LinkGoogleID attaches a federated Google subject id to an existing account
func (r *accountRepository) LinkGoogleID(ctx context.Context, id uuid.UUID, googleID string) error {
	query := `UPDATE accounts SET google_id = $1, updated_at = $2 WHERE id = $3`

	result, err := r.pool.Exec(ctx, query, googleID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *accountRepository) scanOne(row pgx.Row) (*Account, error) {
	account := &Account{}
	err := row.Scan(
		&account.ID,
		&account.Actor,
		&account.DisplayName,
		&account.Email,
		&account.PasswordHash,
		&account.GoogleID,
		&account.Status,
		&account.CreatedAt,
		&account.UpdatedAt,
		&account.LastLoginAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}
