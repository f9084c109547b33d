package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/velomart/storefront/backend/internal/metrics"
	"github.com/velomart/storefront/backend/internal/repository"
)

// Rotator errors
var (
	// ErrRefreshForbidden is terminal for the presented token: bad
	// signature, unknown hash, revoked or expired session. The caller
	// must fully re-authenticate.
	ErrRefreshForbidden = errors.New("refresh token rejected")
)

// rotationGracePeriod is the window after a rotation during which the
// old refresh token still yields access tokens. It tolerates a client
// that fired two near-simultaneous refresh calls before receiving the
// new cookie. Delayed revocation closes the window shortly after.
const rotationGracePeriod = 5 * time.Second

// accessState classifies the access token presented alongside a refresh
// call
type accessState int

const (
	accessMissing accessState = iota
	accessValid
	accessExpired
	accessMalformed
)

// RefreshResult is the outcome of a refresh call. RefreshToken is empty
// unless Rotated is true, in which case the handler must replace the
// cookie.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	Rotated      bool
	SessionID    uuid.UUID
}

// Rotator decides, for each incoming refresh token, whether to reuse,
// reissue or rotate. All session-table decisions for one token run under
// a row-level exclusive lock so concurrent refresh calls serialize.
type Rotator struct {
	sessionRepo repository.SessionRepository
	accountRepo repository.AccountRepository
	tokens      *TokenService
	logger      *slog.Logger
	grace       time.Duration
	now         func() time.Time
	schedule    func(d time.Duration, f func())
}

// NewRotator creates a new Rotator instance
func NewRotator(
	sessionRepo repository.SessionRepository,
	accountRepo repository.AccountRepository,
	tokens *TokenService,
	logger *slog.Logger,
) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{
		sessionRepo: sessionRepo,
		accountRepo: accountRepo,
		tokens:      tokens,
		logger:      logger,
		grace:       rotationGracePeriod,
		now:         time.Now,
		schedule:    func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Refresh implements the rotation state machine. accessToken may be
// empty (no Authorization header was presented).
//
// The dominant fast path, a still-valid access token, returns without
// touching the session table. Everything else runs inside a transaction
// holding the session row lock: reissue without rotation when the access
// token is absent or malformed, deduplicate concurrent retries inside
// the grace period, otherwise rotate and schedule delayed revocation of
// the old session.
func (rt *Rotator) Refresh(ctx context.Context, refreshToken, accessToken string, reqCtx RequestContext) (*RefreshResult, error) {
	claims, err := rt.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrRefreshForbidden
	}

	tokenHash := rt.tokens.HashRefreshToken(refreshToken)
	state := rt.classifyAccessToken(accessToken)

	if state == accessValid {
		metrics.RecordRefresh("fast_path")
		return &RefreshResult{AccessToken: accessToken}, nil
	}

	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrRefreshForbidden
	}
	account, err := rt.accountRepo.GetByID(ctx, accountID)
	if err != nil || account.Status != repository.AccountActive {
		return nil, ErrRefreshForbidden
	}

	var result *RefreshResult
	var oldSessionID uuid.UUID
	var rotated bool

	err = rt.sessionRepo.WithTx(ctx, func(tx repository.SessionTx) error {
		now := rt.now().UTC()

		session, err := tx.GetByTokenHashForUpdate(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				return ErrRefreshForbidden
			}
			return err
		}
		if !session.Live(now) {
			return ErrRefreshForbidden
		}

		// Absent or malformed access token: a fresh page load, not an
		// expired credential. Mint a new access token and leave the
		// session untouched.
		if state != accessExpired {
			access, err := rt.tokens.GenerateAccessToken(account)
			if err != nil {
				return err
			}
			metrics.RecordRefresh("reissued")
			result = &RefreshResult{AccessToken: access, SessionID: session.ID}
			return nil
		}

		// A retry racing a rotation that already happened: the same
		// token was used moments ago and a successor session exists.
		// Hand back a fresh access token instead of rotating again.
		if session.LastUsedAt != nil && now.Sub(*session.LastUsedAt) < rt.grace {
			newer, err := tx.HasNewerActive(ctx, session.AccountID, session.CreatedAt)
			if err != nil {
				return err
			}
			if newer {
				access, err := rt.tokens.GenerateAccessToken(account)
				if err != nil {
					return err
				}
				metrics.RecordRefresh("deduplicated")
				result = &RefreshResult{AccessToken: access, SessionID: session.ID}
				return nil
			}
		}

		// Rotation: stamp the old row (last_used_at plus the delayed
		// revocation deadline, which survives restarts) and insert the
		// successor. The old row's revoked flag stays false until the
		// grace period lapses.
		newRefresh, err := rt.tokens.GenerateRefreshToken(account)
		if err != nil {
			return err
		}
		access, err := rt.tokens.GenerateAccessToken(account)
		if err != nil {
			return err
		}

		if err := tx.MarkRotated(ctx, session.ID, now, now.Add(rt.grace)); err != nil {
			return err
		}

		successor := &repository.Session{
			AccountID: session.AccountID,
			TokenHash: rt.tokens.HashRefreshToken(newRefresh),
			UserAgent: coalesce(optional(reqCtx.UserAgent), session.UserAgent),
			IPAddress: coalesce(optional(reqCtx.IPAddress), session.IPAddress),
			ExpiresAt: now.Add(rt.tokens.GetRefreshTokenExpiry()),
		}
		if err := tx.Create(ctx, successor); err != nil {
			return err
		}

		oldSessionID = session.ID
		rotated = true
		result = &RefreshResult{
			AccessToken:  access,
			RefreshToken: newRefresh,
			Rotated:      true,
			SessionID:    successor.ID,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshForbidden) {
			metrics.RecordRefresh("rejected")
			return nil, ErrRefreshForbidden
		}
		return nil, err
	}

	if rotated {
		metrics.RecordRefresh("rotated")
		rt.scheduleRevocation(oldSessionID)
	}
	return result, nil
}

// classifyAccessToken buckets the presented access token without any
// database access
func (rt *Rotator) classifyAccessToken(accessToken string) accessState {
	if accessToken == "" {
		return accessMissing
	}
	_, err := rt.tokens.ValidateAccessToken(accessToken)
	switch {
	case err == nil:
		return accessValid
	case errors.Is(err, ErrTokenExpired):
		return accessExpired
	default:
		return accessMalformed
	}
}

// scheduleRevocation flips the old session's revoked flag once the grace
// period lapses. This timer is a promptness optimization: the persisted
// revoke_after deadline already makes the session dead to liveness
// checks, and the background sweep finishes the job after a restart. The
// cleanup sweep may have deleted the row already; that is a no-op here.
func (rt *Rotator) scheduleRevocation(sessionID uuid.UUID) {
	rt.schedule(rt.grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := rt.sessionRepo.Revoke(ctx, sessionID); err != nil {
			if !errors.Is(err, repository.ErrSessionNotFound) {
				rt.logger.Warn("delayed revocation failed", "session_id", sessionID, "error", err)
			}
			return
		}
		metrics.RecordRevocation("rotation")
	})
}

// coalesce returns the first non-nil string pointer
func coalesce(ptrs ...*string) *string {
	for _, p := range ptrs {
		if p != nil {
			return p
		}
	}
	return nil
}
