package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/velomart/storefront/backend/internal/repository"
)

// rotatorFixture wires a Rotator to in-memory stores with a controllable
// clock. Scheduled revocation timers are captured instead of armed so
// tests decide when they fire.
type rotatorFixture struct {
	rotator  *Rotator
	sessions *mockSessionRepository
	accounts *mockAccountRepository
	tokens   *TokenService
	account  *repository.Account

	mu     sync.Mutex
	clock  time.Time
	timers []func()
}

func newRotatorFixture(t *testing.T) *rotatorFixture {
	t.Helper()

	f := &rotatorFixture{
		sessions: newMockSessionRepository(),
		accounts: newMockAccountRepository(),
		tokens:   testTokenService(),
		account:  testAccount(repository.ActorCustomer),
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.accounts.accounts[f.account.ID] = f.account

	f.rotator = NewRotator(f.sessions, f.accounts, f.tokens, nil)
	f.rotator.now = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.clock
	}
	f.rotator.schedule = func(d time.Duration, fn func()) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.timers = append(f.timers, fn)
	}
	return f
}

func (f *rotatorFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

// fireTimers runs every captured revocation callback
func (f *rotatorFixture) fireTimers() {
	f.mu.Lock()
	timers := f.timers
	f.timers = nil
	f.mu.Unlock()

	for _, fn := range timers {
		fn()
	}
}

// openSession mints a refresh token and stores its session, mirroring a
// completed login
func (f *rotatorFixture) openSession(t *testing.T) (string, *repository.Session) {
	t.Helper()

	refresh, err := f.tokens.GenerateRefreshToken(f.account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	session := &repository.Session{
		AccountID: f.account.ID,
		TokenHash: f.tokens.HashRefreshToken(refresh),
		ExpiresAt: f.rotator.now().Add(f.tokens.GetRefreshTokenExpiry()),
	}
	if err := f.sessions.Create(context.Background(), session); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return refresh, session
}

// expiredAccessToken mints an access token that is already past its
// expiry but carries a valid signature
func (f *rotatorFixture) expiredAccessToken(t *testing.T) string {
	t.Helper()

	shortLived := NewTokenService(TokenServiceConfig{
		AccessSecret:      "test-access-secret",
		RefreshSecret:     "test-refresh-secret",
		AccessTokenExpiry: time.Millisecond,
		Issuer:            "storefront-test",
	})
	token, err := shortLived.GenerateAccessToken(f.account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	return token
}

func TestRefreshFastPath(t *testing.T) {
	f := newRotatorFixture(t)
	refresh, _ := f.openSession(t)

	access, err := f.tokens.GenerateAccessToken(f.account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := f.rotator.Refresh(context.Background(), refresh, access, RequestContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AccessToken != access {
		t.Error("fast path should hand back the presented access token")
	}
	if result.Rotated || result.RefreshToken != "" {
		t.Error("fast path must not rotate")
	}
	if f.sessions.sessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", f.sessions.sessionCount())
	}
}

func TestRefreshReissueWithoutRotation(t *testing.T) {
	f := newRotatorFixture(t)
	refresh, session := f.openSession(t)

	for _, access := range []string{"", "not-a-jwt"} {
		result, err := f.rotator.Refresh(context.Background(), refresh, access, RequestContext{})
		if err != nil {
			t.Fatalf("access %q: unexpected error: %v", access, err)
		}
		if result.AccessToken == "" {
			t.Errorf("access %q: expected a fresh access token", access)
		}
		if result.Rotated || result.RefreshToken != "" {
			t.Errorf("access %q: reissue must not rotate", access)
		}
		if _, err := f.tokens.ValidateAccessToken(result.AccessToken); err != nil {
			t.Errorf("access %q: reissued token invalid: %v", access, err)
		}
	}

	if f.sessions.sessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", f.sessions.sessionCount())
	}
	if session.LastUsedAt != nil || session.RevokeAfter != nil {
		t.Error("reissue must leave the session row untouched")
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newRotatorFixture(t)
	refresh, session := f.openSession(t)
	expired := f.expiredAccessToken(t)

	result, err := f.rotator.Refresh(context.Background(), refresh, expired, RequestContext{IPAddress: "203.0.113.9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Rotated {
		t.Fatal("expected rotation")
	}
	if result.RefreshToken == "" || result.RefreshToken == refresh {
		t.Error("expected a distinct successor refresh token")
	}
	if _, err := f.tokens.ValidateAccessToken(result.AccessToken); err != nil {
		t.Errorf("rotated access token invalid: %v", err)
	}

	if f.sessions.sessionCount() != 2 {
		t.Fatalf("expected 2 sessions, got %d", f.sessions.sessionCount())
	}
	if session.RevokeAfter == nil {
		t.Fatal("old session missing its revocation deadline")
	}
	if got, want := *session.RevokeAfter, f.rotator.now().Add(rotationGracePeriod); !got.Equal(want) {
		t.Errorf("revoke_after = %v, want %v", got, want)
	}
	if session.Revoked {
		t.Error("old session revoked before the grace period lapsed")
	}

	successor, err := f.sessions.GetByTokenHash(context.Background(), f.tokens.HashRefreshToken(result.RefreshToken))
	if err != nil {
		t.Fatalf("successor session not stored: %v", err)
	}
	if successor.ID != result.SessionID {
		t.Error("result session id does not match the successor row")
	}
	if successor.IPAddress == nil || *successor.IPAddress != "203.0.113.9" {
		t.Error("successor should carry the request IP")
	}

	// The delayed timer flips the old row
	f.fireTimers()
	if !session.Revoked {
		t.Error("old session not revoked after the timer fired")
	}
}

func TestRefreshGraceDeduplication(t *testing.T) {
	f := newRotatorFixture(t)
	refresh, _ := f.openSession(t)

	if _, err := f.rotator.Refresh(context.Background(), refresh, f.expiredAccessToken(t), RequestContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A racing retry lands with the old cookie moments later
	f.advance(2 * time.Second)
	result, err := f.rotator.Refresh(context.Background(), refresh, f.expiredAccessToken(t), RequestContext{})
	if err != nil {
		t.Fatalf("retry inside grace rejected: %v", err)
	}
	if result.Rotated {
		t.Error("retry inside grace must not rotate again")
	}
	if _, err := f.tokens.ValidateAccessToken(result.AccessToken); err != nil {
		t.Errorf("deduplicated access token invalid: %v", err)
	}
	if f.sessions.sessionCount() != 2 {
		t.Errorf("expected 2 sessions, got %d", f.sessions.sessionCount())
	}
}

func TestRefreshReuseAfterGraceRejected(t *testing.T) {
	f := newRotatorFixture(t)
	refresh, _ := f.openSession(t)

	if _, err := f.rotator.Refresh(context.Background(), refresh, f.expiredAccessToken(t), RequestContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Past the grace window the persisted deadline kills the old token
	// even though no timer or sweep has flipped the revoked flag yet
	f.advance(rotationGracePeriod + time.Second)
	if _, err := f.rotator.Refresh(context.Background(), refresh, f.expiredAccessToken(t), RequestContext{}); !errors.Is(err, ErrRefreshForbidden) {
		t.Errorf("expected ErrRefreshForbidden, got %v", err)
	}
}

func TestRefreshRejectsBadTokens(t *testing.T) {
	f := newRotatorFixture(t)

	if _, err := f.rotator.Refresh(context.Background(), "garbage", "", RequestContext{}); !errors.Is(err, ErrRefreshForbidden) {
		t.Errorf("garbage token: expected ErrRefreshForbidden, got %v", err)
	}

	// A well-formed token with no matching session row
	orphan, err := f.tokens.GenerateRefreshToken(f.account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.rotator.Refresh(context.Background(), orphan, "", RequestContext{}); !errors.Is(err, ErrRefreshForbidden) {
		t.Errorf("orphan token: expected ErrRefreshForbidden, got %v", err)
	}
}

func TestRefreshRevokedSessionRejected(t *testing.T) {
	f := newRotatorFixture(t)
	refresh, session := f.openSession(t)

	if err := f.sessions.Revoke(context.Background(), session.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.rotator.Refresh(context.Background(), refresh, "", RequestContext{}); !errors.Is(err, ErrRefreshForbidden) {
		t.Errorf("expected ErrRefreshForbidden, got %v", err)
	}
}

func TestRefreshInactiveAccountRejected(t *testing.T) {
	f := newRotatorFixture(t)
	refresh, _ := f.openSession(t)
	f.account.Status = repository.AccountLocked

	if _, err := f.rotator.Refresh(context.Background(), refresh, "", RequestContext{}); !errors.Is(err, ErrRefreshForbidden) {
		t.Errorf("expected ErrRefreshForbidden, got %v", err)
	}
}

// Concurrent refresh calls with the same token must serialize on the
// session row: exactly one rotates, the rest deduplicate against the
// successor.
func TestConcurrentRefreshRotatesOnce(t *testing.T) {
	f := newRotatorFixture(t)
	refresh, _ := f.openSession(t)
	expired := f.expiredAccessToken(t)

	const callers = 8
	results := make([]*RefreshResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.rotator.Refresh(context.Background(), refresh, expired, RequestContext{})
		}(i)
	}
	wg.Wait()

	rotations := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
		}
		if results[i].AccessToken == "" {
			t.Errorf("caller %d: missing access token", i)
		}
		if results[i].Rotated {
			rotations++
		}
	}

	if rotations != 1 {
		t.Errorf("expected exactly 1 rotation, got %d", rotations)
	}
	if f.sessions.sessionCount() != 2 {
		t.Errorf("expected 2 sessions, got %d", f.sessions.sessionCount())
	}
}
