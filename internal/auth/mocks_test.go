package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/velomart/storefront/backend/internal/repository"
)

// Mock implementations for testing

// mockAccountRepository implements repository.AccountRepository in memory
type mockAccountRepository struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*repository.Account
}

func newMockAccountRepository() *mockAccountRepository {
	return &mockAccountRepository{
		accounts: make(map[uuid.UUID]*repository.Account),
	}
}

func (m *mockAccountRepository) Create(ctx context.Context, account *repository.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(account.Email)
	for _, a := range m.accounts {
		if a.Actor == account.Actor && strings.ToLower(a.Email) == email {
			return repository.ErrEmailAlreadyExists
		}
	}
	account.ID = uuid.New()
	if account.Status == "" {
		account.Status = repository.AccountActive
	}
	account.CreatedAt = time.Now().UTC()
	account.UpdatedAt = account.CreatedAt
	m.accounts[account.ID] = account
	return nil
}

func (m *mockAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*repository.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account, ok := m.accounts[id]; ok {
		return account, nil
	}
	return nil, repository.ErrAccountNotFound
}

func (m *mockAccountRepository) GetByEmail(ctx context.Context, actor repository.Actor, email string) (*repository.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email = strings.ToLower(email)
	for _, a := range m.accounts {
		if a.Actor == actor && strings.ToLower(a.Email) == email {
			return a, nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (m *mockAccountRepository) GetByGoogleID(ctx context.Context, googleID string) (*repository.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.GoogleID != nil && *a.GoogleID == googleID {
			return a, nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (m *mockAccountRepository) EmailExists(ctx context.Context, actor repository.Actor, email string) (bool, error) {
	_, err := m.GetByEmail(ctx, actor, email)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *mockAccountRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return repository.ErrAccountNotFound
	}
	now := time.Now().UTC()
	account.LastLoginAt = &now
	return nil
}

func (m *mockAccountRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return repository.ErrAccountNotFound
	}
	account.PasswordHash = &passwordHash
	return nil
}

func (m *mockAccountRepository) LinkGoogleID(ctx context.Context, id uuid.UUID, googleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return repository.ErrAccountNotFound
	}
	account.GoogleID = &googleID
	return nil
}

// mockSessionRepository implements repository.SessionRepository in
// memory. WithTx holds the repository mutex for the whole closure, which
// mirrors the row-lock serialization the real implementation gets from
// SELECT ... FOR UPDATE.
type mockSessionRepository struct {
	mu             sync.Mutex
	sessions       map[uuid.UUID]*repository.Session
	failedAttempts map[string][]time.Time
}

func newMockSessionRepository() *mockSessionRepository {
	return &mockSessionRepository{
		sessions:       make(map[uuid.UUID]*repository.Session),
		failedAttempts: make(map[string][]time.Time),
	}
}

func (m *mockSessionRepository) create(session *repository.Session) {
	session.ID = uuid.New()
	session.CreatedAt = time.Now().UTC()
	session.UpdatedAt = session.CreatedAt
	m.sessions[session.ID] = session
}

func (m *mockSessionRepository) byTokenHash(tokenHash string) *repository.Session {
	for _, s := range m.sessions {
		if s.TokenHash == tokenHash {
			return s
		}
	}
	return nil
}

func (m *mockSessionRepository) Create(ctx context.Context, session *repository.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.create(session)
	return nil
}

func (m *mockSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.byTokenHash(tokenHash); s != nil {
		return s, nil
	}
	return nil, repository.ErrSessionNotFound
}

func (m *mockSessionRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok || session.Revoked {
		return repository.ErrSessionNotFound
	}
	now := time.Now().UTC()
	session.Revoked = true
	session.RevokedAt = &now
	return nil
}

func (m *mockSessionRepository) RevokeByTokenHash(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.byTokenHash(tokenHash)
	if session == nil || session.Revoked {
		return repository.ErrSessionNotFound
	}
	now := time.Now().UTC()
	session.Revoked = true
	session.RevokedAt = &now
	return nil
}

func (m *mockSessionRepository) WithTx(ctx context.Context, fn func(repository.SessionTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&mockSessionTx{repo: m})
}

func (m *mockSessionRepository) SweepDueRevocations(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var swept int64
	for _, s := range m.sessions {
		if !s.Revoked && s.RevokeAfter != nil && !now.Before(*s.RevokeAfter) {
			s.Revoked = true
			s.RevokedAt = s.RevokeAfter
			swept++
		}
	}
	return swept, nil
}

func (m *mockSessionRepository) CleanupExpired(ctx context.Context, now time.Time, revokedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) || (s.Revoked && s.RevokedAt != nil && s.RevokedAt.Before(revokedBefore)) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *mockSessionRepository) CountFailedAttempts(ctx context.Context, email string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, t := range m.failedAttempts[strings.ToLower(email)] {
		if t.After(since) {
			count++
		}
	}
	return count, nil
}

func (m *mockSessionRepository) RecordFailedAttempt(ctx context.Context, email string, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(email)
	m.failedAttempts[key] = append(m.failedAttempts[key], time.Now().UTC())
	return nil
}

func (m *mockSessionRepository) CleanupOldFailedAttempts(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, attempts := range m.failedAttempts {
		var kept []time.Time
		for _, t := range attempts {
			if t.Before(before) {
				deleted++
			} else {
				kept = append(kept, t)
			}
		}
		m.failedAttempts[key] = kept
	}
	return deleted, nil
}

// sessionCount returns the number of stored sessions
func (m *mockSessionRepository) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// mockSessionTx operates on the parent store while the repository mutex
// is held by WithTx
type mockSessionTx struct {
	repo *mockSessionRepository
}

func (t *mockSessionTx) GetByTokenHashForUpdate(ctx context.Context, tokenHash string) (*repository.Session, error) {
	if s := t.repo.byTokenHash(tokenHash); s != nil {
		return s, nil
	}
	return nil, repository.ErrSessionNotFound
}

func (t *mockSessionTx) HasNewerActive(ctx context.Context, accountID uuid.UUID, createdAfter time.Time) (bool, error) {
	for _, s := range t.repo.sessions {
		if s.AccountID == accountID && !s.Revoked && s.CreatedAt.After(createdAfter) {
			return true, nil
		}
	}
	return false, nil
}

func (t *mockSessionTx) MarkRotated(ctx context.Context, id uuid.UUID, usedAt, revokeAfter time.Time) error {
	session, ok := t.repo.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	session.LastUsedAt = &usedAt
	session.RevokeAfter = &revokeAfter
	return nil
}

func (t *mockSessionTx) Create(ctx context.Context, session *repository.Session) error {
	t.repo.create(session)
	return nil
}

// mockOTPRepository implements repository.OTPRepository in memory
type mockOTPRepository struct {
	mu         sync.Mutex
	challenges map[string]*repository.OTPChallenge
}

func newMockOTPRepository() *mockOTPRepository {
	return &mockOTPRepository{
		challenges: make(map[string]*repository.OTPChallenge),
	}
}

func (m *mockOTPRepository) Upsert(ctx context.Context, challenge *repository.OTPChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	challenge.ID = uuid.New()
	challenge.AttemptCount = 0
	challenge.ResendCount = 0
	challenge.CreatedAt = time.Now().UTC()
	m.challenges[strings.ToLower(challenge.Email)] = challenge
	return nil
}

func (m *mockOTPRepository) GetByEmail(ctx context.Context, email string) (*repository.OTPChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.challenges[strings.ToLower(email)]; ok {
		return c, nil
	}
	return nil, repository.ErrChallengeNotFound
}

func (m *mockOTPRepository) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.challenges {
		if c.ID == id {
			c.AttemptCount++
			return c.AttemptCount, nil
		}
	}
	return 0, repository.ErrChallengeNotFound
}

func (m *mockOTPRepository) UpdateForResend(ctx context.Context, id uuid.UUID, codeHash string, expiresAt, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.challenges {
		if c.ID == id {
			c.CodeHash = codeHash
			c.ExpiresAt = expiresAt
			c.AttemptCount = 0
			c.ResendCount++
			c.LastSentAt = sentAt
			return nil
		}
	}
	return repository.ErrChallengeNotFound
}

func (m *mockOTPRepository) DeleteByEmail(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(email)
	if _, ok := m.challenges[key]; !ok {
		return repository.ErrChallengeNotFound
	}
	delete(m.challenges, key)
	return nil
}

func (m *mockOTPRepository) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, c := range m.challenges {
		if c.ExpiresAt.Before(before) {
			delete(m.challenges, key)
			deleted++
		}
	}
	return deleted, nil
}

// mockLoginLogRepository implements repository.LoginLogRepository in memory
type mockLoginLogRepository struct {
	mu      sync.Mutex
	entries []*repository.LoginLog
}

func newMockLoginLogRepository() *mockLoginLogRepository {
	return &mockLoginLogRepository{}
}

func (m *mockLoginLogRepository) Insert(ctx context.Context, entry *repository.LoginLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = uuid.New()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockLoginLogRepository) CloseOut(ctx context.Context, sessionID uuid.UUID, logoutTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.SessionID != nil && *e.SessionID == sessionID && e.LogoutTime == nil {
			e.LogoutTime = &logoutTime
			e.Status = repository.LoginStatusLogout
			return nil
		}
	}
	return repository.ErrLoginLogNotFound
}

// mockMailer records sent messages; when fail is set, Send reports an
// error but still records the message so tests can extract codes
type mockMailer struct {
	mu       sync.Mutex
	messages []mockMessage
	fail     bool
}

type mockMessage struct {
	To      string
	Subject string
	Body    string
}

func (m *mockMailer) Send(ctx context.Context, to, subject, html string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, mockMessage{To: to, Subject: subject, Body: html})
	if m.fail {
		return errors.New("smtp unavailable")
	}
	return nil
}

func (m *mockMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

var otpCodePattern = regexp.MustCompile(`\d{6}`)

// lastCode extracts the 6-digit code from the most recent message
func (m *mockMailer) lastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.messages) == 0 {
		return ""
	}
	return otpCodePattern.FindString(m.messages[len(m.messages)-1].Body)
}

// fakeIdentityProvider resolves fixed credentials to profiles
type fakeIdentityProvider struct {
	profiles map[string]*IdentityProfile
}

func (f *fakeIdentityProvider) Resolve(ctx context.Context, credential string) (*IdentityProfile, error) {
	if profile, ok := f.profiles[credential]; ok {
		return profile, nil
	}
	return nil, ErrIdentityRejected
}
