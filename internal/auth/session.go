// Package auth owns the admin account, bearer sessions and login rate limiting.
//
// Tokens are opaque 256-bit random strings. Only their SHA-256 digest is kept
// in memory, and nothing about sessions is persisted: a reboot logs every
// client out, which is what a revert-to-known-good boot should do anyway.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/poolheat/controller/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

// Common errors for login and session validation.
var (
	// ErrInvalidCredentials is returned for a wrong username or password.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrRateLimited is returned while the account is locked out.
	ErrRateLimited = errors.New("too many failed logins, try again later")

	// ErrNotProvisioned is returned before the admin account exists.
	ErrNotProvisioned = errors.New("admin account not provisioned")

	// ErrAlreadyProvisioned is returned by Provision once an account exists.
	ErrAlreadyProvisioned = errors.New("admin account already provisioned")

	// ErrPasswordTooShort is returned for passwords under MinPasswordLength.
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")

	// ErrTokenInvalid is returned for unknown or revoked tokens.
	ErrTokenInvalid = errors.New("invalid session token")

	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("session expired")
)

// MinPasswordLength is the shortest accepted admin password.
const MinPasswordLength = 8

// DefaultUsername is used when provisioning without a username.
const DefaultUsername = "admin"

// Account is the persisted admin account.
type Account = storage.Account

// AccountStore persists the admin account.
type AccountStore interface {
	GetAccount() (*Account, error)
	SaveAccount(acct *Account) error
}

// Config holds configuration for SessionAuth.
type Config struct {
	// TokenTTL is the fixed lifetime of a session.
	// Default: 15 minutes.
	TokenTTL time.Duration

	// MaxFailures is the failed login count that locks the account.
	// Default: 5.
	MaxFailures int

	// FailureWindow is the sliding window failures are counted in.
	// Default: 1 minute.
	FailureWindow time.Duration

	// Cooldown is how long the account stays locked.
	// Default: 5 minutes.
	Cooldown time.Duration

	// BcryptCost is the password hash cost.
	// Default: bcrypt.DefaultCost.
	BcryptCost int

	// Store is where the admin account is persisted.
	// Required.
	Store AccountStore

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// Session is an issued bearer token.
type Session struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RevokeFunc is told the digests of revoked tokens.
type RevokeFunc func(tokenHashes []string)

// SessionAuth validates logins and tracks live sessions.
type SessionAuth struct {
	mu sync.Mutex

	config Config

	// sessions maps token digest to session metadata (Token left empty).
	sessions map[string]Session

	// failures tracks failed logins for rate limiting.
	// Maps timestamp (truncated to second) to count.
	failures map[int64]int

	// lockedUntil is set when failures reach MaxFailures.
	lockedUntil time.Time

	onRevoke []RevokeFunc
}

// New creates a SessionAuth with the given config.
func New(config Config) *SessionAuth {
	if config.TokenTTL == 0 {
		config.TokenTTL = 15 * time.Minute
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.FailureWindow == 0 {
		config.FailureWindow = time.Minute
	}
	if config.Cooldown == 0 {
		config.Cooldown = 5 * time.Minute
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}

	return &SessionAuth{
		config:   config,
		sessions: make(map[string]Session),
		failures: make(map[int64]int),
	}
}

// OnRevoke registers a callback run after tokens are revoked.
// Callbacks run without the SessionAuth lock held.
func (a *SessionAuth) OnRevoke(fn RevokeFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRevoke = append(a.onRevoke, fn)
}

// IsProvisioned reports whether the admin account exists.
func (a *SessionAuth) IsProvisioned() (bool, error) {
	_, err := a.config.Store.GetAccount()
	if errors.Is(err, storage.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Username returns the admin username, or "" before provisioning.
func (a *SessionAuth) Username() (string, error) {
	acct, err := a.config.Store.GetAccount()
	if errors.Is(err, storage.ErrAccountNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return acct.Username, nil
}

// Provision creates the admin account on first boot and logs it in.
func (a *SessionAuth) Provision(username, password string) (*Session, error) {
	if username == "" {
		username = DefaultUsername
	}
	if len(password) < MinPasswordLength {
		return nil, ErrPasswordTooShort
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.config.Store.GetAccount(); err == nil {
		return nil, ErrAlreadyProvisioned
	} else if !errors.Is(err, storage.ErrAccountNotFound) {
		return nil, fmt.Errorf("load account: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := a.config.TimeNow()
	acct := &Account{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.config.Store.SaveAccount(acct); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}

	log.Printf("auth: provisioned admin account %q", username)
	return a.issueLocked(now)
}

// Login checks the credentials and issues a session.
// The lockout is checked before the password, so a correct password is
// refused while the account is locked. The bcrypt comparison runs without
// a.mu held so token validation never waits on it.
func (a *SessionAuth) Login(username, password string) (*Session, error) {
	acct, err := a.loadForCheck()
	if err != nil {
		return nil, err
	}

	// Run bcrypt even for a wrong username so both paths cost the same.
	hashErr := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password))

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.config.TimeNow()
	if username != acct.Username || hashErr != nil {
		a.recordFailureLocked(now)
		log.Printf("auth: failed login for %q", username)
		return nil, ErrInvalidCredentials
	}

	a.failures = make(map[int64]int)
	log.Printf("auth: login succeeded for %q", username)
	return a.issueLocked(now)
}

// loadForCheck applies the lockout and loads the account ahead of a
// password comparison.
func (a *SessionAuth) loadForCheck() (*Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.config.TimeNow()
	a.pruneExpiredLocked(now)

	if err := a.checkRateLimitLocked(now); err != nil {
		return nil, err
	}

	acct, err := a.config.Store.GetAccount()
	if errors.Is(err, storage.ErrAccountNotFound) {
		return nil, ErrNotProvisioned
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

// Validate returns the session for token.
// Expired sessions are deleted on sight.
func (a *SessionAuth) Validate(token string) (*Session, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := HashToken(token)
	sess, ok := a.sessions[key]
	if !ok {
		return nil, ErrTokenInvalid
	}
	if !a.config.TimeNow().Before(sess.ExpiresAt) {
		delete(a.sessions, key)
		return nil, ErrTokenExpired
	}

	sess.Token = token
	return &sess, nil
}

// Logout revokes a single token.
func (a *SessionAuth) Logout(token string) {
	key := HashToken(token)

	a.mu.Lock()
	_, ok := a.sessions[key]
	delete(a.sessions, key)
	callbacks := a.onRevoke
	a.mu.Unlock()

	if ok {
		log.Printf("auth: session logged out")
		notify(callbacks, []string{key})
	}
}

// RevokeAll revokes every outstanding token.
func (a *SessionAuth) RevokeAll() {
	a.mu.Lock()
	keys := make([]string, 0, len(a.sessions))
	for k := range a.sessions {
		keys = append(keys, k)
	}
	a.sessions = make(map[string]Session)
	callbacks := a.onRevoke
	a.mu.Unlock()

	log.Printf("auth: revoked %d sessions", len(keys))
	notify(callbacks, keys)
}

// ChangePassword replaces the admin password and revokes every session.
// A wrong current password counts toward the same lockout as Login.
func (a *SessionAuth) ChangePassword(current, next string) error {
	if len(next) < MinPasswordLength {
		return ErrPasswordTooShort
	}

	acct, err := a.loadForCheck()
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(current)); err != nil {
		a.mu.Lock()
		a.recordFailureLocked(a.config.TimeNow())
		a.mu.Unlock()
		log.Printf("auth: password change refused, wrong current password")
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), a.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	a.mu.Lock()
	acct.PasswordHash = string(hash)
	acct.UpdatedAt = a.config.TimeNow()
	err = a.config.Store.SaveAccount(acct)
	if err == nil {
		a.failures = make(map[int64]int)
	}
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	log.Printf("auth: admin password changed")
	a.RevokeAll()
	return nil
}

// Reset forgets lockout state and revokes every session. Called after a
// factory reset has deleted the account.
func (a *SessionAuth) Reset() {
	a.mu.Lock()
	a.failures = make(map[int64]int)
	a.lockedUntil = time.Time{}
	a.mu.Unlock()

	a.RevokeAll()
}

// ActiveSessions returns the number of unexpired sessions.
func (a *SessionAuth) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneExpiredLocked(a.config.TimeNow())
	return len(a.sessions)
}

// issueLocked creates a session. Must be called with a.mu held.
func (a *SessionAuth) issueLocked(now time.Time) (*Session, error) {
	token, err := generateSecureToken()
	if err != nil {
		return nil, err
	}

	sess := Session{
		IssuedAt:  now,
		ExpiresAt: now.Add(a.config.TokenTTL),
	}
	a.sessions[HashToken(token)] = sess

	sess.Token = token
	return &sess, nil
}

// checkRateLimitLocked returns ErrRateLimited while locked out.
// Must be called with a.mu held.
func (a *SessionAuth) checkRateLimitLocked(now time.Time) error {
	if now.Before(a.lockedUntil) {
		log.Printf("auth: login refused, locked until %s", a.lockedUntil.Format(time.RFC3339))
		return ErrRateLimited
	}
	return nil
}

// recordFailureLocked counts a failure and locks the account once the
// window holds MaxFailures. Must be called with a.mu held.
func (a *SessionAuth) recordFailureLocked(now time.Time) {
	cutoff := now.Add(-a.config.FailureWindow).Unix()
	for ts := range a.failures {
		if ts < cutoff {
			delete(a.failures, ts)
		}
	}

	a.failures[now.Unix()]++

	var count int
	for _, c := range a.failures {
		count += c
	}

	if count >= a.config.MaxFailures {
		a.lockedUntil = now.Add(a.config.Cooldown)
		a.failures = make(map[int64]int)
		log.Printf("auth: %d failed logins within %s, locked for %s", count, a.config.FailureWindow, a.config.Cooldown)
	}
}

// pruneExpiredLocked drops expired sessions. Must be called with a.mu held.
func (a *SessionAuth) pruneExpiredLocked(now time.Time) {
	for k, s := range a.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(a.sessions, k)
		}
	}
}

// HashToken returns the hex SHA-256 digest used to key sessions.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// generateSecureToken returns 32 random bytes hex-encoded.
func generateSecureToken() (string, error) {
	const tokenBytes = 32

	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func notify(callbacks []RevokeFunc, keys []string) {
	if len(keys) == 0 {
		return
	}
	for _, fn := range callbacks {
		fn(keys)
	}
}
