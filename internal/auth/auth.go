// Package auth verifies login credentials and rate-limits login attempts
// per (username, remote address).
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pelicanmail/pelican/internal/logging"
	"github.com/pelicanmail/pelican/internal/metrics"
	"github.com/pelicanmail/pelican/internal/resilience"
	"github.com/pelicanmail/pelican/internal/storage"
	"github.com/pelicanmail/pelican/internal/validation"
)

var (
	// ErrInvalidCredentials is returned for every failed login. Unknown
	// user and wrong password are indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited is returned when the sliding window cap is hit.
	ErrRateLimited = errors.New("too many logins, try again later")
)

// dummyHash keeps password verification running even when the user does
// not exist, so a missing account costs the same time as a wrong
// password.
var dummyHash = func() string {
	h, _ := HashPassword("pelican-missing-user")
	return h
}()

// Principal is the session-bound identity of an authenticated user.
type Principal struct {
	ID       int64
	Username string
}

// Authenticator checks credentials against stored hashes.
type Authenticator struct {
	store   storage.Store
	limiter Limiter
	breaker *resilience.CircuitBreaker
	logger  *logging.Logger
}

// NewAuthenticator creates an Authenticator. limiter may not be nil; use
// NewMemoryLimiter when no shared store is configured. A circuit breaker
// guards the limiter store so a dead Redis does not tax every login with
// its timeout.
func NewAuthenticator(store storage.Store, limiter Limiter, logger *logging.Logger) *Authenticator {
	return &Authenticator{
		store:   store,
		limiter: limiter,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultConfig()),
		logger:  logger.Auth(),
	}
}

// Authenticate verifies a username/password pair. remoteAddr scopes the
// rate-limit window together with the username.
func (a *Authenticator) Authenticate(ctx context.Context, username, password, remoteAddr string) (*Principal, error) {
	allowed := true
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		allowed, err = a.limiter.Allow(ctx, username+":"+remoteAddr)
		return err
	})
	if err != nil {
		// A broken limiter store must not lock every user out.
		a.logger.WarnContext(ctx, "rate limiter unavailable", "error", err.Error())
		allowed = true
	}
	if !allowed {
		metrics.RateLimited.Inc()
		return nil, ErrRateLimited
	}

	user, err := a.store.FindUser(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			VerifyPassword(password, dummyHash)
			metrics.RecordAuth(false)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}

	if !VerifyPassword(password, user.PasswordHash) {
		metrics.RecordAuth(false)
		return nil, ErrInvalidCredentials
	}

	metrics.RecordAuth(true)
	return &Principal{ID: user.ID, Username: user.Username}, nil
}

// CreateUser registers a new account with a freshly hashed password and
// an INBOX mailbox.
func (a *Authenticator) CreateUser(ctx context.Context, username, password string, quota int64) (*storage.User, error) {
	if err := validation.Username(username); err != nil {
		return nil, err
	}
	if err := validation.Password(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &storage.User{
		Username:     username,
		PasswordHash: hash,
		Quota:        quota,
	}
	if err := a.store.InsertUser(ctx, user); err != nil {
		return nil, err
	}

	inbox := &storage.Mailbox{
		UserID:      user.ID,
		Path:        "INBOX",
		UIDValidity: uint32(time.Now().Unix()),
		UIDNext:     1,
		Subscribed:  true,
	}
	if err := a.store.InsertMailbox(ctx, inbox); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, fmt.Errorf("failed to create INBOX: %w", err)
	}

	return user, nil
}

// SetPassword rehashes and stores a new password for the user.
func (a *Authenticator) SetPassword(ctx context.Context, username, password string) error {
	if err := validation.Password(password); err != nil {
		return err
	}
	user, err := a.store.FindUser(ctx, username)
	if err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return a.store.SetPassword(ctx, user.ID, hash)
}

// SetQuota updates the user's quota in bytes. Zero means unlimited.
func (a *Authenticator) SetQuota(ctx context.Context, username string, quota int64) error {
	user, err := a.store.FindUser(ctx, username)
	if err != nil {
		return err
	}
	return a.store.SetQuota(ctx, user.ID, quota)
}
