package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pelicanmail/pelican/internal/logging"
	"github.com/pelicanmail/pelican/internal/storage"
	"github.com/pelicanmail/pelican/internal/storage/sqlite"
)

func testAuthenticator(t *testing.T, limiter Limiter) (*Authenticator, storage.Store) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store := sqlite.NewStore(db)
	if limiter == nil {
		limiter = NewMemoryLimiter(time.Minute, 100)
	}
	return NewAuthenticator(store, limiter, logging.Default()), store
}

func TestPasswordHashRoundtrip(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword("s3cret-pass", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
	if VerifyPassword("s3cret-pass", "not-a-hash") {
		t.Error("malformed hash accepted")
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	a, _ := testAuthenticator(t, nil)
	ctx := context.Background()

	user, err := a.CreateUser(ctx, "alice", "s3cret-pass", 0)
	if err != nil {
		t.Fatal(err)
	}

	principal, err := a.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.1")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if principal.ID != user.ID || principal.Username != "alice" {
		t.Errorf("principal = %+v", principal)
	}
}

func TestAuthenticateIdenticalFailures(t *testing.T) {
	a, _ := testAuthenticator(t, nil)
	ctx := context.Background()

	if _, err := a.CreateUser(ctx, "alice", "s3cret-pass", 0); err != nil {
		t.Fatal(err)
	}

	// Unknown user and wrong password yield the same error value; a
	// client cannot probe which usernames exist.
	_, errMissing := a.Authenticate(ctx, "nobody", "whatever", "10.0.0.1")
	_, errWrong := a.Authenticate(ctx, "alice", "wrong", "10.0.0.1")

	if !errors.Is(errMissing, ErrInvalidCredentials) {
		t.Errorf("missing user error = %v", errMissing)
	}
	if !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v", errWrong)
	}
	if errMissing.Error() != errWrong.Error() {
		t.Errorf("distinguishable failures: %q vs %q", errMissing, errWrong)
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	a, _ := testAuthenticator(t, NewMemoryLimiter(time.Minute, 3))
	ctx := context.Background()

	if _, err := a.CreateUser(ctx, "alice", "s3cret-pass", 0); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := a.Authenticate(ctx, "alice", "wrong", "10.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	// The cap is hit: even the right password bounces without a lookup.
	if _, err := a.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("over-cap attempt = %v, want ErrRateLimited", err)
	}

	// A different remote address has its own window.
	if _, err := a.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.2"); err != nil {
		t.Fatalf("other address blocked: %v", err)
	}
}

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	l := NewMemoryLimiter(50*time.Millisecond, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "k"); !ok {
			t.Fatalf("attempt %d denied under cap", i)
		}
	}
	if ok, _ := l.Allow(ctx, "k"); ok {
		t.Fatal("attempt over cap allowed")
	}

	time.Sleep(60 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "k"); !ok {
		t.Fatal("attempt denied after the window slid")
	}
}

func TestCreateUserProvisionsInbox(t *testing.T) {
	a, store := testAuthenticator(t, nil)
	ctx := context.Background()

	user, err := a.CreateUser(ctx, "alice", "s3cret-pass", 1024)
	if err != nil {
		t.Fatal(err)
	}
	if user.Quota != 1024 {
		t.Errorf("quota = %d, want 1024", user.Quota)
	}

	inbox, err := store.FindMailbox(ctx, user.ID, "INBOX")
	if err != nil {
		t.Fatalf("INBOX missing: %v", err)
	}
	if inbox.UIDNext != 1 || !inbox.Subscribed {
		t.Errorf("INBOX = uidNext:%d subscribed:%v", inbox.UIDNext, inbox.Subscribed)
	}

	if _, err := a.CreateUser(ctx, "alice", "again-pass", 0); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("duplicate user = %v, want ErrAlreadyExists", err)
	}
}

func TestSetPasswordAndQuota(t *testing.T) {
	a, store := testAuthenticator(t, nil)
	ctx := context.Background()

	if _, err := a.CreateUser(ctx, "alice", "old-password", 0); err != nil {
		t.Fatal(err)
	}
	if err := a.SetPassword(ctx, "alice", "new-password"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(ctx, "alice", "old-password", "10.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Error("old password still accepted")
	}
	if _, err := a.Authenticate(ctx, "alice", "new-password", "10.0.0.1"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}

	if err := a.SetQuota(ctx, "alice", 2048); err != nil {
		t.Fatal(err)
	}
	user, _ := store.FindUser(ctx, "alice")
	if user.Quota != 2048 {
		t.Errorf("quota = %d, want 2048", user.Quota)
	}
}
