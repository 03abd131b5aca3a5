package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errStore = errors.New("store down")

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(Config{FailureThreshold: 3, OpenTimeout: time.Hour, SuccessThreshold: 1})
	ctx := context.Background()

	fail := func(context.Context) error { return errStore }
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errStore) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	// Open breaker rejects without calling through.
	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("open breaker returned %v", err)
	}
	if called {
		t.Fatal("open breaker called through")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, SuccessThreshold: 2})
	ctx := context.Background()

	if err := cb.Execute(ctx, func(context.Context) error { return errStore }); !errors.Is(err, errStore) {
		t.Fatal(err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	ok := func(context.Context) error { return nil }
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after one probe = %s, want half-open", cb.State())
	}
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after recovery = %s, want closed", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, SuccessThreshold: 2})
	ctx := context.Background()

	cb.Execute(ctx, func(context.Context) error { return errStore })
	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(ctx, func(context.Context) error { return errStore }); !errors.Is(err, errStore) {
		t.Fatal(err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open again", cb.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(Config{FailureThreshold: 2, OpenTimeout: time.Hour, SuccessThreshold: 1})
	ctx := context.Background()

	cb.Execute(ctx, func(context.Context) error { return errStore })
	cb.Execute(ctx, func(context.Context) error { return nil })
	cb.Execute(ctx, func(context.Context) error { return errStore })

	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed after interleaved success", cb.State())
	}
}
