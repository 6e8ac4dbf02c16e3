package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
)

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", 5, cb.State())
	}
}

func TestBreakerRejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn should not have been called when breaker is open")
	}
}

func TestBreakerResetsAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	testErr := errors.New("fail")

	// Trip the breaker
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	// Advance time past reset timeout
	now = now.Add(200 * time.Millisecond)

	// Next call should be the trial call (half-open transition)
	err := cb.Execute(func() error { return nil })
	if err != nil {
		t.Fatalf("expected trial call to succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful trial call, got %s", cb.State())
	}
}

func TestBreakerProbeFailureReOpens(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}

	now = now.Add(200 * time.Millisecond)
	_ = cb.Execute(func() error { return testErr })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after trial call failure, got %s", cb.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	testErr := errors.New("fail")

	// 3 failures
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	// 1 success resets count
	_ = cb.Execute(func() error { return nil })
	// 3 more failures: still closed, only 3 consecutive
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed (3+3 non-consecutive < threshold 5), got %s", cb.State())
	}
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(100, 30*time.Second) // high threshold to avoid tripping
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error { return nil })
			_ = cb.State()
		}()
	}
	wg.Wait()
}

func TestBreakerIgnoresDomainErrors(t *testing.T) {
	cb := NewCircuitBreaker(2, 30*time.Second)
	for _, err := range []error{
		core.NotFound("agent", "x"),
		core.InvalidInput("bad ttl"),
		&core.ConflictError{Resource: "slot"},
		context.Canceled,
		fmt.Errorf("wrapped: %w", core.ErrNotFound),
	} {
		_ = cb.Execute(func() error { return err })
	}
	if cb.State() != StateClosed {
		t.Fatalf("domain errors must not trip the breaker, got %s", cb.State())
	}
}

func TestBreakerReportsStateChanges(t *testing.T) {
	cb := NewCircuitBreaker(1, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	var seen []BreakerState
	cb.OnStateChange(func(s BreakerState) { seen = append(seen, s) })

	_ = cb.Execute(func() error { return errors.New("disk I/O error") })
	now = now.Add(time.Second)
	_ = cb.Execute(func() error { return nil })

	want := []BreakerState{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}
