package circuit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 20 * time.Millisecond, RequestTimeout: time.Second}
}

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(testConfig())
	if b.State() != StateClosed {
		t.Errorf("expected initial state closed, got %v", b.State())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(testConfig())
	failErr := errors.New("boom")
	for i := 0; i < 2; i++ {
		err := b.Call(context.Background(), func(ctx context.Context) error { return failErr })
		if err != failErr {
			t.Fatalf("expected the wrapped error, got %v", err)
		}
	}
	if b.State() != StateOpen {
		t.Errorf("expected the breaker to open after %d consecutive failures, got %v", 2, b.State())
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b := NewBreaker(testConfig())
	b.ForceOpen()
	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	if err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen while the breaker is open, got %v", err)
	}
}

func TestBreakerHalfOpensAfterTimeoutAndCloses(t *testing.T) {
	b := NewBreaker(testConfig())
	b.ForceOpen()
	b.mu.Lock()
	b.lastFailureTime = time.Now().Add(-100 * time.Millisecond)
	b.mu.Unlock()

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected the probe call to succeed, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected the breaker to close after a successful half-open probe, got %v", b.State())
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := NewBreaker(testConfig())
	b.ForceHalfOpen()
	failErr := errors.New("boom")
	b.Call(context.Background(), func(ctx context.Context) error { return failErr })
	if b.State() != StateOpen {
		t.Errorf("expected a half-open failure to reopen the breaker, got %v", b.State())
	}
}

func TestBreakerTimesOutSlowCalls(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	b := NewBreaker(cfg)
	err := b.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != ErrRequestTimeout {
		t.Errorf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestBreakerResetClearsState(t *testing.T) {
	b := NewBreaker(testConfig())
	b.ForceOpen()
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("expected Reset to return the breaker to closed, got %v", b.State())
	}
	stats := b.Stats()
	if stats.TotalRequests != 0 {
		t.Errorf("expected Reset to zero counters, got %+v", stats)
	}
}

func TestStatsIsHealthy(t *testing.T) {
	healthy := Stats{State: StateClosed, TotalRequests: 0}
	if !healthy.IsHealthy() {
		t.Error("expected a fresh closed breaker to be healthy")
	}
	unhealthy := Stats{State: StateOpen}
	if unhealthy.IsHealthy() {
		t.Error("expected an open breaker to be unhealthy")
	}
}

func TestManagerDelegatesPerProvider(t *testing.T) {
	m := NewManager()
	m.AddProvider("coinglass", testConfig())

	failErr := errors.New("boom")
	for i := 0; i < 2; i++ {
		m.Call(context.Background(), "coinglass", func(ctx context.Context) error { return failErr })
	}
	br, ok := m.GetBreaker("coinglass")
	if !ok {
		t.Fatal("expected a registered breaker for coinglass")
	}
	if br.State() != StateOpen {
		t.Errorf("expected the coinglass breaker to have opened, got %v", br.State())
	}
	if m.IsHealthy() {
		t.Error("expected the manager to report unhealthy with an open breaker")
	}
	unhealthy := m.GetUnhealthyProviders()
	if len(unhealthy) != 1 {
		t.Errorf("expected 1 unhealthy provider listed, got %v", unhealthy)
	}
}

func TestManagerCallsDirectlyWithoutRegisteredBreaker(t *testing.T) {
	m := NewManager()
	called := false
	err := m.Call(context.Background(), "unregistered", func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("expected a direct call-through for an unregistered provider, err=%v called=%v", err, called)
	}
}
