package retry

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func makeClient(t *testing.T, cfg Config) (*Client, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	return NewClient(l, cfg), &buf
}

func TestNewClient_ConfigSanitizationAndDefaults(t *testing.T) {
	cfg := Config{MaxRetries: -1, InitialBackoff: 0, MaxBackoff: 0, Timeout: 0}
	c := NewClient(nil, cfg)

	if c.logger == nil {
		t.Fatalf("expected logger to be non-nil (defaulted)")
	}
	if c.config.MaxRetries != DefaultConfig.MaxRetries {
		t.Fatalf("MaxRetries sanitized: got %d want %d", c.config.MaxRetries, DefaultConfig.MaxRetries)
	}
	if c.config.InitialBackoff != DefaultConfig.InitialBackoff {
		t.Fatalf("InitialBackoff sanitized: got %v want %v", c.config.InitialBackoff, DefaultConfig.InitialBackoff)
	}
	if c.config.MaxBackoff != DefaultConfig.MaxBackoff {
		t.Fatalf("MaxBackoff sanitized: got %v want %v", c.config.MaxBackoff, DefaultConfig.MaxBackoff)
	}
	if c.config.Timeout != DefaultConfig.Timeout {
		t.Fatalf("Timeout sanitized: got %v want %v", c.config.Timeout, DefaultConfig.Timeout)
	}

	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	c2 := NewClient(l)
	if c2.logger != l {
		t.Fatalf("expected provided logger to be used")
	}
}

func TestIsTransient_Patterns(t *testing.T) {
	c, _ := makeClient(t, DefaultConfig)

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request TIMEOUT while processing"), true},
		{"conn refused", errors.New("connection refused by target"), true},
		{"conn reset", errors.New("read: connection reset by peer"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"429", errors.New("HTTP 429 Too Many Requests"), true},
		{"503", errors.New("Service Unavailable (503)"), true},
		{"network", errors.New("network unreachable"), true},
		{"dns", errors.New("dns lookup failed"), true},
		{"non-transient", errors.New("validation failed: credit check"), false},
		{"empty string", errors.New(""), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNextBackoff_GeneralBehavior(t *testing.T) {
	cfg := Config{MaxRetries: 2, InitialBackoff: 4 * time.Millisecond, MaxBackoff: 10 * time.Millisecond, Timeout: time.Second}
	c, _ := makeClient(t, cfg)

	next := c.nextBackoff(4 * time.Millisecond) // base = 6ms, jitter in [0, 1.5ms)
	if next < 6*time.Millisecond || next >= 7500*time.Microsecond {
		t.Fatalf("unexpected next backoff: got %v, expected [6ms,7.5ms)", next)
	}

	next2 := c.nextBackoff(8 * time.Millisecond) // base=12ms -> capped at 10ms; jitter in [0, 2.5ms)
	if next2 < 10*time.Millisecond || next2 >= 12500*time.Microsecond {
		t.Fatalf("unexpected capped next backoff: got %v, expected [10ms,12.5ms)", next2)
	}

	if got := c.nextBackoff(0); got != 0 {
		t.Fatalf("zero backoff expected to remain zero, got %v", got)
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: 250 * time.Millisecond}
	c, buf := makeClient(t, cfg)

	var calls int32
	err := c.Do(context.Background(), "dial", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if !strings.Contains(buf.String(), "dial attempt 1/") {
		t.Fatalf("expected log to contain attempt log, got: %s", buf.String())
	}
}

func TestDo_RetriesOnTransientThenSucceeds(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 3 * time.Millisecond, Timeout: 250 * time.Millisecond}
	c, _ := makeClient(t, cfg)

	var calls int32
	start := time.Now()
	err := c.Do(context.Background(), "dial", func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got err: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Millisecond {
		t.Fatalf("expected some backoff elapsed, got %v", elapsed)
	}
}

func TestDo_FailsFastOnNonTransient(t *testing.T) {
	cfg := Config{MaxRetries: 5, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: 200 * time.Millisecond}
	c, _ := makeClient(t, cfg)

	var calls int32
	err := c.Do(context.Background(), "dial", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("validation failed: bad request")
	})
	if err == nil {
		t.Fatalf("expected error on non-transient failure")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected only 1 attempt on non-transient error, got %d", calls)
	}
	if !strings.Contains(err.Error(), "failed after") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	cfg := Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}
	c, _ := makeClient(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	err := c.Do(ctx, "dial", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("expected 'canceled' in error, got: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected 0 calls, got %d", calls)
	}
}

func TestDo_TimeoutDuringBackoff(t *testing.T) {
	cfg := Config{MaxRetries: 10, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: 2 * time.Millisecond}
	c, _ := makeClient(t, cfg)

	err := c.Do(context.Background(), "dial", func(ctx context.Context) error {
		return errors.New("connection reset")
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout-related error, got: %v", err)
	}
}
