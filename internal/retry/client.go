// Package retry provides exponential-backoff retry logic for operations
// against external collaborators (such as a live feed's websocket dial)
// whose failures are often transient network conditions.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

// Config contains retry configuration parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig provides sensible defaults for retry operations.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client wraps an arbitrary operation with retry logic and exponential
// backoff with jitter. Unlike the teacher's original, which wrapped a
// specific broker.Broker method set, this Client is operation-agnostic:
// internal/feed/live uses it around the websocket dial/reconnect loop.
type Client struct {
	logger *log.Logger
	config Config
}

// NewClient creates a new retry client with optional config.
func NewClient(logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = log.Default()
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &Client{logger: logger, config: cfg}
}

// Op is a single attempt of the operation being retried.
type Op func(ctx context.Context) error

// Do runs op, retrying on transient errors with exponential backoff and
// jitter until it succeeds, a non-transient error is returned, the retry
// budget is exhausted, or ctx/the client's overall Timeout expires.
func (c *Client) Do(ctx context.Context, label string, op Op) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	attempts := 0
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out after %v: %w", label, c.config.Timeout, opCtx.Err())
		default:
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", label, ctx.Err())
		}

		c.logger.Printf("%s attempt %d/%d", label, attempt+1, c.config.MaxRetries+1)

		attempts++
		err := op(opCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Printf("%s attempt %d failed: %v", label, attempt+1, err)

		if !c.IsTransient(err) || attempt >= c.config.MaxRetries {
			break
		}

		c.logger.Printf("%s: transient error, retrying in %v", label, backoff)
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", label, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", label, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", label, attempts, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// transientPatterns is the substring set of error messages treated as
// retryable: connection- and rate-limit-shaped failures from a remote
// gateway or websocket dial, not validation/auth failures.
var transientPatterns = []string{
	"timeout",
	"i/o timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"temporarily unavailable",
	"server error",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
	"no such host",
	"deadline exceeded",
	"tls handshake",
	"broken pipe",
	"eof",
}

// IsTransient reports whether err looks like a retryable network condition.
func (c *Client) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
