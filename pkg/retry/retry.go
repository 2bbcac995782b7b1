package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Unlimited makes Do and Backoff retry until the context is done.
const Unlimited = -1

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts, Unlimited for no cap
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)
}

// DefaultConfig returns the reconnect defaults used by the display service
func DefaultConfig() Config {
	return Config{
		MaxRetries:     Unlimited,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

// ErrExhausted is returned once MaxRetries attempts have failed.
var ErrExhausted = errors.New("max retries exceeded")

// Backoff hands out successive delays for a Config.
// It is not safe for concurrent use.
type Backoff struct {
	cfg     Config
	next    time.Duration
	attempt int
}

// NewBackoff creates a backoff sequence starting at cfg.InitialBackoff
func NewBackoff(cfg Config) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Backoff{cfg: cfg, next: cfg.InitialBackoff}
}

// Next returns the delay before the next attempt, or false once the
// retry budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.cfg.MaxRetries != Unlimited && b.attempt >= b.cfg.MaxRetries {
		return 0, false
	}
	b.attempt++
	d := b.next
	b.next = time.Duration(float64(b.next) * b.cfg.Multiplier)
	if b.cfg.MaxBackoff > 0 && b.next > b.cfg.MaxBackoff {
		b.next = b.cfg.MaxBackoff
	}
	if b.cfg.MaxBackoff > 0 && d > b.cfg.MaxBackoff {
		d = b.cfg.MaxBackoff
	}
	return d, true
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset starts the sequence over, typically after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.next = b.cfg.InitialBackoff
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes fn with exponential backoff retries. Errors that are not
// retryable end the loop immediately.
func Do(ctx context.Context, config Config, fn func() error) error {
	b := NewBackoff(config)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		delay, ok := b.Next()
		if !ok {
			return fmt.Errorf("%w (%d): %w", ErrExhausted, config.MaxRetries, err)
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return fmt.Errorf("retry cancelled: %w", serr)
		}
	}
}

// retryable lets error types decide for themselves.
type retryable interface {
	Retryable() bool
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"no such host",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	}
	for _, s := range retryableErrors {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
