package signal

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

var (
	// ErrClosed is returned by Connect once the channel has been closed.
	ErrClosed = errors.New("signal channel closed")
	// ErrAlreadyConnected is returned by Connect while a connection is live.
	ErrAlreadyConnected = errors.New("signal channel already connected")
	// ErrNoHandler is returned by Connect when no token handler is registered.
	ErrNoHandler = errors.New("no token handler registered")
	// ErrUnknownToken ends a strict connection that received an unrecognised token.
	ErrUnknownToken = errors.New("unknown token")
	// ErrInvalidEndpoint is wrapped by Connect when the endpoint is not a ws:// or wss:// URL.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// ConnectionError reports a failure to reach the push endpoint or the loss of
// an established connection.
type ConnectionError struct {
	Op         string // "dial" or "read"
	Endpoint   string
	StatusCode int // handshake status when the server answered
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("signal channel %s %s: %v (status %d)", e.Op, e.Endpoint, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("signal channel %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether calling Connect again can succeed.
// Rejected handshakes and invalid endpoints will not fix themselves.
func (e *ConnectionError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false
	}
	return !errors.Is(e.Err, ErrInvalidEndpoint)
}

// validateEndpoint accepts absolute ws:// and wss:// URLs with a host.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q, want ws or wss", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return nil
}
