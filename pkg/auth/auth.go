package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// GenerateAPIKey returns a random URL-safe key.
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(keyBytes), nil
}

// HashKey returns the bcrypt hash stored in configuration for key.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// KeyVerifier checks presented keys against one bcrypt hash.
// A verifier with an empty hash accepts every request.
type KeyVerifier struct {
	hash []byte
}

// NewKeyVerifier creates a verifier for the given bcrypt hash.
func NewKeyVerifier(hash string) (*KeyVerifier, error) {
	if hash == "" {
		return &KeyVerifier{}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid API key hash: %w", err)
	}
	return &KeyVerifier{hash: []byte(hash)}, nil
}

// Enabled reports whether requests must carry a key.
func (v *KeyVerifier) Enabled() bool {
	return v != nil && len(v.hash) > 0
}

// Verify checks a presented key.
func (v *KeyVerifier) Verify(key string) error {
	if !v.Enabled() {
		return nil
	}
	if key == "" {
		return ErrMissingKey
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
		return ErrInvalidKey
	}
	return nil
}

// KeyFromRequest returns the bearer token, falling back to the api_key query
// parameter for websocket clients that cannot set headers.
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("api_key")
}

// Middleware rejects requests without a valid key with 401.
func (v *KeyVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(KeyFromRequest(r)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="chrono"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
