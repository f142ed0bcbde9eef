// Package limiter defines the login lockout used by password authentication.
package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether a login is currently allowed and, when blocked, the remaining block.
	Allow(ctx context.Context, account, clientIP string) (bool, time.Duration, error)
	// Success resets the counters after a successful login.
	Success(ctx context.Context, account, clientIP string) error
	// Failure records a failed attempt and reports whether it placed a block.
	Failure(ctx context.Context, account, clientIP string) (bool, time.Duration, error)
}

// Noop never blocks. It is used when no lockout store is configured.
type Noop struct{}

// Allow always permits the attempt.
func (Noop) Allow(context.Context, string, string) (bool, time.Duration, error) {
	return true, 0, nil
}

// Success does nothing.
func (Noop) Success(context.Context, string, string) error {
	return nil
}

// Failure never blocks.
func (Noop) Failure(context.Context, string, string) (bool, time.Duration, error) {
	return false, 0, nil
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}
