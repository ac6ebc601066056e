// Package untrackable records identities the provider permanently rejected
// so later runs stop dispatching them until the record expires.
package untrackable

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/stockpile/pkg/job"
)

// DefaultTTL is how long an identity stays suppressed.
const DefaultTTL = 365 * 24 * time.Hour

var (
	// ErrInvalidEntry indicates a stored entry could not be decoded.
	ErrInvalidEntry = errors.New("invalid untrackable entry")

	// ErrEmptyIdentity is returned when marking a blank identity.
	ErrEmptyIdentity = errors.New("identity is empty")
)

// Registry persists untrackable identities.
type Registry interface {
	// Suppressed reports whether identity is recorded and not yet expired.
	Suppressed(ctx context.Context, identity string) (bool, error)

	// Mark records identity with a reason, restarting its expiry.
	Mark(ctx context.Context, identity, reason string) error

	// List returns all unexpired entries ordered by identity.
	List(ctx context.Context) ([]Entry, error)
}

// Entry is one untrackable identity.
type Entry struct {
	// Identity is normalized to upper case.
	Identity string `json:"identity"`

	// Reason is the provider message that caused the record.
	Reason string `json:"reason"`

	// RecordedAt is when the identity was last marked.
	RecordedAt time.Time `json:"recorded_at"`
}

// ExpiresAt returns when the entry stops suppressing its identity.
func (e Entry) ExpiresAt(ttl time.Duration) time.Time {
	return e.RecordedAt.Add(ttl)
}

// IsExpired returns true if the entry is older than ttl at now.
func (e Entry) IsExpired(ttl time.Duration, now time.Time) bool {
	return !now.Before(e.ExpiresAt(ttl))
}

func newEntry(identity, reason string, now time.Time) (Entry, error) {
	identity = job.NormalizeIdentity(identity)
	if identity == "" {
		return Entry{}, ErrEmptyIdentity
	}
	return Entry{Identity: identity, Reason: reason, RecordedAt: now.UTC()}, nil
}
