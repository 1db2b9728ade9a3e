// Package subscriptionset implements the versioned, owner-keyed, access-key
// protected bundle of subscriptions, along with its wire document format.
package subscriptionset

import (
	"crypto/rand"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamdispatch/pubsub/internal/subscription"
	"github.com/dreamdispatch/pubsub/internal/uri"
)

const accessKeyAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewLocation generates an 8-character alphanumeric location identifier.
// Locations are opaque URL path components, not secrets, so a truncated
// UUID is enough; the registry retries on the rare collision.
func NewLocation() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// NewAccessKey generates a shared secret for a set that did not supply one.
// Access keys are bearer credentials, so they come from crypto/rand rather
// than the UUID source locations use.
func NewAccessKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; there is nothing sensible left to fall back to.
		panic("subscriptionset: crypto/rand unavailable: " + err.Error())
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = accessKeyAlphabet[int(b)%len(accessKeyAlphabet)]
	}
	return string(out)
}

// Set is one registered subscription-set: an owner-scoped bundle of
// subscriptions, versioned, and protected by an access key that any party
// knowing it may use to read or mutate it.
type Set struct {
	mu            sync.RWMutex
	Location      string
	Owner         uri.URI
	AccessKey     string
	Version       int64
	Subscriptions []subscription.Subscription
}

// New creates a set in the Registered state.
func New(location string, owner uri.URI, accessKey string, version int64, subs []subscription.Subscription) *Set {
	return &Set{
		Location:      location,
		Owner:         owner,
		AccessKey:     accessKey,
		Version:       version,
		Subscriptions: subs,
	}
}

// AccessGranted reports whether presented equals the set's access key under
// a case-insensitive compare.
func (s *Set) AccessGranted(presented string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return presented != "" && strings.EqualFold(presented, s.AccessKey)
}

// Snapshot returns a defensive copy of the set's current subscriptions and
// version, safe to read without holding any lock afterwards.
func (s *Set) Snapshot() (subs []subscription.Subscription, version int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]subscription.Subscription, len(s.Subscriptions))
	copy(out, s.Subscriptions)
	return out, s.Version
}

// Replace overwrites the subscription list and version if newVersion is
// strictly greater than the current version; version 0 means "no version
// supplied" and always replaces. Returns false (NotModified) if
// newVersion <= current and newVersion != 0.
func (s *Set) Replace(subs []subscription.Subscription, newVersion int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newVersion != 0 && newVersion <= s.Version {
		return false
	}
	s.Subscriptions = subs
	if newVersion != 0 {
		s.Version = newVersion
	} else {
		s.Version++
	}
	return true
}
