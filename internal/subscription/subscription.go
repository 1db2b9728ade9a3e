// Package subscription defines a single subscription: a channel pattern, an
// optional resource filter, one or more recipients, and the wildcard-aware
// matching rules used to decide whether a published event reaches it.
package subscription

import (
	"strings"

	"github.com/dreamdispatch/pubsub/internal/uri"
)

// Cookie is an opaque name/value pair attached to outbound deliveries for a
// recipient (e.g. a session token the recipient expects back).
type Cookie struct {
	Name  string
	Value string
}

// Recipient is a delivery target: a URI plus the cookies that dress every
// event sent to it.
type Recipient struct {
	URI     uri.URI
	Cookies []Cookie
}

// Key returns the (recipient URI, cookie set) identity used to deduplicate
// deliveries across overlapping subscriptions.
func (r Recipient) Key() string {
	var b strings.Builder
	b.WriteString(r.URI.String())
	for _, c := range r.Cookies {
		b.WriteByte('|')
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}

// Subscription is one channel pattern + optional resource filter + set of
// recipients, owned by a subscription set.
type Subscription struct {
	ID         string
	Channel    uri.URI  // may contain "*" components
	Resource   *uri.URI // optional filter, may contain "*" components
	Recipients []Recipient
	Proxy      *uri.URI
}

// Matches reports whether this subscription's channel pattern matches
// channel and, if a resource filter is present, whether resource also
// matches that filter. A nil resource argument only matches when the
// subscription itself has no resource filter.
func (s Subscription) Matches(channel uri.URI, resource *uri.URI) bool {
	if !patternMatches(s.Channel, channel) {
		return false
	}
	if s.Resource == nil {
		return true
	}
	if resource == nil {
		return false
	}
	return patternMatches(*s.Resource, *resource)
}

// patternMatches evaluates pattern against u: "*" in scheme/host/segment
// position matches anything, a trailing "*" segment matches any descendant
// (including zero further segments), and all other segment comparisons are
// case-insensitive equality.
func patternMatches(pattern, u uri.URI) bool {
	if pattern.Scheme != uri.Wildcard && !strings.EqualFold(pattern.Scheme, u.Scheme) {
		return false
	}
	if pattern.HostPort != uri.Wildcard && !strings.EqualFold(pattern.HostPort, u.HostPort) {
		return false
	}

	for i, seg := range pattern.Segments {
		if seg == uri.Wildcard && i == len(pattern.Segments)-1 {
			// Trailing wildcard: matches everything from here on,
			// including no further segments at all.
			return true
		}
		if i >= len(u.Segments) {
			return false
		}
		if seg == uri.Wildcard {
			continue
		}
		if !strings.EqualFold(seg, u.Segments[i]) {
			return false
		}
	}

	// Pattern exhausted without a trailing wildcard: u must not have more
	// segments than the pattern specified.
	return len(u.Segments) == len(pattern.Segments)
}
