// Package prefixmap implements the trie that underlies subscription
// matching: a mapping from uri.URI keys to arbitrary values, organized as
// root -> scheme bucket -> host:port bucket -> segment node -> ... -> value
// slot, so that both "best matching ancestor" and "everything under this
// prefix" queries are cheap.
package prefixmap

import (
	"errors"
	"strings"
	"sync"

	"github.com/dreamdispatch/pubsub/internal/uri"
)

// ErrAlreadyExists is returned by Insert when failIfExists is true and the
// key already holds a value.
var ErrAlreadyExists = errors.New("prefixmap: key already exists")

type node[V any] struct {
	children map[string]*node[V]
	order    []string // insertion order of children, for enumeration
	value    V
	hasValue bool
}

func newNode[V any]() *node[V] {
	return &node[V]{children: make(map[string]*node[V])}
}

func (n *node[V]) child(key string, create bool) *node[V] {
	lk := strings.ToLower(key)
	c, ok := n.children[lk]
	if !ok {
		if !create {
			return nil
		}
		c = newNode[V]()
		n.children[lk] = c
		n.order = append(n.order, lk)
	}
	return c
}

// Map is a trie over uri.URI keys to values of type V. Safe for concurrent
// use: structural mutation is serialized by mu, while BestParent/Exact/
// Children take a read lock so concurrent dispatch lookups never block each
// other.
type Map[V any] struct {
	mu   sync.RWMutex
	root *node[V]
	keys []uri.URI // insertion-order key list, for enumeration
}

// New creates an empty prefix map.
func New[V any]() *Map[V] {
	return &Map[V]{root: newNode[V]()}
}

func keyParts(u uri.URI) []string {
	parts := make([]string, 0, 2+len(u.Segments))
	parts = append(parts, u.Scheme, u.HostPort)
	parts = append(parts, u.Segments...)
	return parts
}

// Insert stores v under u. If a value already exists at that exact key and
// failIfExists is true, Insert returns ErrAlreadyExists and leaves the map
// unchanged; otherwise the existing value is overwritten.
func (m *Map[V]) Insert(u uri.URI, v V, failIfExists bool) error {
	return m.insertPath(keyParts(u), &u, v, failIfExists)
}

// InsertPath stores v under an arbitrary literal path, without requiring a
// full scheme+hostport+segments URI. Subscription-prefix indexing needs
// values at partial depths — e.g. just a scheme, when the host:port
// component of a channel pattern is itself a wildcard — which a URI-shaped
// key cannot express.
func (m *Map[V]) InsertPath(path []string, v V, failIfExists bool) error {
	return m.insertPath(path, nil, v, failIfExists)
}

func (m *Map[V]) insertPath(path []string, u *uri.URI, v V, failIfExists bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.root
	for _, part := range path {
		n = n.child(part, true)
	}

	if n.hasValue && failIfExists {
		return ErrAlreadyExists
	}
	isNew := !n.hasValue
	n.value = v
	n.hasValue = true
	if isNew && u != nil {
		m.keys = append(m.keys, *u)
	}
	return nil
}

// BestParent descends as far as u's key matches existing nodes, returning
// the value held by the deepest ancestor node (including u itself) that has
// one, along with its similarity (trie depth: 2 + matched segments). ok is
// false if no value was found anywhere along the descended path.
func (m *Map[V]) BestParent(u uri.URI) (value V, similarity int, ok bool) {
	return m.BestParentPath(keyParts(u))
}

// BestParentPath is BestParent's path-based counterpart, for use alongside
// InsertPath.
func (m *Map[V]) BestParentPath(path []string) (value V, similarity int, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.root
	depth := 0
	if n.hasValue {
		value, similarity, ok = n.value, depth, true
	}
	for _, part := range path {
		next := n.child(part, false)
		if next == nil {
			break
		}
		n = next
		depth++
		if n.hasValue {
			value, similarity, ok = n.value, depth, true
		}
	}
	return value, similarity, ok
}

// AncestorsPath returns every value held by a node along the descent for
// path, from shallowest to deepest — unlike BestParent/BestParentPath,
// which report only the single deepest one. Callers that need every
// candidate whose recorded key is an ancestor of a lookup key (not just the
// closest one) use this instead.
func (m *Map[V]) AncestorsPath(path []string) []V {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []V
	n := m.root
	if n.hasValue {
		out = append(out, n.value)
	}
	for _, part := range path {
		next := n.child(part, false)
		if next == nil {
			break
		}
		n = next
		if n.hasValue {
			out = append(out, n.value)
		}
	}
	return out
}

// Exact returns the value stored exactly at u, succeeding only when the
// descended similarity equals u.MaxSimilarity().
func (m *Map[V]) Exact(u uri.URI) (V, bool) {
	value, similarity, ok := m.BestParent(u)
	if !ok || similarity != u.MaxSimilarity() {
		var zero V
		return zero, false
	}
	return value, true
}

// Children descends to the node addressed by the non-wildcard prefix of u
// (u's segments with any trailing "*" dropped), then performs a depth-first
// walk emitting every value slot encountered in that subtree, in insertion
// order.
func (m *Map[V]) Children(u uri.URI) []V {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parts := keyParts(u)
	if len(parts) > 0 && parts[len(parts)-1] == uri.Wildcard {
		parts = parts[:len(parts)-1]
	}

	n := m.root
	for _, part := range parts {
		next := n.child(part, false)
		if next == nil {
			return nil
		}
		n = next
	}

	var out []V
	var walk func(*node[V])
	walk = func(cur *node[V]) {
		if cur.hasValue {
			out = append(out, cur.value)
		}
		for _, key := range cur.order {
			walk(cur.children[key])
		}
	}
	walk(n)
	return out
}

// Remove clears the value slot at the exact key u, if any. It does not
// prune now-empty nodes: concurrent readers may be mid-walk, and pruning is
// an optional optimization, not a correctness requirement. Remove is
// idempotent: removing twice leaves the map in the same state as removing
// once.
func (m *Map[V]) Remove(u uri.URI) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.root
	for _, part := range keyParts(u) {
		next := n.child(part, false)
		if next == nil {
			return false
		}
		n = next
	}
	if !n.hasValue {
		return false
	}
	var zero V
	n.value = zero
	n.hasValue = false
	for i, k := range m.keys {
		if k.Equal(u) {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns every URI with a live value, in insertion order.
func (m *Map[V]) Keys() []uri.URI {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uri.URI, len(m.keys))
	copy(out, m.keys)
	return out
}
