// Package dispatcher indexes every registered subscription set into a
// combined prefix map, routes published events to matching recipient
// queues, and propagates subscription-set changes to chained peers.
package dispatcher

import (
	"encoding/xml"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dreamdispatch/pubsub/internal/dispatchevent"
	"github.com/dreamdispatch/pubsub/internal/queue"
	"github.com/dreamdispatch/pubsub/internal/subscription"
	"github.com/dreamdispatch/pubsub/internal/subscriptionset"
	"github.com/dreamdispatch/pubsub/internal/uri"
)

const logTag = "[DISPATCH]"

// Sentinel errors surfaced by the registry operations, mapped to HTTP
// status codes at the pubsubservice boundary.
var (
	ErrNotFound    = errors.New("dispatcher: location not found")
	ErrForbidden   = errors.New("dispatcher: access key mismatch")
	ErrNotModified = errors.New("dispatcher: version not greater than current")
)

// Dispatcher owns the subscription-set registry, the combined channel
// index, and per-recipient queue lookup. Registry mutation is serialized by
// mu; Dispatch reads the channel index through an atomic pointer so lookups
// never block on a concurrent rebuild.
type Dispatcher struct {
	self   uri.URI
	queues *queue.Repository

	mu         sync.Mutex
	byLocation map[string]*subscriptionset.Set
	byOwner    map[string]string // owner.String() -> location

	index    atomic.Pointer[channelIndex]
	combined *subscriptionset.Set

	listenersMu sync.Mutex
	listeners   []func(subscriptionset.Document)
}

// OnChange registers fn to be called, outside the registry mutex, whenever
// the combined set is recomputed. internal/pubsubservice's diagnostics
// websocket stream uses this to push live updates to connected operators.
func (d *Dispatcher) OnChange(fn func(subscriptionset.Document)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Dispatcher) notifyChange(doc subscriptionset.Document) {
	d.listenersMu.Lock()
	listeners := append([]func(subscriptionset.Document){}, d.listeners...)
	d.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(doc)
	}
}

// New creates a Dispatcher identified by self (its own service URI, used as
// the chaining loop-breaker and the combined set's owner).
func New(self uri.URI, queues *queue.Repository) *Dispatcher {
	d := &Dispatcher{
		self:       self,
		queues:     queues,
		byLocation: make(map[string]*subscriptionset.Set),
		byOwner:    make(map[string]string),
		combined:   subscriptionset.New("", self, "", 0, nil),
	}
	d.index.Store(buildChannelIndex(nil))
	return d
}

// Register creates or looks up a subscription set. If location is already
// used, or owner already has a set under a different location, the
// existing set is returned unchanged with existed=true.
// Otherwise a new set is created, generating a location and/or access key
// when the caller didn't supply one.
func (d *Dispatcher) Register(location, accessKey string, owner uri.URI, version int64, subs []subscription.Subscription) (set *subscriptionset.Set, existed bool) {
	d.mu.Lock()

	if location != "" {
		if existing, ok := d.byLocation[location]; ok {
			d.mu.Unlock()
			return existing, true
		}
	}
	if loc, ok := d.byOwner[owner.String()]; ok {
		existing := d.byLocation[loc]
		d.mu.Unlock()
		return existing, true
	}

	if location == "" {
		location = subscriptionset.NewLocation()
		for {
			if _, taken := d.byLocation[location]; !taken {
				break
			}
			location = subscriptionset.NewLocation()
		}
	}
	if accessKey == "" {
		accessKey = subscriptionset.NewAccessKey()
	}

	set = subscriptionset.New(location, owner, accessKey, version, subs)
	d.byLocation[location] = set
	d.byOwner[owner.String()] = location
	doc := d.rebuildLocked()
	d.mu.Unlock()

	log.Printf("%s registered %s owner=%s subs=%d", logTag, location, owner, len(subs))
	d.notifyChange(doc)
	return set, false
}

// Replace overwrites the subscriptions of an existing set. Returns
// ErrNotFound for an unknown location, ErrForbidden on access-key
// mismatch, and ErrNotModified (returning the unchanged set) when version
// is not strictly greater than the set's current version.
func (d *Dispatcher) Replace(location, accessKey string, version int64, subs []subscription.Subscription) (*subscriptionset.Set, error) {
	d.mu.Lock()
	set, ok := d.byLocation[location]
	d.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !set.AccessGranted(accessKey) {
		return nil, ErrForbidden
	}
	if !set.Replace(subs, version) {
		return set, ErrNotModified
	}

	d.mu.Lock()
	doc := d.rebuildLocked()
	d.mu.Unlock()

	log.Printf("%s replaced %s subs=%d", logTag, location, len(subs))
	d.notifyChange(doc)
	return set, nil
}

// Remove drops a set. Idempotent: removing an unknown location is not an
// error. An access-key mismatch on a set that does exist is still
// rejected; every transition except the initial Register requires the key.
func (d *Dispatcher) Remove(location, accessKey string) error {
	d.mu.Lock()

	set, ok := d.byLocation[location]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	if !set.AccessGranted(accessKey) {
		d.mu.Unlock()
		return ErrForbidden
	}
	delete(d.byLocation, location)
	delete(d.byOwner, set.Owner.String())
	doc := d.rebuildLocked()
	d.mu.Unlock()

	log.Printf("%s removed %s", logTag, location)
	d.notifyChange(doc)
	return nil
}

// Get returns the set at location, if any.
func (d *Dispatcher) Get(location string) (*subscriptionset.Set, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byLocation[location]
	return s, ok
}

// GetAll returns every registered set, in no particular order.
func (d *Dispatcher) GetAll() []*subscriptionset.Set {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*subscriptionset.Set, 0, len(d.byLocation))
	for _, s := range d.byLocation {
		out = append(out, s)
	}
	return out
}

// CombinedSet returns the dispatcher-owned union of every registered set's
// subscriptions.
func (d *Dispatcher) CombinedSet() *subscriptionset.Set {
	return d.combined
}

// rebuildLocked recomputes the channel index and combined set from the
// current registry and dispatches a change event on the reserved channel,
// returning the combined document for OnChange listeners. Caller must hold
// d.mu. Copy-on-write: readers either see the old index or the new one,
// never a partially built one.
func (d *Dispatcher) rebuildLocked() subscriptionset.Document {
	var all []subscription.Subscription
	for _, s := range d.byLocation {
		subs, _ := s.Snapshot()
		all = append(all, subs...)
	}

	d.index.Store(buildChannelIndex(all))
	d.combined.Replace(all, 0)

	doc := d.combined.Marshal()
	body, err := xml.Marshal(doc)
	if err != nil {
		log.Printf("%s failed to marshal combined set for change event: %v", logTag, err)
		return doc
	}

	changeChannel := uri.URI{
		Scheme:   dispatchevent.ReservedScheme,
		HostPort: d.self.HostPort,
		Segments: []string{"changes"},
	}
	ev := dispatchevent.New(changeChannel, nil, nil, body)
	if err := d.Dispatch(ev, false); err != nil {
		log.Printf("%s failed to dispatch change event: %v", logTag, err)
	}
	return doc
}

// Dispatch routes event to every matching recipient's queue and returns
// immediately; delivery happens asynchronously on each queue's dispatch
// loop. external distinguishes events arriving from a publisher outside
// the dispatcher (which may never use the reserved pubsub scheme) from
// internally generated change events and chaining replay (which
// legitimately do).
func (d *Dispatcher) Dispatch(event *dispatchevent.Event, external bool) error {
	if external && event.Channel.Scheme == dispatchevent.ReservedScheme {
		return ErrForbidden
	}
	if event.VisitedBy(d.self) {
		log.Printf("%s dropping event %s: already visited %s (loop)", logTag, event.ID, d.self)
		return nil
	}

	stamped := event.WithVia(d.self)
	for _, rec := range d.matchRecipients(stamped.Channel, stamped.Resource) {
		perRecipient := stamped.ForRecipient(rec)
		q, err := d.queues.Get(rec.Key())
		if err != nil {
			log.Printf("%s failed to obtain queue for %s: %v", logTag, rec.Key(), err)
			continue
		}
		q.Enqueue(perRecipient, rec.Key(), rec.URI.String())
	}
	return nil
}

// matchRecipients does the index lookup for channel-prefix candidates, a
// full wildcard-aware re-check of each candidate, and deduplication by
// (recipient URI, cookie set).
func (d *Dispatcher) matchRecipients(channel uri.URI, resource *uri.URI) []subscription.Recipient {
	candidates := d.index.Load().candidates(channel)

	seen := make(map[string]subscription.Recipient)
	for _, sub := range candidates {
		if !sub.Matches(channel, resource) {
			continue
		}
		for _, r := range sub.Recipients {
			seen[r.Key()] = r
		}
	}

	out := make([]subscription.Recipient, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	return out
}
