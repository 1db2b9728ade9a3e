package queue

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/nats-io/nats.go"
)

// Backend selects which Queue implementation a Repository constructs.
type Backend int

const (
	// BackendMemory uses MemoryQueue when no queue-path is configured.
	BackendMemory Backend = iota
	// BackendSQLite is the default persistent backing.
	BackendSQLite
	// BackendNATS backs queues with a JetStream stream instead.
	BackendNATS
)

// Repository is the factory/lookup for per-recipient queues, deciding
// memory vs. persistent vs. NATS by configuration.
type Repository struct {
	backend Backend
	cfg     Config
	dir     string                // queue-path directory, used when backend == BackendSQLite
	js      nats.JetStreamContext // used when backend == BackendNATS
	deliver Deliverer

	mu     sync.Mutex
	queues map[string]Queue
	dbs    []*sql.DB
	ctx    context.Context

	onDead func(recipientID string)
}

// deadNotifier is implemented by queue backends that can report reaching
// StateDead (currently MemoryQueue only; SQLite/NATS queues are durable and
// keep retrying indefinitely rather than giving up).
type deadNotifier interface {
	OnDead(func())
}

// OnDead registers fn to be called, with the owning recipient's identity,
// whenever one of the repository's queues transitions to StateDead. Applies
// to queues built after this call; wire it before the first Get for full
// coverage (cmd/dispatcherd does this immediately after construction).
func (r *Repository) OnDead(fn func(recipientID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDead = fn
}

// NewRepository creates a repository. dir is the queue-path directory for
// the SQLite backend; js may be nil for backends that don't need it.
func NewRepository(ctx context.Context, backend Backend, cfg Config, dir string, js nats.JetStreamContext, deliver Deliverer) *Repository {
	return &Repository{
		backend: backend,
		cfg:     cfg,
		dir:     dir,
		js:      js,
		deliver: deliver,
		queues:  make(map[string]Queue),
		ctx:     ctx,
	}
}

// Get returns the queue for recipientID, creating and starting it on first
// use.
func (r *Repository) Get(recipientID string) (Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[recipientID]; ok {
		return q, nil
	}

	q, err := r.build(recipientID)
	if err != nil {
		return nil, err
	}
	if r.onDead != nil {
		if dn, ok := q.(deadNotifier); ok {
			dn.OnDead(func() { r.onDead(recipientID) })
		}
	}
	q.Start(r.ctx, r.deliver)
	r.queues[recipientID] = q
	return q, nil
}

func (r *Repository) build(recipientID string) (Queue, error) {
	switch r.backend {
	case BackendSQLite:
		// One store file per recipient, its URI hash in the filename, so
		// the queue-path directory is inspectable per recipient and a
		// corrupt file only affects one queue.
		db, err := sql.Open("sqlite", filepath.Join(r.dir, "queue-"+recipientToken(recipientID)+".db"))
		if err != nil {
			return nil, fmt.Errorf("queue: open store for %s: %w", recipientID, err)
		}
		q, err := NewSQLiteQueue(db, recipientID, r.cfg)
		if err != nil {
			db.Close()
			return nil, err
		}
		r.dbs = append(r.dbs, db)
		return q, nil
	case BackendNATS:
		return NewNATSQueue(r.js, recipientID, r.cfg), nil
	default:
		return NewMemoryQueue(recipientID, r.cfg), nil
	}
}

// All returns every currently-known recipient queue, keyed by recipient
// identity.
func (r *Repository) All() map[string]Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Queue, len(r.queues))
	for k, v := range r.queues {
		out[k] = v
	}
	return out
}

// Stop stops every queue the repository has created and closes their
// backing stores.
func (r *Repository) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		q.Stop()
	}
	for _, db := range r.dbs {
		db.Close()
	}
	r.dbs = nil
}
