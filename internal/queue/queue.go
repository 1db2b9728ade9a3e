// Package queue implements the per-recipient dispatch queue: a FIFO of
// pending events with retry/backoff, backed by memory, SQLite, or NATS
// JetStream, plus the repository that looks queues up by recipient
// identity.
package queue

import (
	"context"
	"log"
	"time"

	"github.com/dreamdispatch/pubsub/internal/dispatchevent"
)

// State is a queue's current delivery state.
type State int

const (
	StateIdle State = iota
	StateDelivering
	StateRetrying
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDelivering:
		return "delivering"
	case StateRetrying:
		return "retrying"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Outcome classifies the result of one delivery attempt, decided by the
// deliverer from an HTTP status code or transport error.
type Outcome int

const (
	OutcomeAck        Outcome = iota // 2xx
	OutcomeRetryable                 // 408, 5xx, connect failure
	OutcomeTerminal                  // 4xx other than 408
)

// Deliverer performs one outbound delivery attempt and classifies its
// result. Implementations must be safe for concurrent use: the dispatcher's
// outbound HTTP client is shared process-wide.
type Deliverer interface {
	Deliver(ctx context.Context, recipientURL string, ev *dispatchevent.Event) Outcome
}

// Envelope is one queued event bound for one recipient.
type Envelope struct {
	Event        *dispatchevent.Event
	RecipientID  string // recipient URI (+ cookie set) identity, for logging
	RecipientURL string
	Attempt      int
	NextAttempt  time.Time
}

// Config tunes retry/backoff and backpressure behavior.
type Config struct {
	// InitialRetryDelay is the backoff after the first retryable failure.
	// Defaults to 60s (the failed-dispatch-retry config default).
	InitialRetryDelay time.Duration
	// MaxRetryDelay caps the doubling backoff.
	MaxRetryDelay time.Duration
	// MaxDepth is the backpressure limit: enqueues beyond it are dropped
	// with a warning so one stuck recipient cannot pin the whole process.
	MaxDepth int
}

// DefaultConfig returns the retry/backoff defaults.
func DefaultConfig() Config {
	return Config{
		InitialRetryDelay: 60 * time.Second,
		MaxRetryDelay:     30 * time.Minute,
		MaxDepth:          10000,
	}
}

// Queue is the capability set every backing implementation provides:
// enqueue, a single-consumer dispatch loop, stop, and (for durable
// variants) recovery of envelopes queued before a restart.
type Queue interface {
	// Enqueue appends ev for recipientURL. Returns false if the queue is
	// at its backpressure limit; the caller should log and continue,
	// never blocking other recipients' queues.
	Enqueue(ev *dispatchevent.Event, recipientID, recipientURL string) bool
	// Start begins the dispatch loop, delivering via d until ctx is
	// canceled or Stop is called. Durable implementations recover any
	// envelopes persisted before the process last stopped before
	// entering the loop.
	Start(ctx context.Context, d Deliverer)
	// Stop halts the dispatch loop without draining. In-flight events may
	// be lost unless the queue is a durable variant.
	Stop()
	State() State
	Len() int
}

func logTag(recipientID string) string {
	return "[QUEUE " + recipientID + "]"
}

func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.InitialRetryDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > cfg.MaxRetryDelay {
			return cfg.MaxRetryDelay
		}
	}
	return d
}

func warnDropped(recipientID string, depth int) {
	log.Printf("%s WARNING: dropping enqueue, backpressure limit reached (depth=%d)", logTag(recipientID), depth)
}
