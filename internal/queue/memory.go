package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dreamdispatch/pubsub/internal/dispatchevent"
)

// MemoryQueue is the non-durable queue variant: envelopes live only in
// process memory and are lost on Stop/restart.
type MemoryQueue struct {
	cfg Config

	mu      sync.Mutex
	entries []*Envelope
	state   State
	attempt int

	recipientID string

	cancel context.CancelFunc
	done   chan struct{}

	onDead func() // optional hook, e.g. a desktop alert
}

// NewMemoryQueue creates an in-memory FIFO queue for one recipient.
func NewMemoryQueue(recipientID string, cfg Config) *MemoryQueue {
	return &MemoryQueue{cfg: cfg, recipientID: recipientID, state: StateIdle}
}

// OnDead registers a callback invoked once the queue transitions to Dead
// (e.g. notify.AlertDeadQueue).
func (q *MemoryQueue) OnDead(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDead = fn
}

func (q *MemoryQueue) Enqueue(ev *dispatchevent.Event, recipientID, recipientURL string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.cfg.MaxDepth {
		warnDropped(recipientID, len(q.entries))
		return false
	}

	q.entries = append(q.entries, &Envelope{
		Event:        ev,
		RecipientID:  recipientID,
		RecipientURL: recipientURL,
	})
	return true
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *MemoryQueue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *MemoryQueue) Start(ctx context.Context, d Deliverer) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.loop(ctx, d)
}

func (q *MemoryQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

func (q *MemoryQueue) loop(ctx context.Context, d Deliverer) {
	defer close(q.done)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx, d)
		}
	}
}

func (q *MemoryQueue) tick(ctx context.Context, d Deliverer) {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.state = StateIdle
		q.mu.Unlock()
		return
	}
	head := q.entries[0]
	if time.Now().Before(head.NextAttempt) {
		q.mu.Unlock()
		return
	}
	q.state = StateDelivering
	q.mu.Unlock()

	outcome := d.Deliver(ctx, head.RecipientURL, head.Event)

	q.mu.Lock()
	defer q.mu.Unlock()
	switch outcome {
	case OutcomeAck:
		log.Printf("%s delivered id=%s", logTag(head.RecipientID), head.Event.ID)
		q.entries = q.entries[1:]
		q.attempt = 0
		q.state = StateIdle
	case OutcomeTerminal:
		log.Printf("%s dropping id=%s: terminal failure", logTag(head.RecipientID), head.Event.ID)
		q.entries = q.entries[1:]
		q.attempt = 0
		q.state = StateIdle
	case OutcomeRetryable:
		head.Attempt++
		delay := backoff(q.cfg, head.Attempt-1)
		head.NextAttempt = time.Now().Add(delay)
		q.attempt = head.Attempt
		q.state = StateRetrying
		log.Printf("%s retrying id=%s attempt=%d in %s", logTag(head.RecipientID), head.Event.ID, head.Attempt, delay)
		if head.Attempt >= maxRetryAttemptsBeforeDead {
			q.state = StateDead
			if q.onDead != nil {
				go q.onDead()
			}
		}
	}
}

// maxRetryAttemptsBeforeDead bounds the Retrying state: after this many
// consecutive retryable failures a memory queue is considered Dead for
// alerting purposes, though it keeps retrying — only the state label
// changes.
const maxRetryAttemptsBeforeDead = 10
