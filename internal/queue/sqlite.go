package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dreamdispatch/pubsub/internal/dispatchevent"
)

// SQLiteQueue is the default durable-queue backing: envelopes are
// serialized to a SQLite table before the first delivery attempt and
// removed only on ack or terminal-drop, so a restart recovers anything
// still pending. Rows are keyed per recipient and ordered FIFO by
// insertion sequence.
type SQLiteQueue struct {
	cfg         Config
	db          *sql.DB
	recipientID string

	mu      sync.Mutex
	state   State
	attempt int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSQLiteQueue opens (and migrates) the envelope table in db for one
// recipient. The repository opens one store file per recipient under
// queue-path; sharing one *sql.DB across recipients also works, rows are
// keyed by recipient_id.
func NewSQLiteQueue(db *sql.DB, recipientID string, cfg Config) (*SQLiteQueue, error) {
	q := &SQLiteQueue{cfg: cfg, db: db, recipientID: recipientID, state: StateIdle}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("queue: init schema: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dispatch_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient_id TEXT NOT NULL,
		recipient_url TEXT NOT NULL,
		event_xml BLOB NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		next_attempt TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatch_queue_recipient ON dispatch_queue(recipient_id, seq);
	`
	_, err := q.db.Exec(schema)
	return err
}

func (q *SQLiteQueue) Enqueue(ev *dispatchevent.Event, recipientID, recipientURL string) bool {
	count := q.count(recipientID)
	if count >= q.cfg.MaxDepth {
		warnDropped(recipientID, count)
		return false
	}

	data, err := ev.Marshal()
	if err != nil {
		log.Printf("%s ERROR: failed to marshal event for persistence: %v", logTag(recipientID), err)
		return false
	}

	_, err = q.db.Exec(
		`INSERT INTO dispatch_queue (recipient_id, recipient_url, event_xml, attempt, next_attempt, created_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		recipientID, recipientURL, data, time.Now(), time.Now(),
	)
	if err != nil {
		log.Printf("%s ERROR: failed to persist envelope: %v", logTag(recipientID), err)
		return false
	}
	return true
}

func (q *SQLiteQueue) count(recipientID string) int {
	var n int
	row := q.db.QueryRow(`SELECT COUNT(*) FROM dispatch_queue WHERE recipient_id = ?`, recipientID)
	if err := row.Scan(&n); err != nil {
		return 0
	}
	return n
}

func (q *SQLiteQueue) Len() int {
	return q.count(q.recipientID)
}

func (q *SQLiteQueue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Start recovers any envelopes persisted before a prior process stopped
// (they are simply still rows in the table) and begins the dispatch loop.
func (q *SQLiteQueue) Start(ctx context.Context, d Deliverer) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	if n := q.count(q.recipientID); n > 0 {
		log.Printf("%s recovered %d persisted envelope(s) on start", logTag(q.recipientID), n)
	}

	go q.loop(ctx, d)
}

func (q *SQLiteQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

type persistedEnvelope struct {
	seq          int64
	recipientURL string
	eventXML     []byte
	attempt      int
	nextAttempt  time.Time
}

func (q *SQLiteQueue) head() (*persistedEnvelope, error) {
	row := q.db.QueryRow(
		`SELECT seq, recipient_url, event_xml, attempt, next_attempt
		 FROM dispatch_queue WHERE recipient_id = ? ORDER BY seq ASC LIMIT 1`,
		q.recipientID,
	)
	var e persistedEnvelope
	if err := row.Scan(&e.seq, &e.recipientURL, &e.eventXML, &e.attempt, &e.nextAttempt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (q *SQLiteQueue) loop(ctx context.Context, d Deliverer) {
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

func (q *SQLiteQueue) tick(ctx context.Context, d Deliverer) {
	entry, err := q.head()
	if err != nil {
		log.Printf("%s ERROR: reading head: %v", logTag(q.recipientID), err)
		return
	}
	if entry == nil {
		q.setState(StateIdle)
		return
	}
	if time.Now().Before(entry.nextAttempt) {
		return
	}

	ev, err := dispatchevent.Parse(entry.eventXML)
	if err != nil {
		log.Printf("%s ERROR: corrupt persisted envelope seq=%d, dropping: %v", logTag(q.recipientID), entry.seq, err)
		q.remove(entry.seq)
		return
	}

	q.setState(StateDelivering)
	outcome := d.Deliver(ctx, entry.recipientURL, ev)

	switch outcome {
	case OutcomeAck:
		log.Printf("%s delivered id=%s", logTag(q.recipientID), ev.ID)
		q.remove(entry.seq)
		q.setState(StateIdle)
	case OutcomeTerminal:
		log.Printf("%s dropping id=%s: terminal failure", logTag(q.recipientID), ev.ID)
		q.remove(entry.seq)
		q.setState(StateIdle)
	case OutcomeRetryable:
		attempt := entry.attempt + 1
		delay := backoff(q.cfg, attempt-1)
		_, err := q.db.Exec(
			`UPDATE dispatch_queue SET attempt = ?, next_attempt = ? WHERE seq = ?`,
			attempt, time.Now().Add(delay), entry.seq,
		)
		if err != nil {
			log.Printf("%s ERROR: updating retry state: %v", logTag(q.recipientID), err)
		}
		q.setState(StateRetrying)
		log.Printf("%s retrying id=%s attempt=%d in %s", logTag(q.recipientID), ev.ID, attempt, delay)
	}
}

func (q *SQLiteQueue) remove(seq int64) {
	if _, err := q.db.Exec(`DELETE FROM dispatch_queue WHERE seq = ?`, seq); err != nil {
		log.Printf("%s ERROR: removing delivered envelope: %v", logTag(q.recipientID), err)
	}
}

func (q *SQLiteQueue) setState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}
