package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dreamdispatch/pubsub/internal/dispatchevent"
)

// natsStreamName is the single JetStream stream backing every NATS-backed
// queue; subjects are namespaced per recipient so one stream can serve the
// whole repository, mirroring internal/nats/streams.go's one-stream-per-
// concern layout but collapsed to one subject wildcard.
const natsStreamName = "DISPATCH_QUEUE"

// EnsureStream creates or updates the JetStream stream backing NATSQueue
// instances. Call it once per process before constructing NATSQueue values,
// adapted from internal/nats/streams.go's createOrUpdateStream.
func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(natsStreamName)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("queue: stream info: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      natsStreamName,
		Subjects:  []string{"dispatch.queue.>"},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("queue: create stream: %w", err)
	}
	log.Printf("[QUEUE-NATS] stream %s created", natsStreamName)
	return nil
}

// recipientToken is the hashed recipient identity used both as the subject
// suffix and in the durable consumer name, which must stay free of NATS
// token separators.
func recipientToken(recipientID string) string {
	sum := sha1.Sum([]byte(recipientID))
	return hex.EncodeToString(sum[:8])
}

func recipientSubject(recipientID string) string {
	return "dispatch.queue." + recipientToken(recipientID)
}

// NATSQueue backs the durable-queue contract with a JetStream pull consumer
// on a per-recipient subject instead of a SQLite table: publishing to
// JetStream is the persist-before-attempt step, and redelivery on NAK or a
// missed ack deadline is the recover-on-restart mechanism.
type NATSQueue struct {
	cfg         Config
	js          nats.JetStreamContext
	recipientID string
	subject     string

	sub *nats.Subscription

	cancel context.CancelFunc
	done   chan struct{}
	state  chan State // last-known-state signal, read by State()
}

// NewNATSQueue creates a JetStream-backed queue for one recipient. The
// stream must already exist (see EnsureStream).
func NewNATSQueue(js nats.JetStreamContext, recipientID string, cfg Config) *NATSQueue {
	return &NATSQueue{
		cfg:         cfg,
		js:          js,
		recipientID: recipientID,
		subject:     recipientSubject(recipientID),
		state:       make(chan State, 1),
	}
}

func (q *NATSQueue) Enqueue(ev *dispatchevent.Event, recipientID, recipientURL string) bool {
	data, err := ev.Marshal()
	if err != nil {
		log.Printf("%s ERROR: marshal event: %v", logTag(recipientID), err)
		return false
	}

	msg := nats.NewMsg(q.subject)
	msg.Data = data
	msg.Header.Set("recipient-url", recipientURL)
	msg.Header.Set("attempt", "0")

	if _, err := q.js.PublishMsg(msg); err != nil {
		log.Printf("%s ERROR: publish to jetstream: %v", logTag(recipientID), err)
		return false
	}
	return true
}

func (q *NATSQueue) Len() int {
	info, err := q.js.StreamInfo(natsStreamName)
	if err != nil {
		return 0
	}
	return int(info.State.Msgs)
}

func (q *NATSQueue) State() State {
	select {
	case s := <-q.state:
		q.state <- s
		return s
	default:
		return StateIdle
	}
}

func (q *NATSQueue) setState(s State) {
	select {
	case <-q.state:
	default:
	}
	q.state <- s
}

func (q *NATSQueue) Start(ctx context.Context, d Deliverer) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	sub, err := q.js.PullSubscribe(q.subject, "queue-"+recipientToken(q.recipientID))
	if err != nil {
		log.Printf("%s ERROR: pull subscribe: %v", logTag(q.recipientID), err)
		close(q.done)
		return
	}
	q.sub = sub

	go q.loop(ctx, d)
}

func (q *NATSQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

func (q *NATSQueue) loop(ctx context.Context, d Deliverer) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := q.sub.Fetch(1, nats.MaxWait(1*time.Second))
		if err != nil {
			q.setState(StateIdle)
			continue
		}
		for _, msg := range msgs {
			q.deliverOne(ctx, d, msg)
		}
	}
}

func (q *NATSQueue) deliverOne(ctx context.Context, d Deliverer, msg *nats.Msg) {
	ev, err := dispatchevent.Parse(msg.Data)
	if err != nil {
		log.Printf("%s ERROR: corrupt jetstream message, dropping: %v", logTag(q.recipientID), err)
		msg.Ack()
		return
	}
	recipientURL := msg.Header.Get("recipient-url")

	q.setState(StateDelivering)
	outcome := d.Deliver(ctx, recipientURL, ev)

	switch outcome {
	case OutcomeAck:
		log.Printf("%s delivered id=%s", logTag(q.recipientID), ev.ID)
		msg.Ack()
		q.setState(StateIdle)
	case OutcomeTerminal:
		log.Printf("%s dropping id=%s: terminal failure", logTag(q.recipientID), ev.ID)
		msg.Ack()
		q.setState(StateIdle)
	case OutcomeRetryable:
		meta, _ := msg.Metadata()
		attempt := 1
		if meta != nil {
			attempt = int(meta.NumDelivered)
		}
		delay := backoff(q.cfg, attempt-1)
		log.Printf("%s retrying id=%s attempt=%d in %s", logTag(q.recipientID), ev.ID, attempt, delay)
		msg.NakWithDelay(delay)
		q.setState(StateRetrying)
	}
}
