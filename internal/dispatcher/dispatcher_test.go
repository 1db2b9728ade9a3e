package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dreamdispatch/pubsub/internal/dispatchevent"
	"github.com/dreamdispatch/pubsub/internal/queue"
	"github.com/dreamdispatch/pubsub/internal/subscription"
	"github.com/dreamdispatch/pubsub/internal/uri"
)

// recordingDeliverer is a queue.Deliverer test double that records every
// event ID it was asked to deliver and always acks.
type recordingDeliverer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingDeliverer) Deliver(ctx context.Context, recipientURL string, ev *dispatchevent.Event) queue.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ev.ID)
	return queue.OutcomeAck
}

func (r *recordingDeliverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func newTestDispatcher(t *testing.T, d *recordingDeliverer) *Dispatcher {
	t.Helper()
	cfg := queue.Config{InitialRetryDelay: 10 * time.Millisecond, MaxRetryDelay: 50 * time.Millisecond, MaxDepth: 100}
	repo := queue.NewRepository(context.Background(), queue.BackendMemory, cfg, "", nil, d)
	return New(uri.MustParse("http://dispatcher.local/pubsub"), repo)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

func TestRegisterAndPublishDelivers(t *testing.T) {
	d := &recordingDeliverer{}
	disp := newTestDispatcher(t, d)

	sub := subscription.Subscription{
		ID:         "s1",
		Channel:    uri.MustParse("http://evt/a/*"),
		Recipients: []subscription.Recipient{{URI: uri.MustParse("http://r/sink")}},
	}
	set, existed := disp.Register("", "", uri.MustParse("http://owner/1"), 0, []subscription.Subscription{sub})
	if existed {
		t.Fatalf("first register should not report existed")
	}
	if set.Location == "" || set.AccessKey == "" {
		t.Fatalf("expected generated location and access key")
	}

	ev := dispatchevent.New(uri.MustParse("http://evt/a/b/1"), nil, nil, nil)
	ev.ID = "E1"
	if err := disp.Dispatch(ev, true); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitUntil(t, func() bool { return d.count() >= 1 })
}

func TestReservedSchemeRejectedFromExternalPublisher(t *testing.T) {
	d := &recordingDeliverer{}
	disp := newTestDispatcher(t, d)

	sub := subscription.Subscription{
		ID:         "s1",
		Channel:    uri.MustParse("http://evt/*"),
		Recipients: []subscription.Recipient{{URI: uri.MustParse("http://r/sink")}},
	}
	disp.Register("", "", uri.MustParse("http://owner/1"), 0, []subscription.Subscription{sub})

	ev := dispatchevent.New(uri.MustParse("pubsub://x/y"), nil, nil, nil)
	if err := disp.Dispatch(ev, true); err != ErrForbidden {
		t.Fatalf("Dispatch = %v, want ErrForbidden", err)
	}

	time.Sleep(50 * time.Millisecond)
	if d.count() != 0 {
		t.Fatalf("expected no deliveries for a rejected event, got %d", d.count())
	}
}

func TestOwnerCollisionCollapsesToOneSet(t *testing.T) {
	d := &recordingDeliverer{}
	disp := newTestDispatcher(t, d)

	owner := uri.MustParse("http://owner/1")
	first, existed1 := disp.Register("", "", owner, 0, nil)
	if existed1 {
		t.Fatalf("first register should not report existed")
	}
	second, existed2 := disp.Register("", "", owner, 0, nil)
	if !existed2 {
		t.Fatalf("second register with same owner should report existed")
	}
	if second.Location != first.Location {
		t.Fatalf("owner collision should collapse to one set: %s != %s", second.Location, first.Location)
	}
}

func TestReplaceVersionMonotonicity(t *testing.T) {
	d := &recordingDeliverer{}
	disp := newTestDispatcher(t, d)

	set, _ := disp.Register("", "secret", uri.MustParse("http://owner/1"), 7, nil)

	if _, err := disp.Replace(set.Location, "secret", 5, nil); err != ErrNotModified {
		t.Fatalf("Replace with lower version = %v, want ErrNotModified", err)
	}
	if _, version := set.Snapshot(); version != 7 {
		t.Fatalf("version changed despite NotModified: %d", version)
	}

	if _, err := disp.Replace(set.Location, "secret", 8, nil); err != nil {
		t.Fatalf("Replace with higher version: %v", err)
	}
	if _, version := set.Snapshot(); version != 8 {
		t.Fatalf("version = %d, want 8", version)
	}
}

func TestReplaceForbiddenOnAccessKeyMismatch(t *testing.T) {
	d := &recordingDeliverer{}
	disp := newTestDispatcher(t, d)

	set, _ := disp.Register("", "secret", uri.MustParse("http://owner/1"), 0, nil)
	if _, err := disp.Replace(set.Location, "wrong", 1, nil); err != ErrForbidden {
		t.Fatalf("Replace with wrong key = %v, want ErrForbidden", err)
	}
}

func TestReplaceNotFound(t *testing.T) {
	d := &recordingDeliverer{}
	disp := newTestDispatcher(t, d)

	if _, err := disp.Replace("nonexistent", "k", 1, nil); err != ErrNotFound {
		t.Fatalf("Replace unknown location = %v, want ErrNotFound", err)
	}
}

func TestDispatchDedupesOverlappingSubscriptions(t *testing.T) {
	d := &recordingDeliverer{}
	disp := newTestDispatcher(t, d)

	recipient := subscription.Recipient{URI: uri.MustParse("http://r/sink")}
	subs := []subscription.Subscription{
		{ID: "broad", Channel: uri.MustParse("http://evt/*"), Recipients: []subscription.Recipient{recipient}},
		{ID: "narrow", Channel: uri.MustParse("http://evt/a/*"), Recipients: []subscription.Recipient{recipient}},
	}
	disp.Register("", "", uri.MustParse("http://owner/1"), 0, subs)

	ev := dispatchevent.New(uri.MustParse("http://evt/a/b"), nil, nil, nil)
	ev.ID = "E1"
	if err := disp.Dispatch(ev, true); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitUntil(t, func() bool { return d.count() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := d.count(); got != 1 {
		t.Fatalf("expected exactly one delivery (deduped across overlapping subscriptions), got %d", got)
	}
}

func TestDispatchBroadAndNarrowPrefixesBothCandidates(t *testing.T) {
	d := &recordingDeliverer{}
	disp := newTestDispatcher(t, d)

	broadRecipient := subscription.Recipient{URI: uri.MustParse("http://r/broad")}
	narrowRecipient := subscription.Recipient{URI: uri.MustParse("http://r/narrow")}
	subs := []subscription.Subscription{
		{ID: "broad", Channel: uri.MustParse("http://evt/*"), Recipients: []subscription.Recipient{broadRecipient}},
		{ID: "narrow", Channel: uri.MustParse("http://evt/a/*"), Recipients: []subscription.Recipient{narrowRecipient}},
	}
	disp.Register("", "", uri.MustParse("http://owner/1"), 0, subs)

	ev := dispatchevent.New(uri.MustParse("http://evt/a/b"), nil, nil, nil)
	if err := disp.Dispatch(ev, true); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitUntil(t, func() bool { return d.count() >= 2 })
}
