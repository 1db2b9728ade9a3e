package subscriptionset

import (
	"encoding/xml"
	"testing"

	"github.com/dreamdispatch/pubsub/internal/subscription"
	"github.com/dreamdispatch/pubsub/internal/uri"
)

func TestReplaceVersionMonotonicity(t *testing.T) {
	s := New("loc1", uri.MustParse("http://owner/a"), "key", 7, nil)

	if ok := s.Replace(nil, 5); ok {
		t.Fatalf("Replace with lower version should be rejected")
	}
	_, version := s.Snapshot()
	if version != 7 {
		t.Fatalf("version changed to %d after rejected replace", version)
	}

	if ok := s.Replace(nil, 8); !ok {
		t.Fatalf("Replace with higher version should succeed")
	}
	_, version = s.Snapshot()
	if version != 8 {
		t.Fatalf("version = %d, want 8", version)
	}
}

func TestReplaceEqualVersionRejected(t *testing.T) {
	s := New("loc1", uri.MustParse("http://owner/a"), "key", 7, nil)
	if ok := s.Replace(nil, 7); ok {
		t.Fatalf("Replace with equal version should be rejected (NotModified)")
	}
}

func TestAccessGrantedCaseInsensitive(t *testing.T) {
	s := New("loc1", uri.MustParse("http://owner/a"), "SeCrEt", 1, nil)
	if !s.AccessGranted("secret") {
		t.Fatalf("expected case-insensitive access key match")
	}
	if s.AccessGranted("wrong") {
		t.Fatalf("expected mismatch to be rejected")
	}
	if s.AccessGranted("") {
		t.Fatalf("empty presented key must never match")
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	res := uri.MustParse("http://res/x")
	sub := subscription.Subscription{
		ID:       "sub1",
		Channel:  uri.MustParse("http://evt/a/*"),
		Resource: &res,
		Recipients: []subscription.Recipient{
			{URI: uri.MustParse("http://r/sink"), Cookies: []subscription.Cookie{{Name: "sid", Value: "1"}}},
		},
	}
	s := New("loc1", uri.MustParse("http://owner/a"), "key", 3, []subscription.Subscription{sub})

	doc := s.Marshal()
	if doc.Version != 3 {
		t.Fatalf("doc.Version = %d, want 3", doc.Version)
	}

	owner, version, subs, err := ParseDocument(mustXML(t, doc))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if version != 3 {
		t.Fatalf("parsed version = %d, want 3", version)
	}
	if !owner.Equal(uri.MustParse("http://owner/a")) {
		t.Fatalf("owner mismatch: %v", owner)
	}
	if len(subs) != 1 || subs[0].ID != "sub1" {
		t.Fatalf("subs = %+v", subs)
	}
	if subs[0].Resource == nil || !subs[0].Resource.Equal(res) {
		t.Fatalf("resource not round-tripped: %+v", subs[0].Resource)
	}
}

func mustXML(t *testing.T, doc Document) []byte {
	t.Helper()
	data, err := xml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
