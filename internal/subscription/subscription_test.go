package subscription

import (
	"testing"

	"github.com/dreamdispatch/pubsub/internal/uri"
)

func sub(channel string, resource string) Subscription {
	s := Subscription{Channel: uri.MustParse(channel)}
	if resource != "" {
		r := uri.MustParse(resource)
		s.Resource = &r
	}
	return s
}

func TestTrailingWildcardMatchesDescendants(t *testing.T) {
	s := sub("http://evt/a/*", "")
	if !s.Matches(uri.MustParse("http://evt/a/b/1"), nil) {
		t.Fatalf("expected trailing wildcard to match descendant")
	}
	if !s.Matches(uri.MustParse("http://evt/a"), nil) {
		t.Fatalf("trailing wildcard should also match zero further segments")
	}
}

func TestWildcardComponent(t *testing.T) {
	s := sub("*://*/a", "")
	if !s.Matches(uri.MustParse("https://anyhost/a"), nil) {
		t.Fatalf("expected scheme+host wildcard match")
	}
	if s.Matches(uri.MustParse("https://anyhost/b"), nil) {
		t.Fatalf("segment b should not match literal segment a")
	}
}

func TestNonTrailingWildcardSegment(t *testing.T) {
	s := sub("http://evt/*/b", "")
	if !s.Matches(uri.MustParse("http://evt/anything/b"), nil) {
		t.Fatalf("expected middle wildcard segment to match")
	}
	if s.Matches(uri.MustParse("http://evt/anything/c"), nil) {
		t.Fatalf("trailing literal mismatch should fail")
	}
}

func TestResourceFilterRequiredWhenPresent(t *testing.T) {
	s := sub("http://evt/a", "http://res/x")
	if s.Matches(uri.MustParse("http://evt/a"), nil) {
		t.Fatalf("resource filter present but no resource given should not match")
	}
	if !s.Matches(uri.MustParse("http://evt/a"), ref(uri.MustParse("http://res/x"))) {
		t.Fatalf("expected resource match to succeed")
	}
	if s.Matches(uri.MustParse("http://evt/a"), ref(uri.MustParse("http://res/y"))) {
		t.Fatalf("mismatched resource should not match")
	}
}

func TestRecipientKeyDedup(t *testing.T) {
	a := Recipient{URI: uri.MustParse("http://r/sink"), Cookies: []Cookie{{Name: "sid", Value: "1"}}}
	b := Recipient{URI: uri.MustParse("http://r/sink"), Cookies: []Cookie{{Name: "sid", Value: "1"}}}
	c := Recipient{URI: uri.MustParse("http://r/sink"), Cookies: []Cookie{{Name: "sid", Value: "2"}}}

	if a.Key() != b.Key() {
		t.Fatalf("identical recipients should collapse to the same key")
	}
	if a.Key() == c.Key() {
		t.Fatalf("differing cookies should produce different keys")
	}
}

func ref(u uri.URI) *uri.URI { return &u }
