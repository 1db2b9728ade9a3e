package dispatcher

import (
	"testing"

	"github.com/dreamdispatch/pubsub/internal/subscription"
	"github.com/dreamdispatch/pubsub/internal/uri"
)

func TestChannelIndexCollectsAllMatchingAncestorDepths(t *testing.T) {
	broad := subscription.Subscription{ID: "broad", Channel: uri.MustParse("http://evt/*")}
	narrow := subscription.Subscription{ID: "narrow", Channel: uri.MustParse("http://evt/a/*")}

	idx := buildChannelIndex([]subscription.Subscription{broad, narrow})

	got := idx.candidates(uri.MustParse("http://evt/a/b"))
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2 (both the broad and narrow prefix buckets)", len(got))
	}

	ids := map[string]bool{}
	for _, s := range got {
		ids[s.ID] = true
	}
	if !ids["broad"] || !ids["narrow"] {
		t.Fatalf("candidates = %v, want both broad and narrow", got)
	}
}

func TestChannelIndexNoMatchReturnsNil(t *testing.T) {
	idx := buildChannelIndex([]subscription.Subscription{
		{ID: "a", Channel: uri.MustParse("http://evt/a/*")},
	})
	got := idx.candidates(uri.MustParse("http://other/x"))
	if len(got) != 0 {
		t.Fatalf("candidates = %v, want none", got)
	}
}

func TestNonWildcardPrefixStopsAtFirstWildcard(t *testing.T) {
	cases := []struct {
		channel string
		want    []string
	}{
		{"http://evt/a/b", []string{"http", "evt", "a", "b"}},
		{"http://evt/a/*", []string{"http", "evt", "a"}},
		{"http://*/a", []string{"http"}},
		{"*://evt/a", nil},
	}
	for _, c := range cases {
		got := nonWildcardPrefix(uri.MustParse(c.channel))
		if len(got) != len(c.want) {
			t.Fatalf("nonWildcardPrefix(%q) = %v, want %v", c.channel, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("nonWildcardPrefix(%q) = %v, want %v", c.channel, got, c.want)
			}
		}
	}
}
