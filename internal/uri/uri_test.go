package uri

import "testing"

func TestParseCanonicalizesCase(t *testing.T) {
	u, err := Parse("HTTP://Example.COM:8080/A/B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Scheme != "http" {
		t.Errorf("scheme = %q, want http", u.Scheme)
	}
	if u.HostPort != "example.com:8080" {
		t.Errorf("hostport = %q, want example.com:8080", u.HostPort)
	}
	if len(u.Segments) != 2 || u.Segments[0] != "A" || u.Segments[1] != "B" {
		t.Errorf("segments = %v, want [A B]", u.Segments)
	}
}

func TestMaxSimilarity(t *testing.T) {
	u := MustParse("http://host/a/b/c")
	if got := u.MaxSimilarity(); got != 5 {
		t.Errorf("MaxSimilarity = %d, want 5", got)
	}
}

func TestSimilarityStopsAtFirstMismatch(t *testing.T) {
	a := MustParse("http://host/a/b/c")
	b := MustParse("http://host/a/x/c")

	if got := a.Similarity(b); got != 3 {
		t.Errorf("Similarity = %d, want 3 (scheme+host+a)", got)
	}
}

func TestSimilaritySchemeMismatch(t *testing.T) {
	a := MustParse("http://host/a")
	b := MustParse("https://host/a")

	if got := a.Similarity(b); got != 0 {
		t.Errorf("Similarity = %d, want 0", got)
	}
}

func TestSimilaritySelfIsMax(t *testing.T) {
	u := MustParse("http://host/a/b")
	if got := u.Similarity(u); got != u.MaxSimilarity() {
		t.Errorf("self similarity = %d, want %d", got, u.MaxSimilarity())
	}
}

func TestParseWildcardScheme(t *testing.T) {
	u, err := Parse("*://*/a")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Scheme != Wildcard {
		t.Errorf("scheme = %q, want %q", u.Scheme, Wildcard)
	}
	if u.HostPort != Wildcard {
		t.Errorf("hostport = %q, want %q", u.HostPort, Wildcard)
	}
	if u.String() != "*://*/a" {
		t.Errorf("String = %q, want original form back", u.String())
	}
}

func TestRoundTripString(t *testing.T) {
	raw := "http://host:80/a/b?x=1&x=2"
	u := MustParse(raw)
	again := MustParse(u.String())
	if !u.Equal(again) {
		t.Errorf("round trip mismatch: %q vs %q", u.String(), again.String())
	}
}
