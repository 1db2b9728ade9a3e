package prefixmap

import (
	"testing"

	"github.com/dreamdispatch/pubsub/internal/uri"
)

func TestInsertExactRoundTrip(t *testing.T) {
	m := New[string]()
	u := uri.MustParse("http://host/a/b/c")

	if err := m.Insert(u, "v1", false); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok := m.Exact(u)
	if !ok || got != "v1" {
		t.Fatalf("Exact = (%q, %v), want (v1, true)", got, ok)
	}

	value, sim, ok := m.BestParent(u)
	if !ok || value != "v1" || sim != u.MaxSimilarity() {
		t.Fatalf("BestParent = (%q, %d, %v), want (v1, %d, true)", value, sim, ok, u.MaxSimilarity())
	}
}

func TestInsertFailIfExists(t *testing.T) {
	m := New[string]()
	u := uri.MustParse("http://host/a")

	if err := m.Insert(u, "v1", true); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := m.Insert(u, "v2", true); err != ErrAlreadyExists {
		t.Fatalf("second insert err = %v, want ErrAlreadyExists", err)
	}
	if err := m.Insert(u, "v2", false); err != nil {
		t.Fatalf("overwrite insert: %v", err)
	}
	got, _ := m.Exact(u)
	if got != "v2" {
		t.Fatalf("Exact = %q, want v2 after overwrite", got)
	}
}

func TestBestParentFallsBackToAncestor(t *testing.T) {
	m := New[string]()
	parent := uri.MustParse("http://host/a")
	child := uri.MustParse("http://host/a/b/c")

	if err := m.Insert(parent, "parent-value", false); err != nil {
		t.Fatal(err)
	}

	value, sim, ok := m.BestParent(child)
	if !ok || value != "parent-value" {
		t.Fatalf("BestParent = (%q, %v)", value, ok)
	}
	if sim != parent.MaxSimilarity() {
		t.Fatalf("similarity = %d, want %d", sim, parent.MaxSimilarity())
	}

	if _, ok := m.Exact(child); ok {
		t.Fatalf("Exact(child) should fail, no value at that exact key")
	}
}

func TestBestParentNoMatch(t *testing.T) {
	m := New[string]()
	if err := m.Insert(uri.MustParse("http://host/a"), "v", false); err != nil {
		t.Fatal(err)
	}
	_, _, ok := m.BestParent(uri.MustParse("https://other/x"))
	if ok {
		t.Fatalf("expected no match across scheme/host mismatch")
	}
}

func TestChildrenEnumeratesSubtree(t *testing.T) {
	m := New[string]()
	base := "http://host/evt/a"
	if err := m.Insert(uri.MustParse(base+"/1"), "one", false); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(uri.MustParse(base+"/2"), "two", false); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(uri.MustParse("http://host/evt/other"), "other", false); err != nil {
		t.Fatal(err)
	}

	got := m.Children(uri.MustParse(base + "/*"))
	if len(got) != 2 {
		t.Fatalf("Children = %v, want 2 values", got)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	m := New[string]()
	u := uri.MustParse("http://host/a")
	if err := m.Insert(u, "v", false); err != nil {
		t.Fatal(err)
	}

	if !m.Remove(u) {
		t.Fatalf("first Remove should report removal")
	}
	if m.Remove(u) {
		t.Fatalf("second Remove should report no-op")
	}
	if _, ok := m.Exact(u); ok {
		t.Fatalf("value should be gone after Remove")
	}
}

func TestAncestorsPathCollectsEveryDepth(t *testing.T) {
	m := New[string]()
	if err := m.InsertPath([]string{"http", "host"}, "scheme-host", false); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertPath([]string{"http", "host", "a"}, "a", false); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertPath([]string{"http", "host", "a", "b"}, "a-b", false); err != nil {
		t.Fatal(err)
	}

	got := m.AncestorsPath([]string{"http", "host", "a", "b", "c"})
	want := []string{"scheme-host", "a", "a-b"}
	if len(got) != len(want) {
		t.Fatalf("AncestorsPath = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("AncestorsPath = %v, want %v", got, want)
		}
	}
}

func TestAncestorsPathStopsAtMissingNode(t *testing.T) {
	m := New[string]()
	if err := m.InsertPath([]string{"http", "host"}, "v", false); err != nil {
		t.Fatal(err)
	}
	got := m.AncestorsPath([]string{"http", "other", "x"})
	if len(got) != 0 {
		t.Fatalf("AncestorsPath = %v, want none (descent breaks at \"other\")", got)
	}
}

func TestInsertCaseInsensitiveSegments(t *testing.T) {
	m := New[string]()
	if err := m.Insert(uri.MustParse("HTTP://HOST/A/B"), "v", false); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Exact(uri.MustParse("http://host/a/b")); !ok {
		t.Fatalf("expected case-insensitive exact match")
	}
}
