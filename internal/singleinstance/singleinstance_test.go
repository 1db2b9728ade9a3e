package singleinstance

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireWritesLockFileWhenNoneExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatcherd.lock")
	g := New(path)

	info, err := g.Acquire("127.0.0.1:9090")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if info != nil {
		t.Fatalf("expected nil Info on fresh acquire, got %+v", info)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected lock file to exist: %v", err)
	}
}

func TestAcquireDetectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatcherd.lock")
	g := New(path)
	if _, err := g.Acquire("127.0.0.1:9090"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	g2 := New(path)
	info, err := g2.Acquire("127.0.0.1:9091")
	if err == nil {
		t.Fatal("expected error when a live instance already holds the lock")
	}
	if info == nil || info.PID != os.Getpid() {
		t.Fatalf("expected Info naming this process's own pid, got %+v", info)
	}
}

func TestAcquireRecoversFromStaleLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatcherd.lock")
	stale := []byte(`{"pid": 999999999, "addr": "127.0.0.1:9090", "started_at": "2020-01-01T00:00:00Z", "hostname": "old"}`)
	if err := os.WriteFile(path, stale, 0644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	g := New(path)
	info, err := g.Acquire("127.0.0.1:9090")
	if err != nil {
		t.Fatalf("expected stale lock to be recovered, got error: %v", err)
	}
	if info != nil {
		t.Fatalf("expected nil Info on successful takeover, got %+v", info)
	}
}

func TestReleaseRemovesLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatcherd.lock")
	g := New(path)
	if _, err := g.Acquire("127.0.0.1:9090"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected lock file to be gone after Release")
	}
}

func TestReleaseOnMissingFileIsNotAnError(t *testing.T) {
	g := New(filepath.Join(t.TempDir(), "never-created.lock"))
	if err := g.Release(); err != nil {
		t.Fatalf("Release on missing file should be a no-op, got: %v", err)
	}
}
