package notify

import (
	"runtime"
	"testing"
)

func TestNotifyDeadQueueNonWindowsReturnsError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("behavior under test is the non-Windows path")
	}
	n := NewDeadQueueNotifier("", "")
	if err := n.NotifyDeadQueue("http://sink/recipient"); err == nil {
		t.Fatal("expected error on non-Windows platform")
	}
}

func TestIsSupportedMatchesGOOS(t *testing.T) {
	n := NewDeadQueueNotifier("test-app", "http://localhost/diag")
	if n.IsSupported() != (runtime.GOOS == "windows") {
		t.Fatalf("IsSupported() = %v, want %v", n.IsSupported(), runtime.GOOS == "windows")
	}
}

func TestNewDeadQueueNotifierFillsDefaults(t *testing.T) {
	n := NewDeadQueueNotifier("", "")
	if n.appID != "dreamdispatch-pubsub" {
		t.Fatalf("appID = %q, want default", n.appID)
	}
	if n.diagnosticsURL == "" {
		t.Fatalf("diagnosticsURL should default, not be empty")
	}
}
