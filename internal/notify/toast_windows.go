//go:build windows

// Package notify raises a desktop alert when a recipient queue dies, for
// operators running dispatcherd as a local foreground process. Windows
// only; other platforms get an error back instead of a toast.
package notify

import (
	"fmt"

	"github.com/go-toast/toast"
)

// DeadQueueNotifier raises a Windows toast when a recipient's dispatch queue
// gives up on retrying (queue.StateDead).
type DeadQueueNotifier struct {
	appID          string
	diagnosticsURL string
}

// NewDeadQueueNotifier creates a notifier. diagnosticsURL is opened when the
// toast's action is clicked; pass the dispatcher's own diagnostics endpoint.
func NewDeadQueueNotifier(appID, diagnosticsURL string) *DeadQueueNotifier {
	if appID == "" {
		appID = "dreamdispatch-pubsub"
	}
	if diagnosticsURL == "" {
		diagnosticsURL = "http://localhost:8080/diagnostics/subscriptions"
	}
	return &DeadQueueNotifier{appID: appID, diagnosticsURL: diagnosticsURL}
}

// IsSupported reports whether toast notifications can be shown on this
// platform.
func (n *DeadQueueNotifier) IsSupported() bool {
	return true
}

// NotifyDeadQueue shows a toast naming recipientID, the queue that gave up.
// Returns an error on non-Windows platforms rather than silently
// swallowing the call.
func (n *DeadQueueNotifier) NotifyDeadQueue(recipientID string) error {
	notification := toast.Notification{
		AppID:   n.appID,
		Title:   "Dispatch queue dead",
		Message: fmt.Sprintf("Recipient %s exhausted its retry budget and is no longer being delivered to.", recipientID),
		Audio:   toast.Default,
		Actions: []toast.Action{
			{
				Type:      "protocol",
				Label:     "Open Diagnostics",
				Arguments: n.diagnosticsURL,
			},
		},
	}
	return notification.Push()
}
