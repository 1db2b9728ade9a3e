package queue

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/dreamdispatch/pubsub/internal/dispatchevent"
)

// HTTPDeliverer POSTs events to recipient URLs. Its *http.Client is
// process-wide and safe for concurrent use across every recipient's queue.
type HTTPDeliverer struct {
	Client *http.Client
	// MaxRedirects caps the redirects followed before a 3xx is treated as
	// a 5xx. http.Client's default redirect policy already caps at 10;
	// this is only consulted by NewHTTPDeliverer.
	MaxRedirects int
}

// NewHTTPDeliverer builds a deliverer with the given per-request timeout
// and redirect cap.
func NewHTTPDeliverer(timeout time.Duration, maxRedirects int) *HTTPDeliverer {
	client := &http.Client{Timeout: timeout}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return http.ErrUseLastResponse
		}
		return nil
	}
	return &HTTPDeliverer{Client: client, MaxRedirects: maxRedirects}
}

// Deliver sends ev.Body to recipientURL with the headers and cookies
// attached and classifies the response. Ordinary events are POSTed; change
// notifications on the reserved pubsub scheme carry a subscription-set
// document bound for a peer's /subscribers/{location}, so those go out as
// PUT.
func (h *HTTPDeliverer) Deliver(ctx context.Context, recipientURL string, ev *dispatchevent.Event) Outcome {
	method := http.MethodPost
	if ev.Channel.Scheme == dispatchevent.ReservedScheme {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, recipientURL, bytes.NewReader(ev.Body))
	if err != nil {
		return OutcomeTerminal
	}

	req.Header.Set("X-Dream-Event-Id", ev.ID)
	req.Header.Set("X-Dream-Event-Channel", ev.Channel.String())
	for k, v := range ev.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return OutcomeRetryable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeAck
	case resp.StatusCode == http.StatusNotModified:
		// A replayed subscription-set document the peer already has. Done.
		return OutcomeAck
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return OutcomeRetryable
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// CheckRedirect already followed redirects up to MaxRedirects;
		// seeing one here means the cap was hit. Treat as 5xx.
		return OutcomeRetryable
	default:
		return OutcomeTerminal
	}
}
