package dispatcher

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/dreamdispatch/pubsub/internal/dispatchevent"
	"github.com/dreamdispatch/pubsub/internal/subscription"
	"github.com/dreamdispatch/pubsub/internal/subscriptionset"
	"github.com/dreamdispatch/pubsub/internal/uri"
)

const (
	chainMaxAttempts = 3
	chainRetryDelay  = 500 * time.Millisecond
)

// ChainConfig names the peer dispatchers to federate with on start.
type ChainConfig struct {
	Upstream   []uri.URI
	Downstream []uri.URI
}

// StartChaining performs the upstream/downstream handshakes. Each peer is
// handled independently: a failure contacting one peer is logged and
// skipped, never fatal to startup or to the other peers.
func (d *Dispatcher) StartChaining(ctx context.Context, client *http.Client, cfg ChainConfig) {
	for _, up := range cfg.Upstream {
		d.registerUpstream(ctx, client, up)
	}
	for _, down := range cfg.Downstream {
		d.registerDownstream(ctx, client, down)
	}
}

// changeChannelPattern is the subscription pattern that matches every
// dispatcher's reserved change channel: pubsub://*/*.
func changeChannelPattern() uri.URI {
	return uri.URI{
		Scheme:   dispatchevent.ReservedScheme,
		HostPort: uri.Wildcard,
		Segments: []string{uri.Wildcard},
	}
}

// chainOwner builds a stable, peer-specific owner URI for the local mirror
// set created for one chaining relationship, so multiple upstream or
// downstream peers don't collide on Register's owner-uniqueness check.
func (d *Dispatcher) chainOwner(kind string, peer uri.URI) uri.URI {
	segments := append(append([]string(nil), d.self.Segments...), "chain", kind, peer.HostPort)
	return uri.URI{Scheme: d.self.Scheme, HostPort: d.self.HostPort, Segments: segments}
}

// registerUpstream registers an empty set with peer to obtain its location
// and access key, then creates a local set subscribing pubsub://*/* with
// that location as recipient, so every future local registry change (the
// combined-set document published on the reserved channel) replays to peer
// as a PUT against its location.
func (d *Dispatcher) registerUpstream(ctx context.Context, client *http.Client, peer uri.URI) {
	emptyDoc := subscriptionset.Document{Owner: d.self.String()}
	body, err := xml.Marshal(emptyDoc)
	if err != nil {
		log.Printf("%s upstream %s: failed to marshal register document: %v", logTag, peer, err)
		return
	}

	var locationHeader string
	err = retryChain(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.String()+"/subscribers", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/xml")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		locationHeader = resp.Header.Get("Location")
		if locationHeader == "" {
			locationHeader = resp.Header.Get("Content-Location")
		}
		if locationHeader == "" {
			return fmt.Errorf("response carried no Location/Content-Location header")
		}
		return nil
	})
	if err != nil {
		log.Printf("%s upstream register to %s failed: %v", logTag, peer, err)
		return
	}

	locURL, err := url.Parse(locationHeader)
	if err != nil {
		log.Printf("%s upstream %s: unparseable Location %q: %v", logTag, peer, locationHeader, err)
		return
	}

	// The recipient keeps the access-key query from the Location header so
	// the replayed PUT authenticates against the set peer just created.
	recipientRaw := peer.String() + "/subscribers/" + path.Base(locURL.Path)
	if locURL.RawQuery != "" {
		recipientRaw += "?" + locURL.RawQuery
	}
	recipient, err := uri.Parse(recipientRaw)
	if err != nil {
		log.Printf("%s upstream %s: unusable recipient %q: %v", logTag, peer, recipientRaw, err)
		return
	}

	mirror := subscription.Subscription{
		ID:         "upstream-" + path.Base(locURL.Path),
		Channel:    changeChannelPattern(),
		Recipients: []subscription.Recipient{{URI: recipient}},
	}
	d.Register("", "", d.chainOwner("upstream", peer), 0, []subscription.Subscription{mirror})
	log.Printf("%s mirroring local registry changes to upstream %s", logTag, peer)
}

// registerDownstream fetches peer's combined set, registers its
// subscriptions locally (so this dispatcher treats downstream as a
// subscriber of everything it needs), then posts a mirror subscription
// back so downstream propagates its future combined-set changes to us.
func (d *Dispatcher) registerDownstream(ctx context.Context, client *http.Client, peer uri.URI) {
	var combinedBody []byte
	err := retryChain(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.String()+"/subscribers", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		combinedBody, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		log.Printf("%s downstream GET from %s failed: %v", logTag, peer, err)
		return
	}

	_, version, subs, err := subscriptionset.ParseDocument(combinedBody)
	if err != nil {
		log.Printf("%s downstream %s returned malformed combined set: %v", logTag, peer, err)
		return
	}
	local, _ := d.Register("", "", d.chainOwner("downstream", peer), version, subs)

	// The mirror set posted back subscribes to peer's change channel, with
	// our local copy of its combined set as the recipient: peer's future
	// combined-set documents PUT straight into that copy, keeping it
	// current.
	mirrorRecipient := fmt.Sprintf("%s/subscribers/%s?access-key=%s", d.self, local.Location, local.AccessKey)
	mirrorDoc := subscriptionset.Document{
		Owner: d.self.String(),
		Subscriptions: []subscriptionset.SubscriptionDoc{{
			ID:         "downstream-mirror",
			Channels:   []string{changeChannelPattern().String()},
			Recipients: []subscriptionset.RecipientDoc{{URI: mirrorRecipient}},
		}},
	}
	payload, err := xml.Marshal(mirrorDoc)
	if err != nil {
		log.Printf("%s downstream %s: failed to marshal mirror document: %v", logTag, peer, err)
		return
	}

	err = retryChain(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.String()+"/subscribers", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/xml")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		log.Printf("%s downstream mirror POST to %s failed: %v", logTag, peer, err)
		return
	}
	log.Printf("%s downstream chain established with %s", logTag, peer)
}

// retryChain runs fn up to chainMaxAttempts times, sleeping chainRetryDelay
// between attempts.
func retryChain(fn func() error) error {
	var err error
	for attempt := 0; attempt < chainMaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < chainMaxAttempts-1 {
			time.Sleep(chainRetryDelay)
		}
	}
	return err
}
