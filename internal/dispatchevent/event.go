// Package dispatchevent defines the event envelope that flows through the
// dispatch subsystem: channel/resource URIs, headers, body, and the via
// list used to break chaining loops.
package dispatchevent

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamdispatch/pubsub/internal/subscription"
	"github.com/dreamdispatch/pubsub/internal/uri"
)

// ReservedScheme is the channel scheme reserved for dispatcher-internal
// change notifications; external publishers may never use it directly.
const ReservedScheme = "pubsub"

// Event is one event moving through the dispatcher: created on publish,
// cloned per recipient when cookies/proxy require per-recipient dressing,
// discarded from its queue on ack or terminal failure.
type Event struct {
	ID       string
	Channel  uri.URI
	Resource *uri.URI
	Headers  map[string]string
	Body     []byte
	Via      []string // dispatcher service URIs already traversed
}

// New creates an event with a freshly generated ID.
func New(channel uri.URI, resource *uri.URI, headers map[string]string, body []byte) *Event {
	return &Event{
		ID:       uuid.New().String(),
		Channel:  channel,
		Resource: resource,
		Headers:  headers,
		Body:     body,
	}
}

// VisitedBy reports whether self (a dispatcher's own service URI) already
// appears in Via, the chaining loop breaker.
func (e *Event) VisitedBy(self uri.URI) bool {
	for _, v := range e.Via {
		if v == self.String() {
			return true
		}
	}
	return false
}

// WithVia returns a shallow copy of e with self appended to Via, for
// forwarding to a chained peer.
func (e *Event) WithVia(self uri.URI) *Event {
	clone := *e
	clone.Via = append(append([]string(nil), e.Via...), self.String())
	return &clone
}

// ForRecipient clones the event, dressing it with a recipient's cookies as
// outbound headers. ForRecipient always returns a clone, even for a bare
// recipient, to keep queue entries independently mutable.
func (e *Event) ForRecipient(r subscription.Recipient) *Event {
	clone := *e
	clone.Headers = make(map[string]string, len(e.Headers)+len(r.Cookies))
	for k, v := range e.Headers {
		clone.Headers[k] = v
	}
	for _, c := range r.Cookies {
		clone.Headers["Cookie-"+c.Name] = c.Value
	}
	return &clone
}

// The XML shapes below implement the event envelope wire format: an event
// root with id/channel/resource attributes, via children, and arbitrary
// payload children.

type envelopeDoc struct {
	XMLName  xml.Name `xml:"event"`
	ID       string   `xml:"id,attr"`
	Channel  string   `xml:"channel,attr"`
	Resource string   `xml:"resource,attr,omitempty"`
	Via      []string `xml:"via"`
	Body     []byte   `xml:",innerxml"`
}

// Marshal renders the event as an XML envelope document.
func (e *Event) Marshal() ([]byte, error) {
	doc := envelopeDoc{
		ID:      e.ID,
		Channel: e.Channel.String(),
		Via:     e.Via,
		Body:    e.Body,
	}
	if e.Resource != nil {
		doc.Resource = e.Resource.String()
	}
	return xml.Marshal(doc)
}

// Parse decodes an XML envelope document into an Event. The channel
// attribute is required; an event whose channel scheme is ReservedScheme is
// not rejected here — that check belongs to the dispatcher, which knows
// whether the caller is an external publisher or a chained peer.
//
// Parse walks tokens rather than unmarshalling with an innerxml field: via
// children belong to the envelope, not the payload, and must not end up in
// Body or they would double on every marshal/parse round trip through a
// persistent queue.
func Parse(data []byte) (*Event, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var root xml.StartElement
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("dispatchevent: malformed envelope: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			root = se
			break
		}
	}
	if root.Name.Local != "event" {
		return nil, fmt.Errorf("dispatchevent: unexpected root element %q", root.Name.Local)
	}

	ev := &Event{}
	var rawResource string
	for _, attr := range root.Attr {
		switch attr.Name.Local {
		case "id":
			ev.ID = attr.Value
		case "channel":
			channel, err := uri.Parse(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("dispatchevent: malformed channel: %w", err)
			}
			ev.Channel = channel
		case "resource":
			rawResource = attr.Value
		}
	}
	if ev.Channel.Scheme == "" && ev.Channel.HostPort == "" && len(ev.Channel.Segments) == 0 {
		return nil, fmt.Errorf("dispatchevent: envelope missing required channel attribute")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if rawResource != "" {
		res, err := uri.Parse(rawResource)
		if err != nil {
			return nil, fmt.Errorf("dispatchevent: malformed resource: %w", err)
		}
		ev.Resource = &res
	}

	var body bytes.Buffer
	enc := xml.NewEncoder(&body)
	depth := 0
loop:
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("dispatchevent: malformed envelope: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 && t.Name.Local == "via" {
				var v string
				if err := dec.DecodeElement(&v, &t); err != nil {
					return nil, fmt.Errorf("dispatchevent: malformed via element: %w", err)
				}
				ev.Via = append(ev.Via, v)
				continue
			}
			depth++
			if err := enc.EncodeToken(t); err != nil {
				return nil, fmt.Errorf("dispatchevent: malformed envelope: %w", err)
			}
		case xml.EndElement:
			if depth == 0 {
				break loop // closing </event>
			}
			depth--
			if err := enc.EncodeToken(t); err != nil {
				return nil, fmt.Errorf("dispatchevent: malformed envelope: %w", err)
			}
		default:
			if err := enc.EncodeToken(tok); err != nil {
				return nil, fmt.Errorf("dispatchevent: malformed envelope: %w", err)
			}
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("dispatchevent: malformed envelope: %w", err)
	}
	ev.Body = bytes.TrimSpace(body.Bytes())
	return ev, nil
}
