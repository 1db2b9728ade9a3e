package subscriptionset

import (
	"encoding/xml"
	"fmt"

	"github.com/dreamdispatch/pubsub/internal/subscription"
	"github.com/dreamdispatch/pubsub/internal/uri"
)

// The XML document shapes below are the subscription-set wire format
// exchanged on /subscribers, kept to the minimal struct-tagged surface the
// adapter and chaining need.

// CookieDoc is one cookie attached to a recipient block.
type CookieDoc struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// RecipientDoc is one <recipient> block: a uri plus zero or more cookies.
type RecipientDoc struct {
	URI     string      `xml:"uri"`
	Cookies []CookieDoc `xml:"cookie"`
}

// SubscriptionDoc is one <subscription> child of a subscription-set
// document.
type SubscriptionDoc struct {
	ID         string         `xml:"id,attr"`
	Channels   []string       `xml:"channel"`
	Resource   string         `xml:"uri.resource,omitempty"`
	Recipients []RecipientDoc `xml:"recipient"`
	Proxy      string         `xml:"uri.proxy,omitempty"`
}

// Document is the root <subscription-set> element.
type Document struct {
	XMLName       xml.Name          `xml:"subscription-set"`
	Version       int64             `xml:"version,attr,omitempty"`
	Owner         string            `xml:"uri.owner"`
	Subscriptions []SubscriptionDoc `xml:"subscription"`
}

// Marshal renders the set's current state as a Document.
func (s *Set) Marshal() Document {
	subs, version := s.Snapshot()
	doc := Document{
		Version: version,
		Owner:   s.Owner.String(),
	}
	for _, sub := range subs {
		doc.Subscriptions = append(doc.Subscriptions, subscriptionToDoc(sub))
	}
	return doc
}

func subscriptionToDoc(sub subscription.Subscription) SubscriptionDoc {
	d := SubscriptionDoc{
		ID:       sub.ID,
		Channels: []string{sub.Channel.String()},
	}
	if sub.Resource != nil {
		d.Resource = sub.Resource.String()
	}
	if sub.Proxy != nil {
		d.Proxy = sub.Proxy.String()
	}
	for _, r := range sub.Recipients {
		rd := RecipientDoc{URI: r.URI.String()}
		for _, c := range r.Cookies {
			rd.Cookies = append(rd.Cookies, CookieDoc{Name: c.Name, Value: c.Value})
		}
		d.Recipients = append(d.Recipients, rd)
	}
	return d
}

// ParseDocument decodes subscriptions and owner out of an XML document body,
// returning the parsed owner URI and subscription list. It does not create
// a Set: registry operations decide location/access-key/version handling.
func ParseDocument(data []byte) (owner uri.URI, version int64, subs []subscription.Subscription, err error) {
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return uri.URI{}, 0, nil, fmt.Errorf("subscriptionset: malformed document: %w", err)
	}

	owner, err = uri.Parse(doc.Owner)
	if err != nil {
		return uri.URI{}, 0, nil, fmt.Errorf("subscriptionset: malformed uri.owner: %w", err)
	}

	for _, sd := range doc.Subscriptions {
		sub, err := subscriptionFromDoc(sd)
		if err != nil {
			return uri.URI{}, 0, nil, err
		}
		subs = append(subs, sub)
	}

	return owner, doc.Version, subs, nil
}

func subscriptionFromDoc(d SubscriptionDoc) (subscription.Subscription, error) {
	if len(d.Channels) == 0 {
		return subscription.Subscription{}, fmt.Errorf("subscriptionset: subscription %q has no channel", d.ID)
	}
	channel, err := uri.Parse(d.Channels[0])
	if err != nil {
		return subscription.Subscription{}, fmt.Errorf("subscriptionset: malformed channel in %q: %w", d.ID, err)
	}

	sub := subscription.Subscription{ID: d.ID, Channel: channel}

	if d.Resource != "" {
		res, err := uri.Parse(d.Resource)
		if err != nil {
			return subscription.Subscription{}, fmt.Errorf("subscriptionset: malformed resource in %q: %w", d.ID, err)
		}
		sub.Resource = &res
	}
	if d.Proxy != "" {
		proxy, err := uri.Parse(d.Proxy)
		if err != nil {
			return subscription.Subscription{}, fmt.Errorf("subscriptionset: malformed proxy in %q: %w", d.ID, err)
		}
		sub.Proxy = &proxy
	}

	for _, rd := range d.Recipients {
		ru, err := uri.Parse(rd.URI)
		if err != nil {
			return subscription.Subscription{}, fmt.Errorf("subscriptionset: malformed recipient in %q: %w", d.ID, err)
		}
		recipient := subscription.Recipient{URI: ru}
		for _, c := range rd.Cookies {
			recipient.Cookies = append(recipient.Cookies, subscription.Cookie{Name: c.Name, Value: c.Value})
		}
		sub.Recipients = append(sub.Recipients, recipient)
	}

	return sub, nil
}
