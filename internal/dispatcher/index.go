package dispatcher

import (
	"github.com/dreamdispatch/pubsub/internal/prefixmap"
	"github.com/dreamdispatch/pubsub/internal/subscription"
	"github.com/dreamdispatch/pubsub/internal/uri"
)

// channelIndex groups subscriptions by the longest non-wildcard prefix of
// their channel pattern, so Dispatch can find candidates for an event's
// channel with one trie descent instead of a linear scan of every
// subscription in the combined set.
type channelIndex struct {
	byPrefix *prefixmap.Map[[]subscription.Subscription]
}

// nonWildcardPrefix returns the literal (non-"*") leading components of a
// channel pattern: scheme, then host:port, then segments, stopping at the
// first "*".
func nonWildcardPrefix(channel uri.URI) []string {
	var path []string
	if channel.Scheme == uri.Wildcard {
		return path
	}
	path = append(path, channel.Scheme)

	if channel.HostPort == uri.Wildcard {
		return path
	}
	path = append(path, channel.HostPort)

	for _, seg := range channel.Segments {
		if seg == uri.Wildcard {
			return path
		}
		path = append(path, seg)
	}
	return path
}

// buildChannelIndex recomputes the index from scratch for a copy-on-write
// swap: readers consult the old index (or the new one, once swapped)
// without ever blocking on a rebuild in progress.
func buildChannelIndex(all []subscription.Subscription) *channelIndex {
	grouped := make(map[string][]string)
	bucket := make(map[string][]subscription.Subscription)

	for _, sub := range all {
		path := nonWildcardPrefix(sub.Channel)
		key := pathKey(path)
		if _, ok := grouped[key]; !ok {
			grouped[key] = path
		}
		bucket[key] = append(bucket[key], sub)
	}

	idx := &channelIndex{byPrefix: prefixmap.New[[]subscription.Subscription]()}
	for key, path := range grouped {
		if err := idx.byPrefix.InsertPath(path, bucket[key], false); err != nil {
			// InsertPath with failIfExists=false never errors.
			panic(err)
		}
	}
	return idx
}

func pathKey(path []string) string {
	key := ""
	for _, p := range path {
		key += "/" + p
	}
	return key
}

// candidates returns every subscription whose recorded prefix is an
// ancestor of channel, ready for the full wildcard-aware re-check. A broad
// subscription (e.g. "http://host/*") and a narrower one
// ("http://host/a/*") can both be registered along the same descent, so
// every matching depth is collected, not just the deepest.
func (idx *channelIndex) candidates(channel uri.URI) []subscription.Subscription {
	buckets := idx.byPrefix.AncestorsPath(keyParts(channel))
	if len(buckets) == 0 {
		return nil
	}

	var out []subscription.Subscription
	for _, bucket := range buckets {
		out = append(out, bucket...)
	}
	return out
}

func keyParts(u uri.URI) []string {
	parts := make([]string, 0, 2+len(u.Segments))
	parts = append(parts, u.Scheme, u.HostPort)
	parts = append(parts, u.Segments...)
	return parts
}
