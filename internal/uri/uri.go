// Package uri implements the immutable URI value used throughout the
// dispatch subsystem to key subscriptions, channels, and recipients.
package uri

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Wildcard is the pattern token that matches any value at its position.
const Wildcard = "*"

// QueryParam is a single multi-valued query key, preserving insertion order
// of its values.
type QueryParam struct {
	Key    string
	Values []string
}

// URI is the canonical parsed form: scheme and hostport lowercased, path
// broken into ordered segments, query preserved as ordered key/value pairs.
type URI struct {
	Scheme   string
	HostPort string
	Segments []string
	Query    []QueryParam
	Fragment string
}

// wildcardSchemeStandIn substitutes for a "*" scheme during parsing, since
// net/url requires schemes to start with a letter.
const wildcardSchemeStandIn = "wildcard-scheme"

// Parse decodes raw into a URI. It is deliberately permissive: callers in
// this package treat "*" as an ordinary segment value, not a URL-escape
// concern, and a leading "*://" parses as a wildcard scheme.
func Parse(raw string) (URI, error) {
	parseable := raw
	wildScheme := strings.HasPrefix(raw, Wildcard+"://")
	if wildScheme {
		parseable = wildcardSchemeStandIn + raw[len(Wildcard):]
	}

	u, err := url.Parse(parseable)
	if err != nil {
		return URI{}, fmt.Errorf("uri: parse %q: %w", raw, err)
	}
	if wildScheme {
		u.Scheme = Wildcard
	}

	segments := splitSegments(u.Path)

	var params []QueryParam
	if u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return URI{}, fmt.Errorf("uri: parse query %q: %w", raw, err)
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			params = append(params, QueryParam{Key: k, Values: values[k]})
		}
	}

	return URI{
		Scheme:   strings.ToLower(u.Scheme),
		HostPort: strings.ToLower(u.Host),
		Segments: segments,
		Query:    params,
		Fragment: u.Fragment,
	}, nil
}

// MustParse is Parse, panicking on error. Intended for literal URIs known to
// be well-formed (tests, constant channel patterns).
func MustParse(raw string) URI {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func splitSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// String renders the URI back to its canonical wire form.
func (u URI) String() string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}
	b.WriteString(u.HostPort)
	for _, s := range u.Segments {
		b.WriteByte('/')
		b.WriteString(s)
	}
	if len(u.Query) > 0 {
		b.WriteByte('?')
		first := true
		for _, p := range u.Query {
			for _, v := range p.Values {
				if !first {
					b.WriteByte('&')
				}
				first = false
				b.WriteString(url.QueryEscape(p.Key))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// MaxSimilarity is the similarity score of a URI matched against itself:
// scheme + hostport + one point per segment.
func (u URI) MaxSimilarity() int {
	return 2 + len(u.Segments)
}

// Similarity counts matching prefix levels against other: +1 for scheme
// match, +1 for hostport match, +1 per matching segment from the left,
// halting at the first mismatch (or the shorter segment list).
func (u URI) Similarity(other URI) int {
	score := 0
	if strings.EqualFold(u.Scheme, other.Scheme) {
		score++
	} else {
		return score
	}
	if strings.EqualFold(u.HostPort, other.HostPort) {
		score++
	} else {
		return score
	}
	n := len(u.Segments)
	if len(other.Segments) < n {
		n = len(other.Segments)
	}
	for i := 0; i < n; i++ {
		if !strings.EqualFold(u.Segments[i], other.Segments[i]) {
			break
		}
		score++
	}
	return score
}

// Equal reports whether two URIs are identical in every canonical field.
func (u URI) Equal(other URI) bool {
	return u.String() == other.String()
}
