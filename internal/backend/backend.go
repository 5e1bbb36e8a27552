// Package backend describes how to reach each upstream service family:
// base URL, authentication scheme, which inbound headers to forward, and
// the content type used for streamed responses. It is the transport-level
// analog of keypool's credential-level knowledge.
package backend

import (
	"net/http"

	"github.com/samber/lo"
)

// AuthScheme names how a key is attached to an outbound request.
type AuthScheme int

const (
	// AuthBearer sets "Authorization: Bearer <secret>".
	AuthBearer AuthScheme = iota
	// AuthAPIKeyHeader sets a named header to the raw secret (Anthropic's
	// x-api-key convention).
	AuthAPIKeyHeader
	// AuthQueryParam appends the secret as a named query parameter
	// (Google-AI's "key=" convention).
	AuthQueryParam
)

// Descriptor is the static, per-service transport configuration.
type Descriptor struct {
	Service               string
	BaseURL               string
	AuthScheme            AuthScheme
	AuthHeaderName        string // used when AuthScheme == AuthAPIKeyHeader
	AuthQueryParam        string // used when AuthScheme == AuthQueryParam
	ForwardHeaderPrefixes []string
	StreamingContentType  string

	// ProbePath is a cheap, side-effect-free endpoint used to verify a
	// key's validity and capabilities (the key checker's probe target),
	// independent of the chat/completion routes proxied requests use.
	ProbePath string
}

// Authenticate attaches secret to req per the descriptor's scheme.
func (d Descriptor) Authenticate(req *http.Request, secret string) {
	switch d.AuthScheme {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+secret)
	case AuthAPIKeyHeader:
		req.Header.Set(d.AuthHeaderName, secret)
	case AuthQueryParam:
		q := req.URL.Query()
		q.Set(d.AuthQueryParam, secret)
		req.URL.RawQuery = q.Encode()
	}
}

// ForwardHeaders copies headers matching the descriptor's allow-listed
// prefixes from an inbound request, plus a fixed Content-Type.
func (d Descriptor) ForwardHeaders(inbound http.Header) http.Header {
	out := make(http.Header)
	lo.ForEach(lo.Entries(inbound), func(entry lo.Entry[string, []string], _ int) {
		canonical := http.CanonicalHeaderKey(entry.Key)
		for _, prefix := range d.ForwardHeaderPrefixes {
			if len(canonical) >= len(prefix) && canonical[:len(prefix)] == prefix {
				out[canonical] = append(out[canonical], entry.Value...)
				break
			}
		}
	})
	out.Set("Content-Type", "application/json")
	return out
}

// Registry is the fixed set of service descriptors the relay knows about.
var Registry = map[string]Descriptor{
	"openai": {
		Service:               "openai",
		BaseURL:               "https://api.openai.com",
		AuthScheme:            AuthBearer,
		ForwardHeaderPrefixes: []string{"Openai-"},
		StreamingContentType:  "text/event-stream",
		ProbePath:             "/v1/models",
	},
	"anthropic": {
		Service:               "anthropic",
		BaseURL:               "https://api.anthropic.com",
		AuthScheme:            AuthAPIKeyHeader,
		AuthHeaderName:        "x-api-key",
		ForwardHeaderPrefixes: []string{"Anthropic-"},
		StreamingContentType:  "text/event-stream",
		ProbePath:             "/v1/models",
	},
	"google-ai": {
		Service:               "google-ai",
		BaseURL:               "https://generativelanguage.googleapis.com",
		AuthScheme:            AuthQueryParam,
		AuthQueryParam:        "key",
		ForwardHeaderPrefixes: []string{"X-Goog-"},
		StreamingContentType:  "text/event-stream",
		ProbePath:             "/v1beta/models",
	},
}

// Lookup returns the descriptor for service, and whether it is known.
func Lookup(service string) (Descriptor, bool) {
	d, ok := Registry[service]
	return d, ok
}
