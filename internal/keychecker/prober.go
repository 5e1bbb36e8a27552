package keychecker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/keyrelay/keyrelay/internal/backend"
	"github.com/keyrelay/keyrelay/internal/keypool"
)

// modelListPaths names the gjson path to the array of model identifiers
// in each service's model-listing response. Google-AI entries carry a
// "models/" resource-name prefix; probeOK strips that prefix from every
// entry, whatever the service.
var modelListPaths = map[string]string{
	"openai":    "data.#.id",
	"anthropic": "data.#.id",
	"google-ai": "models.#.name",
}

// anthropicAPIVersion is sent on every Anthropic request this relay
// makes on its own behalf (probes); proxied requests instead forward
// whatever version the client specified via ForwardHeaders.
const anthropicAPIVersion = "2023-06-01"

// probePeekLimit bounds how much of a probe's error body is read to
// classify the failure.
const probePeekLimit = 4 * 1024

// modelsListPeekLimit bounds how much of a successful probe's model
// listing is read to extract capabilities. A full listing runs larger
// than an error body, but is still bounded so a misbehaving upstream
// can't make a probe hold an unbounded response in memory.
const modelsListPeekLimit = 256 * 1024

// HTTPProber probes a key's validity by calling its service's cheap
// model-listing endpoint — no billable completion request, just enough
// to tell "this credential works" from "it doesn't" and to distinguish a
// terminal auth/quota failure from a transient network or server error.
type HTTPProber struct {
	descriptor backend.Descriptor
	client     *http.Client
}

// NewHTTPProber builds a Prober for desc. A nil client is replaced by a
// new http.Client with a 10s timeout.
func NewHTTPProber(desc backend.Descriptor, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProber{descriptor: desc, client: client}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, key keypool.BoundKey) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.descriptor.BaseURL+p.descriptor.ProbePath, nil)
	if err != nil {
		return ProbeResult{Outcome: OutcomeTransient, Err: err}
	}

	p.descriptor.Authenticate(req, key.Secret)
	if p.descriptor.Service == "anthropic" {
		req.Header.Set("anthropic-version", anthropicAPIVersion)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{Outcome: OutcomeTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return p.probeOK(resp)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ProbeResult{Outcome: OutcomeAuthFailure, Err: errProbeAuth}

	case resp.StatusCode == http.StatusPaymentRequired:
		return ProbeResult{Outcome: OutcomeQuotaFailure, Err: errProbeQuota}

	case resp.StatusCode == http.StatusTooManyRequests:
		if isQuotaExhausted(resp.Body) {
			return ProbeResult{Outcome: OutcomeQuotaFailure, Err: errProbeQuota}
		}
		return ProbeResult{Outcome: OutcomeTransient, Err: errProbeRateLimited}

	default:
		return ProbeResult{Outcome: OutcomeTransient, Err: errProbeUnexpectedStatus}
	}
}

// probeOK parses a 200 model-listing response into the capability set
// spec §4.2 documents the checker as updating: modelFamilies (the
// family-prefix tags keypool's selection policy matches against) and,
// for Google-AI, the raw model id listing.
func (p *HTTPProber) probeOK(resp *http.Response) ProbeResult {
	buf, err := io.ReadAll(io.LimitReader(resp.Body, modelsListPeekLimit))
	if err != nil {
		return ProbeResult{Outcome: OutcomeTransient, Err: err}
	}

	path, ok := modelListPaths[p.descriptor.Service]
	if !ok {
		return ProbeResult{Outcome: OutcomeOK}
	}

	ids := lo.Map(gjson.GetBytes(buf, path).Array(), func(v gjson.Result, _ int) string {
		return strings.TrimPrefix(v.String(), "models/")
	})
	if len(ids) == 0 {
		// Listing parsed to nothing usable (empty or unexpected shape):
		// leave the key's existing capabilities alone rather than wiping
		// them to empty, which would make it ineligible for everything.
		return ProbeResult{Outcome: OutcomeOK}
	}

	result := ProbeResult{Outcome: OutcomeOK, ModelFamilies: familiesForModelIDs(ids)}
	if p.descriptor.Service == "google-ai" {
		result.ModelIDs = ids
	}
	return result
}

// familiesForModelIDs derives the set of family prefixes (from keypool's
// routing table) that any of ids actually matches, so a key only ends up
// tagged with families it was observed to serve.
func familiesForModelIDs(ids []string) []string {
	seen := make(map[string]struct{})
	for _, id := range ids {
		for prefix := range keypool.DefaultFamilyPrefixes {
			if strings.HasPrefix(id, prefix) {
				seen[prefix] = struct{}{}
			}
		}
	}
	families := make([]string, 0, len(seen))
	for prefix := range seen {
		families = append(families, prefix)
	}
	return families
}

// isQuotaExhausted peeks a bounded prefix of a 429 body for an
// explicit billing/quota error type, distinguishing "this key's account
// has run out of money" (terminal) from an ordinary rate limit
// (transient, will clear on its own).
func isQuotaExhausted(body io.Reader) bool {
	buf, _ := io.ReadAll(io.LimitReader(body, probePeekLimit))
	errType := strings.ToLower(gjson.GetBytes(buf, "error.type").String())
	return strings.Contains(errType, "quota") || strings.Contains(errType, "billing") || strings.Contains(errType, "insufficient")
}

var (
	errProbeAuth             = errors.New("keychecker: probe rejected credential")
	errProbeQuota            = errors.New("keychecker: probe reports exhausted quota")
	errProbeRateLimited      = errors.New("keychecker: probe rate limited")
	errProbeUnexpectedStatus = errors.New("keychecker: probe received unexpected status")
)
