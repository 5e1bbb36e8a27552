package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/keyrelay/keyrelay/internal/keypool"
)

// modelsCacheTTL bounds how long a synthesised /v1/models listing is
// reused before being rebuilt against the pool's current set of
// configured services.
const modelsCacheTTL = 60 * time.Second

// model is one entry in the /v1/models listing, shaped to match the
// Anthropic/OpenAI model-list response every client integration already
// knows how to parse.
type model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

// modelsResponse is the /v1/models envelope.
type modelsResponse struct {
	Object string  `json:"object"`
	Data   []model `json:"data"`
}

// catalog lists the representative model IDs each service family
// serves. The pool itself only knows prefixes, not full model names
// (model routing only needs to tell "claude-" from "gpt-"); the catalog
// exists purely for discovery responses.
var catalog = map[string][]string{
	"openai": {
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
		"o1-preview",
		"o1-mini",
	},
	"anthropic": {
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
	},
	"google-ai": {
		"gemini-1.5-pro",
		"gemini-1.5-flash",
	},
}

// modelsHandler serves GET /v1/models, listing every model belonging to
// a service the pool currently has keys for. The listing is rebuilt at
// most once per modelsCacheTTL; the pool's service set rarely changes
// mid-process, so there's no reason to re-walk it on every request.
type modelsHandler struct {
	pool *keypool.Pool

	mu       sync.Mutex
	cached   modelsResponse
	cachedAt time.Time
}

func newModelsHandler(pool *keypool.Pool) *modelsHandler {
	return &modelsHandler{pool: pool}
}

func (h *modelsHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.listing())
}

func (h *modelsHandler) listing() modelsResponse {
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.cachedAt) < modelsCacheTTL {
		return h.cached
	}

	services := h.pool.Services()
	data := lo.FlatMap(services, func(service string, _ int) []model {
		ids := catalog[service]
		return lo.Map(ids, func(id string, _ int) model {
			return model{ID: id, Object: "model", OwnedBy: service, Created: modelsEpoch}
		})
	})

	h.cached = modelsResponse{Object: "list", Data: data}
	h.cachedAt = time.Now()
	return h.cached
}

// modelsEpoch stamps every listed model's "created" field. Upstream
// model lists report each model's real release date; this relay has no
// such metadata of its own, so every entry reports the same fixed point
// rather than a misleading per-request timestamp.
var modelsEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
