package server

import (
	"net/http"

	"github.com/samber/lo"

	"github.com/keyrelay/keyrelay/internal/backend"
	"github.com/keyrelay/keyrelay/internal/keypool"
)

// providerInfo summarizes one configured service for operator-facing
// discovery: what it is, what it serves, and how much headroom it has
// left right now.
type providerInfo struct {
	Name      string   `json:"name"`
	BaseURL   string   `json:"base_url"`
	Models    []string `json:"models"`
	Available int      `json:"available_keys"`
	Quota     float64  `json:"remaining_quota"`
}

type providersResponse struct {
	Object string         `json:"object"`
	Data   []providerInfo `json:"data"`
}

type providersHandler struct {
	pool *keypool.Pool
}

func newProvidersHandler(pool *keypool.Pool) *providersHandler {
	return &providersHandler{pool: pool}
}

func (h *providersHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	services := h.pool.Services()
	available := h.pool.Available()

	data := lo.FilterMap(services, func(service string, _ int) (providerInfo, bool) {
		desc, ok := backend.Lookup(service)
		if !ok {
			return providerInfo{}, false
		}
		provider, err := h.pool.Provider(service)
		if err != nil {
			return providerInfo{}, false
		}
		return providerInfo{
			Name:      service,
			BaseURL:   desc.BaseURL,
			Models:    catalog[service],
			Available: available[service],
			Quota:     provider.RemainingQuota(),
		}, true
	})

	writeJSON(w, http.StatusOK, providersResponse{Object: "list", Data: data})
}
