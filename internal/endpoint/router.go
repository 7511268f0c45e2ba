// Package endpoint resolves an inbound request's url to the EndpointSpec
// that describes where it goes on the backend.
package endpoint

import (
	"fmt"

	"github.com/open-matchmaking/pathfinder/internal/config"
	"github.com/open-matchmaking/pathfinder/pkg/wire"
)

// Spec is the immutable per-endpoint routing description, keyed by its url
// in the owning Router. See spec §3 EndpointSpec.
type Spec struct {
	URL              string
	RoutingKey       string
	RequestExchange  string
	ResponseExchange string
	TokenRequired    bool
}

// Router is a pure lookup table, built once from the loaded endpoints file
// and never mutated afterward.
type Router struct {
	byURL map[string]Spec
}

// NewRouter builds a Router from a name->entry mapping as produced by
// config.LoadEndpoints. Entry names are not retained; only url, the actual
// lookup key, matters downstream.
func NewRouter(entries map[string]config.EndpointEntry) *Router {
	byURL := make(map[string]Spec, len(entries))
	for _, e := range entries {
		tokenRequired := true
		if e.TokenRequired != nil {
			tokenRequired = *e.TokenRequired
		}
		byURL[e.URL] = Spec{
			URL:              e.URL,
			RoutingKey:       e.RoutingKey,
			RequestExchange:  e.RequestExchange,
			ResponseExchange: e.ResponseExchange,
			TokenRequired:    tokenRequired,
		}
	}
	return &Router{byURL: byURL}
}

// Resolve looks up url. It is a pure function over the loaded mapping: no
// mutation, exact match only.
func (r *Router) Resolve(url string) (Spec, error) {
	spec, ok := r.byURL[url]
	if !ok {
		return Spec{}, wire.New(wire.UnknownEndpoint, fmt.Sprintf("no endpoint registered for url %q", url))
	}
	return spec, nil
}
