package provider

import (
	"fmt"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
)

var _ adapter.ProviderRouter = (*Router)(nil)

// Router picks the first registered provider that supports a payload, so
// registration order is preference order.
type Router struct {
	ordered []adapter.Provider
	byName  map[string]adapter.Provider
}

func NewRouter(providers ...adapter.Provider) *Router {
	r := &Router{byName: make(map[string]adapter.Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.ordered = append(r.ordered, p)
		r.byName[p.Name()] = p
	}
	return r
}

func (r *Router) Route(p model.JobPayload) (adapter.Provider, error) {
	if p == nil {
		return nil, domain.NewValidationError("payload", "required")
	}
	for _, prov := range r.ordered {
		if prov.Supports(p) {
			return prov, nil
		}
	}
	return nil, domain.NewValidationError("kind", fmt.Sprintf("no provider configured for %s jobs", p.Kind()))
}

func (r *Router) Lookup(name string) (adapter.Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names lists the registered providers in preference order.
func (r *Router) Names() []string {
	out := make([]string, 0, len(r.ordered))
	for _, p := range r.ordered {
		out = append(out, p.Name())
	}
	return out
}
