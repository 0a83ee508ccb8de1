package connector

import (
	"strings"
	"sync"

	"github.com/anthanhphan/atapp/internal/errs"
)

// Registry maps a lowercased address scheme to the Connector that handles
// it. Re-binding a scheme is observable on the next Resolve call — the
// registry holds no cache of past resolutions.
type Registry struct {
	mu       sync.RWMutex
	byScheme map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{byScheme: make(map[string]Connector)}
}

// Register binds c to every scheme it declares, overwriting any previous
// binding for that scheme.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range c.Schemes() {
		r.byScheme[strings.ToLower(s)] = c
	}
}

// Resolve returns the Connector currently bound to scheme, if any.
func (r *Registry) Resolve(scheme string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byScheme[strings.ToLower(scheme)]
	return c, ok
}

// ResolveAddress splits a "scheme://..." address and resolves its scheme.
func (r *Registry) ResolveAddress(addr string) (Connector, error) {
	scheme, _, ok := strings.Cut(addr, "://")
	if !ok {
		return nil, errs.New(errs.CodeParams, "address missing scheme: "+addr)
	}
	c, ok := r.Resolve(scheme)
	if !ok {
		return nil, errs.ErrConnectorNotFound
	}
	return c, nil
}

// All returns every distinct connector currently registered, for
// broadcasting discovery events and for shutdown.
func (r *Registry) All() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Connector]struct{})
	out := make([]Connector, 0, len(r.byScheme))
	for _, c := range r.byScheme {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
