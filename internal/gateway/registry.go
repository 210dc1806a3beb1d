package gateway

// Registry holds the configured gateway adapters keyed by name. It is built
// once at startup; lookups never touch gateway-specific types.
type Registry struct {
	byName map[string]Gateway
	order  []string
}

// NewRegistry creates a registry from the given adapters. Registration order
// is preserved and used as fallback preference.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{byName: make(map[string]Gateway, len(gateways))}
	for _, gw := range gateways {
		if _, dup := r.byName[gw.Name()]; dup {
			continue
		}
		r.byName[gw.Name()] = gw
		r.order = append(r.order, gw.Name())
	}
	return r
}

// Get returns the gateway registered under name.
func (r *Registry) Get(name string) (Gateway, bool) {
	gw, ok := r.byName[name]
	return gw, ok
}

// Names returns the registered gateway names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Others returns every gateway except the named one, in registration order.
func (r *Registry) Others(name string) []Gateway {
	var out []Gateway
	for _, n := range r.order {
		if n != name {
			out = append(out, r.byName[n])
		}
	}
	return out
}
