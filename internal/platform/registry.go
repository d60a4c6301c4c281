package platform

import "fmt"

// Registry resolves adapters by platform kind. Dispatch and verification
// both go through it so a channel's platform column is the only thing that
// selects the wire implementation.
type Registry struct {
	adapters map[Kind]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Kind]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Kind()] = a
	}
	return r
}

func (r *Registry) Get(k Kind) (Adapter, error) {
	a, ok := r.adapters[k]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", k)
	}
	return a, nil
}

func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	return out
}
