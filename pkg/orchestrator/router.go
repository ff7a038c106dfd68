package orchestrator

import (
	"fmt"
	"sort"

	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

type pair struct {
	source      transfer.ChainID
	destination transfer.ChainID
}

// Router selects the orchestrator serving a chain pair.
type Router struct {
	byPair map[pair]*Orchestrator
	byName map[string]*Orchestrator
}

// NewRouter indexes orchestrators by chain pair and name. Two routes may not
// serve the same pair.
func NewRouter(orchestrators ...*Orchestrator) (*Router, error) {
	r := &Router{
		byPair: make(map[pair]*Orchestrator, len(orchestrators)),
		byName: make(map[string]*Orchestrator, len(orchestrators)),
	}
	for _, o := range orchestrators {
		route := o.Route()
		p := pair{route.Source.Chain, route.Destination.Chain}
		if existing, ok := r.byPair[p]; ok {
			return nil, fmt.Errorf("routes %s and %s both serve %s to %s",
				existing.Route().Name, route.Name, p.source, p.destination)
		}
		if _, ok := r.byName[route.Name]; ok {
			return nil, fmt.Errorf("duplicate route name %s", route.Name)
		}
		r.byPair[p] = o
		r.byName[route.Name] = o
	}
	return r, nil
}

// Lookup returns the orchestrator for source → destination.
func (r *Router) Lookup(source, destination transfer.ChainID) (*Orchestrator, error) {
	o, ok := r.byPair[pair{source, destination}]
	if !ok {
		return nil, fmt.Errorf("%w: %s to %s", transfer.ErrRouteNotFound, source, destination)
	}
	return o, nil
}

// ByName returns the orchestrator of a named route.
func (r *Router) ByName(name string) (*Orchestrator, bool) {
	o, ok := r.byName[name]
	return o, ok
}

// Names lists the configured routes in lexical order.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
