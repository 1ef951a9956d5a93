// Package discovery defines the narrow interface the proxy engine uses
// to resolve a named backend group into a set of addresses. The actual
// cluster gossip/service-discovery mechanism is an external collaborator
// (spec.md Non-goals); this package only provides the seam and Static,
// a map-backed implementation whose group membership is set explicitly
// (NewStatic, Set), so a single process can exercise proxy group routing
// without a real discovery backend.
package discovery

import "github.com/HiImSmiley/socketleyd/internal/errs"

// Resolver maps a discovery group label to a set of backend addresses.
type Resolver interface {
	Resolve(group string) ([]string, error)
}

// Static is a Resolver backed by a fixed, explicitly configured map, used
// when no external discovery collaborator is wired in.
type Static struct {
	groups map[string][]string
}

// NewStatic creates a Static resolver from a group-name to addresses map.
func NewStatic(groups map[string][]string) *Static {
	if groups == nil {
		groups = map[string][]string{}
	}
	return &Static{groups: groups}
}

// Resolve returns the addresses registered for group.
func (s *Static) Resolve(group string) ([]string, error) {
	addrs, ok := s.groups[group]
	if !ok || len(addrs) == 0 {
		return nil, errs.New("discovery.Resolve", errs.CodeNotFound, "no backends for group "+group)
	}
	return addrs, nil
}

// Set replaces the address list for group, used by the daemon's `reload`
// control command, which re-reads group membership from the persisted
// proxy sidecars.
func (s *Static) Set(group string, addrs []string) {
	s.groups[group] = addrs
}
