package space

import (
	"context"
	"strings"

	"veil/internal/veil"
)

// Receptor turns SpaceEvents into facets. It must be deterministic for a
// given event and must not touch shared state.
type Receptor interface {
	Topics() []string
	Transform(event veil.SpaceEvent) ([]veil.Facet, error)
}

// Transform derives facets from the post-update snapshot. It must be a pure
// function of the snapshot.
type Transform interface {
	Process(state *veil.Snapshot) ([]veil.Facet, error)
}

// Effector reacts to deltas. It may perform external side effects and may
// block; it never writes to the ledger directly.
type Effector interface {
	FacetFilters() []FacetFilter
	Process(ctx context.Context, deltas []veil.FacetDelta, state *veil.Snapshot) ([]veil.SpaceEvent, error)
}

// FacetFilter selects deltas by facet type. An empty Types list matches every
// facet type.
type FacetFilter struct {
	Types []string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Matches reports whether the filter accepts a facet of the given type.
func (f FacetFilter) Matches(facetType string) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == facetType {
			return true
		}
	}
	return false
}

// =============================================================================
// Function adapters
// =============================================================================

type funcReceptor struct {
	topics []string
	fn     func(veil.SpaceEvent) ([]veil.Facet, error)
}

// NewReceptor wraps a function as a Receptor subscribed to topics.
func NewReceptor(topics []string, fn func(veil.SpaceEvent) ([]veil.Facet, error)) Receptor {
	return &funcReceptor{topics: topics, fn: fn}
}

func (r *funcReceptor) Topics() []string { return r.topics }

func (r *funcReceptor) Transform(event veil.SpaceEvent) ([]veil.Facet, error) {
	return r.fn(event)
}

// TransformFunc adapts a plain function to the Transform interface.
type TransformFunc func(state *veil.Snapshot) ([]veil.Facet, error)

// Process calls f(state).
func (f TransformFunc) Process(state *veil.Snapshot) ([]veil.Facet, error) {
	return f(state)
}

type funcEffector struct {
	filters []FacetFilter
	fn      func(context.Context, []veil.FacetDelta, *veil.Snapshot) ([]veil.SpaceEvent, error)
}

// NewEffector wraps a function as an Effector. With no filters the effector
// sees every delta.
func NewEffector(filters []FacetFilter, fn func(context.Context, []veil.FacetDelta, *veil.Snapshot) ([]veil.SpaceEvent, error)) Effector {
	return &funcEffector{filters: filters, fn: fn}
}

func (e *funcEffector) FacetFilters() []FacetFilter { return e.filters }

func (e *funcEffector) Process(ctx context.Context, deltas []veil.FacetDelta, state *veil.Snapshot) ([]veil.SpaceEvent, error) {
	return e.fn(ctx, deltas, state)
}

// =============================================================================
// Routing
// =============================================================================

// matchTopic reports whether a subscription pattern accepts topic.
// "*" matches everything, a trailing "*" (as in "chat.*") is a prefix match,
// and anything else must match exactly.
func matchTopic(pattern, topic string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == topic
	}
}

func subscribes(r Receptor, topic string) bool {
	for _, p := range r.Topics() {
		if matchTopic(p, topic) {
			return true
		}
	}
	return false
}

// selectDeltas returns the deltas an effector's filters accept, preserving
// their order. No filters means all deltas.
func selectDeltas(filters []FacetFilter, deltas []veil.FacetDelta) []veil.FacetDelta {
	if len(filters) == 0 {
		return deltas
	}
	var out []veil.FacetDelta
	for _, d := range deltas {
		for _, f := range filters {
			if f.Matches(d.Facet.Type) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}
