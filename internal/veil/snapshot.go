package veil

import (
	"sort"
	"time"
)

// Entry is a live facet together with the ledger bookkeeping needed for
// scoring and ordering.
type Entry struct {
	Facet     Facet
	Sequence  int64     // frame sequence that last added or replaced the facet
	Revision  uint64    // ledger-wide operation counter, orders entries within a frame
	CreatedAt time.Time // first time the id became live
	UpdatedAt time.Time // timestamp of the frame that last added or replaced the facet
}

// Before orders entries chronologically by the frame that produced them.
func (e Entry) Before(other Entry) bool {
	if e.Sequence != other.Sequence {
		return e.Sequence < other.Sequence
	}
	return e.Revision < other.Revision
}

// Snapshot is an immutable view of the ledger at one point in time.
// The ledger never mutates a snapshot after publishing it, so snapshots may be
// read from any goroutine.
type Snapshot struct {
	facets   map[string]Entry
	ordered  []Entry
	streams  []Stream
	focus    string
	sequence int64
	reverse  map[string][]string
}

// NewSnapshot builds a snapshot from the given state. The maps and slices are
// owned by the snapshot afterwards.
func NewSnapshot(facets map[string]Entry, streams []Stream, focus string, sequence int64) *Snapshot {
	if facets == nil {
		facets = make(map[string]Entry)
	}
	ordered := make([]Entry, 0, len(facets))
	reverse := make(map[string][]string)
	for _, e := range facets {
		ordered = append(ordered, e)
		for _, target := range e.Facet.Links() {
			reverse[target] = append(reverse[target], e.Facet.ID)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })
	for _, ids := range reverse {
		sort.Strings(ids)
	}
	return &Snapshot{
		facets:   facets,
		ordered:  ordered,
		streams:  streams,
		focus:    focus,
		sequence: sequence,
		reverse:  reverse,
	}
}

// EmptySnapshot returns a snapshot with no facets, streams or focus.
func EmptySnapshot() *Snapshot {
	return NewSnapshot(nil, nil, "", 0)
}

// Facet looks up a live facet by id.
func (s *Snapshot) Facet(id string) (Entry, bool) {
	e, ok := s.facets[id]
	return e, ok
}

// Facets returns every live facet in chronological order.
// The returned slice is a copy.
func (s *Snapshot) Facets() []Entry {
	out := make([]Entry, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the number of live facets.
func (s *Snapshot) Len() int {
	return len(s.facets)
}

// LinkedFrom returns the ids of live facets whose linkedTo names id.
func (s *Snapshot) LinkedFrom(id string) []string {
	return s.reverse[id]
}

// Streams returns the registered streams in registration order.
func (s *Snapshot) Streams() []Stream {
	out := make([]Stream, len(s.streams))
	copy(out, s.streams)
	return out
}

// Stream looks up a registered stream.
func (s *Snapshot) Stream(id string) (Stream, bool) {
	for _, st := range s.streams {
		if st.ID == id {
			return st, true
		}
	}
	return Stream{}, false
}

// Focus returns the currently focused stream id ("" when never set).
func (s *Snapshot) Focus() string {
	return s.focus
}

// Sequence returns the last applied frame sequence.
func (s *Snapshot) Sequence() int64 {
	return s.sequence
}

// ByType returns live facets of the given type in chronological order.
func (s *Snapshot) ByType(facetType string) []Entry {
	var out []Entry
	for _, e := range s.ordered {
		if e.Facet.Type == facetType {
			out = append(out, e)
		}
	}
	return out
}
