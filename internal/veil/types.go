// Package veil defines the semantic world-state model shared by every part of
// the system: facets, streams, frames, deltas and space events.
//
// Values in this package are plain data. Facets are treated as immutable once
// created; an update is always a full replacement under the same id.
package veil

import (
	"reflect"
	"time"
)

// =============================================================================
// SECTION 1: Facets
// =============================================================================

// Well-known facet types. The type tag is open; these are only the ones the
// core itself produces or documents.
const (
	FacetTypeState   = "state"
	FacetTypeEvent   = "event"
	FacetTypeAmbient = "ambient"
	FacetTypeDerived = "derived"
	FacetTypeSpeech  = "speech" // agent speak operations recorded into the ledger
	FacetTypeAction  = "action" // agent tool calls recorded into the ledger
)

// Facet is the atomic semantic unit tracked by the ledger.
type Facet struct {
	ID         string         `json:"id" cbor:"id"`
	Type       string         `json:"type" cbor:"type"`
	Content    string         `json:"content" cbor:"content"`
	Attributes map[string]any `json:"attributes,omitempty" cbor:"attributes,omitempty"`
	Scope      []string       `json:"scope,omitempty" cbor:"scope,omitempty"`
	Saliency   *Saliency      `json:"saliency,omitempty" cbor:"saliency,omitempty"`
}

// Saliency describes how a facet competes for render budget.
// A nil *Saliency means non-decaying, non-pinned, in-stream-only relevance.
type Saliency struct {
	Streams     []string `json:"streams,omitempty" cbor:"streams,omitempty"`
	Reference   bool     `json:"reference,omitempty" cbor:"reference,omitempty"`
	Transient   float64  `json:"transient,omitempty" cbor:"transient,omitempty"` // (0,1], 0 = no decay
	Pinned      bool     `json:"pinned,omitempty" cbor:"pinned,omitempty"`
	CrossStream bool     `json:"crossStream,omitempty" cbor:"crossStream,omitempty"`
	LinkedTo    []string `json:"linkedTo,omitempty" cbor:"linkedTo,omitempty"`
}

// IsPinned reports whether the facet carries a pinned saliency override.
func (f Facet) IsPinned() bool {
	return f.Saliency != nil && f.Saliency.Pinned
}

// IsReference reports whether the facet is reference material.
func (f Facet) IsReference() bool {
	return f.Saliency != nil && f.Saliency.Reference
}

// RelevantStreams returns the streams this facet is addressed to.
// Saliency streams take precedence over scope tags; an empty result means
// the facet is relevant everywhere it is addressed.
func (f Facet) RelevantStreams() []string {
	if f.Saliency != nil && len(f.Saliency.Streams) > 0 {
		return f.Saliency.Streams
	}
	return f.Scope
}

// Links returns the ids this facet's score is coupled to.
func (f Facet) Links() []string {
	if f.Saliency == nil {
		return nil
	}
	return f.Saliency.LinkedTo
}

// Equal reports whether two facets carry identical values.
func (f Facet) Equal(other Facet) bool {
	if f.ID != other.ID || f.Type != other.Type || f.Content != other.Content {
		return false
	}
	if len(f.Attributes) != len(other.Attributes) || !reflect.DeepEqual(normalizeMap(f.Attributes), normalizeMap(other.Attributes)) {
		return false
	}
	if !equalStrings(f.Scope, other.Scope) {
		return false
	}
	switch {
	case f.Saliency == nil && other.Saliency == nil:
		return true
	case f.Saliency == nil || other.Saliency == nil:
		return false
	}
	a, b := f.Saliency, other.Saliency
	return a.Reference == b.Reference &&
		a.Transient == b.Transient &&
		a.Pinned == b.Pinned &&
		a.CrossStream == b.CrossStream &&
		equalStrings(a.Streams, b.Streams) &&
		equalStrings(a.LinkedTo, b.LinkedTo)
}

func normalizeMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// SECTION 2: Streams
// =============================================================================

// Stream is an independent conversational or context channel.
type Stream struct {
	ID   string `json:"id" cbor:"id"`
	Name string `json:"name" cbor:"name"`
}

// =============================================================================
// SECTION 3: Deltas and Events
// =============================================================================

// DeltaType classifies a change to the live facet set.
type DeltaType string

const (
	DeltaAdded   DeltaType = "added"
	DeltaUpdated DeltaType = "updated"
	DeltaRemoved DeltaType = "removed"
)

// FacetDelta is produced by the ledger each time operations are applied.
// For removals, Facet holds the value that was live before removal.
type FacetDelta struct {
	Type  DeltaType `json:"type" cbor:"type"`
	Facet Facet     `json:"facet" cbor:"facet"`
}

// EventSource identifies the element that raised a SpaceEvent.
type EventSource struct {
	ElementID   string `json:"elementId" cbor:"elementId"`
	ElementPath string `json:"elementPath,omitempty" cbor:"elementPath,omitempty"`
}

// SpaceEvent is the unit receptors subscribe to by topic.
type SpaceEvent struct {
	Topic     string      `json:"topic" cbor:"topic"`
	Source    EventSource `json:"source" cbor:"source"`
	Timestamp time.Time   `json:"timestamp" cbor:"timestamp"`
	Payload   any         `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// Topics the core emits on its own behalf.
const (
	TopicAgentActivation = "agent.activation"
	TopicAgentSpeak      = "agent.speak"
	TopicAgentToolCall   = "agent.toolCall"
)
