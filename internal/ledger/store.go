// Package ledger owns the live facet set and stream registry.
//
// Frames are the only way state changes. Each applied frame publishes a new
// immutable snapshot, so readers never block writers and never observe a
// partially applied frame.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"veil/internal/logging"
	"veil/internal/veil"
)

// ErrInvalidFrame is reported for frames that are rejected without being applied.
var ErrInvalidFrame = errors.New("invalid frame")

// InvalidFrameError carries the detail of a rejected frame.
type InvalidFrameError struct {
	Sequence int64 // sequence of the rejected frame
	Last     int64 // last applied sequence
	Reason   string
}

func (e *InvalidFrameError) Error() string {
	return fmt.Sprintf("%v %d (last applied %d): %s", ErrInvalidFrame, e.Sequence, e.Last, e.Reason)
}

func (e *InvalidFrameError) Unwrap() error {
	return ErrInvalidFrame
}

// Clock returns the current time. Injected so decay-sensitive tests are
// deterministic.
type Clock func() time.Time

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for frames without a timestamp.
func WithClock(c Clock) Option {
	return func(s *Store) { s.now = c }
}

// WithRecordOutgoing controls whether speak/toolCall operations become facets.
func WithRecordOutgoing(record bool) Option {
	return func(s *Store) { s.recordOutgoing = record }
}

// Decay applied to facets recorded from the agent's own actions.
const (
	speechTransient = 0.5
	actionTransient = 0.7
)

// Store is the facet ledger. Writers are serialized; State may be called from
// any goroutine at any time.
type Store struct {
	mu sync.Mutex

	facets   map[string]veil.Entry
	streams  []veil.Stream
	focus    string
	lastSeq  int64
	revision uint64

	recordOutgoing bool
	now            Clock

	snap atomic.Pointer[veil.Snapshot]
}

// New creates an empty ledger.
func New(opts ...Option) *Store {
	s := &Store{
		facets:         make(map[string]veil.Entry),
		recordOutgoing: true,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(veil.EmptySnapshot())
	return s
}

// State returns the current read-only snapshot.
func (s *Store) State() *veil.Snapshot {
	return s.snap.Load()
}

// Sequence returns the last applied frame sequence.
func (s *Store) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// ApplyFrame applies an incoming frame's operations in order and returns the
// resulting deltas. A rejected frame leaves the ledger untouched and returns
// an *InvalidFrameError.
func (s *Store) ApplyFrame(frame veil.IncomingFrame) ([]veil.FacetDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSequence(frame.Sequence); err != nil {
		return nil, err
	}
	if err := s.checkIncoming(frame.Sequence, frame.Operations); err != nil {
		return nil, err
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	w := s.begin()
	deltas := w.apply(frame.Operations, frame.Sequence, ts)
	if frame.Focus != "" {
		w.focus = frame.Focus
	}
	s.commit(w, frame.Sequence)

	logging.LedgerDebug("ApplyFrame seq=%d ops=%d deltas=%d live=%d focus=%s",
		frame.Sequence, len(frame.Operations), len(deltas), len(w.facets), w.focus)
	return deltas, nil
}

// ApplySynthetic applies stage output inside the last applied frame. The
// sequence does not advance: entries carry the last applied sequence and sort
// after that frame's own writes by revision. at stamps the entries (zero
// means now).
func (s *Store) ApplySynthetic(ops []veil.Operation, at time.Time) ([]veil.FacetDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIncoming(s.lastSeq, ops); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.now()
	}

	w := s.begin()
	deltas := w.apply(ops, s.lastSeq, at)
	s.commit(w, s.lastSeq)

	logging.LedgerDebug("ApplySynthetic seq=%d ops=%d deltas=%d revision=%d", s.lastSeq, len(ops), len(deltas), w.revision)
	return deltas, nil
}

// ApplyOutgoing records an outgoing frame. The sequence is checked against
// the same counter as incoming frames. When outgoing recording is enabled,
// speak becomes a speech facet and toolCall an action facet, both addressed to
// the current focus.
func (s *Store) ApplyOutgoing(frame veil.OutgoingFrame) ([]veil.FacetDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSequence(frame.Sequence); err != nil {
		return nil, err
	}
	for i, op := range frame.Operations {
		if op.Type != veil.OpSpeak && op.Type != veil.OpToolCall {
			return nil, s.reject(frame.Sequence, fmt.Sprintf("operation %d: %s is not allowed in an outgoing frame", i, op.Type))
		}
		if err := op.Validate(); err != nil {
			return nil, s.reject(frame.Sequence, fmt.Sprintf("operation %d: %v", i, err))
		}
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	w := s.begin()
	var deltas []veil.FacetDelta
	if s.recordOutgoing {
		for i, op := range frame.Operations {
			deltas = append(deltas, w.putFacet(outgoingFacet(op, frame.Sequence, i, w.focus), frame.Sequence, ts))
		}
	}
	s.commit(w, frame.Sequence)

	logging.LedgerDebug("ApplyOutgoing seq=%d ops=%d recorded=%d", frame.Sequence, len(frame.Operations), len(deltas))
	return deltas, nil
}

func outgoingFacet(op veil.Operation, seq int64, idx int, focus string) veil.Facet {
	sal := &veil.Saliency{}
	if focus != "" {
		sal.Streams = []string{focus}
	}

	if op.Type == veil.OpSpeak {
		sal.Transient = speechTransient
		return veil.Facet{
			ID:       fmt.Sprintf("speech-%d-%d", seq, idx),
			Type:     veil.FacetTypeSpeech,
			Content:  op.Content,
			Saliency: sal,
		}
	}

	sal.Transient = actionTransient
	content := op.ToolName
	if len(op.Parameters) > 0 {
		if params, err := json.Marshal(op.Parameters); err == nil {
			content += " " + string(params)
		}
	}
	attrs := map[string]any{"tool": op.ToolName}
	if len(op.Parameters) > 0 {
		attrs["parameters"] = op.Parameters
	}
	return veil.Facet{
		ID:         fmt.Sprintf("action-%d-%d", seq, idx),
		Type:       veil.FacetTypeAction,
		Content:    content,
		Attributes: attrs,
		Saliency:   sal,
	}
}

func (s *Store) checkSequence(seq int64) error {
	if seq <= s.lastSeq {
		return s.reject(seq, "sequence must be strictly increasing")
	}
	return nil
}

// checkIncoming rejects outgoing-only and malformed operations.
func (s *Store) checkIncoming(seq int64, ops []veil.Operation) error {
	for i, op := range ops {
		if op.Type == veil.OpSpeak || op.Type == veil.OpToolCall {
			return s.reject(seq, fmt.Sprintf("operation %d: %s is not allowed in an incoming frame", i, op.Type))
		}
		if err := op.Validate(); err != nil {
			return s.reject(seq, fmt.Sprintf("operation %d: %v", i, err))
		}
	}
	return nil
}

func (s *Store) reject(seq int64, reason string) error {
	err := &InvalidFrameError{Sequence: seq, Last: s.lastSeq, Reason: reason}
	logging.LedgerWarn("%v", err)
	return err
}

// =============================================================================
// Copy-on-write working set
// =============================================================================

// working is a private copy of the ledger state that a frame mutates before
// being committed. Published snapshots keep referencing the old maps.
type working struct {
	facets   map[string]veil.Entry
	streams  []veil.Stream
	focus    string
	revision uint64
}

func (s *Store) begin() *working {
	facets := make(map[string]veil.Entry, len(s.facets))
	for id, e := range s.facets {
		facets[id] = e
	}
	streams := make([]veil.Stream, len(s.streams))
	copy(streams, s.streams)
	return &working{facets: facets, streams: streams, focus: s.focus, revision: s.revision}
}

func (s *Store) commit(w *working, seq int64) {
	s.facets = w.facets
	s.streams = w.streams
	s.focus = w.focus
	s.revision = w.revision
	s.lastSeq = seq

	// Safe to share: begin() always copies before mutating.
	s.snap.Store(veil.NewSnapshot(w.facets, w.streams, w.focus, seq))
}

func (w *working) apply(ops []veil.Operation, seq int64, ts time.Time) []veil.FacetDelta {
	var deltas []veil.FacetDelta
	for _, op := range ops {
		switch op.Type {
		case veil.OpAddStream:
			w.addStream(*op.Stream)
		case veil.OpAddFacet:
			deltas = append(deltas, w.putFacet(*op.Facet, seq, ts))
		case veil.OpRemoveFacet:
			if d, ok := w.removeFacet(op.ID); ok {
				deltas = append(deltas, d)
			}
		case veil.OpAgentActivation:
			// Signal only; surfaced on the event path by the Space.
		}
	}
	return deltas
}

func (w *working) addStream(st veil.Stream) {
	for _, existing := range w.streams {
		if existing.ID == st.ID {
			return
		}
	}
	w.streams = append(w.streams, st)
}

func (w *working) putFacet(f veil.Facet, seq int64, ts time.Time) veil.FacetDelta {
	w.revision++
	entry := veil.Entry{
		Facet:     f,
		Sequence:  seq,
		Revision:  w.revision,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	delta := veil.FacetDelta{Type: veil.DeltaAdded, Facet: f}
	if prev, ok := w.facets[f.ID]; ok {
		entry.CreatedAt = prev.CreatedAt
		delta.Type = veil.DeltaUpdated
	}
	w.facets[f.ID] = entry
	return delta
}

func (w *working) removeFacet(id string) (veil.FacetDelta, bool) {
	prev, ok := w.facets[id]
	if !ok {
		return veil.FacetDelta{}, false
	}
	delete(w.facets, id)
	w.revision++
	return veil.FacetDelta{Type: veil.DeltaRemoved, Facet: prev.Facet}, true
}
