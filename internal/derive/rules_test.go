package derive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"veil/internal/space"
	"veil/internal/veil"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/factstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const urgentRules = `
derived_facet(ID, "alert", Content) :-
    facet(ID, "event", Content),
    facet_attr(ID, "urgent", "true").

derived_pinned(ID) :-
    facet(ID, "event", _),
    facet_attr(ID, "urgent", "true"),
    facet_stream(ID, S),
    focus(S).

derived_facet(S, "focus_note", Name) :-
    focus(S),
    stream(S, Name).
`

func snapshot(focus string, facets ...veil.Facet) *veil.Snapshot {
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	entries := make(map[string]veil.Entry, len(facets))
	for i, f := range facets {
		entries[f.ID] = veil.Entry{Facet: f, Sequence: int64(i + 1), Revision: uint64(i + 1), CreatedAt: at, UpdatedAt: at}
	}
	streams := []veil.Stream{{ID: "A", Name: "alpha"}, {ID: "B", Name: "beta"}}
	return veil.NewSnapshot(entries, streams, focus, int64(len(facets)))
}

func TestRuleTransform_DerivesFacets(t *testing.T) {
	rt, err := NewRuleTransform(urgentRules)
	require.NoError(t, err)
	assert.Equal(t, 3, rt.RuleCount())

	state := snapshot("A",
		veil.Facet{
			ID: "m1", Type: veil.FacetTypeEvent, Content: "server down",
			Attributes: map[string]any{"urgent": true},
			Saliency:   &veil.Saliency{Streams: []string{"A"}, Transient: 0.5},
		},
		veil.Facet{ID: "m2", Type: veil.FacetTypeEvent, Content: "lunch?", Saliency: &veil.Saliency{Streams: []string{"A"}}},
		veil.Facet{ID: "m3", Type: veil.FacetTypeEvent, Content: "disk full", Attributes: map[string]any{"urgent": "true"}, Scope: []string{"B"}},
	)

	out, err := rt.Process(state)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "derived/alert/m1", out[0].ID)
	assert.Equal(t, "alert", out[0].Type)
	assert.Equal(t, "server down", out[0].Content)
	require.NotNil(t, out[0].Saliency)
	assert.True(t, out[0].Saliency.Pinned, "urgent event in the focused stream is pinned")
	assert.Equal(t, []string{"A"}, out[0].Saliency.Streams)
	assert.Equal(t, []string{"m1"}, out[0].Saliency.LinkedTo)

	assert.Equal(t, "derived/alert/m3", out[1].ID)
	assert.False(t, out[1].Saliency.Pinned)
	assert.Equal(t, []string{"B"}, out[1].Saliency.Streams, "scope tags are inherited")

	assert.Equal(t, "derived/focus_note/A", out[2].ID)
	assert.Equal(t, "alpha", out[2].Content)
	assert.Nil(t, out[2].Saliency, "keys that are not facets carry no saliency")
}

func TestRuleTransform_IgnoresOwnOutput(t *testing.T) {
	rt, err := NewRuleTransform(`derived_facet(ID, "echo", C) :- facet(ID, _, C).`)
	require.NoError(t, err)

	first, err := rt.Process(snapshot("", veil.Facet{ID: "x", Type: "state", Content: "v"}))
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := rt.Process(snapshot("", veil.Facet{ID: "x", Type: "state", Content: "v"}, first[0]))
	require.NoError(t, err)
	assert.Equal(t, first, second, "derived facets are not fed back as facts")
}

func TestRuleTransform_Errors(t *testing.T) {
	_, err := NewRuleTransform(`derived_facet(X :- facet(X).`)
	assert.ErrorContains(t, err, "failed to parse rules")

	_, err = NewRuleTransform(`derived_facet(X, "t", C) :- no_such_predicate(X, C).`)
	assert.Error(t, err)

	_, err = LoadRuleTransform(filepath.Join(t.TempDir(), "missing.mg"))
	assert.ErrorContains(t, err, "failed to read rules file")
}

func TestLoadRuleTransform(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.mg")
	require.NoError(t, os.WriteFile(path, []byte(urgentRules), 0o644))

	rt, err := LoadRuleTransform(path)
	require.NoError(t, err)
	assert.Equal(t, 3, rt.RuleCount())
}

func TestRuleTransform_InSpacePipeline(t *testing.T) {
	rt, err := NewRuleTransform(urgentRules)
	require.NoError(t, err)

	s := space.New()
	defer s.Close()
	require.NoError(t, s.RegisterTransform("rules", rt))

	res, err := s.ApplyFrame(context.Background(), veil.IncomingFrame{
		Focus: "A",
		Operations: []veil.Operation{
			veil.AddStream("A", "alpha"),
			veil.AddFacet(veil.Facet{
				ID: "m1", Type: veil.FacetTypeEvent, Content: "fire",
				Attributes: map[string]any{"urgent": true},
				Saliency:   &veil.Saliency{Streams: []string{"A"}},
			}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Frames)
	assert.Equal(t, 1, res.Synthetic)

	alert, ok := s.State().Facet("derived/alert/m1")
	require.True(t, ok)
	assert.True(t, alert.Facet.IsPinned())

	// Re-deriving the same facts is a no-op.
	res, err = s.ApplyFrame(context.Background(), veil.IncomingFrame{Operations: []veil.Operation{
		veil.AddFacet(veil.Facet{ID: "m2", Type: veil.FacetTypeEvent, Content: "calm", Saliency: &veil.Saliency{Streams: []string{"A"}}}),
	}})
	require.NoError(t, err)
	assert.Len(t, res.Deltas, 1)
}

func TestRuleTransform_FocusSwitchRederives(t *testing.T) {
	rt, err := NewRuleTransform(urgentRules)
	require.NoError(t, err)

	s := space.New()
	defer s.Close()
	require.NoError(t, s.RegisterTransform("rules", rt))

	ctx := context.Background()
	_, err = s.ApplyFrame(ctx, veil.IncomingFrame{
		Sequence: 1,
		Focus:    "A",
		Operations: []veil.Operation{
			veil.AddStream("A", "alpha"),
			veil.AddStream("B", "beta"),
			veil.AddFacet(veil.Facet{
				ID: "m1", Type: veil.FacetTypeEvent, Content: "fire",
				Attributes: map[string]any{"urgent": true},
				Saliency:   &veil.Saliency{Streams: []string{"A"}},
			}),
		},
	})
	require.NoError(t, err)
	alert, ok := s.State().Facet("derived/alert/m1")
	require.True(t, ok)
	assert.True(t, alert.Facet.IsPinned())

	res, err := s.ApplyFrame(ctx, veil.IncomingFrame{Sequence: 2, Focus: "B"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Deltas, "a focus-only frame re-evaluates the rules")

	alert, ok = s.State().Facet("derived/alert/m1")
	require.True(t, ok)
	assert.False(t, alert.Facet.IsPinned(), "urgent facet is no longer in the focused stream")
	note, ok := s.State().Facet("derived/focus_note/B")
	require.True(t, ok)
	assert.Equal(t, "beta", note.Facet.Content)
}

// failingStore fails queries for one predicate.
type failingStore struct {
	factstore.FactStore
	fail ast.PredicateSym
}

func (f failingStore) GetFacts(query ast.Atom, cb func(ast.Atom) error) error {
	if query.Predicate == f.fail {
		return errors.New("store unavailable")
	}
	return f.FactStore.GetFacts(query, cb)
}

func TestReadDerived_ReportsStoreErrors(t *testing.T) {
	state := snapshot("A")
	for _, sym := range []ast.PredicateSym{symDerivedPinned, symDerivedFacet} {
		t.Run(sym.Symbol, func(t *testing.T) {
			_, err := readDerived(failingStore{FactStore: factstore.NewSimpleInMemoryStore(), fail: sym}, state)
			require.Error(t, err)
			assert.ErrorContains(t, err, "store unavailable")
		})
	}

	out, err := readDerived(factstore.NewSimpleInMemoryStore(), state)
	require.NoError(t, err)
	assert.Empty(t, out)
}
