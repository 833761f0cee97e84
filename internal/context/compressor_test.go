package context

import (
	"strings"
	"testing"
	"unicode/utf8"

	"veil/internal/veil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompress_PassthroughByDefault(t *testing.T) {
	entries := []veil.Entry{
		entryAt(inStream("a", "A", veil.Saliency{}), 1, t0),
		entryAt(inStream("b", "A", veil.Saliency{Pinned: true}), 2, t0),
		entryAt(veil.Facet{ID: "c", Type: "state", Content: "door open", Attributes: map[string]any{"room": "hall"}}, 3, t0),
	}

	blocks := NewCompressor(nil).Compress(entries, CompressOptions{})
	require.Len(t, blocks, 3)

	for i, b := range blocks {
		assert.Equal(t, entries[i].Facet.ID, b.FacetID)
		assert.Equal(t, []string{entries[i].Facet.ID}, b.Sources)
		assert.Equal(t, entries[i].Sequence, b.Sequence)
		assert.False(t, b.Merged)
		assert.Greater(t, b.Tokens, 0)
	}
	assert.True(t, blocks[1].Pinned)
	assert.Equal(t, "A", blocks[0].Stream)
	assert.Equal(t, "[state] door open {room=hall}", blocks[2].Text)
}

func TestCompress_MergesLowSalienceRuns(t *testing.T) {
	entries := []veil.Entry{
		entryAt(inStream("low1", "A", veil.Saliency{}), 1, t0),
		entryAt(inStream("low2", "A", veil.Saliency{}), 2, t0),
		entryAt(inStream("low3", "A", veil.Saliency{}), 3, t0),
		entryAt(inStream("high", "A", veil.Saliency{}), 4, t0),
		entryAt(inStream("low4", "A", veil.Saliency{}), 5, t0),
		entryAt(inStream("lowB", "B", veil.Saliency{}), 6, t0),
		entryAt(inStream("lowB2", "B", veil.Saliency{}), 7, t0),
		entryAt(inStream("refB", "B", veil.Saliency{Reference: true}), 8, t0),
	}
	scores := map[string]float64{
		"low1": 0.05, "low2": 0.05, "low3": 0.05, "high": 1.5, "low4": 0.05,
		"lowB": 0.01, "lowB2": 0.01, "refB": 0.01,
	}

	blocks := NewCompressor(nil).Compress(entries, CompressOptions{MergeThreshold: 0.1, Scores: scores})

	var ids [][]string
	for _, b := range blocks {
		ids = append(ids, b.Sources)
	}
	assert.Equal(t, [][]string{
		{"low1", "low2", "low3"},
		{"high"},
		{"low4"},
		{"lowB", "lowB2"},
		{"refB"},
	}, ids)

	digest := blocks[0]
	assert.True(t, digest.Merged)
	assert.Equal(t, "low1", digest.FacetID)
	assert.Equal(t, int64(1), digest.Sequence)
	assert.True(t, strings.HasPrefix(digest.Text, "[digest A] 3 earlier items:"), digest.Text)
	assert.False(t, blocks[2].Merged, "a run of one stays a normal block")
}

func TestCompress_PinnedBreaksRun(t *testing.T) {
	entries := []veil.Entry{
		entryAt(inStream("low1", "A", veil.Saliency{}), 1, t0),
		entryAt(inStream("pin", "A", veil.Saliency{Pinned: true}), 2, t0),
		entryAt(inStream("low2", "A", veil.Saliency{}), 3, t0),
	}
	scores := map[string]float64{"low1": 0, "pin": 0, "low2": 0}

	blocks := NewCompressor(nil).Compress(entries, CompressOptions{MergeThreshold: 0.5, Scores: scores})
	require.Len(t, blocks, 3)
	assert.True(t, blocks[1].Pinned)
}

func TestFacetSerializer(t *testing.T) {
	fs := NewFacetSerializer()

	assert.Equal(t, "[you said] hi", fs.Serialize(veil.Facet{Type: veil.FacetTypeSpeech, Content: "hi"}))
	assert.Equal(t, "[facet] x", fs.Serialize(veil.Facet{Content: "x"}))

	long := strings.Repeat("x", 80)
	got := fs.Serialize(veil.Facet{Type: "event", Content: "c", Attributes: map[string]any{"b": long, "a": []any{1, "two"}}})
	assert.True(t, strings.HasPrefix(got, "[event] c {a=[1 two], b="), got)
	assert.True(t, strings.HasSuffix(got, "...}"), got)

	assert.Equal(t, "[event] c", fs.WithAttributes(false).Serialize(veil.Facet{Type: "event", Content: "c", Attributes: map[string]any{"a": 1}}))
}

func TestFacetSerializer_DigestCapsItems(t *testing.T) {
	fs := NewFacetSerializer()
	facets := make([]veil.Facet, 10)
	for i := range facets {
		facets[i] = veil.Facet{Content: "item"}
	}
	got := fs.Digest("", facets)
	assert.True(t, strings.HasPrefix(got, "[digest all] 10 earlier items:"))
	assert.True(t, strings.HasSuffix(got, "+2 more"), got)
}

func TestTokenCounter(t *testing.T) {
	tc := NewTokenCounter()
	assert.Equal(t, 0, tc.CountString(""))
	assert.Equal(t, 1, tc.CountString("a"))
	assert.Equal(t, 1, tc.CountString("abcd"))
	assert.Equal(t, 2, tc.CountString("abcde"))
	assert.Equal(t, 1, tc.CountString("日本語"), "counts runes, not bytes")

	assert.Equal(t, 3, NewTokenCounterWithRatio(1).CountString("abc"))
	assert.Equal(t, 1, NewTokenCounterWithRatio(0).CountString("abc"), "invalid ratio falls back to default")
}

func TestTokenCounter_Truncate(t *testing.T) {
	tc := NewTokenCounter()
	text := strings.Repeat("word ", 20) // 100 runes, 25 tokens

	assert.Equal(t, text, tc.Truncate(text, 25))
	assert.Equal(t, "", tc.Truncate(text, 0))

	cut := tc.Truncate(text, 5)
	assert.Equal(t, 5, tc.CountString(cut))
	assert.Equal(t, 20, utf8.RuneCountInString(cut))
	assert.True(t, strings.HasSuffix(cut, "…"))
}

func TestTokenBudget(t *testing.T) {
	tb := NewTokenBudget(10)
	assert.True(t, tb.Allocate(6))
	assert.False(t, tb.Allocate(5))
	assert.True(t, tb.Allocate(4))
	assert.Equal(t, 0, tb.Available())
	assert.Equal(t, 1.0, tb.Utilization())

	tb.Force(5)
	assert.Equal(t, 15, tb.Used())
	assert.Equal(t, 0, tb.Available())
}
