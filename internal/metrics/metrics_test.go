package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	ctxcompress "veil/internal/context"
	"veil/internal/space"
	"veil/internal/veil"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ space.Recorder = (*Metrics)(nil)

func TestObservePass(t *testing.T) {
	m := New("")

	m.ObservePass(&space.PassResult{
		Trigger:    space.TriggerEvent,
		Iterations: 2,
		Frames:     []int64{4, 5},
		Deltas: []veil.FacetDelta{
			{Type: veil.DeltaAdded}, {Type: veil.DeltaAdded}, {Type: veil.DeltaRemoved},
		},
		StageErrors: []*space.StageError{{Stage: "chat", Role: space.RoleReceptor, Err: assert.AnError}},
		Duration:    3 * time.Millisecond,
	})
	m.ObservePass(&space.PassResult{
		Trigger:    space.TriggerEvent,
		Iterations: 32,
		Capped:     true,
		Dropped:    make([]veil.SpaceEvent, 3),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PassesTotal.WithLabelValues("event", OutcomeStageError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PassesTotal.WithLabelValues("event", OutcomeCapped)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeltasTotal.WithLabelValues("added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeltasTotal.WithLabelValues("removed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageErrorsTotal.WithLabelValues("receptor", "chat")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DroppedEventsTotal))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.LedgerSequence))
	assert.Equal(t, 2, testutil.CollectAndCount(m.PassesTotal))
}

func TestObserveRender(t *testing.T) {
	m := New("test")

	m.ObserveRender(&ctxcompress.RenderResult{
		TokensUsed: 250,
		MaxTokens:  1000,
		Evicted: []ctxcompress.EvictedBlock{
			{Reason: ctxcompress.EvictedBelowThreshold},
			{Reason: ctxcompress.EvictedBudget},
			{Reason: ctxcompress.EvictedBudget},
		},
	}, nil)
	m.ObserveRender(&ctxcompress.RenderResult{TokensUsed: 1200, MaxTokens: 1000},
		fmt.Errorf("render: %w", &ctxcompress.BudgetExceededError{PinnedTokens: 1200, MaxTokens: 1000}))
	m.ObserveRender(nil, assert.AnError)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RendersTotal.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RendersTotal.WithLabelValues(OutcomeBudgetExceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RendersTotal.WithLabelValues(OutcomeError)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EvictedBlocksTotal.WithLabelValues(string(ctxcompress.EvictedBudget))))
	assert.Equal(t, 1.2, testutil.ToFloat64(m.RenderUtilization))
}

func TestRecorderWiredIntoSpace(t *testing.T) {
	m := New("")
	s := space.New(space.WithRecorder(m))
	defer s.Close()

	_, err := s.ApplyFrame(context.Background(), veil.IncomingFrame{Operations: []veil.Operation{
		veil.AddFacet(veil.Facet{ID: "a", Type: "event"}),
	}})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PassesTotal.WithLabelValues("frame", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerSequence))

	lines, err := m.Summary()
	require.NoError(t, err)
	assert.Contains(t, lines, `veil_space_passes_total{outcome="ok",trigger="frame"} 1`)
	assert.Contains(t, lines, `veil_space_deltas_total{type="added"} 1`)
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = New("")
		_ = New("")
	}, "each Metrics owns its registry")
}
