// Package metrics exposes Prometheus collectors for pipeline passes and
// context renders. Collectors live on a private registry so several Spaces
// (and tests) can coexist in one process.
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	ctxcompress "veil/internal/context"
	"veil/internal/space"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name when none is configured.
const DefaultNamespace = "veil"

const (
	spaceSubsystem  = "space"
	renderSubsystem = "render"
)

// Pass outcomes used as label values.
const (
	OutcomeOK         = "ok"
	OutcomeStageError = "stage_error"
	OutcomeCapped     = "capped"

	OutcomeBudgetExceeded = "budget_exceeded"
	OutcomeError          = "error"
)

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	// PassesTotal counts passes by trigger and outcome.
	PassesTotal *prometheus.CounterVec

	// PassIterations observes loop iterations per pass.
	PassIterations prometheus.Histogram

	// PassDurationSeconds observes wall time per pass by trigger.
	PassDurationSeconds *prometheus.HistogramVec

	// DeltasTotal counts facet deltas by type.
	DeltasTotal *prometheus.CounterVec

	// StageErrorsTotal counts isolated stage failures by role and stage name.
	StageErrorsTotal *prometheus.CounterVec

	// DroppedEventsTotal counts events discarded at the iteration cap.
	DroppedEventsTotal prometheus.Counter

	// LedgerSequence is the last frame sequence a pass applied.
	LedgerSequence prometheus.Gauge

	// RendersTotal counts renders by outcome.
	RendersTotal *prometheus.CounterVec

	// RenderTokens observes tokens used per render.
	RenderTokens prometheus.Histogram

	// RenderUtilization is the budget share used by the last render.
	RenderUtilization prometheus.Gauge

	// EvictedBlocksTotal counts blocks left out of renders by reason.
	EvictedBlocksTotal *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PassesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: spaceSubsystem,
				Name:      "passes_total",
				Help:      "Pipeline passes by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		PassIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: spaceSubsystem,
				Name:      "pass_iterations",
				Help:      "Feedback loop iterations per pass",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
		PassDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: spaceSubsystem,
				Name:      "pass_duration_seconds",
				Help:      "Wall time per pass in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"trigger"},
		),
		DeltasTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: spaceSubsystem,
				Name:      "deltas_total",
				Help:      "Facet deltas applied to the ledger by type",
			},
			[]string{"type"},
		),
		StageErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: spaceSubsystem,
				Name:      "stage_errors_total",
				Help:      "Isolated stage failures by role and stage",
			},
			[]string{"role", "stage"},
		),
		DroppedEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: spaceSubsystem,
				Name:      "dropped_events_total",
				Help:      "Events dropped when a pass hit the iteration cap",
			},
		),
		LedgerSequence: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: spaceSubsystem,
				Name:      "ledger_sequence",
				Help:      "Last frame sequence applied by a pass",
			},
		),
		RendersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: renderSubsystem,
				Name:      "renders_total",
				Help:      "Context renders by outcome",
			},
			[]string{"outcome"},
		),
		RenderTokens: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: renderSubsystem,
				Name:      "tokens",
				Help:      "Estimated tokens used per render",
				Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
			},
		),
		RenderUtilization: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: renderSubsystem,
				Name:      "budget_utilization",
				Help:      "Share of the token budget used by the last render",
			},
		),
		EvictedBlocksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: renderSubsystem,
				Name:      "evicted_blocks_total",
				Help:      "Blocks left out of renders by reason",
			},
			[]string{"reason"},
		),
	}
}

// Registry returns the private registry, for exposition or gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePass implements space.Recorder.
func (m *Metrics) ObservePass(res *space.PassResult) {
	trigger := string(res.Trigger)

	outcome := OutcomeOK
	switch {
	case res.Capped:
		outcome = OutcomeCapped
	case len(res.StageErrors) > 0:
		outcome = OutcomeStageError
	}
	m.PassesTotal.WithLabelValues(trigger, outcome).Inc()
	m.PassIterations.Observe(float64(res.Iterations))
	m.PassDurationSeconds.WithLabelValues(trigger).Observe(res.Duration.Seconds())

	for _, d := range res.Deltas {
		m.DeltasTotal.WithLabelValues(string(d.Type)).Inc()
	}
	for _, se := range res.StageErrors {
		m.StageErrorsTotal.WithLabelValues(string(se.Role), se.Stage).Inc()
	}
	m.DroppedEventsTotal.Add(float64(len(res.Dropped)))
	if n := len(res.Frames); n > 0 {
		m.LedgerSequence.Set(float64(res.Frames[n-1]))
	}
}

// ObserveRender records a render and the error it returned, if any.
func (m *Metrics) ObserveRender(res *ctxcompress.RenderResult, err error) {
	switch {
	case errors.Is(err, ctxcompress.ErrBudgetExceeded):
		m.RendersTotal.WithLabelValues(OutcomeBudgetExceeded).Inc()
	case err != nil:
		m.RendersTotal.WithLabelValues(OutcomeError).Inc()
	default:
		m.RendersTotal.WithLabelValues(OutcomeOK).Inc()
	}
	if res == nil {
		return
	}

	m.RenderTokens.Observe(float64(res.TokensUsed))
	if res.MaxTokens > 0 {
		m.RenderUtilization.Set(float64(res.TokensUsed) / float64(res.MaxTokens))
	}
	for _, ev := range res.Evicted {
		m.EvictedBlocksTotal.WithLabelValues(string(ev.Reason)).Inc()
	}
}

// Summary gathers the registry into sorted "name{labels} value" lines.
// Histograms report their sample count and sum.
func (m *Metrics) Summary() ([]string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var lines []string
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			var labels []string
			for _, lp := range metric.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}

			switch {
			case metric.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", name, metric.GetCounter().GetValue()))
			case metric.GetGauge() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", name, metric.GetGauge().GetValue()))
			case metric.GetHistogram() != nil:
				h := metric.GetHistogram()
				lines = append(lines, fmt.Sprintf("%s count=%d sum=%g", name, h.GetSampleCount(), h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)
	return lines, nil
}
