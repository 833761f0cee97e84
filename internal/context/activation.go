package context

import (
	"math"
	"sort"

	"veil/internal/logging"
	"veil/internal/veil"
)

// =============================================================================
// Saliency Scorer
// =============================================================================
// Precedence: pinned → decay → reference floor → stream relevance → focus
// boost → link propagation. The scorer holds no mutable state.

// Scorer computes saliency scores for facets.
type Scorer struct {
	config RenderConfig
}

// NewScorer creates a scorer with the given constants.
func NewScorer(config RenderConfig) *Scorer {
	return &Scorer{config: config}
}

// Config returns the scorer's constants.
func (s *Scorer) Config() RenderConfig {
	return s.config
}

// Score returns the saliency of entry under sc. The result is always ≥ 0 and
// depends only on its inputs.
func (s *Scorer) Score(entry veil.Entry, sc ScoreContext) float64 {
	return s.score(entry, sc, 0)
}

// maxLinkDepth bounds link recursion so cyclic links terminate.
const maxLinkDepth = 1

func (s *Scorer) score(entry veil.Entry, sc ScoreContext, depth int) float64 {
	f := entry.Facet

	if f.IsPinned() {
		return s.config.PinnedScore
	}

	score := 1.0 // base
	score *= s.decay(entry, sc)

	relevant := relevantTo(f, sc.EvaluatingStream)
	crossStream := f.Saliency != nil && f.Saliency.CrossStream
	if !relevant && !crossStream {
		score *= s.config.OutOfFocusPenalty
	}

	if relevant && sc.EvaluatingStream != "" && sc.EvaluatingStream == sc.FocusStream {
		score *= s.config.FocusBoost
	}

	if depth < maxLinkDepth && sc.State != nil {
		if linked, ok := s.linkScore(f, sc, depth); ok && linked > score {
			score = linked
		}
	}

	if score < 0 || math.IsNaN(score) {
		return 0
	}
	return score
}

// decay returns the age multiplier in [0,1], floored for reference facets.
func (s *Scorer) decay(entry veil.Entry, sc ScoreContext) float64 {
	d := 1.0
	if sal := entry.Facet.Saliency; sal != nil && sal.Transient > 0 {
		elapsed := sc.Now.Sub(entry.UpdatedAt).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		d = math.Exp(-s.config.TransientDecayRate * sal.Transient * elapsed)
	}
	if entry.Facet.IsReference() && d < s.config.ReferenceFloor {
		d = s.config.ReferenceFloor
	}
	return d
}

// linkScore returns mean(linked scores) * dampening over both directions of
// coupling. Dead links contribute zero. ok is false when there are no links.
func (s *Scorer) linkScore(f veil.Facet, sc ScoreContext, depth int) (float64, bool) {
	ids := linkedIDs(f, sc.State)
	if len(ids) == 0 {
		return 0, false
	}

	sum := 0.0
	for _, id := range ids {
		linked, ok := sc.State.Facet(id)
		if !ok {
			continue // dead link
		}
		ls := s.score(linked, sc, depth+1)
		if ls > s.config.LinkCeiling {
			ls = s.config.LinkCeiling
		}
		sum += ls
	}
	return sum / float64(len(ids)) * s.config.LinkDampening, true
}

// linkedIDs merges a facet's own linkedTo with the facets linking to it.
func linkedIDs(f veil.Facet, state *veil.Snapshot) []string {
	own := f.Links()
	back := state.LinkedFrom(f.ID)
	if len(own) == 0 && len(back) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(own)+len(back))
	ids := make([]string, 0, len(own)+len(back))
	for _, group := range [][]string{own, back} {
		for _, id := range group {
			if id == f.ID || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// relevantTo reports whether a facet is addressed to stream. Facets with no
// streams, and evaluations with no stream, are always relevant.
func relevantTo(f veil.Facet, stream string) bool {
	streams := f.RelevantStreams()
	if len(streams) == 0 || stream == "" {
		return true
	}
	for _, s := range streams {
		if s == stream {
			return true
		}
	}
	return false
}

// ScoreAll scores every live facet in sc.State, sorted by score descending
// with chronological order breaking ties.
func (s *Scorer) ScoreAll(sc ScoreContext) []ScoredFacet {
	if sc.State == nil {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryContext, "ScoreAll")
	defer timer.Stop()

	entries := sc.State.Facets()
	scored := make([]ScoredFacet, 0, len(entries))
	for _, e := range entries {
		score := s.Score(e, sc)
		scored = append(scored, ScoredFacet{
			Entry:    e,
			Score:    score,
			Priority: ClassifyPriority(score, s.config),
		})
	}

	// Entries arrive in chronological order, so a stable sort keeps it for ties.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > 0 {
		above := 0
		for _, sf := range scored {
			if sf.Score >= s.config.ActivationThreshold {
				above++
			}
		}
		logging.ContextDebug("Saliency scoring: stream=%s focus=%s top_score=%.3f above_threshold=%d/%d",
			sc.EvaluatingStream, sc.FocusStream, scored[0].Score, above, len(scored))
	}

	return scored
}

// ScoreMap returns facet id → score for every live facet.
func (s *Scorer) ScoreMap(sc ScoreContext) map[string]float64 {
	out := make(map[string]float64)
	if sc.State == nil {
		return out
	}
	for _, e := range sc.State.Facets() {
		out[e.Facet.ID] = s.Score(e, sc)
	}
	return out
}

// ClassifyPriority maps a score to its priority band.
func ClassifyPriority(score float64, config RenderConfig) Priority {
	switch {
	case score >= config.HighThreshold:
		return PriorityHigh
	case score >= config.MediumThreshold:
		return PriorityMedium
	case score >= config.ActivationThreshold:
		return PriorityLow
	default:
		return PriorityNone
	}
}
