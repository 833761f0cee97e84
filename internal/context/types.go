// Package context turns the live facet set into a token-bounded context for a
// language-model call.
//
// The pipeline is score → compress → render. Scoring is a pure function of a
// read-only snapshot and a clock, so rendering may run concurrently with
// ledger updates and simply sees a slightly stale view.
package context

import (
	"errors"
	"fmt"
	"time"

	"veil/internal/veil"
)

// =============================================================================
// SECTION 1: Configuration Types
// =============================================================================

// RenderConfig holds the render budget and every tunable scoring constant.
type RenderConfig struct {
	// Token ceiling for selected blocks (the preamble is not counted)
	MaxContextTokens int

	// Multiplier for facets relevant to the focused stream (> 1)
	FocusBoost float64

	// Global decay rate; per-facet transient multiplies it
	TransientDecayRate float64

	// Multiplier for facets not relevant to the evaluating stream (< 1)
	OutOfFocusPenalty float64

	// Minimum decay factor for reference facets
	ReferenceFloor float64

	// Link propagation: score = max(own, mean(linked) * LinkDampening),
	// with each linked score clamped to LinkCeiling first.
	LinkDampening float64
	LinkCeiling   float64

	// Score returned for pinned facets
	PinnedScore float64

	// Priority bands. Blocks scoring below ActivationThreshold never render.
	ActivationThreshold float64
	MediumThreshold     float64
	HighThreshold       float64

	// Token estimate calibration
	CharsPerToken int

	// Facets scoring below this are merged per stream during compression (0 = off)
	MergeThreshold float64

	// Text placed at the top of the system message
	SystemPreamble string
}

// DefaultRenderConfig returns the default render configuration.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		MaxContextTokens:    8000,
		FocusBoost:          1.5,
		TransientDecayRate:  0.01,
		OutOfFocusPenalty:   0.2,
		ReferenceFloor:      0.5,
		LinkDampening:       0.5,
		LinkCeiling:         1.0,
		PinnedScore:         1000.0,
		ActivationThreshold: 0.1,
		MediumThreshold:     0.25,
		HighThreshold:       0.75,
		CharsPerToken:       4,
		MergeThreshold:      0,
		SystemPreamble:      "You are an agent observing a shared world. The state below is ordered chronologically.",
	}
}

// =============================================================================
// SECTION 2: Scoring Types
// =============================================================================

// ScoreContext is the evaluation context for one scoring call.
type ScoreContext struct {
	Now              time.Time
	FocusStream      string
	EvaluatingStream string

	// State resolves linked facets. Nil disables link propagation.
	State *veil.Snapshot
}

// Priority is a coarse relevance band.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
	PriorityNone   Priority = "none" // below activation threshold
)

// ScoredFacet represents a facet with its saliency score.
type ScoredFacet struct {
	Entry    veil.Entry
	Score    float64
	Priority Priority
}

// =============================================================================
// SECTION 3: Block and Render Types
// =============================================================================

// Block is a renderable unit of content. Every block traces back to at least
// one source facet.
type Block struct {
	FacetID  string   // primary source
	Sources  []string // all source facet ids, primary first
	Stream   string   // primary relevant stream ("" = everywhere)
	Type     string
	Sequence int64
	Revision uint64
	Text     string
	Tokens   int
	Pinned   bool
	Merged   bool // digest of several low-salience facets
}

// before orders blocks chronologically.
func (b Block) before(other Block) bool {
	if b.Sequence != other.Sequence {
		return b.Sequence < other.Sequence
	}
	return b.Revision < other.Revision
}

// Role tags a rendered message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one role-tagged message of render output.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RenderedBlock is a block accepted into the render.
type RenderedBlock struct {
	Block     Block
	Score     float64
	Priority  Priority
	Truncated bool
}

// EvictionReason explains why a block was left out.
type EvictionReason string

const (
	EvictedBelowThreshold EvictionReason = "below_threshold"
	EvictedBudget         EvictionReason = "budget"
)

// EvictedBlock is a block that did not make it into the render.
type EvictedBlock struct {
	Block  Block
	Score  float64
	Reason EvictionReason
}

// RenderResult is the output of a render pass.
type RenderResult struct {
	Messages []Message

	// Accepted blocks in output (chronological) order
	Selected []RenderedBlock
	Evicted  []EvictedBlock

	TokensUsed   int
	PinnedTokens int
	MaxTokens    int

	// CandidateTokens totals every block offered for selection.
	CandidateTokens int
	// MessageTokens estimates the assembled messages, preamble and stream
	// labels included.
	MessageTokens int

	FocusStream      string
	EvaluatingStream string
	RenderedAt       time.Time
}

// Contains reports whether a facet contributed to any selected block.
func (r *RenderResult) Contains(facetID string) bool {
	_, ok := r.Find(facetID)
	return ok
}

// Find returns the selected block that a facet contributed to.
func (r *RenderResult) Find(facetID string) (RenderedBlock, bool) {
	for _, rb := range r.Selected {
		for _, id := range rb.Block.Sources {
			if id == facetID {
				return rb, true
			}
		}
	}
	return RenderedBlock{}, false
}

// =============================================================================
// SECTION 4: Errors
// =============================================================================

// ErrBudgetExceeded is reported when pinned content alone exceeds the budget.
var ErrBudgetExceeded = errors.New("pinned content exceeds context budget")

// BudgetExceededError carries the detail of an over-budget render. The render
// still completes; the oldest pinned blocks are truncated to fit.
type BudgetExceededError struct {
	PinnedTokens int
	MaxTokens    int
	Truncated    []string // facet ids of truncated pinned blocks, oldest first
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%v: %d pinned tokens > %d max (truncated %v)",
		ErrBudgetExceeded, e.PinnedTokens, e.MaxTokens, e.Truncated)
}

func (e *BudgetExceededError) Unwrap() error {
	return ErrBudgetExceeded
}
