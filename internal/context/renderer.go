package context

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"veil/internal/logging"
	"veil/internal/veil"
)

// =============================================================================
// Context Renderer
// =============================================================================
// Pinned blocks are placed first, then the rest are accepted greedily in score
// order until the next block would overflow. Accepted blocks are emitted in
// chronological order so the context reads as a timeline.

// RenderRequest describes one render.
type RenderRequest struct {
	// State supplies timestamps, links and stream names. Required.
	State *veil.Snapshot

	// Blocks to select from. Nil means compress State with the configured
	// merge threshold.
	Blocks []Block

	// FocusStream defaults to State.Focus().
	FocusStream string

	// EvaluatingStream defaults to FocusStream.
	EvaluatingStream string

	// Now defaults to time.Now().
	Now time.Time
}

// Renderer selects blocks under a token budget and assembles messages.
type Renderer struct {
	config     RenderConfig
	scorer     *Scorer
	counter    *TokenCounter
	compressor *Compressor
}

// NewRenderer creates a renderer for config.
func NewRenderer(config RenderConfig) *Renderer {
	counter := NewTokenCounterWithRatio(config.CharsPerToken)
	return &Renderer{
		config:     config,
		scorer:     NewScorer(config),
		counter:    counter,
		compressor: NewCompressor(counter),
	}
}

// Scorer returns the renderer's scorer.
func (r *Renderer) Scorer() *Scorer {
	return r.scorer
}

type candidate struct {
	block Block
	score float64
}

// Render selects and assembles context. When pinned content alone exceeds the
// budget the result is still returned, together with a *BudgetExceededError.
func (r *Renderer) Render(req RenderRequest) (*RenderResult, error) {
	if req.State == nil {
		return nil, fmt.Errorf("render requires a state snapshot")
	}
	timer := logging.StartTimer(logging.CategoryContext, "Render")
	defer timer.Stop()

	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	if req.FocusStream == "" {
		req.FocusStream = req.State.Focus()
	}
	if req.EvaluatingStream == "" {
		req.EvaluatingStream = req.FocusStream
	}

	sc := ScoreContext{
		Now:              req.Now,
		FocusStream:      req.FocusStream,
		EvaluatingStream: req.EvaluatingStream,
		State:            req.State,
	}

	blocks := req.Blocks
	if blocks == nil {
		opts := CompressOptions{MergeThreshold: r.config.MergeThreshold}
		if opts.MergeThreshold > 0 {
			opts.Scores = r.scorer.ScoreMap(sc)
		}
		blocks = r.compressor.Compress(req.State.Facets(), opts)
	}

	result := &RenderResult{
		MaxTokens:        r.config.MaxContextTokens,
		CandidateTokens:  r.counter.CountBlocks(blocks),
		FocusStream:      req.FocusStream,
		EvaluatingStream: req.EvaluatingStream,
		RenderedAt:       req.Now,
	}

	var pinned, rest []candidate
	for _, b := range blocks {
		c := candidate{block: b, score: r.blockScore(b, sc)}
		if b.Pinned {
			pinned = append(pinned, c)
		} else {
			rest = append(rest, c)
		}
	}

	budget := NewTokenBudget(r.config.MaxContextTokens)
	var accepted []RenderedBlock

	// 1. Pinned blocks, unconditionally.
	sort.SliceStable(pinned, func(i, j int) bool { return pinned[i].block.before(pinned[j].block) })
	budgetErr := r.fitPinned(pinned, result)
	for _, c := range pinned {
		budget.Force(c.block.Tokens)
		accepted = append(accepted, RenderedBlock{
			Block:     c.block,
			Score:     c.score,
			Priority:  ClassifyPriority(c.score, r.config),
			Truncated: budgetErr != nil && containsString(budgetErr.Truncated, c.block.FacetID),
		})
	}
	result.PinnedTokens = budget.Used()

	// 2. Greedy pass over the rest, highest score first.
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].score != rest[j].score {
			return rest[i].score > rest[j].score
		}
		return rest[i].block.before(rest[j].block)
	})

	full := false
	for _, c := range rest {
		if c.score < r.config.ActivationThreshold {
			result.Evicted = append(result.Evicted, EvictedBlock{Block: c.block, Score: c.score, Reason: EvictedBelowThreshold})
			continue
		}
		if full || !budget.Allocate(c.block.Tokens) {
			full = true
			result.Evicted = append(result.Evicted, EvictedBlock{Block: c.block, Score: c.score, Reason: EvictedBudget})
			continue
		}
		accepted = append(accepted, RenderedBlock{
			Block:    c.block,
			Score:    c.score,
			Priority: ClassifyPriority(c.score, r.config),
		})
	}

	// 3. Chronological output order.
	sort.SliceStable(accepted, func(i, j int) bool { return accepted[i].Block.before(accepted[j].Block) })

	result.Selected = accepted
	result.TokensUsed = budget.Used()
	result.Messages = r.assemble(req, accepted)
	result.MessageTokens = r.counter.CountMessages(result.Messages)

	logging.ContextDebug("Render: focus=%s stream=%s selected=%d evicted=%d tokens=%d/%d",
		req.FocusStream, req.EvaluatingStream, len(accepted), len(result.Evicted),
		result.TokensUsed, r.config.MaxContextTokens)

	if budgetErr != nil {
		logging.ContextWarn("Render: %v", budgetErr)
		return result, budgetErr
	}
	return result, nil
}

// blockScore is the best score among a block's live sources.
func (r *Renderer) blockScore(b Block, sc ScoreContext) float64 {
	best := 0.0
	for _, id := range b.Sources {
		e, ok := sc.State.Facet(id)
		if !ok {
			continue
		}
		if s := r.scorer.Score(e, sc); s > best {
			best = s
		}
	}
	return best
}

// fitPinned truncates the oldest pinned blocks until pinned content fits.
// pinned must be in chronological order; blocks are modified in place.
func (r *Renderer) fitPinned(pinned []candidate, result *RenderResult) *BudgetExceededError {
	total := 0
	for _, c := range pinned {
		total += c.block.Tokens
	}
	if total <= r.config.MaxContextTokens {
		return nil
	}

	err := &BudgetExceededError{PinnedTokens: total, MaxTokens: r.config.MaxContextTokens}
	overflow := total - r.config.MaxContextTokens
	for i := range pinned {
		if overflow <= 0 {
			break
		}
		b := &pinned[i].block
		keep := max(0, b.Tokens-overflow)
		b.Text = r.counter.Truncate(b.Text, keep)
		newTokens := r.counter.CountString(b.Text)
		overflow -= b.Tokens - newTokens
		b.Tokens = newTokens
		err.Truncated = append(err.Truncated, b.FacetID)
	}
	return err
}

// assemble builds the system preamble and one content message.
func (r *Renderer) assemble(req RenderRequest, accepted []RenderedBlock) []Message {
	var sys strings.Builder
	sys.WriteString(r.config.SystemPreamble)

	if req.EvaluatingStream != "" {
		if sys.Len() > 0 {
			sys.WriteString("\n\n")
		}
		sys.WriteString("Active stream: ")
		sys.WriteString(streamLabel(req.State, req.EvaluatingStream))
	}
	if streams := req.State.Streams(); len(streams) > 1 {
		names := make([]string, 0, len(streams))
		for _, st := range streams {
			if st.ID != req.EvaluatingStream {
				names = append(names, streamLabel(req.State, st.ID))
			}
		}
		sys.WriteString("\nOther streams: ")
		sys.WriteString(strings.Join(names, ", "))
	}

	var body strings.Builder
	for i, rb := range accepted {
		if i > 0 {
			body.WriteString("\n")
		}
		body.WriteString(rb.Block.Text)
		if rb.Block.Stream != "" && rb.Block.Stream != req.EvaluatingStream {
			body.WriteString(" (from ")
			body.WriteString(streamLabel(req.State, rb.Block.Stream))
			body.WriteString(")")
		}
	}

	msgs := make([]Message, 0, 2)
	if sys.Len() > 0 {
		msgs = append(msgs, Message{Role: RoleSystem, Content: sys.String()})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: body.String()})
	return msgs
}

func streamLabel(state *veil.Snapshot, id string) string {
	if st, ok := state.Stream(id); ok && st.Name != "" && st.Name != id {
		return fmt.Sprintf("%s (%s)", st.Name, id)
	}
	return id
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
