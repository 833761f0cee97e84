package context

import (
	"veil/internal/logging"
	"veil/internal/veil"
)

// =============================================================================
// Compression Engine
// =============================================================================
// Maps the live facet set to renderable blocks. The default is one block per
// facet. With a merge threshold, consecutive low-salience facets of the same
// stream collapse into one digest block that traces back to every source.

// CompressOptions controls a compression pass.
type CompressOptions struct {
	// Facets scoring below MergeThreshold are merge candidates (0 = off).
	MergeThreshold float64

	// Scores keyed by facet id; required when MergeThreshold > 0.
	Scores map[string]float64
}

// Compressor builds blocks from facets.
type Compressor struct {
	counter    *TokenCounter
	serializer *FacetSerializer
}

// NewCompressor creates a compressor that estimates with counter.
func NewCompressor(counter *TokenCounter) *Compressor {
	if counter == nil {
		counter = NewTokenCounter()
	}
	return &Compressor{
		counter:    counter,
		serializer: NewFacetSerializer(),
	}
}

// Compress converts entries (in chronological order) into blocks.
func (c *Compressor) Compress(entries []veil.Entry, opts CompressOptions) []Block {
	blocks := make([]Block, 0, len(entries))

	var run []veil.Entry
	runStream := ""
	flush := func() {
		switch len(run) {
		case 0:
		case 1:
			blocks = append(blocks, c.single(run[0]))
		default:
			blocks = append(blocks, c.digest(runStream, run))
		}
		run = run[:0]
	}

	for _, e := range entries {
		if !c.mergeable(e, opts) {
			flush()
			blocks = append(blocks, c.single(e))
			continue
		}
		stream := primaryStream(e.Facet)
		if len(run) > 0 && stream != runStream {
			flush()
		}
		runStream = stream
		run = append(run, e)
	}
	flush()

	logging.ContextDebug("Compress: %d facets -> %d blocks (merge_threshold=%.3f)",
		len(entries), len(blocks), opts.MergeThreshold)
	return blocks
}

func (c *Compressor) mergeable(e veil.Entry, opts CompressOptions) bool {
	if opts.MergeThreshold <= 0 || opts.Scores == nil {
		return false
	}
	if e.Facet.IsPinned() || e.Facet.IsReference() {
		return false
	}
	score, ok := opts.Scores[e.Facet.ID]
	return ok && score < opts.MergeThreshold
}

func (c *Compressor) single(e veil.Entry) Block {
	text := c.serializer.Serialize(e.Facet)
	return Block{
		FacetID:  e.Facet.ID,
		Sources:  []string{e.Facet.ID},
		Stream:   primaryStream(e.Facet),
		Type:     e.Facet.Type,
		Sequence: e.Sequence,
		Revision: e.Revision,
		Text:     text,
		Tokens:   c.counter.CountString(text),
		Pinned:   e.Facet.IsPinned(),
	}
}

func (c *Compressor) digest(stream string, run []veil.Entry) Block {
	facets := make([]veil.Facet, len(run))
	sources := make([]string, len(run))
	for i, e := range run {
		facets[i] = e.Facet
		sources[i] = e.Facet.ID
	}
	text := c.serializer.Digest(stream, facets)
	return Block{
		FacetID:  sources[0],
		Sources:  sources,
		Stream:   stream,
		Type:     "digest",
		Sequence: run[0].Sequence,
		Revision: run[0].Revision,
		Text:     text,
		Tokens:   c.counter.CountString(text),
		Merged:   true,
	}
}

func primaryStream(f veil.Facet) string {
	if streams := f.RelevantStreams(); len(streams) > 0 {
		return streams[0]
	}
	return ""
}
