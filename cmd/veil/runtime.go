package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"veil/internal/bus"
	"veil/internal/config"
	ctxcompress "veil/internal/context"
	"veil/internal/derive"
	"veil/internal/journal"
	"veil/internal/ledger"
	"veil/internal/metrics"
	"veil/internal/space"
	"veil/internal/veil"

	"go.uber.org/zap"
)

// runtime wires a Space to the collaborators enabled in config.
type runtime struct {
	space   *space.Space
	journal *journal.Journal
	bus     *bus.Bus
	metrics *metrics.Metrics

	mu       sync.RWMutex
	renderer *ctxcompress.Renderer

	// Timestamp of the last applied frame, the default render time
	lastFrameAt time.Time
}

func newRuntime(c *config.Config) (*runtime, error) {
	rt := &runtime{renderer: ctxcompress.NewRenderer(c.RenderSettings())}

	opts := []space.Option{space.WithConfig(space.Config{
		MaxIterations:    c.Space.MaxIterations,
		StageConcurrency: c.Space.StageConcurrency,
		EffectorTimeout:  c.GetEffectorTimeout(),
		RecordOutgoing:   c.Space.RecordOutgoing,
	})}

	jpath := journalPath
	if jpath == "" && c.Journal.Enabled {
		jpath = c.Journal.Path
	}
	if jpath != "" {
		j, err := journal.Open(jpath)
		if err != nil {
			return nil, err
		}
		rt.journal = j
		opts = append(opts, space.WithJournal(j))
	}
	if c.Bus.Enabled {
		rt.bus = bus.New(bus.Config{Buffer: c.Bus.Buffer})
		opts = append(opts, space.WithObserver(rt.bus))
	}
	if c.Metrics.Enabled {
		rt.metrics = metrics.New(c.Metrics.Namespace)
		opts = append(opts, space.WithRecorder(rt.metrics))
	}

	rt.space = space.New(opts...)

	if rulesPath != "" {
		rules, err := derive.LoadRuleTransform(rulesPath)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := rt.space.RegisterTransform("rules", rules); err != nil {
			rt.Close()
			return nil, err
		}
		logger.Debug("rules loaded", zap.String("path", rulesPath), zap.Int("rules", rules.RuleCount()))
	}
	return rt, nil
}

// Close shuts the space down, then its collaborators.
func (rt *runtime) Close() error {
	errs := []error{rt.space.Close()}
	if rt.bus != nil {
		errs = append(errs, rt.bus.Close())
	}
	if rt.journal != nil {
		errs = append(errs, rt.journal.Close())
	}
	return errors.Join(errs...)
}

// Replay applies frames in order. onPass sees every pass, including rejected
// frames (nil result) and passes that hit the iteration cap; only context
// errors stop the replay.
func (rt *runtime) Replay(ctx context.Context, frames []veil.AnyFrame, onPass func(veil.AnyFrame, *space.PassResult, error)) error {
	for _, f := range frames {
		var (
			res *space.PassResult
			err error
			ts  time.Time
		)
		switch {
		case f.Incoming != nil:
			res, err = rt.space.ApplyFrame(ctx, *f.Incoming)
			ts = f.Incoming.Timestamp
		case f.Outgoing != nil:
			res, err = rt.space.EmitOutgoing(ctx, *f.Outgoing)
			ts = f.Outgoing.Timestamp
		default:
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, ledger.ErrInvalidFrame) && !errors.Is(err, space.ErrIterationCap) {
			return err
		}
		if err == nil && ts.After(rt.lastFrameAt) {
			rt.lastFrameAt = ts
		}
		if onPass != nil {
			onPass(f, res, err)
		}
	}
	return nil
}

// Render renders the current state.
func (rt *runtime) Render(focus string, now time.Time) (*ctxcompress.RenderResult, error) {
	rt.mu.RLock()
	r := rt.renderer
	rt.mu.RUnlock()

	res, err := r.Render(ctxcompress.RenderRequest{
		State:       rt.space.State(),
		FocusStream: focus,
		Now:         now,
	})
	if rt.metrics != nil {
		rt.metrics.ObserveRender(res, err)
	}
	return res, err
}

// Reconfigure swaps the renderer for new render settings.
func (rt *runtime) Reconfigure(c *config.Config) {
	rt.mu.Lock()
	rt.renderer = ctxcompress.NewRenderer(c.RenderSettings())
	rt.mu.Unlock()
}

// Scorer returns the current renderer's scorer.
func (rt *runtime) Scorer() *ctxcompress.Scorer {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.renderer.Scorer()
}

// renderTime resolves the evaluation time: an explicit --at wins, otherwise
// the last frame timestamp plus --after, falling back to the wall clock.
func (rt *runtime) renderTime(at string, after time.Duration) (time.Time, error) {
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at time %q: %w", at, err)
		}
		return t, nil
	}
	if rt.lastFrameAt.IsZero() {
		return time.Now().Add(after), nil
	}
	return rt.lastFrameAt.Add(after), nil
}

// readFrames loads a frame file; "-" reads stdin.
func readFrames(path string, stdin io.Reader) ([]veil.AnyFrame, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read frames: %w", err)
	}

	name := framesFormat
	if name == "" && path != "-" {
		name = filepath.Ext(path)
	}
	format, err := veil.ParseFormat(name)
	if err != nil {
		return nil, err
	}
	return veil.DecodeFrames(data, format)
}

// loadRuntime builds a runtime and replays the frame file into it.
func loadRuntime(ctx context.Context, path string, stdin io.Reader, onPass func(veil.AnyFrame, *space.PassResult, error)) (*runtime, error) {
	frames, err := readFrames(path, stdin)
	if err != nil {
		return nil, err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return nil, err
	}
	if err := rt.Replay(ctx, frames, onPass); err != nil {
		rt.Close()
		return nil, err
	}
	logger.Debug("frames replayed",
		zap.Int("frames", len(frames)),
		zap.Int64("sequence", rt.space.Sequence()),
		zap.Int("facets", rt.space.State().Len()))
	return rt, nil
}
