package space

import (
	"context"
	"errors"
	"fmt"
	"time"

	"veil/internal/logging"
	"veil/internal/veil"

	"golang.org/x/sync/errgroup"
)

// loop drains the event queue, one event per iteration, until it is empty or
// the iteration cap is reached. Effector output is appended to the queue, so
// the loop is iterative and its depth constant.
func (s *Space) loop(ctx context.Context, p *pass, queue []veil.SpaceEvent) error {
	for len(queue) > 0 {
		if p.res.Iterations >= s.cfg.MaxIterations {
			p.res.Capped = true
			p.res.Dropped = queue
			p.log.Warn("iteration cap %d reached, dropping %d pending events (next topic %s)",
				s.cfg.MaxIterations, len(queue), queue[0].Topic)
			return nil
		}

		ev := queue[0]
		queue = queue[1:]
		p.res.Iterations++
		if ev.Timestamp.IsZero() {
			ev.Timestamp = p.at
		}
		p.res.Events = append(p.res.Events, ev)

		facets := s.runReceptors(p, ev)
		deltas, err := s.applySynthetic(p, facets, ev.Timestamp, false)
		if err != nil {
			return err
		}
		events, err := s.react(ctx, p, deltas, ev.Timestamp)
		if err != nil {
			return err
		}
		queue = append(queue, events...)
	}
	return nil
}

// react runs the transform and effector stages for the deltas of one
// iteration and returns the events effectors emitted. An iteration that
// changed nothing runs neither.
func (s *Space) react(ctx context.Context, p *pass, deltas []veil.FacetDelta, at time.Time) ([]veil.SpaceEvent, error) {
	if len(deltas) == 0 {
		return nil, nil
	}
	return s.derive(ctx, p, deltas, at)
}

// derive runs transforms against the current snapshot, stamping their output
// with at, and hands their deltas together with deltas to the effectors.
func (s *Space) derive(ctx context.Context, p *pass, deltas []veil.FacetDelta, at time.Time) ([]veil.SpaceEvent, error) {
	derived, err := s.runTransforms(p, at)
	if err != nil {
		return nil, err
	}
	merged := make([]veil.FacetDelta, 0, len(deltas)+len(derived))
	merged = append(merged, deltas...)
	merged = append(merged, derived...)
	return s.runEffectors(ctx, p, merged), nil
}

// =============================================================================
// Stages
// =============================================================================

func (s *Space) runReceptors(p *pass, ev veil.SpaceEvent) []veil.Facet {
	receptors, _, _ := s.stages()

	var matched []registered[Receptor]
	for _, r := range receptors {
		if subscribes(r.stage, ev.Topic) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		p.log.Debug("no receptor subscribed to %s", ev.Topic)
		return nil
	}

	outputs := make([][]veil.Facet, len(matched))
	errs := make([]error, len(matched))
	g := s.group()
	for i, r := range matched {
		g.Go(func() error {
			outputs[i], errs[i] = guard(func() ([]veil.Facet, error) {
				return r.stage.Transform(ev)
			})
			return nil
		})
	}
	_ = g.Wait()

	var facets []veil.Facet
	for i, r := range matched {
		if errs[i] == nil {
			errs[i] = validateFacets(outputs[i])
		}
		if errs[i] != nil {
			s.stageFailed(p, r.name, RoleReceptor, errs[i])
			continue
		}
		logging.StagesDebug("receptor %q produced %d facets for %s", r.name, len(outputs[i]), ev.Topic)
		facets = append(facets, outputs[i]...)
	}
	return facets
}

func (s *Space) runTransforms(p *pass, at time.Time) ([]veil.FacetDelta, error) {
	_, transforms, _ := s.stages()
	if len(transforms) == 0 {
		return nil, nil
	}

	state := s.store.State()
	outputs := make([][]veil.Facet, len(transforms))
	errs := make([]error, len(transforms))
	g := s.group()
	for i, t := range transforms {
		g.Go(func() error {
			outputs[i], errs[i] = guard(func() ([]veil.Facet, error) {
				return t.stage.Process(state)
			})
			return nil
		})
	}
	_ = g.Wait()

	var facets []veil.Facet
	for i, t := range transforms {
		if errs[i] == nil {
			errs[i] = validateFacets(outputs[i])
		}
		if errs[i] != nil {
			s.stageFailed(p, t.name, RoleTransform, errs[i])
			continue
		}
		logging.StagesDebug("transform %q produced %d facets", t.name, len(outputs[i]))
		facets = append(facets, outputs[i]...)
	}
	return s.applySynthetic(p, facets, at, true)
}

func (s *Space) runEffectors(ctx context.Context, p *pass, deltas []veil.FacetDelta) []veil.SpaceEvent {
	_, _, effectors := s.stages()

	type job struct {
		registered[Effector]
		deltas []veil.FacetDelta
	}
	var jobs []job
	for _, e := range effectors {
		if selected := selectDeltas(e.stage.FacetFilters(), deltas); len(selected) > 0 {
			jobs = append(jobs, job{registered: e, deltas: selected})
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	state := s.store.State()
	outputs := make([][]veil.SpaceEvent, len(jobs))
	errs := make([]error, len(jobs))
	g := s.group()
	for i, j := range jobs {
		g.Go(func() error {
			ectx := ctx
			if s.cfg.EffectorTimeout > 0 {
				var cancel context.CancelFunc
				ectx, cancel = context.WithTimeout(ctx, s.cfg.EffectorTimeout)
				defer cancel()
			}
			outputs[i], errs[i] = guard(func() ([]veil.SpaceEvent, error) {
				return j.stage.Process(ectx, j.deltas, state)
			})
			return nil
		})
	}
	_ = g.Wait()

	// Registration order, each effector's own emission order preserved.
	var events []veil.SpaceEvent
	for i, j := range jobs {
		if errs[i] != nil {
			s.stageFailed(p, j.name, RoleEffector, errs[i])
			continue
		}
		logging.StagesDebug("effector %q saw %d deltas, emitted %d events", j.name, len(j.deltas), len(outputs[i]))
		events = append(events, outputs[i]...)
	}
	return events
}

// group returns an errgroup honouring the configured stage concurrency.
// Stage functions never return errors to the group; failures are collected
// per instance so one failure cannot cancel its siblings.
func (s *Space) group() *errgroup.Group {
	g := new(errgroup.Group)
	if s.cfg.StageConcurrency > 0 {
		g.SetLimit(s.cfg.StageConcurrency)
	}
	return g
}

// guard runs fn, converting a panic into a *PanicError.
func guard[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}

func validateFacets(facets []veil.Facet) error {
	var errs []error
	for _, f := range facets {
		if err := veil.AddFacet(f).Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid output: %w", errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// Ledger writes
// =============================================================================

// applySynthetic applies stage output inside the current sequence, stamped
// with at. With skipUnchanged, facets identical to the live value are dropped
// so a transform that keeps re-deriving the same fact produces no delta.
func (s *Space) applySynthetic(p *pass, facets []veil.Facet, at time.Time, skipUnchanged bool) ([]veil.FacetDelta, error) {
	if len(facets) == 0 {
		return nil, nil
	}

	state := s.store.State()
	ops := make([]veil.Operation, 0, len(facets))
	for _, f := range facets {
		if skipUnchanged {
			if live, ok := state.Facet(f.ID); ok && live.Facet.Equal(f) {
				continue
			}
		}
		ops = append(ops, veil.AddFacet(f))
	}
	if len(ops) == 0 {
		return nil, nil
	}

	deltas, err := s.store.ApplySynthetic(ops, at)
	if err != nil {
		return nil, err
	}
	p.res.Synthetic++
	p.res.Deltas = append(p.res.Deltas, deltas...)
	return deltas, nil
}

// applyIncoming applies and journals an external frame. Synthetic writes are
// not journaled; replaying the journal through the same stages derives them
// again.
func (s *Space) applyIncoming(ctx context.Context, p *pass, frame veil.IncomingFrame) ([]veil.FacetDelta, error) {
	deltas, err := s.store.ApplyFrame(frame)
	if err != nil {
		return nil, err
	}
	p.res.Frames = append(p.res.Frames, frame.Sequence)
	p.res.Deltas = append(p.res.Deltas, deltas...)

	if s.journal != nil {
		if jerr := s.journal.RecordIncoming(ctx, frame); jerr != nil {
			p.log.Warn("journal frame %d failed: %v", frame.Sequence, jerr)
		}
	}
	return deltas, nil
}
