// Package space runs the veil pipeline: receptors turn events into facets,
// transforms derive facets from the updated snapshot, effectors react to the
// resulting deltas and may emit further events, which loop back to receptors
// under an iteration cap.
//
// A Space exclusively owns its ledger. Passes are serialized; within a pass,
// receptors, transforms and effectors of one stage run concurrently and are
// joined before the next stage begins.
package space

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"veil/internal/ledger"
	"veil/internal/logging"
	"veil/internal/veil"

	"github.com/google/uuid"
)

// DefaultMaxIterations bounds the effector feedback loop when no limit is configured.
const DefaultMaxIterations = 32

// Config tunes a Space.
type Config struct {
	MaxIterations    int           // loop iterations per pass, counting the triggering frame or event
	StageConcurrency int           // max concurrent stage instances per stage; 0 = unlimited
	EffectorTimeout  time.Duration // per-effector deadline; 0 = none
	RecordOutgoing   bool          // record speak/toolCall as ledger facets
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   DefaultMaxIterations,
		EffectorTimeout: 30 * time.Second,
		RecordOutgoing:  true,
	}
}

// Journal persists every frame the ledger accepts.
type Journal interface {
	RecordIncoming(ctx context.Context, frame veil.IncomingFrame) error
	RecordOutgoing(ctx context.Context, frame veil.OutgoingFrame) error
}

// Observer receives the outcome of every pass. Observers are read-only.
type Observer interface {
	PublishPass(ctx context.Context, result *PassResult) error
}

// Recorder collects pass statistics.
type Recorder interface {
	ObservePass(result *PassResult)
}

// Option configures a Space.
type Option func(*Space)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Space) { s.cfg = cfg }
}

// WithStore uses an existing ledger instead of creating one. The Space takes
// ownership; nothing else may apply frames to it.
func WithStore(store *ledger.Store) Option {
	return func(s *Space) { s.store = store }
}

// WithJournal records every accepted frame.
func WithJournal(j Journal) Option {
	return func(s *Space) { s.journal = j }
}

// WithObserver publishes every pass result.
func WithObserver(o Observer) Option {
	return func(s *Space) { s.observer = o }
}

// WithRecorder feeds every pass result to a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Space) { s.recorder = r }
}

// WithClock sets the clock used for event timestamps and the owned ledger.
func WithClock(now func() time.Time) Option {
	return func(s *Space) { s.now = now }
}

type registered[T any] struct {
	name  string
	stage T
}

// Space is the pipeline orchestrator.
type Space struct {
	passMu sync.Mutex // held for the whole of a pass

	regMu      sync.RWMutex
	names      map[string]Role
	receptors  []registered[Receptor]
	transforms []registered[Transform]
	effectors  []registered[Effector]

	store    *ledger.Store
	cfg      Config
	journal  Journal
	observer Observer
	recorder Recorder
	now      func() time.Time

	closed atomic.Bool
}

// New creates a Space with an empty ledger unless WithStore is given.
func New(opts ...Option) *Space {
	s := &Space{
		cfg:   DefaultConfig(),
		names: make(map[string]Role),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MaxIterations <= 0 {
		s.cfg.MaxIterations = DefaultMaxIterations
	}
	if s.store == nil {
		s.store = ledger.New(
			ledger.WithClock(ledger.Clock(s.now)),
			ledger.WithRecordOutgoing(s.cfg.RecordOutgoing),
		)
	}
	logging.SpaceDebug("space created: max_iterations=%d stage_concurrency=%d effector_timeout=%v",
		s.cfg.MaxIterations, s.cfg.StageConcurrency, s.cfg.EffectorTimeout)
	return s
}

// State returns the ledger's current read-only snapshot. Safe to call
// concurrently with passes; the snapshot may be one pass stale.
func (s *Space) State() *veil.Snapshot {
	return s.store.State()
}

// Sequence returns the last applied frame sequence.
func (s *Space) Sequence() int64 {
	return s.store.Sequence()
}

// =============================================================================
// Registration
// =============================================================================

// RegisterReceptor adds a receptor under a unique name.
func (s *Space) RegisterReceptor(name string, r Receptor) error {
	return s.register(name, RoleReceptor, func() {
		s.receptors = append(s.receptors, registered[Receptor]{name: name, stage: r})
	})
}

// RegisterTransform adds a transform under a unique name. Transforms run in
// registration order when their outputs collide on an id.
func (s *Space) RegisterTransform(name string, t Transform) error {
	return s.register(name, RoleTransform, func() {
		s.transforms = append(s.transforms, registered[Transform]{name: name, stage: t})
	})
}

// RegisterEffector adds an effector under a unique name.
func (s *Space) RegisterEffector(name string, e Effector) error {
	return s.register(name, RoleEffector, func() {
		s.effectors = append(s.effectors, registered[Effector]{name: name, stage: e})
	})
}

func (s *Space) register(name string, role Role, add func()) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if name == "" {
		return fmt.Errorf("%s name must not be empty", role)
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()
	if existing, dup := s.names[name]; dup {
		return fmt.Errorf("%w: %q already registered as %s", ErrDuplicateStage, name, existing)
	}
	s.names[name] = role
	add()
	logging.SpaceDebug("registered %s %q", role, name)
	return nil
}

func (s *Space) stages() ([]registered[Receptor], []registered[Transform], []registered[Effector]) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return append([]registered[Receptor](nil), s.receptors...),
		append([]registered[Transform](nil), s.transforms...),
		append([]registered[Effector](nil), s.effectors...)
}

// =============================================================================
// Entry points
// =============================================================================

// Dispatch runs one full pass for an externally injected event.
//
// The returned error is non-nil only when the pass could not run or was cut
// short by the iteration cap; per-stage failures are in result.StageErrors.
func (s *Space) Dispatch(ctx context.Context, event veil.SpaceEvent) (*PassResult, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	defer s.passMu.Unlock()

	p := s.newPass(TriggerEvent, event.Timestamp)
	logging.SpaceDebug("pass %s: dispatch topic=%s", p.res.ID, event.Topic)
	err := s.loop(ctx, p, []veil.SpaceEvent{event})
	return s.finish(ctx, p, err)
}

// ApplyFrame applies an external incoming frame and runs the pass it
// triggers. A frame with sequence 0 is assigned the next sequence. A rejected
// frame returns the ledger's *InvalidFrameError and runs no pass.
func (s *Space) ApplyFrame(ctx context.Context, frame veil.IncomingFrame) (*PassResult, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	defer s.passMu.Unlock()

	if frame.Sequence == 0 {
		frame.Sequence = s.store.Sequence() + 1
	}

	p := s.newPass(TriggerFrame, frame.Timestamp)
	frame.Timestamp = p.at
	before := s.store.State()
	deltas, err := s.applyIncoming(ctx, p, frame)
	if err != nil {
		return nil, err
	}
	p.res.Iterations = 1

	var queue []veil.SpaceEvent
	after := s.store.State()
	if frame.HasActivation() {
		queue = append(queue, veil.SpaceEvent{
			Topic:     veil.TopicAgentActivation,
			Source:    veil.EventSource{ElementID: "space"},
			Timestamp: p.at,
			Payload:   map[string]any{"sequence": frame.Sequence, "focus": after.Focus()},
		})
	}

	// Focus and stream changes produce no deltas but still change what
	// transforms see.
	var events []veil.SpaceEvent
	if len(deltas) > 0 || after.Focus() != before.Focus() || len(after.Streams()) != len(before.Streams()) {
		events, err = s.derive(ctx, p, deltas, p.at)
		if err != nil {
			return s.finish(ctx, p, err)
		}
	}
	queue = append(queue, events...)

	err = s.loop(ctx, p, queue)
	return s.finish(ctx, p, err)
}

// EmitOutgoing records the agent's own actions. The frame shares the incoming
// sequence counter. Each speak and toolCall is also raised as an
// agent.speak or agent.toolCall event so receptors observe it.
func (s *Space) EmitOutgoing(ctx context.Context, frame veil.OutgoingFrame) (*PassResult, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	defer s.passMu.Unlock()

	if frame.Sequence == 0 {
		frame.Sequence = s.store.Sequence() + 1
	}

	p := s.newPass(TriggerOutgoing, frame.Timestamp)
	frame.Timestamp = p.at
	deltas, err := s.store.ApplyOutgoing(frame)
	if err != nil {
		return nil, err
	}
	p.res.Frames = append(p.res.Frames, frame.Sequence)
	p.res.Deltas = append(p.res.Deltas, deltas...)
	if s.journal != nil {
		if jerr := s.journal.RecordOutgoing(ctx, frame); jerr != nil {
			p.log.Warn("journal outgoing frame %d failed: %v", frame.Sequence, jerr)
		}
	}
	p.res.Iterations = 1

	queue := agentEvents(frame, p.at)
	events, err := s.react(ctx, p, deltas, p.at)
	if err != nil {
		return s.finish(ctx, p, err)
	}
	queue = append(queue, events...)

	err = s.loop(ctx, p, queue)
	return s.finish(ctx, p, err)
}

// Close stops accepting work and waits for the in-flight pass, if any.
func (s *Space) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.passMu.Lock()
	seq := s.store.Sequence()
	s.passMu.Unlock()
	logging.Space("space closed at sequence %d", seq)
	return nil
}

func (s *Space) enter(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.passMu.Lock()
	if s.closed.Load() {
		s.passMu.Unlock()
		return ErrClosed
	}
	return nil
}

func agentEvents(frame veil.OutgoingFrame, now time.Time) []veil.SpaceEvent {
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = now
	}
	events := make([]veil.SpaceEvent, 0, len(frame.Operations))
	for _, op := range frame.Operations {
		ev := veil.SpaceEvent{Source: veil.EventSource{ElementID: "agent"}, Timestamp: ts}
		switch op.Type {
		case veil.OpSpeak:
			ev.Topic = veil.TopicAgentSpeak
			ev.Payload = map[string]any{"sequence": frame.Sequence, "content": op.Content}
		case veil.OpToolCall:
			ev.Topic = veil.TopicAgentToolCall
			ev.Payload = map[string]any{"sequence": frame.Sequence, "toolName": op.ToolName, "parameters": op.Parameters}
		default:
			continue
		}
		events = append(events, ev)
	}
	return events
}

// =============================================================================
// Pass bookkeeping
// =============================================================================

type pass struct {
	// at stamps stage output: the triggering frame's or event's time.
	at    time.Time
	res   *PassResult
	log   *logging.Logger
	timer *logging.Timer
}

func (s *Space) newPass(trigger Trigger, at time.Time) *pass {
	id := uuid.NewString()
	if at.IsZero() {
		at = s.now()
	}
	return &pass{
		at: at,
		res: &PassResult{
			ID:        id,
			Trigger:   trigger,
			StartedAt: s.now(),
		},
		log:   logging.WithRequestID(logging.CategorySpace, id),
		timer: logging.StartTimer(logging.CategorySpace, "pass "+string(trigger)),
	}
}

func (s *Space) finish(ctx context.Context, p *pass, err error) (*PassResult, error) {
	p.res.Duration = p.timer.StopWithThreshold(time.Second)

	if s.recorder != nil {
		s.recorder.ObservePass(p.res)
	}
	if err != nil {
		p.log.Error("pass aborted after %d iterations: %v", p.res.Iterations, err)
		return p.res, err
	}
	if s.observer != nil {
		if perr := s.observer.PublishPass(ctx, p.res); perr != nil {
			p.log.Warn("observer publish failed: %v", perr)
		}
	}

	p.log.Info("%s", p.res.Summary())
	if p.res.Capped {
		return p.res, fmt.Errorf("%w: %d events dropped after %d iterations",
			ErrIterationCap, len(p.res.Dropped), p.res.Iterations)
	}
	return p.res, nil
}

func (s *Space) stageFailed(p *pass, name string, role Role, err error) {
	se := &StageError{Stage: name, Role: role, Err: err}
	p.res.StageErrors = append(p.res.StageErrors, se)
	logging.StagesError("pass %s: %v", p.res.ID, se)
}
