package space

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	ctxcompress "veil/internal/context"
	"veil/internal/ledger"
	"veil/internal/veil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestSpace(t *testing.T, opts ...Option) *Space {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	s := New(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func chatReceptor(topics ...string) Receptor {
	return NewReceptor(topics, func(ev veil.SpaceEvent) ([]veil.Facet, error) {
		payload, _ := ev.Payload.(map[string]any)
		id, _ := payload["id"].(string)
		text, _ := payload["text"].(string)
		return []veil.Facet{{ID: id, Type: veil.FacetTypeEvent, Content: text}}, nil
	})
}

func chatEvent(topic, id, text string) veil.SpaceEvent {
	return veil.SpaceEvent{
		Topic:   topic,
		Source:  veil.EventSource{ElementID: "discord"},
		Payload: map[string]any{"id": id, "text": text},
	}
}

func TestDispatch_FullPipeline(t *testing.T) {
	s := newTestSpace(t)
	require.NoError(t, s.RegisterReceptor("chat", chatReceptor("chat.*")))

	var seenByTransform int
	require.NoError(t, s.RegisterTransform("counter", TransformFunc(func(state *veil.Snapshot) ([]veil.Facet, error) {
		events := state.ByType(veil.FacetTypeEvent)
		seenByTransform = len(events)
		return []veil.Facet{{
			ID:      "message-count",
			Type:    veil.FacetTypeDerived,
			Content: fmt.Sprintf("%d messages", len(events)),
		}}, nil
	})))

	var effectorDeltas []veil.FacetDelta
	require.NoError(t, s.RegisterEffector("derived-watcher", NewEffector(
		[]FacetFilter{{Types: []string{veil.FacetTypeDerived}}},
		func(_ context.Context, deltas []veil.FacetDelta, _ *veil.Snapshot) ([]veil.SpaceEvent, error) {
			effectorDeltas = append(effectorDeltas, deltas...)
			return nil, nil
		},
	)))

	res, err := s.Dispatch(context.Background(), chatEvent("chat.message", "msg-001", "hello"))
	require.NoError(t, err)
	require.NoError(t, res.Err())

	assert.Equal(t, 1, seenByTransform, "transform sees the post-update snapshot")
	assert.Empty(t, res.Frames, "stage output takes no sequence of its own")
	assert.Equal(t, 2, res.Synthetic, "receptor and transform output are separate writes")
	require.Len(t, res.Deltas, 2)
	assert.Equal(t, "msg-001", res.Deltas[0].Facet.ID)
	assert.Equal(t, "message-count", res.Deltas[1].Facet.ID)

	require.Len(t, effectorDeltas, 1, "effector only receives deltas its filter matches")
	assert.Equal(t, "1 messages", effectorDeltas[0].Facet.Content)

	_, ok := s.State().Facet("msg-001")
	assert.True(t, ok)
	assert.Equal(t, int64(0), s.Sequence())
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, t0, res.Events[0].Timestamp, "zero event timestamps take the space clock")
}

func TestDispatch_TopicRouting(t *testing.T) {
	s := newTestSpace(t)
	require.NoError(t, s.RegisterReceptor("exact", chatReceptor("chat.message")))
	require.NoError(t, s.RegisterReceptor("other", NewReceptor([]string{"presence.*"}, func(veil.SpaceEvent) ([]veil.Facet, error) {
		t.Error("presence receptor must not see chat events")
		return nil, nil
	})))

	res, err := s.Dispatch(context.Background(), chatEvent("chat.message", "m1", "x"))
	require.NoError(t, err)
	assert.Len(t, res.Deltas, 1)

	res, err = s.Dispatch(context.Background(), chatEvent("chat.typing", "m2", "y"))
	require.NoError(t, err)
	assert.Empty(t, res.Deltas, "exact subscriptions do not prefix match")

	assert.True(t, matchTopic("*", "anything"))
	assert.True(t, matchTopic("chat.*", "chat.message"))
	assert.False(t, matchTopic("chat.*", "chatter"))
	assert.True(t, matchTopic("chat*", "chatter"))
}

func TestDispatch_ReceptorFailureIsolated(t *testing.T) {
	s := newTestSpace(t)
	require.NoError(t, s.RegisterReceptor("good", chatReceptor("chat.*")))
	require.NoError(t, s.RegisterReceptor("broken", NewReceptor([]string{"chat.*"}, func(veil.SpaceEvent) ([]veil.Facet, error) {
		return nil, errors.New("boom")
	})))
	require.NoError(t, s.RegisterReceptor("panicky", NewReceptor([]string{"chat.*"}, func(veil.SpaceEvent) ([]veil.Facet, error) {
		panic("receptor exploded")
	})))
	require.NoError(t, s.RegisterReceptor("invalid", NewReceptor([]string{"chat.*"}, func(veil.SpaceEvent) ([]veil.Facet, error) {
		return []veil.Facet{{ID: "ok"}, {Content: "no id"}}, nil
	})))

	res, err := s.Dispatch(context.Background(), chatEvent("chat.message", "m1", "hello"))
	require.NoError(t, err, "stage failures do not fail the pass")
	require.Len(t, res.StageErrors, 3)

	byName := map[string]*StageError{}
	for _, se := range res.StageErrors {
		assert.Equal(t, RoleReceptor, se.Role)
		byName[se.Stage] = se
	}
	var pe *PanicError
	assert.ErrorAs(t, byName["panicky"], &pe)
	assert.ErrorContains(t, byName["broken"], "boom")
	assert.ErrorContains(t, byName["invalid"], "requires a facet with an id")

	_, ok := s.State().Facet("ok")
	assert.False(t, ok, "a failing receptor's whole contribution is dropped")
	_, ok = s.State().Facet("m1")
	assert.True(t, ok)
	assert.Error(t, res.Err())
}

func TestDispatch_TransformSkipsUnchangedOutput(t *testing.T) {
	s := newTestSpace(t)
	require.NoError(t, s.RegisterReceptor("chat", chatReceptor("chat.*")))
	require.NoError(t, s.RegisterTransform("constant", TransformFunc(func(*veil.Snapshot) ([]veil.Facet, error) {
		return []veil.Facet{{ID: "rules", Type: veil.FacetTypeDerived, Content: "be nice"}}, nil
	})))

	res, err := s.Dispatch(context.Background(), chatEvent("chat.message", "m1", "a"))
	require.NoError(t, err)
	assert.Len(t, res.Deltas, 2)

	res, err = s.Dispatch(context.Background(), chatEvent("chat.message", "m2", "b"))
	require.NoError(t, err)
	require.Len(t, res.Deltas, 1, "identical derived facet produces no delta")
	assert.Equal(t, "m2", res.Deltas[0].Facet.ID)
	assert.Equal(t, 1, res.Synthetic)
}

func TestDispatch_EffectorFeedbackLoop(t *testing.T) {
	s := newTestSpace(t)
	require.NoError(t, s.RegisterReceptor("chat", chatReceptor("chat.*")))
	require.NoError(t, s.RegisterReceptor("ack", NewReceptor([]string{"ack"}, func(ev veil.SpaceEvent) ([]veil.Facet, error) {
		return []veil.Facet{{ID: "ack-" + ev.Source.ElementID, Type: "ack", Content: "acknowledged"}}, nil
	})))
	require.NoError(t, s.RegisterEffector("acker", NewEffector(
		[]FacetFilter{{Types: []string{veil.FacetTypeEvent}}},
		func(_ context.Context, deltas []veil.FacetDelta, _ *veil.Snapshot) ([]veil.SpaceEvent, error) {
			var out []veil.SpaceEvent
			for _, d := range deltas {
				out = append(out, veil.SpaceEvent{Topic: "ack", Source: veil.EventSource{ElementID: d.Facet.ID}})
			}
			return out, nil
		},
	)))

	res, err := s.Dispatch(context.Background(), chatEvent("chat.message", "m1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Events, 2)
	assert.Equal(t, "ack", res.Events[1].Topic)

	_, ok := s.State().Facet("ack-m1")
	assert.True(t, ok, "effector events re-enter the receptor stage")
}

func TestDispatch_IterationCap(t *testing.T) {
	s := newTestSpace(t, WithConfig(Config{MaxIterations: 5}))

	n := 0
	require.NoError(t, s.RegisterReceptor("echo", NewReceptor([]string{"*"}, func(veil.SpaceEvent) ([]veil.Facet, error) {
		n++
		return []veil.Facet{{ID: fmt.Sprintf("f%d", n), Type: "echo"}}, nil
	})))
	require.NoError(t, s.RegisterEffector("loop", NewEffector(nil,
		func(context.Context, []veil.FacetDelta, *veil.Snapshot) ([]veil.SpaceEvent, error) {
			return []veil.SpaceEvent{{Topic: "again"}, {Topic: "again"}}, nil
		},
	)))

	res, err := s.Dispatch(context.Background(), veil.SpaceEvent{Topic: "start"})
	require.ErrorIs(t, err, ErrIterationCap)
	require.NotNil(t, res)
	assert.True(t, res.Capped)
	assert.Equal(t, 5, res.Iterations)
	assert.NotEmpty(t, res.Dropped)
	assert.ErrorIs(t, res.Err(), ErrIterationCap)
	assert.Equal(t, 5, s.State().Len(), "work done before the cap stays applied")
}

func TestDispatch_EffectorsRunConcurrently(t *testing.T) {
	s := newTestSpace(t, WithConfig(Config{MaxIterations: 4, EffectorTimeout: 2 * time.Second}))
	require.NoError(t, s.RegisterReceptor("chat", chatReceptor("chat.*")))

	var started sync.WaitGroup
	started.Add(2)
	rendezvous := func(ctx context.Context, _ []veil.FacetDelta, _ *veil.Snapshot) ([]veil.SpaceEvent, error) {
		started.Done()
		done := make(chan struct{})
		go func() {
			started.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	require.NoError(t, s.RegisterEffector("a", NewEffector(nil, rendezvous)))
	require.NoError(t, s.RegisterEffector("b", NewEffector(nil, rendezvous)))

	res, err := s.Dispatch(context.Background(), chatEvent("chat.message", "m1", "x"))
	require.NoError(t, err)
	assert.Empty(t, res.StageErrors, "both effectors must be in flight at the same time")
}

func TestDispatch_EffectorFailureAndTimeout(t *testing.T) {
	s := newTestSpace(t, WithConfig(Config{MaxIterations: 4, EffectorTimeout: 20 * time.Millisecond}))
	require.NoError(t, s.RegisterReceptor("chat", chatReceptor("chat.*")))
	require.NoError(t, s.RegisterEffector("slow", NewEffector(nil,
		func(ctx context.Context, _ []veil.FacetDelta, _ *veil.Snapshot) ([]veil.SpaceEvent, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	)))
	require.NoError(t, s.RegisterEffector("fine", NewEffector(nil,
		func(context.Context, []veil.FacetDelta, *veil.Snapshot) ([]veil.SpaceEvent, error) {
			return []veil.SpaceEvent{{Topic: "noop"}}, nil
		},
	)))

	res, err := s.Dispatch(context.Background(), chatEvent("chat.message", "m1", "x"))
	require.NoError(t, err)
	require.Len(t, res.StageErrors, 1)
	assert.Equal(t, "slow", res.StageErrors[0].Stage)
	assert.ErrorIs(t, res.StageErrors[0], context.DeadlineExceeded)
	assert.Equal(t, 2, res.Iterations, "the healthy effector's event still runs")
}

func TestApplyFrame_AssignsSequenceAndRaisesActivation(t *testing.T) {
	s := newTestSpace(t)

	var activations []veil.SpaceEvent
	require.NoError(t, s.RegisterReceptor("activation", NewReceptor([]string{veil.TopicAgentActivation}, func(ev veil.SpaceEvent) ([]veil.Facet, error) {
		activations = append(activations, ev)
		return nil, nil
	})))

	res, err := s.ApplyFrame(context.Background(), veil.IncomingFrame{
		Focus: "A",
		Operations: []veil.Operation{
			veil.AddStream("A", "alpha"),
			veil.AddFacet(veil.Facet{ID: "m1", Type: veil.FacetTypeEvent, Content: "hi"}),
			veil.AgentActivation(),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Frames)
	assert.Equal(t, TriggerFrame, res.Trigger)

	require.Len(t, activations, 1)
	payload := activations[0].Payload.(map[string]any)
	assert.Equal(t, int64(1), payload["sequence"])
	assert.Equal(t, "A", payload["focus"])
}

func TestApplyFrame_RejectedFrameRunsNoPass(t *testing.T) {
	s := newTestSpace(t)
	_, err := s.ApplyFrame(context.Background(), veil.IncomingFrame{Sequence: 3})
	require.NoError(t, err)

	res, err := s.ApplyFrame(context.Background(), veil.IncomingFrame{Sequence: 2})
	require.ErrorIs(t, err, ledger.ErrInvalidFrame)
	assert.Nil(t, res)
	assert.Equal(t, int64(3), s.Sequence())

	_, err = s.ApplyFrame(context.Background(), veil.IncomingFrame{Sequence: 4})
	assert.NoError(t, err, "later frames are still processed")
}

func TestEmitOutgoing_RecordsAndRaisesAgentEvents(t *testing.T) {
	s := newTestSpace(t)
	_, err := s.ApplyFrame(context.Background(), veil.IncomingFrame{Focus: "A", Operations: []veil.Operation{veil.AddStream("A", "alpha")}})
	require.NoError(t, err)

	var topics []string
	require.NoError(t, s.RegisterReceptor("agent", NewReceptor([]string{"agent.*"}, func(ev veil.SpaceEvent) ([]veil.Facet, error) {
		topics = append(topics, ev.Topic)
		return nil, nil
	})))

	res, err := s.EmitOutgoing(context.Background(), veil.OutgoingFrame{Operations: []veil.Operation{
		veil.Speak("hello"),
		veil.ToolCall("wave", nil),
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{veil.TopicAgentSpeak, veil.TopicAgentToolCall}, topics)
	assert.Equal(t, []int64{2}, res.Frames)
	assert.Len(t, s.State().ByType(veil.FacetTypeSpeech), 1)
	assert.Len(t, s.State().ByType(veil.FacetTypeAction), 1)
}

func TestApplyFrame_StageOutputKeepsCallerNumbering(t *testing.T) {
	s := newTestSpace(t)
	require.NoError(t, s.RegisterTransform("mirror", TransformFunc(func(state *veil.Snapshot) ([]veil.Facet, error) {
		var out []veil.Facet
		for _, e := range state.ByType(veil.FacetTypeEvent) {
			out = append(out, veil.Facet{ID: "seen-" + e.Facet.ID, Type: veil.FacetTypeDerived, Content: e.Facet.Content})
		}
		return out, nil
	})))

	ctx := context.Background()
	for _, fr := range []struct {
		seq int64
		id  string
	}{{1, "a"}, {2, "b"}, {3, "c"}} {
		res, err := s.ApplyFrame(ctx, veil.IncomingFrame{Sequence: fr.seq, Operations: []veil.Operation{
			veil.AddFacet(veil.Facet{ID: fr.id, Type: veil.FacetTypeEvent, Content: fr.id}),
		}})
		require.NoError(t, err, "frame %d", fr.seq)
		assert.Equal(t, []int64{fr.seq}, res.Frames)
		assert.Equal(t, 1, res.Synthetic)

		derived, ok := s.State().Facet("seen-" + fr.id)
		require.True(t, ok)
		assert.Equal(t, fr.seq, derived.Sequence, "derived entry carries the triggering sequence")
	}

	assert.Equal(t, int64(3), s.Sequence())
	assert.Equal(t, 6, s.State().Len())
}

func TestApplyFrame_FocusOnlyFrameRerunsTransforms(t *testing.T) {
	s := newTestSpace(t)
	runs := 0
	require.NoError(t, s.RegisterTransform("focus-note", TransformFunc(func(state *veil.Snapshot) ([]veil.Facet, error) {
		runs++
		return []veil.Facet{{
			ID:      "focus-note",
			Type:    veil.FacetTypeDerived,
			Content: fmt.Sprintf("focused on %s across %d streams", state.Focus(), len(state.Streams())),
		}}, nil
	})))

	ctx := context.Background()
	_, err := s.ApplyFrame(ctx, veil.IncomingFrame{Focus: "A", Operations: []veil.Operation{
		veil.AddStream("A", "alpha"),
		veil.AddStream("B", "beta"),
	}})
	require.NoError(t, err)
	note, _ := s.State().Facet("focus-note")
	assert.Equal(t, "focused on A across 2 streams", note.Facet.Content, "stream-only frame runs transforms")

	res, err := s.ApplyFrame(ctx, veil.IncomingFrame{Focus: "B"})
	require.NoError(t, err)
	note, _ = s.State().Facet("focus-note")
	assert.Equal(t, "focused on B across 2 streams", note.Facet.Content)
	require.Len(t, res.Deltas, 1)
	assert.Equal(t, veil.DeltaUpdated, res.Deltas[0].Type)

	_, err = s.ApplyFrame(ctx, veil.IncomingFrame{Operations: []veil.Operation{veil.AddStream("C", "gamma")}})
	require.NoError(t, err)
	note, _ = s.State().Facet("focus-note")
	assert.Equal(t, "focused on B across 3 streams", note.Facet.Content)

	before := runs
	_, err = s.ApplyFrame(ctx, veil.IncomingFrame{Focus: "B"})
	require.NoError(t, err)
	assert.Equal(t, before, runs, "a frame that changes nothing runs no transforms")
}

func TestApplyFrame_StageOutputStampedWithTriggerTime(t *testing.T) {
	// The space clock is far from the frame times, as during a replay.
	s := New(WithClock(func() time.Time { return t0.AddDate(2, 0, 0) }))
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.RegisterReceptor("wake", NewReceptor([]string{veil.TopicAgentActivation}, func(ev veil.SpaceEvent) ([]veil.Facet, error) {
		return []veil.Facet{{
			ID:       "woke",
			Type:     veil.FacetTypeEvent,
			Content:  "agent activated",
			Saliency: &veil.Saliency{Transient: 0.5},
		}}, nil
	})))
	require.NoError(t, s.RegisterTransform("summary", TransformFunc(func(state *veil.Snapshot) ([]veil.Facet, error) {
		return []veil.Facet{{
			ID:       "summary",
			Type:     veil.FacetTypeDerived,
			Content:  fmt.Sprintf("%d facets", state.Len()),
			Saliency: &veil.Saliency{Transient: 0.5},
		}}, nil
	})))

	_, err := s.ApplyFrame(context.Background(), veil.IncomingFrame{
		Sequence:   1,
		Timestamp:  t0,
		Operations: []veil.Operation{veil.AgentActivation()},
	})
	require.NoError(t, err)

	woke, ok := s.State().Facet("woke")
	require.True(t, ok)
	assert.Equal(t, t0, woke.UpdatedAt)
	summary, ok := s.State().Facet("summary")
	require.True(t, ok)
	assert.Equal(t, t0, summary.UpdatedAt)

	scorer := ctxcompress.NewScorer(ctxcompress.DefaultRenderConfig())
	fresh := scorer.Score(woke, ctxcompress.ScoreContext{Now: t0})
	later := scorer.Score(woke, ctxcompress.ScoreContext{Now: t0.Add(10 * time.Minute)})
	require.Greater(t, fresh, 0.0)
	// exp(-0.01 * 0.5 * 600s)
	assert.InDelta(t, 0.0498, later/fresh, 0.001, "transient receptor output decays from the frame time")
}

type fakeJournal struct {
	mu       sync.Mutex
	incoming []int64
	outgoing []int64
}

func (j *fakeJournal) RecordIncoming(_ context.Context, f veil.IncomingFrame) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.incoming = append(j.incoming, f.Sequence)
	return nil
}

func (j *fakeJournal) RecordOutgoing(_ context.Context, f veil.OutgoingFrame) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outgoing = append(j.outgoing, f.Sequence)
	return nil
}

type fakeObserver struct {
	results []*PassResult
	err     error
}

func (o *fakeObserver) PublishPass(_ context.Context, r *PassResult) error {
	o.results = append(o.results, r)
	return o.err
}

func (o *fakeObserver) ObservePass(r *PassResult) {
	o.results = append(o.results, r)
}

func TestCollaborators(t *testing.T) {
	journal := &fakeJournal{}
	observer := &fakeObserver{err: errors.New("subscriber gone")}
	recorder := &fakeObserver{}
	s := newTestSpace(t, WithJournal(journal), WithObserver(observer), WithRecorder(recorder))
	require.NoError(t, s.RegisterReceptor("chat", chatReceptor("chat.*")))

	_, err := s.Dispatch(context.Background(), chatEvent("chat.message", "m1", "x"))
	require.NoError(t, err, "observer failures are logged, not returned")
	_, err = s.EmitOutgoing(context.Background(), veil.OutgoingFrame{Operations: []veil.Operation{veil.Speak("y")}})
	require.NoError(t, err)

	assert.Empty(t, journal.incoming, "receptor output is not journaled")
	assert.Equal(t, []int64{1}, journal.outgoing)
	assert.Len(t, observer.results, 2)
	assert.Len(t, recorder.results, 2)
	assert.NotEqual(t, observer.results[0].ID, observer.results[1].ID)
}

func TestRegistrationAndClose(t *testing.T) {
	s := New(WithStore(ledger.New()))
	require.NoError(t, s.RegisterReceptor("x", chatReceptor("*")))
	assert.ErrorIs(t, s.RegisterEffector("x", NewEffector(nil, nil)), ErrDuplicateStage)
	assert.Error(t, s.RegisterTransform("", TransformFunc(nil)))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	_, err := s.Dispatch(context.Background(), veil.SpaceEvent{Topic: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ApplyFrame(context.Background(), veil.IncomingFrame{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.RegisterReceptor("y", chatReceptor("*")), ErrClosed)
}

func TestDispatch_CancelledContext(t *testing.T) {
	s := newTestSpace(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Dispatch(ctx, veil.SpaceEvent{Topic: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
