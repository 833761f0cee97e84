package space

import (
	"errors"
	"fmt"
	"time"

	"veil/internal/veil"
)

// Trigger names what started a pass.
type Trigger string

const (
	TriggerEvent    Trigger = "event"
	TriggerFrame    Trigger = "frame"
	TriggerOutgoing Trigger = "outgoing"
)

// PassResult is the reported outcome of one pipeline pass, including every
// iteration of the effector feedback loop it ran.
type PassResult struct {
	ID      string  `json:"id"`
	Trigger Trigger `json:"trigger"`

	// Iterations counts loop iterations, one per processed event or frame.
	Iterations int `json:"iterations"`

	// Frames lists the external frame sequences applied to the ledger, in
	// order. Stage output does not take a sequence of its own.
	Frames []int64 `json:"frames,omitempty"`

	// Synthetic counts receptor and transform writes applied inside the
	// current sequence.
	Synthetic int `json:"synthetic,omitempty"`

	// Deltas holds every delta produced during the pass, in order.
	Deltas []veil.FacetDelta `json:"deltas,omitempty"`

	// Events holds every event routed to receptors, in processing order.
	Events []veil.SpaceEvent `json:"events,omitempty"`

	// Dropped holds events left in the queue when the iteration cap hit.
	Dropped []veil.SpaceEvent `json:"dropped,omitempty"`

	StageErrors []*StageError `json:"-"`
	Capped      bool          `json:"capped,omitempty"`

	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Err joins the stage errors of the pass with ErrIterationCap when the loop
// was cut short. It returns nil for a clean pass.
func (r *PassResult) Err() error {
	if r == nil {
		return nil
	}
	errs := make([]error, 0, len(r.StageErrors)+1)
	for _, se := range r.StageErrors {
		errs = append(errs, se)
	}
	if r.Capped {
		errs = append(errs, fmt.Errorf("%w: %d events dropped", ErrIterationCap, len(r.Dropped)))
	}
	return errors.Join(errs...)
}

// Summary is a one-line description used in logs and the CLI.
func (r *PassResult) Summary() string {
	return fmt.Sprintf("pass %s (%s): iterations=%d frames=%d synthetic=%d deltas=%d events=%d stage_errors=%d capped=%t in %v",
		r.ID, r.Trigger, r.Iterations, len(r.Frames), r.Synthetic, len(r.Deltas), len(r.Events), len(r.StageErrors), r.Capped, r.Duration)
}
