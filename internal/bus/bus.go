// Package bus publishes pass outcomes to read-only observers over an
// in-process watermill pub/sub. Observers can watch what the pipeline does
// but have no path back into the ledger.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"veil/internal/logging"
	"veil/internal/space"
	"veil/internal/veil"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// Topics published by the bus.
const (
	TopicPass  = "veil.pass"
	TopicDelta = "veil.delta"
)

// Metadata keys set on every message.
const (
	MetaPassID  = "pass_id"
	MetaTrigger = "trigger"
)

// Config tunes the bus.
type Config struct {
	Buffer int64 // per-subscriber output buffer
}

// PassMessage is the payload published on TopicPass.
type PassMessage struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger"`
	Iterations  int       `json:"iterations"`
	Frames      []int64   `json:"frames,omitempty"`
	Synthetic   int       `json:"synthetic,omitempty"`
	Deltas      int       `json:"deltas"`
	Events      []string  `json:"events,omitempty"`
	Dropped     int       `json:"dropped,omitempty"`
	Capped      bool      `json:"capped,omitempty"`
	StageErrors []string  `json:"stageErrors,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	DurationMS  int64     `json:"durationMs"`
}

// DeltaMessage is the payload published on TopicDelta, one per delta.
type DeltaMessage struct {
	PassID string          `json:"passId"`
	Index  int             `json:"index"`
	Delta  veil.FacetDelta `json:"delta"`
}

// Bus implements space.Observer on a watermill GoChannel.
type Bus struct {
	pubsub *gochannel.GoChannel
	closed atomic.Bool
}

// New creates a bus. Messages published while nobody subscribes are dropped.
func New(cfg Config) *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: cfg.Buffer},
		newLoggerAdapter(),
	)
	logging.BusDebug("bus created with buffer %d", cfg.Buffer)
	return &Bus{pubsub: pubsub}
}

// PublishPass publishes a pass summary followed by each of its deltas.
func (b *Bus) PublishPass(_ context.Context, res *space.PassResult) error {
	if b.closed.Load() {
		return space.ErrClosed
	}

	msg, err := newMessage(res, NewPassMessage(res))
	if err != nil {
		return err
	}
	if err := b.pubsub.Publish(TopicPass, msg); err != nil {
		return fmt.Errorf("failed to publish pass %s: %w", res.ID, err)
	}

	if len(res.Deltas) == 0 {
		return nil
	}
	msgs := make([]*message.Message, 0, len(res.Deltas))
	for i, d := range res.Deltas {
		m, err := newMessage(res, DeltaMessage{PassID: res.ID, Index: i, Delta: d})
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if err := b.pubsub.Publish(TopicDelta, msgs...); err != nil {
		return fmt.Errorf("failed to publish deltas of pass %s: %w", res.ID, err)
	}
	logging.BusDebug("published pass %s with %d deltas", res.ID, len(res.Deltas))
	return nil
}

// Subscribe returns a channel of messages for topic. Consumers must Ack every
// message; the channel closes when ctx ends or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if b.closed.Load() {
		return nil, space.ErrClosed
	}
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.pubsub.Close()
}

// NewPassMessage summarizes a pass result for publication.
func NewPassMessage(res *space.PassResult) PassMessage {
	pm := PassMessage{
		ID:         res.ID,
		Trigger:    string(res.Trigger),
		Iterations: res.Iterations,
		Frames:     res.Frames,
		Synthetic:  res.Synthetic,
		Deltas:     len(res.Deltas),
		Dropped:    len(res.Dropped),
		Capped:     res.Capped,
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
	}
	for _, ev := range res.Events {
		pm.Events = append(pm.Events, ev.Topic)
	}
	for _, se := range res.StageErrors {
		pm.StageErrors = append(pm.StageErrors, se.Error())
	}
	return pm
}

// DecodePass reads a TopicPass payload.
func DecodePass(msg *message.Message) (PassMessage, error) {
	var pm PassMessage
	if err := json.Unmarshal(msg.Payload, &pm); err != nil {
		return PassMessage{}, fmt.Errorf("failed to decode pass message %s: %w", msg.UUID, err)
	}
	return pm, nil
}

// DecodeDelta reads a TopicDelta payload.
func DecodeDelta(msg *message.Message) (DeltaMessage, error) {
	var dm DeltaMessage
	if err := json.Unmarshal(msg.Payload, &dm); err != nil {
		return DeltaMessage{}, fmt.Errorf("failed to decode delta message %s: %w", msg.UUID, err)
	}
	return dm, nil
}

func newMessage(res *space.PassResult, payload any) (*message.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bus payload for pass %s: %w", res.ID, err)
	}
	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set(MetaPassID, res.ID)
	msg.Metadata.Set(MetaTrigger, string(res.Trigger))
	return msg, nil
}

// =============================================================================
// watermill logger adapter
// =============================================================================

// loggerAdapter routes watermill's own logging into the bus category.
type loggerAdapter struct {
	fields watermill.LogFields
}

func newLoggerAdapter() watermill.LoggerAdapter {
	return &loggerAdapter{}
}

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	logging.Get(logging.CategoryBus).Error("%s: %v %v", msg, err, l.merge(fields))
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	logging.BusDebug("%s %v", msg, l.merge(fields))
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	logging.BusDebug("%s %v", msg, l.merge(fields))
}

func (l *loggerAdapter) Trace(string, watermill.LogFields) {}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{fields: l.merge(fields)}
}

func (l *loggerAdapter) merge(fields watermill.LogFields) watermill.LogFields {
	if len(l.fields) == 0 {
		return fields
	}
	return l.fields.Add(fields)
}
