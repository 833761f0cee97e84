package veil

import (
	"fmt"
	"time"
)

// OpType tags an operation inside a frame.
type OpType string

// Incoming operations.
const (
	OpAddStream       OpType = "addStream"
	OpAddFacet        OpType = "addFacet"
	OpRemoveFacet     OpType = "removeFacet"
	OpAgentActivation OpType = "agentActivation"
)

// Outgoing operations.
const (
	OpSpeak    OpType = "speak"
	OpToolCall OpType = "toolCall"
)

// Operation is one entry of a frame. Only the fields relevant to Type are set.
type Operation struct {
	Type OpType `json:"type" cbor:"type"`

	// addStream
	Stream *Stream `json:"stream,omitempty" cbor:"stream,omitempty"`

	// addFacet
	Facet *Facet `json:"facet,omitempty" cbor:"facet,omitempty"`

	// removeFacet
	ID string `json:"id,omitempty" cbor:"id,omitempty"`

	// speak
	Content string `json:"content,omitempty" cbor:"content,omitempty"`

	// toolCall
	ToolName   string         `json:"toolName,omitempty" cbor:"toolName,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" cbor:"parameters,omitempty"`
}

// AddStream builds an addStream operation.
func AddStream(id, name string) Operation {
	return Operation{Type: OpAddStream, Stream: &Stream{ID: id, Name: name}}
}

// AddFacet builds an addFacet operation.
func AddFacet(f Facet) Operation {
	return Operation{Type: OpAddFacet, Facet: &f}
}

// RemoveFacet builds a removeFacet operation.
func RemoveFacet(id string) Operation {
	return Operation{Type: OpRemoveFacet, ID: id}
}

// AgentActivation builds an agentActivation signal.
func AgentActivation() Operation {
	return Operation{Type: OpAgentActivation}
}

// Speak builds an outgoing speak operation.
func Speak(content string) Operation {
	return Operation{Type: OpSpeak, Content: content}
}

// ToolCall builds an outgoing toolCall operation.
func ToolCall(name string, params map[string]any) Operation {
	return Operation{Type: OpToolCall, ToolName: name, Parameters: params}
}

// Validate checks that the operation carries the payload its type requires.
func (op Operation) Validate() error {
	switch op.Type {
	case OpAddStream:
		if op.Stream == nil || op.Stream.ID == "" {
			return fmt.Errorf("addStream requires a stream with an id")
		}
	case OpAddFacet:
		if op.Facet == nil || op.Facet.ID == "" {
			return fmt.Errorf("addFacet requires a facet with an id")
		}
		if s := op.Facet.Saliency; s != nil && (s.Transient < 0 || s.Transient > 1) {
			return fmt.Errorf("facet %s: transient %.3f outside [0,1]", op.Facet.ID, s.Transient)
		}
	case OpRemoveFacet:
		if op.ID == "" {
			return fmt.Errorf("removeFacet requires an id")
		}
	case OpAgentActivation:
	case OpSpeak:
	case OpToolCall:
		if op.ToolName == "" {
			return fmt.Errorf("toolCall requires a toolName")
		}
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// IncomingFrame carries world changes into the ledger.
type IncomingFrame struct {
	Sequence   int64       `json:"sequence" cbor:"sequence"`
	Timestamp  time.Time   `json:"timestamp" cbor:"timestamp"`
	Focus      string      `json:"focus,omitempty" cbor:"focus,omitempty"`
	Operations []Operation `json:"operations" cbor:"operations"`
}

// HasActivation reports whether the frame carries an agentActivation signal.
func (f IncomingFrame) HasActivation() bool {
	for _, op := range f.Operations {
		if op.Type == OpAgentActivation {
			return true
		}
	}
	return false
}

// OutgoingFrame records the agent's own actions.
type OutgoingFrame struct {
	Sequence   int64       `json:"sequence" cbor:"sequence"`
	Timestamp  time.Time   `json:"timestamp" cbor:"timestamp"`
	Operations []Operation `json:"operations" cbor:"operations"`
}
