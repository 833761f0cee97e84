package veil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Format names a wire encoding for frames.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat maps a user-supplied name (or file extension) to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "", "json":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unknown frame format %q (valid: json, cbor)", s)
	}
}

// encMode uses core deterministic encoding so identical frames produce
// identical bytes. Timestamps keep nanosecond precision.
var encMode cbor.EncMode

// decMode decodes any-typed maps as map[string]any so attribute payloads look
// the same as after a JSON round trip.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("veil: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("veil: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a frame (or any model value) in the given format.
func Encode(v any, format Format) ([]byte, error) {
	switch format {
	case FormatCBOR:
		return encMode.Marshal(v)
	case FormatJSON, "":
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown frame format %q", format)
	}
}

// Decode deserializes data in the given format into v.
func Decode(data []byte, v any, format Format) error {
	switch format {
	case FormatCBOR:
		return decMode.Unmarshal(data, v)
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		return dec.Decode(v)
	default:
		return fmt.Errorf("unknown frame format %q", format)
	}
}

// AnyFrame holds exactly one of an incoming or outgoing frame, as found in a
// mixed frame log.
type AnyFrame struct {
	Incoming *IncomingFrame
	Outgoing *OutgoingFrame
}

// Sequence returns the sequence of whichever frame is set.
func (f AnyFrame) Sequence() int64 {
	if f.Incoming != nil {
		return f.Incoming.Sequence
	}
	if f.Outgoing != nil {
		return f.Outgoing.Sequence
	}
	return 0
}

// DecodeFrames decodes a list of frames. A frame whose operations are all
// speak/toolCall is classified as outgoing; anything else is incoming.
func DecodeFrames(data []byte, format Format) ([]AnyFrame, error) {
	var raw []IncomingFrame
	if err := Decode(data, &raw, format); err != nil {
		return nil, fmt.Errorf("failed to decode frames: %w", err)
	}

	out := make([]AnyFrame, 0, len(raw))
	for i := range raw {
		fr := raw[i]
		for j, op := range fr.Operations {
			if err := op.Validate(); err != nil {
				return nil, fmt.Errorf("frame %d operation %d: %w", i, j, err)
			}
		}
		if isOutgoing(fr.Operations) {
			out = append(out, AnyFrame{Outgoing: &OutgoingFrame{
				Sequence:   fr.Sequence,
				Timestamp:  fr.Timestamp,
				Operations: fr.Operations,
			}})
			continue
		}
		out = append(out, AnyFrame{Incoming: &fr})
	}
	return out, nil
}

func isOutgoing(ops []Operation) bool {
	if len(ops) == 0 {
		return false
	}
	for _, op := range ops {
		if op.Type != OpSpeak && op.Type != OpToolCall {
			return false
		}
	}
	return true
}
