package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type outboundWire struct {
	Kind      Kind    `json:"kind"`
	AgentID   string  `json:"agentId,omitempty"`
	Payload   Payload `json:"payload,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

type inboundWire struct {
	Kind      Kind            `json:"kind"`
	AgentID   string          `json:"agentId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
}

var payloadDecoders = map[Kind]func(json.RawMessage) (Payload, error){
	KindSetup:             decodeAs[Setup],
	KindStateChange:       decodeAs[StateChange],
	KindDestinationChange: decodeAs[DestinationChange],
	KindLocationReached:   decodeAs[LocationReached],
	KindProximityEvent:    decodeAs[ProximityEvent],
	KindPositionUpdate:    decodeAs[PositionUpdate],
	KindAgentUpdate:       decodeAs[AgentUpdate],
	KindMoveToLocation:    decodeAs[MoveToLocation],
	KindWaitAtLocation:    decodeAs[WaitAtLocation],
	KindConversation:      decodeAs[Conversation],
	KindRequest:           decodeAs[Request],
	KindResponse:          decodeAs[Response],
	KindError:             decodeAs[Error],
}

func decodeAs[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode renders env as a single JSON object. The payload is nested as an
// object, never as a re-encoded string.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(outboundWire{
		Kind:      env.Kind,
		AgentID:   env.AgentID,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	return data, nil
}

// Decode parses one encoded envelope. Every failure is a *DecodeError.
func Decode(data []byte) (Envelope, error) {
	var wire inboundWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, &DecodeError{Err: ErrMalformed, Cause: err}
	}
	if wire.Kind == "" {
		return Envelope{}, &DecodeError{Err: ErrMissingKind}
	}

	decode, ok := payloadDecoders[wire.Kind]
	if !ok {
		return Envelope{}, &DecodeError{Kind: wire.Kind, Err: ErrUnknownKind}
	}

	env := Envelope{
		Kind:      wire.Kind,
		AgentID:   wire.AgentID,
		Timestamp: wire.Timestamp,
	}
	if len(wire.Payload) == 0 || bytes.Equal(wire.Payload, []byte("null")) {
		return env, nil
	}

	payload, err := decode(wire.Payload)
	if err != nil {
		return Envelope{}, &DecodeError{Kind: wire.Kind, Err: ErrMalformed, Cause: err}
	}
	if v, ok := payload.(validator); ok {
		if err = v.Validate(); err != nil {
			return Envelope{}, &DecodeError{Kind: wire.Kind, Err: ErrInvalidPayload, Cause: err}
		}
	}
	env.Payload = payload
	return env, nil
}
