// Package envelope defines the single message unit exchanged between the
// simulation and the orchestrator, and its JSON wire codec.
package envelope

// Kind is the discriminator that selects an Envelope's payload shape and
// routing behaviour.
type Kind string

const (
	KindSetup             Kind = "setup"
	KindStateChange       Kind = "state_change"
	KindDestinationChange Kind = "destination_change"
	KindLocationReached   Kind = "location_reached"
	KindProximityEvent    Kind = "proximity_event"
	KindPositionUpdate    Kind = "position_update"
	KindAgentUpdate       Kind = "agent_update"
	KindMoveToLocation    Kind = "move_to_location"
	KindWaitAtLocation    Kind = "wait_at_location"
	KindConversation      Kind = "conversation"
	KindRequest           Kind = "request"
	KindResponse          Kind = "response"
	KindError             Kind = "error"
)

// Kinds lists every kind the codec understands.
func Kinds() []Kind {
	kinds := make([]Kind, len(kindOrder))
	copy(kinds, kindOrder)
	return kinds
}

var kindOrder = []Kind{
	KindSetup,
	KindStateChange,
	KindDestinationChange,
	KindLocationReached,
	KindProximityEvent,
	KindPositionUpdate,
	KindAgentUpdate,
	KindMoveToLocation,
	KindWaitAtLocation,
	KindConversation,
	KindRequest,
	KindResponse,
	KindError,
}

// Known reports whether k belongs to the closed kind set.
func (k Kind) Known() bool {
	_, ok := payloadDecoders[k]
	return ok
}

func (k Kind) String() string {
	return string(k)
}

// Envelope is the unit of communication in both directions.
type Envelope struct {
	Kind    Kind
	AgentID string
	Payload Payload
	// Timestamp is the logical send time in seconds. Zero means absent.
	Timestamp float64
}

// New builds an envelope around payload, copying the payload's agent id
// onto the envelope when it has one.
func New(payload Payload) Envelope {
	env := Envelope{Kind: payload.Kind(), Payload: payload}
	if s, ok := payload.(Subject); ok {
		env.AgentID = s.SubjectID()
	}
	return env
}

// Subject returns the agent the envelope concerns: the envelope-level id
// when set, otherwise the payload's.
func (e Envelope) Subject() string {
	if e.AgentID != "" {
		return e.AgentID
	}
	if s, ok := e.Payload.(Subject); ok {
		return s.SubjectID()
	}
	return ""
}

// Validate checks the outbound invariants: non-empty kind and a payload
// whose own kind matches the envelope.
func (e Envelope) Validate() error {
	if e.Kind == "" {
		return ErrEmptyKind
	}
	if e.Payload != nil && e.Payload.Kind() != e.Kind {
		return ErrPayloadMismatch
	}
	return nil
}
