// Package metrics records bridge traffic and connection health.
package metrics

// Drop reasons used with Recorder.EnvelopeDropped.
const (
	ReasonQueueFull    = "queue_full"
	ReasonDecodeError  = "decode_error"
	ReasonUnknownKind  = "unknown_kind"
	ReasonUnknownAgent = "unknown_agent"
	ReasonHandlerError = "handler_error"
)

// Sources used with Recorder.EnvelopeReceived and Recorder.DecodeError.
const (
	SourceOutbound = "outbound"
	SourceIngress  = "ingress"
	SourceRequest  = "request"
)

type Recorder interface {
	EnvelopeSent(kind string)
	EnvelopeReceived(source, kind string)
	DecodeError(source string)
	EnvelopeDropped(reason string)
	QueueDepth(n int)
	ConnectionState(state string)
	Reconnect()
	Request(requestType, status string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) EnvelopeSent(string)             {}
func (Nop) EnvelopeReceived(string, string) {}
func (Nop) DecodeError(string)              {}
func (Nop) EnvelopeDropped(string)          {}
func (Nop) QueueDepth(int)                  {}
func (Nop) ConnectionState(string)          {}
func (Nop) Reconnect()                      {}
func (Nop) Request(string, string)          {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
