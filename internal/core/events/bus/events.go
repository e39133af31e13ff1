package bus

// Bridge lifecycle event types.
const (
	TypeConnectionState   = "connection.state"
	TypeAgentRegistered   = "agent.registered"
	TypeAgentUnregistered = "agent.unregistered"
	TypeChannelDisabled   = "channel.disabled"
)

// ConnectionStateChange is the Data of TypeConnectionState events.
type ConnectionStateChange struct {
	Channel string
	From    string
	To      string
	ConnID  string
}

// ChannelDisabled is the Data of TypeChannelDisabled events.
type ChannelDisabled struct {
	Channel string
	Err     error
}
