package reqresp

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/internal/core/registry"
)

// Built-in request types.
const (
	RequestGetPosition = "get_position"
	RequestGetState    = "get_state"
	RequestGetAgents   = "get_agents"
)

var (
	ErrAgentRequired = errors.New("agent id required")
	ErrUnknownAgent  = errors.New("unknown agent")
)

func lookup(agents *registry.Agents, id string) (registry.Agent, error) {
	if id == "" {
		return nil, ErrAgentRequired
	}
	agent, ok := agents.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	return agent, nil
}

func PositionHandler(agents *registry.Agents) HandlerFunc {
	return func(_ context.Context, req envelope.Request) (envelope.Response, error) {
		agent, err := lookup(agents, req.AgentID)
		if err != nil {
			return envelope.Response{}, err
		}
		pos := agent.Position()
		return envelope.Response{Position: &pos}, nil
	}
}

// StateHandler reports an agent's state, or the bridge connection state when
// no agent is named.
func StateHandler(agents *registry.Agents, connection func() string) HandlerFunc {
	return func(_ context.Context, req envelope.Request) (envelope.Response, error) {
		if req.AgentID == "" {
			return envelope.Response{Connection: connection()}, nil
		}
		agent, err := lookup(agents, req.AgentID)
		if err != nil {
			return envelope.Response{}, err
		}
		pos := agent.Position()
		return envelope.Response{State: agent.State(), Position: &pos}, nil
	}
}

func AgentsHandler(agents *registry.Agents) HandlerFunc {
	return func(context.Context, envelope.Request) (envelope.Response, error) {
		ids := agents.IDs()
		if ids == nil {
			ids = []string{}
		}
		return envelope.Response{Agents: ids}, nil
	}
}

// RegisterDefaults installs the built-in handlers.
func RegisterDefaults(s *Server, agents *registry.Agents, connection func() string) {
	s.Handle(RequestGetPosition, PositionHandler(agents))
	s.Handle(RequestGetState, StateHandler(agents, connection))
	s.Handle(RequestGetAgents, AgentsHandler(agents))
}
