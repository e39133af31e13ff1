package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/internal/core/protocol/framing"
	"github.com/zeusync/simbridge/internal/core/protocol/transport"
	"github.com/zeusync/simbridge/internal/core/reqresp"
)

var errUsage = errors.New("not enough arguments, see bridgectl help")

// query sends "type [agent]" as a token line and returns the decoded reply
// as a plain JSON object for printing.
func query(ctx context.Context, addr string, args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, errUsage
	}

	resp, err := reqresp.Query(ctx, addr, []byte(strings.Join(args, " ")))
	if err != nil {
		return nil, err
	}
	if resp.Kind == envelope.KindError {
		e := resp.Payload.(envelope.Error)
		return nil, fmt.Errorf("%s: %s", color.YellowString(e.Code), e.Message)
	}

	raw, err := envelope.Encode(resp)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err = json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// buildCommand turns command line words into an inbound envelope.
func buildCommand(args []string) (envelope.Envelope, error) {
	if len(args) == 0 {
		return envelope.Envelope{}, errUsage
	}

	need := func(n int) error {
		if len(args) < n {
			return errUsage
		}
		return nil
	}

	switch args[0] {
	case "move":
		if err := need(3); err != nil {
			return envelope.Envelope{}, err
		}
		return envelope.New(envelope.MoveToLocation{AgentID: args[1], LocationName: args[2]}), nil
	case "wait":
		if err := need(4); err != nil {
			return envelope.Envelope{}, err
		}
		seconds, err := strconv.ParseFloat(args[3], 64)
		if err != nil || seconds < 0 {
			return envelope.Envelope{}, fmt.Errorf("invalid duration %q", args[3])
		}
		return envelope.New(envelope.WaitAtLocation{AgentID: args[1], LocationName: args[2], DurationSeconds: seconds}), nil
	case "say":
		if err := need(4); err != nil {
			return envelope.Envelope{}, err
		}
		return envelope.New(envelope.Conversation{
			SpeakerID:  args[1],
			ListenerID: args[2],
			Text:       strings.Join(args[3:], " "),
		}), nil
	case "update":
		if err := need(3); err != nil {
			return envelope.Envelope{}, err
		}
		update := envelope.AgentUpdate{AgentID: args[1], Objective: args[2]}
		if len(args) > 3 {
			update.Thought = strings.Join(args[3:], " ")
		}
		return envelope.New(update), nil
	case "raw":
		if err := need(2); err != nil {
			return envelope.Envelope{}, err
		}
		return envelope.Decode([]byte(strings.Join(args[1:], " ")))
	default:
		return envelope.Envelope{}, fmt.Errorf("unknown command %q", args[0])
	}
}

// send delivers env to the ingress listener as a single frame.
func send(ctx context.Context, network, addr string, insecure bool, env envelope.Envelope) error {
	n, err := transport.ParseNetwork(network)
	if err != nil {
		return err
	}
	if n == transport.NetworkWebSocket && !strings.Contains(addr, "://") {
		addr = "ws://" + addr + "/ws"
	}

	dialer, err := transport.NewDialer(n, addr, transport.Options{Insecure: insecure})
	if err != nil {
		return err
	}
	conn, err := dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return framing.WriteEnvelope(conn, env)
}
