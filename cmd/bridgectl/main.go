package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
)

func usage() {
	fmt.Println("Usage: bridgectl <command> [flags] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  query <type> [agent]                         Ask the request port (get_position, get_state, get_agents)")
	fmt.Println("  send move <agent> <location>                 Push a move_to_location command to the ingress port")
	fmt.Println("  send wait <agent> <location> <seconds>       Push a wait_at_location command")
	fmt.Println("  send say <speaker> <listener> <text...>      Push a conversation line")
	fmt.Println("  send update <agent> <objective> [thought]    Push an agent_update")
	fmt.Println("  send raw <json>                              Push an encoded envelope as is")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "query":
		err = runQuery(ctx, os.Args[2:])
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "Error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8052", "request server address")
	timeout := fs.Duration("timeout", 5*time.Second, "overall timeout")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	resp, err := query(ctx, *addr, fs.Args())
	if err != nil {
		return err
	}
	return printEnvelope(resp)
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	network := fs.String("network", "udp", "ingress network (udp, tcp, quic, websocket)")
	addr := fs.String("addr", "127.0.0.1:8053", "ingress address")
	insecure := fs.Bool("insecure", true, "skip certificate checks for quic")
	timeout := fs.Duration("timeout", 5*time.Second, "overall timeout")
	_ = fs.Parse(args)

	env, err := buildCommand(fs.Args())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err = send(ctx, *network, *addr, *insecure, env); err != nil {
		return err
	}
	color.New(color.FgGreen).Print("sent ")
	fmt.Printf("%s to %s (%s)\n", env.Kind, *addr, *network)
	return nil
}

func printEnvelope(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
