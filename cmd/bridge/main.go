package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/zeusync/simbridge/internal/config"
	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/injector"
)

var version = "dev"

// configPath resolves the config file: the -config flag, then
// SIMBRIDGE_CONFIG, then bridge.yaml in the working directory.
func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("SIMBRIDGE_CONFIG"); env != "" {
		return env
	}
	return "bridge.yaml"
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		color.New(color.FgYellow).Printf("    ! %s not found, using defaults\n", path)
		cfg = config.Default()
		err = cfg.Finalize()
	}
	return cfg, err
}

func main() {
	flagConfig := flag.String("config", "", "path to a .yaml or .toml config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, configPath(*flagConfig)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	color.New(color.FgCyan).Printf("simbridge %s\n\n", version)

	cfg, err := loadConfig(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Orchestrator: %s (%s)\n", cfg.Outbound.Address, cfg.Outbound.Transport)
	if cfg.Requests.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Requests:     %s\n", cfg.Requests.Address)
	}
	if cfg.Ingress.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Ingress:      %s (%s)\n", cfg.Ingress.Address, cfg.Ingress.Network)
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:      %s%s\n", cfg.Metrics.Address, cfg.Metrics.Path)
	}
	fmt.Println()

	app, err := injector.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer func() { _ = app.Logger.Sync() }()

	app.Logger.Info("Starting bridge",
		log.String("config", path),
		log.Int("agents", len(cfg.Scene.Agents)),
		log.Int("tick_rate", cfg.Simulation.TickRate))

	return app.Run(ctx)
}
