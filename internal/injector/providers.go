package injector

import (
	"context"

	"github.com/google/wire"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/simbridge/internal/bridge"
	"github.com/zeusync/simbridge/internal/config"
	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/sim"
)

var ProviderSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideScene,
	ProvideBridge,
	NewApp,
)

func ProvideLogger(cfg *config.Config) (*log.Logger, error) {
	return log.Provide(cfg.Logging.Level, cfg.Logging.Format)
}

func ProvideScene(cfg *config.Config, logger log.Log) *sim.Scene {
	return sim.NewScene(cfg.Scene, cfg.Simulation, logger)
}

func ProvideBridge(cfg *config.Config, logger log.Log, scene *sim.Scene) (*bridge.Bridge, error) {
	return bridge.New(cfg, logger, scene)
}

// App is the bridge driven by the headless scene.
type App struct {
	Config *config.Config
	Logger *log.Logger
	Bridge *bridge.Bridge
	Scene  *sim.Scene
}

// NewApp connects the scene to the bridge and registers its agents.
func NewApp(cfg *config.Config, logger *log.Logger, b *bridge.Bridge, scene *sim.Scene) (*App, error) {
	scene.Attach(b)
	if err := scene.Register(b); err != nil {
		return nil, err
	}
	return &App{Config: cfg, Logger: logger, Bridge: b, Scene: scene}, nil
}

// Run drives the scene and the bridge until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Bridge.Run(gctx) })
	g.Go(func() error { return a.Scene.Run(gctx, a.Bridge, a.Config.Simulation.TickRate) })
	return g.Wait()
}
