// Package config loads the bridge configuration from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/internal/core/protocol/transport"
)

var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config is the root configuration document.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Outbound   OutboundConfig   `yaml:"outbound" toml:"outbound"`
	Requests   RequestsConfig   `yaml:"requests" toml:"requests"`
	Ingress    IngressConfig    `yaml:"ingress" toml:"ingress"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
	Simulation SimulationConfig `yaml:"simulation" toml:"simulation"`
	Scene      SceneConfig      `yaml:"scene" toml:"scene"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// OutboundConfig controls the persistent connection to the orchestrator.
type OutboundConfig struct {
	Transport     string `yaml:"transport" toml:"transport"`
	Address       string `yaml:"address" toml:"address"`
	QueueCapacity int    `yaml:"queue_capacity" toml:"queue_capacity"`
	MaxFrameSize  int    `yaml:"max_frame_size" toml:"max_frame_size"`
	TLSInsecure   bool   `yaml:"tls_insecure" toml:"tls_insecure"`

	RetryDelay      time.Duration `yaml:"-" toml:"-"`
	RetryDelayRaw   string        `yaml:"retry_delay" toml:"retry_delay"`
	WriteTimeout    time.Duration `yaml:"-" toml:"-"`
	WriteTimeoutRaw string        `yaml:"write_timeout" toml:"write_timeout"`
}

// RequestsConfig controls the one-shot request/response listener.
type RequestsConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	Address        string `yaml:"address" toml:"address"`
	MaxRequestSize int    `yaml:"max_request_size" toml:"max_request_size"`

	ReadTimeout    time.Duration `yaml:"-" toml:"-"`
	ReadTimeoutRaw string        `yaml:"read_timeout" toml:"read_timeout"`
}

// IngressConfig controls the listener the orchestrator may push envelopes to.
type IngressConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Network string `yaml:"network" toml:"network"`
	Address string `yaml:"address" toml:"address"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Address string `yaml:"address" toml:"address"`
	Path    string `yaml:"path" toml:"path"`
}

// SimulationConfig drives the headless scene loop.
type SimulationConfig struct {
	TickRate   int     `yaml:"tick_rate" toml:"tick_rate"`
	AgentSpeed float64 `yaml:"agent_speed" toml:"agent_speed"`

	PositionInterval    time.Duration `yaml:"-" toml:"-"`
	PositionIntervalRaw string        `yaml:"position_interval" toml:"position_interval"`
}

type SceneConfig struct {
	Agents  []AgentConfig `yaml:"agents" toml:"agents"`
	Areas   []AreaConfig  `yaml:"areas" toml:"areas"`
	Cameras []string      `yaml:"cameras" toml:"cameras"`
	Items   []string      `yaml:"items" toml:"items"`
}

type AgentConfig struct {
	ID    string     `yaml:"id" toml:"id"`
	Start [3]float64 `yaml:"start" toml:"start"`
}

type AreaConfig struct {
	Name      string           `yaml:"name" toml:"name"`
	Locations []LocationConfig `yaml:"locations" toml:"locations"`
}

type LocationConfig struct {
	Name        string     `yaml:"name" toml:"name"`
	Coordinates [3]float64 `yaml:"coordinates" toml:"coordinates"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Outbound: OutboundConfig{
			Transport:       string(transport.NetworkWebSocket),
			Address:         "ws://localhost:3000/ws",
			RetryDelayRaw:   "5s",
			WriteTimeoutRaw: "10s",
		},
		Requests: RequestsConfig{
			Enabled:        true,
			Address:        ":8052",
			MaxRequestSize: 1024,
		},
		Ingress: IngressConfig{
			Enabled: false,
			Network: string(transport.NetworkUDP),
			Address: ":8053",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
			Path:    "/metrics",
		},
		Simulation: SimulationConfig{
			TickRate:            30,
			AgentSpeed:          2.0,
			PositionIntervalRaw: "1s",
		},
		ShutdownTimeoutRaw: "5s",
	}
}

// Load reads a .env file next to the process if present, then the config
// file at path. The format is chosen by extension.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize parses duration strings and validates the result.
func (c *Config) Finalize() error {
	if err := c.parseDurations(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func parseDuration(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}

func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"outbound.retry_delay", c.Outbound.RetryDelayRaw, &c.Outbound.RetryDelay},
		{"outbound.write_timeout", c.Outbound.WriteTimeoutRaw, &c.Outbound.WriteTimeout},
		{"requests.read_timeout", c.Requests.ReadTimeoutRaw, &c.Requests.ReadTimeout},
		{"simulation.position_interval", c.Simulation.PositionIntervalRaw, &c.Simulation.PositionInterval},
		{"shutdown_timeout", c.ShutdownTimeoutRaw, &c.ShutdownTimeout},
	}
	for _, f := range fields {
		if err := parseDuration(f.name, f.raw, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that required fields are present and consistent.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	network, err := transport.ParseNetwork(c.Outbound.Transport)
	if err != nil {
		return fmt.Errorf("outbound.transport: %w", err)
	}
	if c.Outbound.Address == "" {
		return errors.New("outbound.address is required")
	}
	if network == transport.NetworkWebSocket {
		u, err := url.Parse(c.Outbound.Address)
		if err != nil {
			return fmt.Errorf("outbound.address: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("outbound.address must use ws or wss scheme, got %q", u.Scheme)
		}
	}
	if c.Outbound.RetryDelay <= 0 {
		return errors.New("outbound.retry_delay must be positive")
	}
	if c.Outbound.QueueCapacity < 0 {
		return errors.New("outbound.queue_capacity must not be negative")
	}
	if c.Outbound.MaxFrameSize < 0 {
		return errors.New("outbound.max_frame_size must not be negative")
	}

	if c.Requests.Enabled {
		if c.Requests.Address == "" {
			return errors.New("requests.address is required when requests are enabled")
		}
		if c.Requests.MaxRequestSize <= 0 {
			return errors.New("requests.max_request_size must be positive")
		}
	}

	if c.Ingress.Enabled {
		if _, err := transport.ParseNetwork(c.Ingress.Network); err != nil {
			return fmt.Errorf("ingress.network: %w", err)
		}
		if c.Ingress.Address == "" {
			return errors.New("ingress.address is required when ingress is enabled")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address is required when metrics are enabled")
	}

	if c.Simulation.TickRate <= 0 {
		return errors.New("simulation.tick_rate must be positive")
	}
	if c.Simulation.AgentSpeed <= 0 {
		return errors.New("simulation.agent_speed must be positive")
	}

	seen := make(map[string]bool, len(c.Scene.Agents))
	for i, a := range c.Scene.Agents {
		if a.ID == "" {
			return fmt.Errorf("scene.agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("scene.agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
	}
	for i, area := range c.Scene.Areas {
		if area.Name == "" {
			return fmt.Errorf("scene.areas[%d].name is required", i)
		}
		for j, loc := range area.Locations {
			if loc.Name == "" {
				return fmt.Errorf("scene.areas[%d].locations[%d].name is required", i, j)
			}
		}
	}
	return nil
}

// TransportOptions converts the outbound section into transport options.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		MaxFrameSize: c.Outbound.MaxFrameSize,
		WriteTimeout: c.Outbound.WriteTimeout,
		Insecure:     c.Outbound.TLSInsecure,
	}
}

// WireAreas converts the scene areas into wire form.
func (s SceneConfig) WireAreas() []envelope.Area {
	areas := make([]envelope.Area, 0, len(s.Areas))
	for _, a := range s.Areas {
		locs := make([]envelope.Location, 0, len(a.Locations))
		for _, l := range a.Locations {
			locs = append(locs, envelope.Location{Name: l.Name, Coordinates: envelope.Vec3(l.Coordinates)})
		}
		areas = append(areas, envelope.Area{AreaName: a.Name, Locations: locs})
	}
	return areas
}
