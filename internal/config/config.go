// Package config loads dragonpilot settings: defaults, then an optional YAML
// file, then DRAGONPILOT_* environment overrides, then validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link/sim"
	"github.com/ZanzyTHEbar/dragonpilot/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DRAGONPILOT_"

// Link transports.
const (
	TransportSim = "sim"
	TransportRPC = "rpc"
)

// Config is the complete process configuration.
type Config struct {
	Link     LinkConfig      `yaml:"link"`
	Sim      sim.Config      `yaml:"sim"`
	Verifier VerifierConfig  `yaml:"verifier"`
	Executor ExecutorConfig  `yaml:"executor"`
	Protocol ProtocolConfig  `yaml:"protocol"`
	Store    StoreConfig     `yaml:"store"`
	Logging  logging.Options `yaml:"logging"`
	EventBus EventBusConfig  `yaml:"event_bus"`
	Catalogs []string        `yaml:"catalogs"`
}

// LinkConfig selects the vehicle transport.
type LinkConfig struct {
	Transport         string        `yaml:"transport"`
	Endpoint          string        `yaml:"endpoint"`
	Vendor            string        `yaml:"vendor"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// VerifierConfig tunes telemetry sampling.
type VerifierConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ExecutorConfig tunes plan execution.
type ExecutorConfig struct {
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// ProtocolConfig configures the control protocol server.
type ProtocolConfig struct {
	Listen    string  `yaml:"listen"`
	JWTSecret string  `yaml:"jwt_secret"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst int     `yaml:"rate_burst"`
}

// StoreConfig configures result history.
type StoreConfig struct {
	SQLitePath string        `yaml:"sqlite_path"` // empty keeps history in memory only
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// EventBusConfig sizes the event bus. More than one worker loses ordering.
type EventBusConfig struct {
	BufferSize int `yaml:"buffer_size"`
	Workers    int `yaml:"workers"`
}

// Default returns the built-in configuration: simulated vehicle, local HTTP server.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			Transport:         TransportSim,
			Vendor:            "px4",
			PollInterval:      100 * time.Millisecond,
			ReconnectInterval: time.Second,
		},
		Sim:      sim.DefaultConfig(),
		Verifier: VerifierConfig{PollInterval: 100 * time.Millisecond},
		Executor: ExecutorConfig{StopTimeout: 2 * time.Second},
		Protocol: ProtocolConfig{Listen: "127.0.0.1:8787", RateLimit: 20, RateBurst: 40},
		Store:    StoreConfig{CacheTTL: time.Hour},
		Logging:  logging.Options{Level: "info", Format: "json", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 14},
		EventBus: EventBusConfig{BufferSize: 256, Workers: 1},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return dragonpilot.NewConfigurationError(fmt.Sprintf("read %s", path), err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return dragonpilot.NewConfigurationError(fmt.Sprintf("parse %s", path), err)
	}
	return nil
}

// applyEnv applies DRAGONPILOT_* overrides. Malformed values are errors, not ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}
	e.str("LINK_TRANSPORT", &c.Link.Transport)
	e.str("LINK_ENDPOINT", &c.Link.Endpoint)
	e.str("LINK_VENDOR", &c.Link.Vendor)
	e.duration("LINK_POLL_INTERVAL", &c.Link.PollInterval)
	e.duration("LINK_RECONNECT_INTERVAL", &c.Link.ReconnectInterval)
	e.float("SIM_TIME_SCALE", &c.Sim.TimeScale)
	e.float("SIM_GEOFENCE_RADIUS_M", &c.Sim.GeofenceRadiusM)
	e.duration("VERIFIER_POLL_INTERVAL", &c.Verifier.PollInterval)
	e.duration("EXECUTOR_STOP_TIMEOUT", &c.Executor.StopTimeout)
	e.str("PROTOCOL_LISTEN", &c.Protocol.Listen)
	e.str("PROTOCOL_JWT_SECRET", &c.Protocol.JWTSecret)
	e.float("PROTOCOL_RATE_LIMIT", &c.Protocol.RateLimit)
	e.integer("PROTOCOL_RATE_BURST", &c.Protocol.RateBurst)
	e.str("STORE_SQLITE_PATH", &c.Store.SQLitePath)
	e.duration("STORE_CACHE_TTL", &c.Store.CacheTTL)
	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)
	e.str("LOG_FILE", &c.Logging.File)
	e.integer("EVENTBUS_BUFFER_SIZE", &c.EventBus.BufferSize)
	e.integer("EVENTBUS_WORKERS", &c.EventBus.Workers)
	if v, ok := lookup(EnvPrefix + "CATALOGS"); ok {
		c.Catalogs = splitList(v)
	}
	return e.err
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name, value string, err error) {
	e.err = dragonpilot.NewConfigurationError(fmt.Sprintf("invalid %s%s=%q", EnvPrefix, name, value), err)
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) float(name string, dst *float64) {
	if v, ok := e.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return dragonpilot.NewConfigurationError(fmt.Sprintf(format, args...), nil)
	}
	switch c.Link.Transport {
	case TransportSim:
	case TransportRPC:
		if c.Link.Endpoint == "" {
			return invalid("link.endpoint is required for the %s transport", TransportRPC)
		}
	default:
		return invalid("unknown link.transport %q", c.Link.Transport)
	}
	if c.Link.PollInterval <= 0 || c.Link.ReconnectInterval <= 0 {
		return invalid("link intervals must be positive")
	}
	if c.Verifier.PollInterval <= 0 {
		return invalid("verifier.poll_interval must be positive")
	}
	if c.Executor.StopTimeout <= 0 {
		return invalid("executor.stop_timeout must be positive")
	}
	if c.Protocol.RateLimit < 0 {
		return invalid("protocol.rate_limit must not be negative")
	}
	if c.Protocol.RateLimit > 0 && c.Protocol.RateBurst < 1 {
		return invalid("protocol.rate_burst must be at least 1 when rate limiting")
	}
	if c.Store.CacheTTL <= 0 {
		return invalid("store.cache_ttl must be positive")
	}
	if c.EventBus.BufferSize < 0 || c.EventBus.Workers < 1 {
		return invalid("event_bus needs a non-negative buffer and at least one worker")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return dragonpilot.NewConfigurationError("logging.level", err)
	}
	return nil
}
