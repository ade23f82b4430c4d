// Package config loads SwarmKit settings from YAML or TOML files with
// SWARMKIT_* environment overrides and converts them into an engine.Config.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/engine"
	"github.com/hupe1980/swarmkit/logging"
	"gopkg.in/yaml.v3"
)

// Environment overrides. SWARMKIT_LOG_LEVEL is shared with the logging package.
const (
	EnvStorePath        = "SWARMKIT_STORE_PATH"
	EnvMaxAgents        = "SWARMKIT_MAX_AGENTS"
	EnvHeartbeatTimeout = "SWARMKIT_HEARTBEAT_TIMEOUT"
	EnvElectionTimeout  = "SWARMKIT_ELECTION_TIMEOUT"
	EnvConsensusTimeout = "SWARMKIT_CONSENSUS_TIMEOUT"
	EnvLogLevel         = logging.EnvLogLevel
	EnvLogFormat        = "SWARMKIT_LOG_FORMAT"
	EnvMetricsAddr      = "SWARMKIT_METRICS_ADDR"
)

// Duration is a time.Duration written as a string ("1.5s", "2m") in files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the file representation of a SwarmKit deployment.
type Config struct {
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Election  ElectionConfig  `yaml:"election" toml:"election"`
	Consensus ConsensusConfig `yaml:"consensus" toml:"consensus"`
	Bus       BusConfig       `yaml:"bus" toml:"bus"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

type StoreConfig struct {
	// Path of the SQLite database; empty keeps state in memory.
	Path        string   `yaml:"path" toml:"path"`
	LockTimeout Duration `yaml:"lock_timeout" toml:"lock_timeout"`
	// RecoveryRetention is how long recovery points are kept; zero keeps them.
	RecoveryRetention Duration `yaml:"recovery_retention" toml:"recovery_retention"`
}

type AgentsConfig struct {
	MaxAgents         int64    `yaml:"max_agents" toml:"max_agents"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	CheckInterval     Duration `yaml:"check_interval" toml:"check_interval"`
	TaskTimeout       Duration `yaml:"task_timeout" toml:"task_timeout"`
}

type ElectionConfig struct {
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

type ConsensusConfig struct {
	Timeout Duration `yaml:"timeout" toml:"timeout"`
	// Threshold is the default approval threshold for callers that do not
	// pass their own.
	Threshold float64 `yaml:"threshold" toml:"threshold"`
}

type BusConfig struct {
	MaxDeliveryAttempts int      `yaml:"max_delivery_attempts" toml:"max_delivery_attempts"`
	EventTTL            Duration `yaml:"event_ttl" toml:"event_ttl"`
	JanitorInterval     Duration `yaml:"janitor_interval" toml:"janitor_interval"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
	// Format is console (zerolog), json or text (slog).
	Format string `yaml:"format" toml:"format"`
}

type MetricsConfig struct {
	// Addr is the listen address of the Prometheus endpoint; empty disables it.
	Addr string `yaml:"addr" toml:"addr"`
}

// Default mirrors engine.DefaultConfig.
func Default() Config {
	d := engine.DefaultConfig
	return Config{
		Store: StoreConfig{
			Path:              d.StorePath,
			LockTimeout:       Duration{d.LockTimeout},
			RecoveryRetention: Duration{d.RecoveryRetention},
		},
		Agents: AgentsConfig{
			MaxAgents:         d.MaxAgents,
			HeartbeatInterval: Duration{d.HeartbeatInterval},
			HeartbeatTimeout:  Duration{d.HeartbeatTimeout},
			CheckInterval:     Duration{d.CheckInterval},
			TaskTimeout:       Duration{d.TaskTimeout},
		},
		Election:  ElectionConfig{Timeout: Duration{d.ElectionTimeout}},
		Consensus: ConsensusConfig{Timeout: Duration{d.ConsensusTimeout}, Threshold: 0.6},
		Bus: BusConfig{
			MaxDeliveryAttempts: d.MaxDeliveryAttempts,
			EventTTL:            Duration{d.EventTTL},
			JanitorInterval:     Duration{d.JanitorInterval},
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (YAML for .yaml/.yml, TOML for .toml) on top of the
// defaults, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	var (
		cfg Config
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = loadYAML(path)
	case ".toml":
		cfg, err = loadTOML(path)
	default:
		return Config{}, &core.ConfigurationError{Field: "path", Reason: fmt.Sprintf("unsupported config format %q", ext)}
	}
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadYAML(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// loadTOML overlays only the keys present in the file, so an explicit zero
// ("0s", 0) replaces the default while an absent key keeps it.
func loadTOML(path string) (Config, error) {
	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, &core.ConfigurationError{Field: undecoded[0].String(), Reason: "unknown key"}
	}

	cfg := Default()
	overlay := []struct {
		key   []string
		apply func()
	}{
		{[]string{"store", "path"}, func() { cfg.Store.Path = strings.TrimSpace(raw.Store.Path) }},
		{[]string{"store", "lock_timeout"}, func() { cfg.Store.LockTimeout = raw.Store.LockTimeout }},
		{[]string{"store", "recovery_retention"}, func() { cfg.Store.RecoveryRetention = raw.Store.RecoveryRetention }},
		{[]string{"agents", "max_agents"}, func() { cfg.Agents.MaxAgents = raw.Agents.MaxAgents }},
		{[]string{"agents", "heartbeat_interval"}, func() { cfg.Agents.HeartbeatInterval = raw.Agents.HeartbeatInterval }},
		{[]string{"agents", "heartbeat_timeout"}, func() { cfg.Agents.HeartbeatTimeout = raw.Agents.HeartbeatTimeout }},
		{[]string{"agents", "check_interval"}, func() { cfg.Agents.CheckInterval = raw.Agents.CheckInterval }},
		{[]string{"agents", "task_timeout"}, func() { cfg.Agents.TaskTimeout = raw.Agents.TaskTimeout }},
		{[]string{"election", "timeout"}, func() { cfg.Election.Timeout = raw.Election.Timeout }},
		{[]string{"consensus", "timeout"}, func() { cfg.Consensus.Timeout = raw.Consensus.Timeout }},
		{[]string{"consensus", "threshold"}, func() { cfg.Consensus.Threshold = raw.Consensus.Threshold }},
		{[]string{"bus", "max_delivery_attempts"}, func() { cfg.Bus.MaxDeliveryAttempts = raw.Bus.MaxDeliveryAttempts }},
		{[]string{"bus", "event_ttl"}, func() { cfg.Bus.EventTTL = raw.Bus.EventTTL }},
		{[]string{"bus", "janitor_interval"}, func() { cfg.Bus.JanitorInterval = raw.Bus.JanitorInterval }},
		{[]string{"log", "level"}, func() { cfg.Log.Level = strings.TrimSpace(raw.Log.Level) }},
		{[]string{"log", "format"}, func() { cfg.Log.Format = strings.TrimSpace(raw.Log.Format) }},
		{[]string{"metrics", "addr"}, func() { cfg.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr) }},
	}
	for _, o := range overlay {
		if meta.IsDefined(o.key...) {
			o.apply()
		}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SWARMKIT_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return &core.ConfigurationError{Field: name, Reason: err.Error()}
		}
		return nil
	}

	str(EnvStorePath, &c.Store.Path)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvLogFormat, &c.Log.Format)
	str(EnvMetricsAddr, &c.Metrics.Addr)
	if v, ok := lookup(EnvMaxAgents); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return &core.ConfigurationError{Field: EnvMaxAgents, Reason: err.Error()}
		}
		c.Agents.MaxAgents = n
	}
	if err := dur(EnvHeartbeatTimeout, &c.Agents.HeartbeatTimeout); err != nil {
		return err
	}
	if err := dur(EnvElectionTimeout, &c.Election.Timeout); err != nil {
		return err
	}
	return dur(EnvConsensusTimeout, &c.Consensus.Timeout)
}

// Validate checks the fields the engine does not validate itself.
func (c Config) Validate() error {
	if !core.InUnitRange(c.Consensus.Threshold) {
		return &core.ConfigurationError{Field: "consensus.threshold", Reason: "must be within [0,1]"}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return &core.ConfigurationError{Field: "log.level", Reason: err.Error()}
	}
	switch c.Log.Format {
	case "", "console", "json", "text":
	default:
		return &core.ConfigurationError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return c.Engine().Validate()
}

// Engine converts the file configuration into an engine.Config.
func (c Config) Engine() engine.Config {
	return engine.Config{
		StorePath:           c.Store.Path,
		MaxAgents:           c.Agents.MaxAgents,
		HeartbeatInterval:   c.Agents.HeartbeatInterval.Duration,
		HeartbeatTimeout:    c.Agents.HeartbeatTimeout.Duration,
		CheckInterval:       c.Agents.CheckInterval.Duration,
		LockTimeout:         c.Store.LockTimeout.Duration,
		ElectionTimeout:     c.Election.Timeout.Duration,
		ConsensusTimeout:    c.Consensus.Timeout.Duration,
		TaskTimeout:         c.Agents.TaskTimeout.Duration,
		MaxDeliveryAttempts: c.Bus.MaxDeliveryAttempts,
		EventTTL:            c.Bus.EventTTL.Duration,
		JanitorInterval:     c.Bus.JanitorInterval.Duration,
		RecoveryRetention:   c.Store.RecoveryRetention.Duration,
	}
}

// Logger builds the configured logger writing to w: zerolog for the console
// format, slog for json and text.
func (c Config) Logger(w io.Writer) logging.Logger {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		level = logging.LogLevelInfo
	}
	switch c.Log.Format {
	case "json", "text":
		cfg := logging.DefaultLoggerConfig()
		cfg.Level = level
		cfg.Format = c.Log.Format
		cfg.Output = w
		cfg.Component = "swarmkit"
		return logging.NewLogger(cfg)
	default:
		return logging.NewConsoleLogger("swarmkit", level, w)
	}
}
