package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/engine"
	"github.com/hupe1980/swarmkit/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_MirrorsEngine(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, engine.DefaultConfig, cfg.Engine())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "swarm.yaml", `
store:
  path: /var/lib/swarm.db
agents:
  max_agents: 4
  heartbeat_timeout: 30s
election:
  timeout: 1500ms
consensus:
  threshold: 0.75
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/swarm.db", cfg.Store.Path)
	assert.Equal(t, int64(4), cfg.Agents.MaxAgents)
	assert.Equal(t, 30*time.Second, cfg.Agents.HeartbeatTimeout.Duration)
	assert.Equal(t, 1500*time.Millisecond, cfg.Election.Timeout.Duration)
	assert.Equal(t, 0.75, cfg.Consensus.Threshold)

	// untouched keys keep their defaults
	assert.Equal(t, engine.DefaultConfig.ConsensusTimeout, cfg.Consensus.Timeout.Duration)
	assert.Equal(t, engine.DefaultConfig.HeartbeatInterval, cfg.Agents.HeartbeatInterval.Duration)

	ec := cfg.Engine()
	assert.Equal(t, "/var/lib/swarm.db", ec.StorePath)
	assert.Equal(t, 30*time.Second, ec.HeartbeatTimeout)
}

func TestLoad_RecoveryRetention(t *testing.T) {
	cfg, err := Load(writeFile(t, "swarm.yaml", "store:\n  recovery_retention: 72h\n"))
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, cfg.Engine().RecoveryRetention)

	cfg, err = Load(writeFile(t, "swarm.toml", "[store]\nrecovery_retention = \"0s\"\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Engine().RecoveryRetention)

	_, err = Load(writeFile(t, "swarm.yaml", "store:\n  recovery_retention: -1h\n"))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestLoad_YAMLRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "swarm.yml", "agents:\n  max_agentz: 4\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "swarm.toml", `
[agents]
max_agents = 8
task_timeout = "45s"

[bus]
event_ttl = "0s"

[metrics]
addr = ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8), cfg.Agents.MaxAgents)
	assert.Equal(t, 45*time.Second, cfg.Agents.TaskTimeout.Duration)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)

	// an explicit zero replaces the default
	assert.Zero(t, cfg.Bus.EventTTL.Duration)
	assert.Equal(t, engine.DefaultConfig.JanitorInterval, cfg.Bus.JanitorInterval.Duration)
	assert.Equal(t, 0.6, cfg.Consensus.Threshold)
}

func TestLoad_TOMLRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "swarm.toml", "[agents]\nmax_agentz = 8\n")
	_, err := Load(path)
	var cerr *core.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "agents.max_agentz", cerr.Field)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "swarm.json", "{}"))
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "swarm.yaml", "consensus:\n  threshold: 1.5\n"))
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = Load(writeFile(t, "swarm.yaml", "consensus:\n  threshold: .nan\n"))
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = Load(writeFile(t, "swarm.yaml", "election:\n  timeout: soon\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "swarm.yaml", "agents:\n  heartbeat_interval: 1m\n  heartbeat_timeout: 30s\n"))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvStorePath:        "env.db",
		EnvMaxAgents:        "32",
		EnvHeartbeatTimeout: "1m",
		EnvConsensusTimeout: "3s",
		EnvLogLevel:         "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "env.db", cfg.Store.Path)
	assert.Equal(t, int64(32), cfg.Agents.MaxAgents)
	assert.Equal(t, time.Minute, cfg.Agents.HeartbeatTimeout.Duration)
	assert.Equal(t, 3*time.Second, cfg.Consensus.Timeout.Duration)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, engine.DefaultConfig.ElectionTimeout, cfg.Election.Timeout.Duration)

	env[EnvMaxAgents] = "many"
	var cerr *core.ConfigurationError
	require.ErrorAs(t, cfg.ApplyEnv(lookup), &cerr)
	assert.Equal(t, EnvMaxAgents, cerr.Field)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv(EnvElectionTimeout, "9s")
	cfg, err := Load(writeFile(t, "swarm.yaml", "election:\n  timeout: 2s\n"))
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, cfg.Election.Timeout.Duration)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()

	l := cfg.Logger(&buf)
	_, isZerolog := l.(*logging.ZerologAdapter)
	assert.True(t, isZerolog)
	l.Info("Engine started", "max_agents", 4)
	assert.Contains(t, buf.String(), "Engine started")

	buf.Reset()
	cfg.Log.Format = "json"
	l = cfg.Logger(&buf)
	_, isSlog := l.(*logging.SwarmLogger)
	assert.True(t, isSlog)
	l.Info("Engine started")
	assert.Contains(t, buf.String(), `"msg":"Engine started"`)
}
