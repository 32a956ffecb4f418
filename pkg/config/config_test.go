package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "asap-node", cfg.AppName)
	assert.Equal(t, 8, cfg.Protocol.MaxTaskDepth)
	assert.Equal(t, 30*time.Second, cfg.Reliability.AckDeadline)
	require.Len(t, cfg.Transports, 1)
	assert.Equal(t, "async", cfg.Transports[0].Mode)
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent_id: worker-7
log:
  level: debug
rate_limit:
  rate: 10
  burst: 3
transports:
  - kind: TCP
    mode: sync
    listen: [":9000"]
  - kind: mem
    listen: ["inproc"]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "worker-7", cfg.AgentID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, float64(10), cfg.RateLimit.Rate)
	require.Len(t, cfg.Transports, 2)
	assert.Equal(t, "tcp", cfg.Transports[0].Kind, "kind normalized")
	assert.Equal(t, "sync", cfg.Transports[0].Mode)
	assert.Equal(t, "async", cfg.Transports[1].Mode, "mode defaulted")
}

func TestLoadRejectsBadMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transports:
  - kind: tcp
    mode: duplex
`), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ASAP_AGENT_ID", "env-agent")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-agent", cfg.AgentID)
}
