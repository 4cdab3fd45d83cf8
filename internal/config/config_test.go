package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaultsToEmptyDocument(t *testing.T) {
	cfg, err := Parse([]byte(``))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConcurrentSwarms)
	assert.Equal(t, 5, cfg.DefaultWorkerConfig.MaxWorkers)
	assert.Equal(t, "swarmcore", cfg.Tracing.ServiceName)
}

func TestParseOverlayReplacesDefaultedSections(t *testing.T) {
	doc := `
max_concurrent_swarms: 8
pool:
  min_workers: 2
  max_workers: 20
  idle_timeout_ms: 60000
  warmup_timeout_ms: 5000
  warm_pool_ratio: 0.3
  scale_up_threshold: 0.9
  scale_down_threshold: 0.1
  scale_cooldown_ms: 15000
tracing:
  service_name: custom-swarm
  sampling_rate: 0.25
  otlp_endpoint: collector:4317
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrentSwarms)
	assert.Equal(t, 20, cfg.Pool.MaxWorkers)
	assert.Equal(t, "custom-swarm", cfg.Tracing.ServiceName)
	assert.Equal(t, "collector:4317", cfg.Tracing.OTLPEndpoint)
	// untouched sections keep their defaults
	assert.Equal(t, 5, cfg.DefaultWorkerConfig.MaxWorkers)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("max_concurrent_swarms: [unterminated"))
	require.Error(t, err)
}

func TestLoadReadsFileFromDisk(t *testing.T) {
	path := t.TempDir() + "/swarm.yaml"
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_swarms: 9\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxConcurrentSwarms)
}

func TestLoadFailsWhenFileMissing(t *testing.T) {
	_, err := Load("/nonexistent/swarm.yaml")
	require.Error(t, err)
}

func TestWorkerAndSwarmTimeoutDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 300_000, cfg.DefaultWorkerConfig.WorkerTimeoutMs)
	assert.Equal(t, 600_000, cfg.DefaultWorkerConfig.SwarmTimeoutMs)
}
