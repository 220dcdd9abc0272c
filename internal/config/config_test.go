package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:8081", cfg.Server.GRPCAddr)
	assert.Equal(t, "0.0.0.0:7946", cfg.Mesh.BindAddr)
	assert.Equal(t, "meshlimit", cfg.Mesh.ClusterID)
	assert.Equal(t, 100*time.Millisecond, cfg.Mesh.GossipInterval.Std())
	assert.Equal(t, time.Hour, cfg.Mesh.DeadNodeGracePeriod.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Mesh.CacheTTL.Std())
	assert.False(t, cfg.Mesh.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  grpc_addr: "0.0.0.0:9999"
rate_limiting:
  rules_path: /etc/meshlimit/rules.yaml
  reload_interval: 30s
mesh:
  enabled: true
  node_id: node-1
  seeds:
    - 10.0.0.1:7946
    - 10.0.0.2:7946
  cache_ttl: 250ms
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", cfg.Server.GRPCAddr)
	assert.Equal(t, "/etc/meshlimit/rules.yaml", cfg.RateLimiting.RulesPath)
	assert.Equal(t, 30*time.Second, cfg.RateLimiting.ReloadInterval.Std())
	assert.True(t, cfg.Mesh.Enabled)
	assert.Equal(t, "node-1", cfg.Mesh.NodeID)
	assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Mesh.Seeds)
	assert.Equal(t, 250*time.Millisecond, cfg.Mesh.CacheTTL.Std())
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched fields keep their defaults.
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.MetricsAddr)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mesh:
  cache_ttl: "not-a-duration"
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MESHLIMIT_GRPC_ADDR", "0.0.0.0:1234")
	t.Setenv("MESHLIMIT_MESH_ENABLED", "true")
	t.Setenv("MESHLIMIT_MESH_SEEDS", "a:1, b:2 ,")
	t.Setenv("MESHLIMIT_CACHE_TTL", "2s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:1234", cfg.Server.GRPCAddr)
	assert.True(t, cfg.Mesh.Enabled)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Mesh.Seeds)
	assert.Equal(t, 2*time.Second, cfg.Mesh.CacheTTL.Std())
}

func TestEnvBadDurationIgnored(t *testing.T) {
	t.Setenv("MESHLIMIT_CACHE_TTL", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Mesh.CacheTTL.Std())
}

func TestSplitSeeds(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, SplitSeeds("a:1,b:2"))
	assert.Empty(t, SplitSeeds(" , ,"))
}
