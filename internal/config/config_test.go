package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
node_id: n1
node_listen: ":9101"
data_dir: /var/lib/tickvault
router_listen: ":9100"
nodes:
  - id: n1
    addr: 127.0.0.1:9101
  - id: n2
    addr: 127.0.0.1:9102
seed_shards:
  - shard_id: 1
    start: ""
    end: "M"
    primary: n1
    secondaries: [n2]
    epoch: 1
  - shard_id: 2
    start: "M"
    end: ""
    primary: n2
    epoch: 1
store:
  record_cap: 100000
  sync: true
  retention: 720h
health:
  interval: 2s
  fail_threshold: 5
pool:
  per_node_cap: 16
  acquire_timeout: 100ms
balancer:
  strategy: round_robin
  default_deadline: 3s
cache:
  backend: memory
  ttl: 10s
  max_entries: 1024
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9101", cfg.NodeListen)
	assert.Len(t, cfg.Nodes, 2)
	require.Len(t, cfg.SeedShards, 2)
	assert.Equal(t, "n1", cfg.SeedShards[0].Primary)
	assert.Equal(t, []string{"n2"}, cfg.SeedShards[0].Secondaries)
	assert.Equal(t, int64(100000), cfg.Store.RecordCap)
	assert.Equal(t, 720*time.Hour, cfg.Store.Retention)
	assert.Equal(t, 5, cfg.Health.FailThreshold)
	assert.Equal(t, 16, cfg.Pool.PerNodeCap)
	assert.Equal(t, "round_robin", cfg.Balancer.Strategy)
	assert.Equal(t, 3*time.Second, cfg.Balancer.DefaultDeadline)
	assert.Equal(t, "memory", cfg.Cache.Backend)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
nodes:
  - id: n1
    addr: 127.0.0.1:9101
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":7100", cfg.RouterListen)
	assert.Equal(t, "least_connections", cfg.Balancer.Strategy)
	assert.Equal(t, time.Hour, cfg.Store.CompactInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsUnknownReplicaNodes(t *testing.T) {
	path := writeConfig(t, `
nodes:
  - id: n1
    addr: 127.0.0.1:9101
seed_shards:
  - shard_id: 1
    start: ""
    end: ""
    primary: ghost
    epoch: 1
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "ghost")
}

func TestValidateRejectsDuplicateNodes(t *testing.T) {
	path := writeConfig(t, `
nodes:
  - id: n1
    addr: 127.0.0.1:9101
  - id: n1
    addr: 127.0.0.1:9102
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate")
}
