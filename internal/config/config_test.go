package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/openwhisk-invoker-pool/internal/activation"
	"github.com/apache/openwhisk-invoker-pool/internal/pool"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "invoker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "memory_limit_mb: 2048\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 2048, cfg.MemoryLimitMB)
	assert.EqualValues(t, 50_000, cfg.IdleGraceMs)
	assert.True(t, *cfg.EvictionLRU)
	assert.Equal(t, "docker", cfg.DriverName)
}

func TestLoadRejectsMissingMemoryLimit(t *testing.T) {
	path := writeTemp(t, "idle_grace_ms: 1000\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsOversubscribedPrewarm(t *testing.T) {
	path := writeTemp(t, `
memory_limit_mb: 256
prewarm:
  - kind: nodejs
    memory_mb: 200
    count: 2
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestPoolConfigTranslation(t *testing.T) {
	path := writeTemp(t, `
memory_limit_mb: 1024
idle_grace_ms: 10000
eviction_lru: false
prewarm:
  - kind: nodejs
    memory_mb: 128
    count: 1
    max_age_s: 300
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	pc := cfg.PoolConfig()
	want := pool.Config{
		MemoryLimitMB: 1024,
		Prewarm: []pool.PrewarmSpec{
			{Kind: activation.Kind("nodejs"), MemoryMB: 128, Count: 1, MaxAge: 300 * time.Second},
		},
		IdleGrace:       10 * time.Second,
		EvictionLRU:     false,
		ShutdownGrace:   10 * time.Second,
		LogSentinelWait: 2 * time.Second,
	}
	if diff := cmp.Diff(want, pc); diff != "" {
		t.Fatalf("PoolConfig() mismatch (-want +got):\n%s", diff)
	}
}
