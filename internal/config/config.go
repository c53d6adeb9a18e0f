// Package config loads and validates the invoker's pool configuration
// (spec §6 "Pool configuration keys") from YAML, in the teacher's style
// of a typed struct decoded with gopkg.in/yaml.v3 and validated before
// any component is constructed from it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apache/openwhisk-invoker-pool/internal/activation"
	"github.com/apache/openwhisk-invoker-pool/internal/pool"
)

// PrewarmGroup is the YAML shape of one spec §6 "prewarm" list entry.
type PrewarmGroup struct {
	Kind     string `yaml:"kind"`
	MemoryMB int64  `yaml:"memory_mb"`
	Count    int    `yaml:"count"`
	MaxAgeS  int64  `yaml:"max_age_s"`
}

// Config is the root configuration document.
type Config struct {
	MemoryLimitMB  int64          `yaml:"memory_limit_mb"`
	Prewarm        []PrewarmGroup `yaml:"prewarm"`
	IdleGraceMs    int64          `yaml:"idle_grace_ms"`
	EvictionLRU    *bool          `yaml:"eviction_lru"`
	ConcurrentPeek int            `yaml:"concurrent_peek"`

	NamespaceConcurrencyDefault int64            `yaml:"namespace_concurrency_default"`
	NamespaceConcurrency        map[string]int64 `yaml:"namespace_concurrency"`

	PauseFailureFatal bool `yaml:"pause_failure_fatal"`

	DriverName string `yaml:"driver"`

	HTTPAddr string `yaml:"http_addr"`

	LogSentinelWaitMs int64 `yaml:"log_sentinel_wait_ms"`

	ShutdownGraceMs int64 `yaml:"shutdown_grace_ms"`
}

// Default returns a Config with every spec-documented default applied, to
// be merged under a loaded document's explicit values.
func Default() Config {
	lru := true
	return Config{
		IdleGraceMs:                 50_000,
		EvictionLRU:                 &lru,
		ConcurrentPeek:              16,
		NamespaceConcurrencyDefault: 1,
		LogSentinelWaitMs:           2000,
		ShutdownGraceMs:             10_000,
		HTTPAddr:                    ":8080",
		DriverName:                  "docker",
	}
}

// Load reads and validates a configuration document from path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a configuration document that could not produce a
// correctly-behaving pool (spec §6 exit code 2: "fatal configuration").
func (c Config) Validate() error {
	if c.MemoryLimitMB <= 0 {
		return fmt.Errorf("config: memory_limit_mb must be positive")
	}
	var prewarmTotal int64
	for _, g := range c.Prewarm {
		if g.Kind == "" {
			return fmt.Errorf("config: prewarm group missing kind")
		}
		if g.MemoryMB <= 0 {
			return fmt.Errorf("config: prewarm group %q: memory_mb must be positive", g.Kind)
		}
		if g.Count < 0 {
			return fmt.Errorf("config: prewarm group %q: count must be >= 0", g.Kind)
		}
		prewarmTotal += g.MemoryMB * int64(g.Count)
	}
	if prewarmTotal > c.MemoryLimitMB {
		return fmt.Errorf("config: prewarm groups reserve %dMB, exceeding memory_limit_mb=%d", prewarmTotal, c.MemoryLimitMB)
	}
	if c.ConcurrentPeek <= 0 {
		return fmt.Errorf("config: concurrent_peek must be positive")
	}
	if c.NamespaceConcurrencyDefault <= 0 {
		return fmt.Errorf("config: namespace_concurrency_default must be positive")
	}
	return nil
}

// PoolConfig translates the loaded document into internal/pool's Config.
func (c Config) PoolConfig() pool.Config {
	specs := make([]pool.PrewarmSpec, 0, len(c.Prewarm))
	for _, g := range c.Prewarm {
		specs = append(specs, pool.PrewarmSpec{
			Kind:     activation.Kind(g.Kind),
			MemoryMB: g.MemoryMB,
			Count:    g.Count,
			MaxAge:   time.Duration(g.MaxAgeS) * time.Second,
		})
	}
	lru := true
	if c.EvictionLRU != nil {
		lru = *c.EvictionLRU
	}
	return pool.Config{
		MemoryLimitMB:     c.MemoryLimitMB,
		Prewarm:           specs,
		IdleGrace:         time.Duration(c.IdleGraceMs) * time.Millisecond,
		EvictionLRU:       lru,
		PauseFailureFatal: c.PauseFailureFatal,
		ShutdownGrace:     time.Duration(c.ShutdownGraceMs) * time.Millisecond,
		LogSentinelWait:   c.LogSentinelWait(),
	}
}

// LogSentinelWait is the bounded wait for a driver's log sentinel marker
// before the runner stops collecting logs and falls back to a timestamp cutoff
// (spec §9 open question (b)).
func (c Config) LogSentinelWait() time.Duration {
	return time.Duration(c.LogSentinelWaitMs) * time.Millisecond
}
