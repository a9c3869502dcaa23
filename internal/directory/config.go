// Package directory loads the static world/entry/map topology from TOML and layers live heartbeat-driven liveness
// and load-aware entry selection on top of it.
package directory

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// RuntimeConfig is the root of the topology file: one gateway, one tick configuration, one persistence
// configuration, and the list of worlds the runtime serves.
type RuntimeConfig struct {
	Gateway     GatewayConfig     `toml:"gateway"`
	Ticks       TickConfig        `toml:"ticks"`
	Persistence PersistenceConfig `toml:"persistence"`
	Worlds      []WorldConfig     `toml:"worlds"`
}

// GatewayConfig is the QUIC listener's bind address.
type GatewayConfig struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

// TickConfig holds the two independent tick periods the map engine runs.
type TickConfig struct {
	PlayerTickMS  uint64 `toml:"player_tick_ms"`
	MonsterTickMS uint64 `toml:"monster_tick_ms"`
}

// PlayerTick returns the player tick period as a time.Duration.
func (t TickConfig) PlayerTick() time.Duration { return time.Duration(t.PlayerTickMS) * time.Millisecond }

// MonsterTick returns the monster tick period as a time.Duration.
func (t TickConfig) MonsterTick() time.Duration {
	return time.Duration(t.MonsterTickMS) * time.Millisecond
}

// PersistenceConfig controls the dirty-set flush pipeline.
type PersistenceConfig struct {
	FlushTickMS   uint64 `toml:"flush_tick_ms"`
	MaxFlushLagMS uint64 `toml:"max_flush_lag_ms"`
	MaxBatchSize  int    `toml:"max_batch_size"`
}

// FlushTick returns the flush period as a time.Duration.
func (p PersistenceConfig) FlushTick() time.Duration { return time.Duration(p.FlushTickMS) * time.Millisecond }

// MaxFlushLag returns the DEGRADED threshold as a time.Duration.
func (p PersistenceConfig) MaxFlushLag() time.Duration {
	return time.Duration(p.MaxFlushLagMS) * time.Millisecond
}

// WorldConfig is one logical world (e.g. "Midgard"), containing one or more entry points.
type WorldConfig struct {
	ID          uint16             `toml:"id"`
	Name        string             `toml:"name"`
	EntryPoints []EntryPointConfig `toml:"entry_points"`
}

// EntryPointConfig is one gateway cluster a client can be routed into, with its own capacity and map set.
type EntryPointConfig struct {
	ID         uint16      `toml:"id"`
	Name       string      `toml:"name"`
	Host       string      `toml:"host"`
	Port       uint16      `toml:"port"`
	MaxPlayers uint32      `toml:"max_players"`
	Maps       []MapConfig `toml:"maps"`
}

// MapConfig is one map definition within an entry point, with its starting instance count and the soft player cap
// ChooseRoute uses to spill placements onto the next instance.
type MapConfig struct {
	ID            uint16 `toml:"id"`
	Name          string `toml:"name"`
	BaseInstances uint16 `toml:"base_instances"`
	SoftPlayerCap uint32 `toml:"soft_player_cap"`
}

// LoadConfig reads and parses a RuntimeConfig from a TOML file at path.
func LoadConfig(path string) (RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("read topology file: %w", err)
	}

	var cfg RuntimeConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse topology file: %w", err)
	}
	return cfg, nil
}
