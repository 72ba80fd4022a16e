// Package engineconfig holds the engine's tunables as plain data: a
// Default*Config constructor and a Merge method per section, plus
// LoadConfig to read a JSON file and merge it over defaults. Nothing
// downstream of construction holds on to a *Config.
package engineconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
)

// PoolConfig configures the EventPool.
type PoolConfig struct {
	EventPoolSize              int  `json:"event_pool_size"`
	LimitTotalEventsInFlight   bool `json:"limit_total_events_in_flight"`
	Locations                  int  `json:"locations"`
}

// DefaultPoolConfig returns the pool's baseline tunables.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{EventPoolSize: 16, LimitTotalEventsInFlight: true, Locations: 1}
}

// Merge overwrites non-zero numeric fields of source onto c; the boolean
// LimitTotalEventsInFlight is always copied, so a false in source
// overrides a true in c.
func (c *PoolConfig) Merge(source *PoolConfig) {
	if source == nil {
		return
	}
	if source.EventPoolSize != 0 {
		c.EventPoolSize = source.EventPoolSize
	}
	if source.Locations != 0 {
		c.Locations = source.Locations
	}
	c.LimitTotalEventsInFlight = source.LimitTotalEventsInFlight
}

// QueueConfig configures an inter-arrow mailbox.
type QueueConfig struct {
	EventQueueThreshold int  `json:"event_queue_threshold"`
	Ordering            bool `json:"ordering"`
}

// DefaultQueueConfig returns the queue's baseline tunables.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{EventQueueThreshold: 8}
}

// Merge overwrites a non-zero EventQueueThreshold of source onto c; the
// boolean Ordering is always copied from source.
func (c *QueueConfig) Merge(source *QueueConfig) {
	if source == nil {
		return
	}
	if source.EventQueueThreshold != 0 {
		c.EventQueueThreshold = source.EventQueueThreshold
	}
	c.Ordering = source.Ordering
}

// WorkerConfig configures worker backoff and heartbeat behavior.
type WorkerConfig struct {
	BackoffStrategy string `json:"backoff_strategy"` // "constant" | "linear" | "exponential"
	BackoffTries    int    `json:"backoff_tries"`
	CheckinTimeMS   int    `json:"checkin_time_ms"`
}

// DefaultWorkerConfig returns the worker's baseline tunables.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{BackoffStrategy: "exponential", BackoffTries: 10, CheckinTimeMS: 500}
}

// Merge overwrites non-zero fields of source onto c.
func (c *WorkerConfig) Merge(source *WorkerConfig) {
	if source == nil {
		return
	}
	if source.BackoffStrategy != "" {
		c.BackoffStrategy = source.BackoffStrategy
	}
	if source.BackoffTries != 0 {
		c.BackoffTries = source.BackoffTries
	}
	if source.CheckinTimeMS != 0 {
		c.CheckinTimeMS = source.CheckinTimeMS
	}
}

// EngineConfig is the top-level configuration consumed at construction.
type EngineConfig struct {
	NThreads                  int    `json:"nthreads"` // 0 or negative means "Ncores"
	TimeoutSeconds            int    `json:"timeout"`
	WarmupTimeoutSec          int    `json:"warmup_timeout"`
	EnableStealing            bool   `json:"enable_stealing"`
	CaptureBacktraceOnTimeout bool   `json:"capture_backtrace_on_timeout"`
	Observer                  string `json:"observer"`

	Pool   PoolConfig   `json:"pool"`
	Queue  QueueConfig  `json:"queue"`
	Worker WorkerConfig `json:"worker"`
}

// DefaultConfig returns the engine's baseline configuration. NThreads
// defaults to the host's CPU count, matching the "Ncores" sentinel.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		NThreads:                  runtime.NumCPU(),
		TimeoutSeconds:            8,
		WarmupTimeoutSec:          30,
		CaptureBacktraceOnTimeout: true,
		Observer:                  "slog",
		Pool:                      DefaultPoolConfig(),
		Queue:                     DefaultQueueConfig(),
		Worker:                    DefaultWorkerConfig(),
	}
}

// Merge overwrites non-zero numeric and string fields of source onto c,
// always copies the boolean fields (EnableStealing,
// CaptureBacktraceOnTimeout), and recurses into each subsection's own Merge.
func (c *EngineConfig) Merge(source *EngineConfig) {
	if source == nil {
		return
	}
	if source.NThreads != 0 {
		c.NThreads = source.NThreads
	}
	if source.TimeoutSeconds != 0 {
		c.TimeoutSeconds = source.TimeoutSeconds
	}
	if source.WarmupTimeoutSec != 0 {
		c.WarmupTimeoutSec = source.WarmupTimeoutSec
	}
	if source.Observer != "" {
		c.Observer = source.Observer
	}
	c.EnableStealing = source.EnableStealing
	c.CaptureBacktraceOnTimeout = source.CaptureBacktraceOnTimeout
	c.Pool.Merge(&source.Pool)
	c.Queue.Merge(&source.Queue)
	c.Worker.Merge(&source.Worker)
}

// LoadConfig reads a JSON file and merges it over DefaultConfig.
func LoadConfig(filename string) (*EngineConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("engineconfig: load %s: %w", filename, err)
	}
	var loaded EngineConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("engineconfig: parse %s: %w", filename, err)
	}
	cfg := DefaultConfig()
	cfg.Merge(&loaded)
	return cfg, nil
}

// ResolvedThreadCount returns NThreads, mapping non-positive values to the
// host's CPU count (the "Ncores" convention).
func (c *EngineConfig) ResolvedThreadCount() int {
	if c.NThreads <= 0 {
		return runtime.NumCPU()
	}
	return c.NThreads
}
