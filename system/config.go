// Package system assembles complete simulated memory hierarchies: caches,
// snoop bus, memory controller, and traffic agents, from a declarative
// configuration.
package system

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sarchlab/snoopsim/link"
)

// CacheParams is the geometry of one cache level.
type CacheParams struct {
	// NumWays is the associativity.
	NumWays int `json:"num_ways"`
	// NumRows is the number of sets; must be a power of two.
	NumRows int `json:"num_rows"`
	// BlockSize is the line size in bytes; must be a power of two.
	BlockSize int `json:"blocksize"`
	// AccessTime is the array access latency, e.g. "2ns".
	AccessTime string `json:"access_time"`
	// DisableSpeculativeFill turns off warming the cache from peer fill
	// traffic on the snoop bus.
	DisableSpeculativeFill bool `json:"disable_speculative_fill,omitempty"`
}

// WorkloadParams describes the traffic each agent generates.
type WorkloadParams struct {
	// Accesses is the number of operations per agent.
	Accesses int `json:"accesses"`
	// Footprint is the span of addresses each agent touches, in bytes.
	Footprint uint64 `json:"footprint"`
	// Shared makes every agent use the same address range, exercising
	// coherence traffic; otherwise agents get disjoint stripes.
	Shared bool `json:"shared"`
	// Seed makes runs reproducible.
	Seed int64 `json:"seed"`
	// ThinkTime is the delay between a response and the next access.
	ThinkTime string `json:"think_time"`
}

// Config describes a whole simulated system.
type Config struct {
	// NumCPUs is the number of requesters, each with a private level-1
	// cache on the shared snoop bus.
	NumCPUs int `json:"num_cpus"`

	L1 CacheParams `json:"l1"`
	// L2 optionally adds a shared second-level cache on the bus, which
	// level-1 fills are addressed to.
	L2 *CacheParams `json:"l2,omitempty"`

	// BusDelay is the snoop bus arbitration delay.
	BusDelay string `json:"bus_delay"`
	// LinkLatency is the point-to-point link delay.
	LinkLatency string `json:"link_latency"`
	// MemoryLatency is the backing store access time.
	MemoryLatency string `json:"memory_latency"`

	Workload WorkloadParams `json:"workload"`
}

// DefaultConfig returns a two-CPU system with modest caches, sized so that
// the default workload produces hits, misses, and coherence traffic.
func DefaultConfig() *Config {
	return &Config{
		NumCPUs: 2,
		L1: CacheParams{
			NumWays:    4,
			NumRows:    16,
			BlockSize:  64,
			AccessTime: "2ns",
		},
		BusDelay:      "100ps",
		LinkLatency:   "50ps",
		MemoryLatency: "50ns",
		Workload: WorkloadParams{
			Accesses:  200,
			Footprint: 8 * 1024,
			Shared:    true,
			Seed:      1,
			ThinkTime: "1ns",
		},
	}
}

// LoadConfig reads a configuration from a JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for values the simulation cannot run
// with.
func (c *Config) Validate() error {
	if c.NumCPUs <= 0 {
		return fmt.Errorf("num_cpus must be positive")
	}

	if err := c.L1.validate("l1"); err != nil {
		return err
	}
	if c.L2 != nil {
		if err := c.L2.validate("l2"); err != nil {
			return err
		}
	}

	for name, v := range map[string]string{
		"bus_delay":      c.BusDelay,
		"link_latency":   c.LinkLatency,
		"memory_latency": c.MemoryLatency,
	} {
		if _, err := link.ParseLatency(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Workload.Accesses < 0 {
		return fmt.Errorf("workload accesses must not be negative")
	}
	if c.Workload.Accesses > 0 {
		if c.Workload.Footprint < uint64(c.L1.BlockSize) {
			return fmt.Errorf("workload footprint smaller than a block")
		}
		if _, err := link.ParseLatency(c.Workload.ThinkTime); err != nil {
			return fmt.Errorf("think_time: %w", err)
		}
	}

	return nil
}

func (p *CacheParams) validate(level string) error {
	if p.NumWays <= 0 || p.NumRows <= 0 || p.BlockSize <= 0 {
		return fmt.Errorf(
			"%s: num_ways, num_rows, and blocksize must be positive", level)
	}
	if p.NumRows&(p.NumRows-1) != 0 {
		return fmt.Errorf("%s: num_rows must be a power of two", level)
	}
	if p.BlockSize&(p.BlockSize-1) != 0 {
		return fmt.Errorf("%s: blocksize must be a power of two", level)
	}
	if _, err := link.ParseLatency(p.AccessTime); err != nil {
		return fmt.Errorf("%s access_time: %w", level, err)
	}
	return nil
}
