package system

import (
	"fmt"
	"io"
	"log"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/snoopsim/bus"
	"github.com/sarchlab/snoopsim/cache"
	"github.com/sarchlab/snoopsim/link"
	"github.com/sarchlab/snoopsim/memagent"
	"github.com/sarchlab/snoopsim/memctrl"
)

// A System is a fully wired simulation: agents driving level-1 caches on a
// shared snoop bus, an optional shared level-2 cache, and memory.
type System struct {
	Engine *sim.SerialEngine
	Bus    *bus.Comp
	Caches []*cache.Comp
	L2     *cache.Comp
	Memory *memctrl.Comp
	Agents []*memagent.Comp
}

// Build wires a System from the configuration.
func Build(cfg *Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine := sim.NewSerialEngine()
	linkLat := link.MustParseLatency(cfg.LinkLatency)
	busDelay := link.MustParseLatency(cfg.BusDelay)
	memLat := link.MustParseLatency(cfg.MemoryLatency)

	s := &System{
		Engine: engine,
		Bus:    bus.New(engine, "Bus", busDelay),
		Memory: memctrl.New(engine, "Memory", memLat),
	}

	// The backing store sits on the bus, where it answers fill requests
	// and absorbs writebacks from every level.
	memPort, busMemPort := link.NewPair(engine, "Memory.Bus", linkLat)
	s.Memory.AttachBus(memPort)
	s.Bus.Attach(busMemPort)

	// Level-1 fills are addressed at the level-2 cache when there is one,
	// and at memory otherwise.
	nextLevel := s.Memory.Name()
	if cfg.L2 != nil {
		l2 := cache.New(engine, "L2", cache.Config{
			NumWays:                cfg.L2.NumWays,
			NumRows:                cfg.L2.NumRows,
			BlockSize:              cfg.L2.BlockSize,
			AccessTime:             cfg.L2.AccessTime,
			NextLevel:              cache.NoNextLevel,
			DisableSpeculativeFill: cfg.L2.DisableSpeculativeFill,
		})
		l2Port, busL2Port := link.NewPair(engine, "L2.Bus", linkLat)
		l2.AttachSnoop(l2Port)
		s.Bus.Attach(busL2Port)

		s.L2 = l2
		nextLevel = l2.Name()
	}

	thinkTime := sim.VTimeInSec(0)
	if cfg.Workload.Accesses > 0 {
		thinkTime = link.MustParseLatency(cfg.Workload.ThinkTime)
	}

	for i := 0; i < cfg.NumCPUs; i++ {
		cacheName := fmt.Sprintf("L1_%d", i)
		l1 := cache.New(engine, cacheName, cache.Config{
			NumWays:                cfg.L1.NumWays,
			NumRows:                cfg.L1.NumRows,
			BlockSize:              cfg.L1.BlockSize,
			AccessTime:             cfg.L1.AccessTime,
			NextLevel:              nextLevel,
			DisableSpeculativeFill: cfg.L1.DisableSpeculativeFill,
		})

		snoopPort, busPort := link.NewPair(
			engine, cacheName+".Snoop", linkLat)
		l1.AttachSnoop(snoopPort)
		s.Bus.Attach(busPort)

		agentName := fmt.Sprintf("CPU_%d", i)
		agentPort, upPort := link.NewPair(
			engine, agentName+"."+cacheName, linkLat)
		l1.AttachUpstream(upPort)

		base := uint64(0)
		if !cfg.Workload.Shared {
			base = uint64(i) * cfg.Workload.Footprint
		}
		agent := memagent.NewRandom(
			engine, agentName, thinkTime,
			cfg.Workload.Accesses,
			base, cfg.Workload.Footprint,
			cfg.L1.BlockSize,
			cfg.Workload.Seed+int64(i),
		)
		agent.Attach(agentPort)
		agent.SetVerifyReads(!cfg.Workload.Shared)

		s.Caches = append(s.Caches, l1)
		s.Agents = append(s.Agents, agent)
	}

	return s, nil
}

// SetLogger turns on debug logging for every cache in the system.
func (s *System) SetLogger(l *log.Logger) {
	for _, c := range s.Caches {
		c.SetLogger(l)
	}
	if s.L2 != nil {
		s.L2.SetLogger(l)
	}
}

// SetStrict makes every cache validate its invariants after each event.
func (s *System) SetStrict(strict bool) {
	for _, c := range s.Caches {
		c.SetStrict(strict)
	}
	if s.L2 != nil {
		s.L2.SetStrict(strict)
	}
}

// Run starts every agent and drains the event queue. It fails when an
// agent did not finish its workload, which means the hierarchy lost a
// request, or when a read came back with bytes that disagree with the
// agent's own writes.
func (s *System) Run() error {
	for _, a := range s.Agents {
		a.Start()
	}

	if err := s.Engine.Run(); err != nil {
		return err
	}

	for _, a := range s.Agents {
		if !a.Done() {
			return fmt.Errorf(
				"%s finished only %d accesses", a.Name(), a.Completed())
		}
		if a.Mismatches() > 0 {
			return fmt.Errorf(
				"%s saw %d read responses with wrong data",
				a.Name(), a.Mismatches())
		}
	}

	return nil
}

// ReportStats writes the per-cache counters and memory activity.
func (s *System) ReportStats(w io.Writer) {
	caches := s.Caches
	if s.L2 != nil {
		caches = append(append([]*cache.Comp{}, caches...), s.L2)
	}

	for _, c := range caches {
		st := c.Stats()
		fmt.Fprintf(w, "%s stats:\n", c.Name())
		fmt.Fprintf(w, "\t# Read    Hits:      %d\n", st.ReadHit)
		fmt.Fprintf(w, "\t# Read    Misses:    %d\n", st.ReadMiss)
		fmt.Fprintf(w, "\t# Supply  Hits:      %d\n", st.SupplyHit)
		fmt.Fprintf(w, "\t# Supply  Misses:    %d\n", st.SupplyMiss)
		fmt.Fprintf(w, "\t# Write   Hits:      %d\n", st.WriteHit)
		fmt.Fprintf(w, "\t# Write   Misses:    %d\n", st.WriteMiss)
		fmt.Fprintf(w, "\t# Upgrade Misses:    %d\n", st.UpgradeMiss)
	}

	reads, writebacks := s.Memory.Stats()
	fmt.Fprintf(w, "Memory: %d block reads, %d writebacks absorbed\n",
		reads, writebacks)
}
