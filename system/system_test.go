package system_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/snoopsim/bus"
	"github.com/sarchlab/snoopsim/cache"
	"github.com/sarchlab/snoopsim/link"
	"github.com/sarchlab/snoopsim/memagent"
	"github.com/sarchlab/snoopsim/memctrl"
	"github.com/sarchlab/snoopsim/system"
)

var _ = Describe("System", func() {
	Describe("random workloads", func() {
		run := func(cfg *system.Config) *system.System {
			s, err := system.Build(cfg)
			Expect(err).ToNot(HaveOccurred())
			s.SetStrict(true)

			Expect(s.Run()).To(Succeed())
			return s
		}

		It("completes a shared-footprint run coherently", func() {
			cfg := system.DefaultConfig()
			cfg.Workload.Accesses = 150
			cfg.Workload.Seed = 7

			s := run(cfg)

			var hits, misses uint64
			for _, c := range s.Caches {
				st := c.Stats()
				hits += st.ReadHit + st.WriteHit
				misses += st.ReadMiss + st.WriteMiss
			}
			Expect(hits + misses).To(BeNumerically(">", 0))
		})

		It("returns correct data for disjoint footprints", func() {
			cfg := system.DefaultConfig()
			cfg.NumCPUs = 3
			cfg.Workload.Accesses = 150
			cfg.Workload.Shared = false
			cfg.Workload.Seed = 11

			// Run checks every read response against the agent's own
			// writes; a coherence bug shows up as a data mismatch.
			run(cfg)
		})

		It("completes with caches that thrash a tiny footprint", func() {
			cfg := system.DefaultConfig()
			cfg.L1.NumRows = 2
			cfg.Workload.Accesses = 100
			cfg.Workload.Footprint = 4 * 1024
			cfg.Workload.Seed = 3

			s := run(cfg)

			_, writebacks := s.Memory.Stats()
			Expect(writebacks).To(BeNumerically(">", 0))
		})

		It("runs a two-level hierarchy", func() {
			cfg := system.DefaultConfig()
			cfg.L2 = &system.CacheParams{
				NumWays:    4,
				NumRows:    64,
				BlockSize:  64,
				AccessTime: "6ns",
			}
			cfg.Workload.Accesses = 150
			cfg.Workload.Seed = 13

			s := run(cfg)

			// The second level fields the first level's fill requests.
			l2 := s.L2.Stats()
			Expect(l2.SupplyHit + l2.SupplyMiss).To(
				BeNumerically(">", 0))
		})
	})

	Describe("write ownership between peers", func() {
		It("migrates a dirty block through an invalidate", func() {
			engine := sim.NewSerialEngine()
			linkLat := link.MustParseLatency("50ps")

			snoopBus := bus.New(engine, "Bus", link.MustParseLatency("100ps"))

			mem := memctrl.New(engine, "Memory", link.MustParseLatency("50ns"))
			memPort, busMemPort := link.NewPair(engine, "Memory.Bus", linkLat)
			mem.AttachBus(memPort)
			snoopBus.Attach(busMemPort)

			caches := make([]*cache.Comp, 2)
			agents := make([]*memagent.Comp, 2)
			scripts := [][]memagent.Access{
				{
					{Write: true, Addr: 0x40, Size: 1, Data: []byte{0xAB}},
				},
				{
					// Three cold reads keep this agent busy long enough
					// for the peer's write to settle first.
					{Addr: 0x100, Size: 1},
					{Addr: 0x200, Size: 1},
					{Addr: 0x300, Size: 1},
					{Write: true, Addr: 0x40, Size: 1, Data: []byte{0xCD}},
				},
			}

			for i := 0; i < 2; i++ {
				name := []string{"L1_0", "L1_1"}[i]
				c := cache.New(engine, name, cache.Config{
					NumWays:    4,
					NumRows:    16,
					BlockSize:  64,
					AccessTime: "2ns",
					NextLevel:  "Memory",
				})
				c.SetStrict(true)

				snoopPort, busPort := link.NewPair(
					engine, name+".Snoop", linkLat)
				c.AttachSnoop(snoopPort)
				snoopBus.Attach(busPort)

				agentName := []string{"CPU_0", "CPU_1"}[i]
				agentPort, upPort := link.NewPair(
					engine, agentName, linkLat)
				c.AttachUpstream(upPort)

				a := memagent.New(engine, agentName,
					link.MustParseLatency("1ns"), scripts[i])
				a.Attach(agentPort)

				caches[i] = c
				agents[i] = a
			}

			for _, a := range agents {
				a.Start()
			}
			Expect(engine.Run()).To(Succeed())

			for _, a := range agents {
				Expect(a.Done()).To(BeTrue())
				Expect(a.Mismatches()).To(BeZero())
			}

			// The first writer's invalidate removed the second cache's copy,
			// so the second write missed, refilled the block shared from
			// its peer, and then took ownership. The upgrade happens on the
			// replayed write, which bumps no miss counter.
			st1 := caches[1].Stats()
			Expect(st1.WriteMiss).To(Equal(uint64(1)))
			Expect(st1.UpgradeMiss).To(Equal(uint64(0)))
			Expect(st1.WriteHit).To(Equal(uint64(1)))

			// Losing ownership forced the first writer's dirty block out.
			_, writebacks := mem.Stats()
			Expect(writebacks).To(BeNumerically(">=", uint64(1)))
			Expect(mem.Storage().Read(0x40, 1)).To(Equal([]byte{0xAB}))
		})
	})

	Describe("configuration", func() {
		It("rejects broken geometry", func() {
			cfg := system.DefaultConfig()
			cfg.L1.NumRows = 3
			Expect(cfg.Validate()).To(HaveOccurred())

			cfg = system.DefaultConfig()
			cfg.L1.BlockSize = 0
			Expect(cfg.Validate()).To(HaveOccurred())

			cfg = system.DefaultConfig()
			cfg.NumCPUs = 0
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("rejects unparseable latencies", func() {
			cfg := system.DefaultConfig()
			cfg.BusDelay = "quick"
			Expect(cfg.Validate()).To(HaveOccurred())

			cfg = system.DefaultConfig()
			cfg.L1.AccessTime = ""
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("accepts the default configuration", func() {
			Expect(system.DefaultConfig().Validate()).To(Succeed())
		})
	})
})
