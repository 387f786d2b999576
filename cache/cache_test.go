package cache

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/snoopsim/link"
	"github.com/sarchlab/snoopsim/memctrl"
	"github.com/sarchlab/snoopsim/memev"
)

// capturePort records everything delivered to one end of a link.
type capturePort struct {
	port   *link.Port
	events []*memev.Event
}

func newCapturePort(p *link.Port) *capturePort {
	cp := &capturePort{port: p}
	p.SetReceiver(func(ev *memev.Event, _ *link.Port) {
		cp.events = append(cp.events, ev)
	})
	return cp
}

// testBus emulates the snoop bus arbiter on the far end of a cache's
// snoop link, with grants issued only when the test asks for one. That
// makes the request/grant races deterministic.
type testBus struct {
	port     *link.Port
	sent     []*memev.Event
	requests int
	cancels  int
}

func newTestBus(p *link.Port) *testBus {
	b := &testBus{port: p}
	p.SetReceiver(func(ev *memev.Event, _ *link.Port) {
		switch ev.Cmd {
		case memev.RequestBus:
			b.requests++
		case memev.CancelBusRequest:
			b.cancels++
		default:
			b.sent = append(b.sent, ev)
		}
	})
	return b
}

func (b *testBus) grant() {
	b.port.Send(memev.New("Bus", 0, memev.BusClearToSend))
}

func (b *testBus) deliver(ev *memev.Event) {
	b.port.Send(ev)
}

func (b *testBus) lastSent() *memev.Event {
	Expect(b.sent).ToNot(BeEmpty())
	return b.sent[len(b.sent)-1]
}

var _ = Describe("Cache", func() {
	var (
		engine  *sim.SerialEngine
		c       *Comp
		cpu     *capturePort
		linkLat sim.VTimeInSec
	)

	BeforeEach(func() {
		engine = sim.NewSerialEngine()
		linkLat = link.MustParseLatency("50ps")
	})

	attachCPU := func() {
		cpuSide, cacheSide := link.NewPair(engine, "cpu", linkLat)
		c.AttachUpstream(cacheSide)
		cpu = newCapturePort(cpuSide)
	}

	read := func(addr uint64, size int) *memev.Event {
		req := memev.New("CPU", addr, memev.ReadReq)
		req.Size = size
		cpu.port.Send(req)
		return req
	}

	write := func(addr uint64, data []byte) *memev.Event {
		req := memev.New("CPU", addr, memev.WriteReq)
		req.SetPayload(data)
		cpu.port.Send(req)
		return req
	}

	Describe("with a downstream memory", func() {
		var mem *memctrl.Comp

		BeforeEach(func() {
			c = New(engine, "L1", Config{
				NumWays:    1,
				NumRows:    1,
				BlockSize:  4,
				AccessTime: "2ns",
			})
			c.SetStrict(true)
			attachCPU()

			cacheSide, memSide := link.NewPair(engine, "down", linkLat)
			c.AttachDownstream(cacheSide)
			mem = memctrl.New(engine, "Memory",
				link.MustParseLatency("10ns"))
			mem.AttachDirect(memSide)
		})

		It("fills a missing block from below and responds", func() {
			mem.Storage().Write(0, []byte{0x01, 0x02, 0x03, 0x04})

			req := read(0, 4)
			Expect(engine.Run()).To(Succeed())

			Expect(cpu.events).To(HaveLen(1))
			Expect(cpu.events[0].RespondTo).To(Equal(req.ID))
			Expect(cpu.events[0].Payload).To(
				Equal([]byte{0x01, 0x02, 0x03, 0x04}))

			block := c.findBlock(0, false)
			Expect(block).ToNot(BeNil())
			Expect(block.Status()).To(Equal(Shared))
			Expect(block.LockCount()).To(BeZero())

			Expect(c.Stats().ReadMiss).To(Equal(uint64(1)))
			Expect(c.Stats().ReadHit).To(BeZero())
		})

		It("hits on a resident block", func() {
			mem.Storage().Write(0, []byte{0x01, 0x02, 0x03, 0x04})

			read(0, 4)
			Expect(engine.Run()).To(Succeed())
			read(2, 2)
			Expect(engine.Run()).To(Succeed())

			Expect(cpu.events).To(HaveLen(2))
			Expect(cpu.events[1].Payload).To(Equal([]byte{0x03, 0x04}))
			Expect(c.Stats().ReadHit).To(Equal(uint64(1)))
			Expect(c.Stats().ReadMiss).To(Equal(uint64(1)))
		})

		It("upgrades a shared block on a write and commits the data", func() {
			mem.Storage().Write(0, []byte{0x01, 0x02, 0x03, 0x04})

			read(0, 4)
			Expect(engine.Run()).To(Succeed())
			write(2, []byte{0xFF})
			Expect(engine.Run()).To(Succeed())

			block := c.findBlock(0, false)
			Expect(block.Status()).To(Equal(Exclusive))
			Expect(block.Data()).To(Equal([]byte{0x01, 0x02, 0xFF, 0x04}))

			Expect(cpu.events).To(HaveLen(2))
			Expect(c.Stats().UpgradeMiss).To(Equal(uint64(1)))
			Expect(c.Stats().WriteHit).To(Equal(uint64(1)))

			read(0, 4)
			Expect(engine.Run()).To(Succeed())
			Expect(cpu.events[2].Payload).To(
				Equal([]byte{0x01, 0x02, 0xFF, 0x04}))
		})

		It("coalesces concurrent misses into one fill", func() {
			mem.Storage().Write(0, []byte{0x01, 0x02, 0x03, 0x04})

			r1 := read(0, 4)
			r2 := read(2, 2)
			Expect(engine.Run()).To(Succeed())

			reads, _ := mem.Stats()
			Expect(reads).To(Equal(uint64(1)))

			Expect(cpu.events).To(HaveLen(2))
			Expect(cpu.events[0].RespondTo).To(Equal(r1.ID))
			Expect(cpu.events[0].Payload).To(
				Equal([]byte{0x01, 0x02, 0x03, 0x04}))
			Expect(cpu.events[1].RespondTo).To(Equal(r2.ID))
			Expect(cpu.events[1].Payload).To(Equal([]byte{0x03, 0x04}))

			Expect(c.Stats().ReadMiss).To(Equal(uint64(2)))
		})
	})

	Describe("eviction", func() {
		var mem *memctrl.Comp

		BeforeEach(func() {
			c = New(engine, "L1", Config{
				NumWays:    1,
				NumRows:    2,
				BlockSize:  4,
				AccessTime: "2ns",
			})
			c.SetStrict(true)
			attachCPU()

			cacheSide, memSide := link.NewPair(engine, "down", linkLat)
			c.AttachDownstream(cacheSide)
			mem = memctrl.New(engine, "Memory",
				link.MustParseLatency("10ns"))
			mem.AttachDirect(memSide)
		})

		It("drops a clean victim silently", func() {
			mem.Storage().Write(0, []byte{0x01, 0x02, 0x03, 0x04})
			mem.Storage().Write(16, []byte{0x09, 0x09, 0x09, 0x09})

			read(0, 4)
			Expect(engine.Run()).To(Succeed())
			read(16, 4)
			Expect(engine.Run()).To(Succeed())

			Expect(c.findBlock(0, false)).To(BeNil())
			newBlock := c.findBlock(16, false)
			Expect(newBlock).ToNot(BeNil())
			Expect(newBlock.Status()).To(Equal(Shared))

			_, writebacks := mem.Stats()
			Expect(writebacks).To(BeZero())
		})

		It("writes a dirty victim back before replacing it", func() {
			mem.Storage().Write(0, []byte{0x01, 0x02, 0x03, 0x04})
			mem.Storage().Write(16, []byte{0x09, 0x09, 0x09, 0x09})

			read(0, 4)
			Expect(engine.Run()).To(Succeed())
			write(0, []byte{0xEE})
			Expect(engine.Run()).To(Succeed())
			read(16, 4)
			Expect(engine.Run()).To(Succeed())

			Expect(c.findBlock(0, false)).To(BeNil())
			Expect(c.findBlock(16, false).Status()).To(Equal(Shared))

			_, writebacks := mem.Stats()
			Expect(writebacks).To(Equal(uint64(1)))
			Expect(mem.Storage().Read(0, 4)).To(
				Equal([]byte{0xEE, 0x02, 0x03, 0x04}))
		})
	})

	Describe("with a directory link", func() {
		var (
			down *capturePort
			dir  *capturePort
		)

		BeforeEach(func() {
			c = New(engine, "L1", Config{
				NumWays:    1,
				NumRows:    1,
				BlockSize:  4,
				AccessTime: "2ns",
			})
			c.SetStrict(true)
			attachCPU()

			cacheDown, downFar := link.NewPair(engine, "down", linkLat)
			c.AttachDownstream(cacheDown)
			down = newCapturePort(downFar)

			cacheDir, dirFar := link.NewPair(engine, "dir", linkLat)
			c.AttachDirectory(cacheDir)
			dir = newCapturePort(dirFar)
		})

		It("copies invalidates and writebacks to the directory", func() {
			read(0, 4)
			Expect(engine.Run()).To(Succeed())
			Expect(down.events).To(HaveLen(1))
			Expect(down.events[0].Cmd).To(Equal(memev.RequestData))

			supply := memev.New("Memory", 0, memev.SupplyData)
			supply.Dst = "L1"
			supply.SetPayload([]byte{0x01, 0x02, 0x03, 0x04})
			down.port.Send(supply)
			Expect(engine.Run()).To(Succeed())
			Expect(c.findBlock(0, false).Status()).To(Equal(Shared))

			write(2, []byte{0xFF})
			Expect(engine.Run()).To(Succeed())

			// Taking ownership announces the invalidate on both control
			// channels.
			Expect(down.events[1].Cmd).To(Equal(memev.Invalidate))
			Expect(dir.events).To(HaveLen(1))
			Expect(dir.events[0].Cmd).To(Equal(memev.Invalidate))

			inv := memev.New("Dir", 0, memev.Invalidate)
			down.port.Send(inv)
			Expect(engine.Run()).To(Succeed())

			Expect(down.events[2].Cmd).To(Equal(memev.SupplyData))
			Expect(down.events[2].IsWriteback()).To(BeTrue())
			Expect(down.events[2].Payload).To(
				Equal([]byte{0x01, 0x02, 0xFF, 0x04}))
			Expect(dir.events[1].IsWriteback()).To(BeTrue())

			block := c.findBlock(0, true)
			Expect(block.Status()).To(Equal(Invalid))
			Expect(block.LockCount()).To(BeZero())
		})
	})

	Describe("on a snoop bus", func() {
		var bus *testBus

		BeforeEach(func() {
			c = New(engine, "L1_A", Config{
				NumWays:    1,
				NumRows:    1,
				BlockSize:  4,
				AccessTime: "2ns",
				NextLevel:  "Memory",
			})
			c.SetStrict(true)
			attachCPU()

			cacheSide, busSide := link.NewPair(engine, "snoop", linkLat)
			c.AttachSnoop(cacheSide)
			bus = newTestBus(busSide)
		})

		fillShared := func(payload []byte) {
			read(0, 4)
			Expect(engine.Run()).To(Succeed())
			Expect(bus.requests).To(Equal(1))

			bus.grant()
			Expect(engine.Run()).To(Succeed())
			Expect(bus.lastSent().Cmd).To(Equal(memev.RequestData))
			Expect(bus.lastSent().Dst).To(Equal("Memory"))

			supply := memev.New("Memory", 0, memev.SupplyData)
			supply.SetPayload(payload)
			bus.deliver(supply)
			Expect(engine.Run()).To(Succeed())

			Expect(c.findBlock(0, false).Status()).To(Equal(Shared))
		}

		It("broadcasts an Invalidate to take ownership for a write", func() {
			fillShared([]byte{0x01, 0x02, 0x03, 0x04})

			write(2, []byte{0xFF})
			Expect(engine.Run()).To(Succeed())
			Expect(bus.requests).To(Equal(2))

			// Ownership is not claimed until the bus grants.
			Expect(c.findBlock(0, false).Status()).To(Equal(Shared))

			bus.grant()
			Expect(engine.Run()).To(Succeed())
			Expect(bus.lastSent().Cmd).To(Equal(memev.Invalidate))
			Expect(bus.lastSent().Addr).To(Equal(uint64(0)))

			block := c.findBlock(0, false)
			Expect(block.Status()).To(Equal(Exclusive))
			Expect(block.Data()).To(Equal([]byte{0x01, 0x02, 0xFF, 0x04}))
			Expect(block.LockCount()).To(BeZero())

			Expect(c.Stats().UpgradeMiss).To(Equal(uint64(1)))
			Expect(c.Stats().WriteHit).To(Equal(uint64(1)))
		})

		It("treats a peer supply as completing its speculative fill", func() {
			// A peer's fill request for a block we miss starts a fill of
			// our own.
			peerReq := memev.New("L1_B", 0, memev.RequestData)
			peerReq.Size = 4
			bus.deliver(peerReq)
			Expect(engine.Run()).To(Succeed())

			Expect(c.Stats().SupplyMiss).To(Equal(uint64(1)))
			Expect(bus.requests).To(Equal(1))
			Expect(c.waitingLoads).To(HaveKey(uint64(0)))
			Expect(c.waitingLoads[0].target.Status()).To(Equal(Assigned))

			// The data appears on the bus before our request is granted.
			supply := memev.New("Memory", 0, memev.SupplyData)
			supply.SetPayload([]byte{0x01, 0x02, 0x03, 0x04})
			bus.deliver(supply)
			Expect(engine.Run()).To(Succeed())

			block := c.findBlock(0, false)
			Expect(block.Status()).To(Equal(Shared))
			Expect(block.LockCount()).To(BeZero())
			Expect(c.Stats().SupplyMiss).To(Equal(uint64(1)))

			// Our queued request is transmitted anyway; it is harmless.
			bus.grant()
			Expect(engine.Run()).To(Succeed())
			Expect(bus.lastSent().Cmd).To(Equal(memev.RequestData))

			// No response was owed to anybody.
			Expect(cpu.events).To(BeEmpty())
		})

		It("cancels a supply that has not reached the bus queue yet", func() {
			fillShared([]byte{0x01, 0x02, 0x03, 0x04})
			sentBefore := len(bus.sent)

			peerReq := memev.New("L1_B", 0, memev.RequestData)
			peerReq.Size = 4
			bus.deliver(peerReq)

			// The supply is scheduled behind the access latency; a peer's
			// own supply arrives first.
			peerSupply := memev.New("L1_C", 0, memev.SupplyData)
			peerSupply.SetPayload([]byte{0x01, 0x02, 0x03, 0x04})
			bus.deliver(peerSupply)

			Expect(engine.Run()).To(Succeed())

			Expect(bus.sent).To(HaveLen(sentBefore))
			Expect(c.findBlock(0, false).LockCount()).To(BeZero())
			Expect(c.Stats().SupplyHit).To(Equal(uint64(1)))
		})

		It("withdraws a bus-queued supply when a peer supplies first", func() {
			fillShared([]byte{0x01, 0x02, 0x03, 0x04})
			sentBefore := len(bus.sent)

			peerReq := memev.New("L1_B", 0, memev.RequestData)
			peerReq.Size = 4
			bus.deliver(peerReq)
			Expect(engine.Run()).To(Succeed())

			// The reply is now sitting in the bus queue.
			Expect(bus.requests).To(Equal(2))
			Expect(c.findBlock(0, false).LockCount()).To(Equal(uint32(1)))

			peerSupply := memev.New("L1_C", 0, memev.SupplyData)
			peerSupply.SetPayload([]byte{0x01, 0x02, 0x03, 0x04})
			bus.deliver(peerSupply)
			Expect(engine.Run()).To(Succeed())

			Expect(c.findBlock(0, false).LockCount()).To(BeZero())

			// The grant finds nothing to send and is declined.
			bus.grant()
			Expect(engine.Run()).To(Succeed())
			Expect(bus.cancels).To(Equal(1))
			Expect(bus.sent).To(HaveLen(sentBefore))
		})

		It("loses an Invalidate race and retries the write", func() {
			fillShared([]byte{0x01, 0x02, 0x03, 0x04})

			write(1, []byte{0xFF})
			Expect(engine.Run()).To(Succeed())
			Expect(bus.requests).To(Equal(2))
			Expect(c.Stats().UpgradeMiss).To(Equal(uint64(1)))

			// A peer's Invalidate for the same block arrives before our
			// own is granted.
			peerInv := memev.New("L1_B", 0, memev.Invalidate)
			bus.deliver(peerInv)
			Expect(engine.Run()).To(Succeed())

			// The write re-issued as a miss; the grant carries its fill
			// request, not the canceled Invalidate.
			bus.grant()
			Expect(engine.Run()).To(Succeed())
			Expect(bus.lastSent().Cmd).To(Equal(memev.RequestData))

			supply := memev.New("Memory", 0, memev.SupplyData)
			supply.SetPayload([]byte{0x09, 0x09, 0x09, 0x09})
			bus.deliver(supply)
			Expect(engine.Run()).To(Succeed())

			// The refilled write upgrades again, and wins this time.
			Expect(bus.requests).To(Equal(3))
			bus.grant()
			Expect(engine.Run()).To(Succeed())
			Expect(bus.lastSent().Cmd).To(Equal(memev.Invalidate))

			block := c.findBlock(0, false)
			Expect(block.Status()).To(Equal(Exclusive))
			Expect(block.Data()).To(Equal([]byte{0x09, 0xFF, 0x09, 0x09}))
			Expect(block.LockCount()).To(BeZero())

			// The read fill plus the write's response.
			Expect(cpu.events).To(HaveLen(2))
		})

		It("writes back a dirty block on a peer Invalidate", func() {
			fillShared([]byte{0x01, 0x02, 0x03, 0x04})

			write(2, []byte{0xFF})
			Expect(engine.Run()).To(Succeed())
			bus.grant()
			Expect(engine.Run()).To(Succeed())
			Expect(c.findBlock(0, false).Status()).To(Equal(Exclusive))

			peerInv := memev.New("L1_B", 0, memev.Invalidate)
			bus.deliver(peerInv)
			Expect(engine.Run()).To(Succeed())

			bus.grant()
			Expect(engine.Run()).To(Succeed())

			wb := bus.lastSent()
			Expect(wb.Cmd).To(Equal(memev.SupplyData))
			Expect(wb.IsWriteback()).To(BeTrue())
			Expect(wb.Payload).To(Equal([]byte{0x01, 0x02, 0xFF, 0x04}))

			block := c.findBlock(0, true)
			Expect(block.Status()).To(Equal(Invalid))
			Expect(block.LockCount()).To(BeZero())
		})

		It("drops its own broadcasts reflected off the bus", func() {
			fillShared([]byte{0x01, 0x02, 0x03, 0x04})
			statsBefore := c.Stats()

			echo := memev.New("L1_A", 0, memev.RequestData)
			echo.Size = 4
			bus.deliver(echo)
			Expect(engine.Run()).To(Succeed())

			Expect(c.Stats()).To(Equal(statsBefore))
		})

		It("ignores peer fill traffic when speculative fills are off", func() {
			c = New(engine, "L1_A", Config{
				NumWays:                1,
				NumRows:                1,
				BlockSize:              4,
				AccessTime:             "2ns",
				NextLevel:              "Memory",
				DisableSpeculativeFill: true,
			})
			c.SetStrict(true)
			attachCPU()
			cacheSide, busSide := link.NewPair(engine, "snoop2", linkLat)
			c.AttachSnoop(cacheSide)
			bus = newTestBus(busSide)

			peerReq := memev.New("L1_B", 0, memev.RequestData)
			peerReq.Size = 4
			bus.deliver(peerReq)
			Expect(engine.Run()).To(Succeed())

			Expect(c.Stats().SupplyMiss).To(BeZero())
			Expect(bus.requests).To(BeZero())
			Expect(c.findBlock(0, true)).ToNot(BeNil())
			Expect(c.findBlock(0, true).Status()).To(Equal(Invalid))
		})

		It("still fills when a peer request is addressed to it", func() {
			c = New(engine, "L2", Config{
				NumWays:                1,
				NumRows:                1,
				BlockSize:              4,
				AccessTime:             "2ns",
				DisableSpeculativeFill: true,
			})
			c.SetStrict(true)
			cacheSide, busSide := link.NewPair(engine, "snoop3", linkLat)
			c.AttachSnoop(cacheSide)
			bus = newTestBus(busSide)

			peerReq := memev.New("L1_B", 0, memev.RequestData)
			peerReq.Size = 4
			peerReq.Dst = "L2"
			bus.deliver(peerReq)
			Expect(engine.Run()).To(Succeed())

			Expect(c.Stats().SupplyMiss).To(Equal(uint64(1)))
			Expect(bus.requests).To(Equal(1))
		})
	})
})
