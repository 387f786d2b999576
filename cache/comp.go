// Package cache implements a snoop-capable set-associative cache model.
//
// The component sits between upstream requesters (processors or smaller
// caches) and downstream storage, and optionally shares a broadcast snoop
// bus with sibling caches. Coherence is tracked per block with an
// invalid / assigned / shared / exclusive state machine; in-flight fills
// and supplies are tracked so that concurrent snoop traffic can cancel or
// complete them.
package cache

import (
	"log"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/snoopsim/link"
	"github.com/sarchlab/snoopsim/memev"
)

// Source classifies where an event entered the cache.
type Source int

// Event sources, by link kind.
const (
	SourceDownstream Source = iota
	SourceSnoop
	SourceDirectory
	SourceUpstream
	SourceSelf
)

var sourceNames = [...]string{
	"downstream", "snoop", "directory", "upstream", "self",
}

func (s Source) String() string {
	return sourceNames[s]
}

// NoNextLevel is the NextLevel sentinel for a cache whose snoop-bus fills
// are not directed at any particular component.
const NoNextLevel = "NONE"

// Config holds the construction parameters of a cache.
type Config struct {
	// NumWays is the associativity. Must be positive.
	NumWays int
	// NumRows is the number of sets. Must be a positive power of two.
	NumRows int
	// BlockSize is the cache line size in bytes. Must be a positive power
	// of two.
	BlockSize int
	// AccessTime is the array access latency as a duration string, e.g.
	// "2ns". Self-delayed actions (responses, supplies) take this long.
	AccessTime string
	// NextLevel names the component that snoop-bus fill requests are
	// addressed to, or NoNextLevel for undirected requests.
	NextLevel string
	// DisableSpeculativeFill turns off warming the cache from peer fill
	// requests that miss here and are not addressed to us.
	DisableSpeculativeFill bool
}

// Stats are the access counters of one cache, readable at any time.
type Stats struct {
	ReadHit     uint64
	ReadMiss    uint64
	SupplyHit   uint64
	SupplyMiss  uint64
	WriteHit    uint64
	WriteMiss   uint64
	UpgradeMiss uint64
}

// loadInfo tracks one in-flight fill: the block reserved for it and the
// events deferred until the data arrives.
type loadInfo struct {
	target   *Block
	deferred []deferredEvent
}

type deferredEvent struct {
	ev  *memev.Event
	src Source
	via *link.Port
}

// supplyKey identifies an in-flight supply by block address and the source
// the request came from.
type supplyKey struct {
	addr uint64
	src  Source
}

// supplyInfo tracks one supply this cache is preparing. busEvent is set
// once the reply is queued on the snoop bus; canceled marks a supply that
// a peer's own reply made redundant.
type supplyInfo struct {
	busEvent *memev.Event
	canceled bool
}

// Comp is the snoop cache component.
type Comp struct {
	name   string
	engine sim.Engine

	nWays     int
	nRows     int
	blockSize int
	rowShift  uint
	rowMask   uint64
	tagShift  uint

	accessTime      sim.VTimeInSec
	nextLevel       string
	speculativeFill bool

	rows []row

	upstream   []*link.Port
	downstream *link.Port
	snoop      *link.Port
	directory  *link.Port

	waitingLoads map[uint64]*loadInfo
	supplies     map[supplyKey]*supplyInfo

	snoopQueue *busQueue

	stats  Stats
	logger *log.Logger
	strict bool

	lastSelf sim.VTimeInSec
}

// New creates a cache component. Invalid geometry is fatal: the model
// cannot run without positive, power-of-two rows and block size.
func New(engine sim.Engine, name string, cfg Config) *Comp {
	if cfg.NumWays <= 0 || cfg.NumRows <= 0 || cfg.BlockSize <= 0 {
		log.Panicf("cache %s: NumWays, NumRows, and BlockSize must be >0",
			name)
	}
	if !isPowerOfTwo(cfg.NumRows) || !isPowerOfTwo(cfg.BlockSize) {
		log.Panicf("cache %s: NumRows and BlockSize must be powers of two",
			name)
	}

	accessTime := sim.VTimeInSec(0)
	if cfg.AccessTime != "" {
		accessTime = link.MustParseLatency(cfg.AccessTime)
	}

	nextLevel := cfg.NextLevel
	if nextLevel == "" {
		nextLevel = NoNextLevel
	}

	c := &Comp{
		name:            name,
		engine:          engine,
		nWays:           cfg.NumWays,
		nRows:           cfg.NumRows,
		blockSize:       cfg.BlockSize,
		rowShift:        numBits(cfg.BlockSize),
		rowMask:         uint64(cfg.NumRows - 1),
		tagShift:        numBits(cfg.BlockSize) + numBits(cfg.NumRows),
		accessTime:      accessTime,
		nextLevel:       nextLevel,
		speculativeFill: !cfg.DisableSpeculativeFill,
		waitingLoads:    make(map[uint64]*loadInfo),
		supplies:        make(map[supplyKey]*supplyInfo),
	}

	c.rows = make([]row, cfg.NumRows)
	for i := range c.rows {
		c.rows[i].blocks = make([]Block, cfg.NumWays)
		for j := range c.rows[i].blocks {
			c.rows[i].blocks[j].data = make([]byte, cfg.BlockSize)
		}
	}

	return c
}

// Name returns the component name.
func (c *Comp) Name() string {
	return c.name
}

// Stats returns a copy of the access counters.
func (c *Comp) Stats() Stats {
	return c.stats
}

// SetLogger enables debug logging of event handling.
func (c *Comp) SetLogger(l *log.Logger) {
	c.logger = l
}

// SetStrict makes the cache validate its invariants after every handled
// event, panicking on a violation. Meant for tests and debugging runs.
func (c *Comp) SetStrict(strict bool) {
	c.strict = strict
}

// AttachUpstream connects a port toward a requester. The first upstream
// port attached is the default response target. Returns the link index.
func (c *Comp) AttachUpstream(p *link.Port) int {
	c.upstream = append(c.upstream, p)
	p.SetReceiver(func(ev *memev.Event, via *link.Port) {
		c.handleIncoming(ev, SourceUpstream, via, true)
	})
	return len(c.upstream) - 1
}

// AttachDownstream connects the port toward the next larger storage.
func (c *Comp) AttachDownstream(p *link.Port) {
	c.downstream = p
	p.SetReceiver(func(ev *memev.Event, via *link.Port) {
		c.handleIncoming(ev, SourceDownstream, via, true)
	})
}

// AttachSnoop connects the port toward the shared snoop bus and sets up
// the bus arbitration queue.
func (c *Comp) AttachSnoop(p *link.Port) {
	c.snoop = p
	c.snoopQueue = newBusQueue(c.name, p)
	p.SetReceiver(func(ev *memev.Event, via *link.Port) {
		c.handleIncoming(ev, SourceSnoop, via, true)
	})
}

// AttachDirectory connects the port toward a coherence directory.
func (c *Comp) AttachDirectory(p *link.Port) {
	c.directory = p
	p.SetReceiver(func(ev *memev.Event, via *link.Port) {
		c.handleIncoming(ev, SourceDirectory, via, true)
	})
}

func (c *Comp) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// handleIncoming is the coherence dispatch: every event entering the
// cache, from any link or from a deferred re-dispatch, passes through
// here. firstProcess distinguishes a fresh arrival from a re-dispatch so
// counters are bumped once per logical request.
func (c *Comp) handleIncoming(
	ev *memev.Event,
	src Source,
	via *link.Port,
	firstProcess bool,
) {
	c.logf("%s: recv %s addr=0x%x src=%s from=%s",
		c.name, ev.Cmd, ev.Addr, src, ev.Src)

	switch ev.Cmd {
	case memev.BusClearToSend:
		if c.snoopQueue == nil {
			log.Panicf("%s: bus grant without a snoop link", c.name)
		}
		c.snoopQueue.clearToSend(c.finishBusOp)

	case memev.ReadReq, memev.WriteReq:
		c.handleCPURequest(ev, via, firstProcess)

	case memev.RequestData:
		c.handleDataRequest(ev, src, via, firstProcess)

	case memev.SupplyData:
		c.handleDataSupply(ev, src)

	case memev.Invalidate:
		c.handlePeerInvalidate(ev)

	default:
		// Bus arbitration chatter from peers; not ours to handle.
	}

	if c.strict {
		if err := c.Validate(); err != nil {
			log.Panicf("%s: invariant violated: %v", c.name, err)
		}
	}
}

// handleCPURequest services a ReadReq or WriteReq from an upstream
// requester.
func (c *Comp) handleCPURequest(
	ev *memev.Event,
	via *link.Port,
	firstProcess bool,
) {
	isRead := ev.Cmd == memev.ReadReq
	block := c.findBlock(ev.Addr, false)

	if block == nil {
		if firstProcess {
			if isRead {
				c.stats.ReadMiss++
			} else {
				c.stats.WriteMiss++
			}
		}
		c.loadBlock(ev, SourceUpstream, via)
		return
	}

	switch {
	case isRead:
		if firstProcess {
			c.stats.ReadHit++
		}
		block.lockCount++
		c.scheduleSelf(0, actSendCPUResponse, ev.Copy(), block,
			SourceUpstream, via)

	case block.status == Exclusive:
		if firstProcess {
			c.stats.WriteHit++
		}
		block.lockCount++
		c.scheduleSelf(0, actSendCPUResponse, ev.Copy(), block,
			SourceUpstream, via)

	default:
		// Shared on a write: ownership must be acquired first.
		if firstProcess {
			c.stats.UpgradeMiss++
		}
		c.issueInvalidate(ev, via, block)
	}

	block.lastTouched = c.engine.CurrentTime()
}

// sendCPUResponse completes a hit after the access latency. Writes commit
// their payload to the block before the response leaves.
func (c *Comp) sendCPUResponse(ev *memev.Event, block *Block, via *link.Port) {
	offset := ev.Addr - block.baseAddr
	if offset+uint64(ev.Size) > uint64(c.blockSize) {
		log.Panicf(
			"%s: request at 0x%x size %d spans a block boundary; "+
				"split requests are not handled",
			c.name, ev.Addr, ev.Size)
	}

	if ev.Cmd == memev.WriteReq {
		copy(block.data[offset:], ev.Payload[:ev.Size])
	}

	resp := ev.MakeResponse(c.name)
	if ev.Cmd == memev.ReadReq {
		resp.SetPayload(block.data[offset : offset+uint64(ev.Size)])
	}

	c.respondUpstream(resp, via)
	c.unlock(block)
}

func (c *Comp) respondUpstream(resp *memev.Event, via *link.Port) {
	if via != nil {
		via.Send(resp)
		return
	}
	if len(c.upstream) == 0 {
		log.Panicf("%s: response with no upstream link", c.name)
	}
	c.upstream[0].Send(resp)
}

// issueInvalidate starts a write-for-ownership: broadcast an Invalidate,
// then re-run the write as a hit. With a snoop bus the broadcast must win
// arbitration first, and may be canceled by a peer's Invalidate in the
// meantime.
func (c *Comp) issueInvalidate(ev *memev.Event, via *link.Port, block *Block) {
	if c.snoop != nil {
		invEv := memev.New(c.name, block.baseAddr, memev.Invalidate)
		block.currentEvent = invEv
		c.snoopQueue.request(invEv, &busDone{
			kind:         busDoneIssueInvalidate,
			block:        block,
			pendingWrite: ev.Copy(),
			pendingVia:   via,
		})
	} else {
		c.finishIssueInvalidate(ev.Copy(), via, block)
	}
}

func (c *Comp) finishIssueInvalidate(
	ev *memev.Event,
	via *link.Port,
	block *Block,
) {
	if c.downstream != nil {
		c.downstream.Send(memev.New(c.name, block.baseAddr, memev.Invalidate))
	}
	if c.directory != nil {
		c.directory.Send(memev.New(c.name, block.baseAddr, memev.Invalidate))
	}
	for _, up := range c.upstream {
		if up != via {
			up.Send(memev.New(c.name, block.baseAddr, memev.Invalidate))
		}
	}

	block.status = Exclusive
	block.currentEvent = nil

	// Only a WriteReq can have put us here; it completes as a write hit.
	c.handleCPURequest(ev, via, true)
}

// loadBlock begins or joins a fill for the event's block. Concurrent
// misses on the same block coalesce onto one outstanding request; each
// deferred event is replayed when the data arrives.
func (c *Comp) loadBlock(ev *memev.Event, src Source, via *link.Port) {
	blockAddr := c.blockAddr(ev.Addr)

	li, alreadyAsked := c.waitingLoads[blockAddr]
	if !alreadyAsked {
		block := c.findRow(ev.Addr).lru()
		if block.status == Exclusive {
			c.evictWriteback(block)
		}
		block.activate(ev.Addr, c.addrToTag(ev.Addr), blockAddr)
		block.lockCount++

		li = &loadInfo{target: block}
		c.waitingLoads[blockAddr] = li
	}

	li.deferred = append(li.deferred, deferredEvent{ev.Copy(), src, via})

	if alreadyAsked {
		return
	}

	if c.snoop != nil {
		req := memev.New(c.name, blockAddr, memev.RequestData)
		req.Size = c.blockSize
		if c.nextLevel != NoNextLevel {
			req.Dst = c.nextLevel
		}
		c.snoopQueue.request(req, nil)
	}
	if c.downstream != nil {
		req := memev.New(c.name, blockAddr, memev.RequestData)
		req.Size = c.blockSize
		c.downstream.Send(req)
	}
}

// handleDataRequest services a peer's fill request: supply the block if we
// hold it, otherwise optionally warm ourselves from the same traffic.
func (c *Comp) handleDataRequest(
	ev *memev.Event,
	src Source,
	via *link.Port,
	firstProcess bool,
) {
	if src == SourceSnoop && ev.Src == c.name {
		return // our own broadcast, reflected back
	}

	block := c.findBlock(ev.Addr, false)
	if block != nil {
		if firstProcess {
			c.stats.SupplyHit++
		}

		key := supplyKey{block.baseAddr, src}
		if sup, ok := c.supplies[key]; ok {
			if !sup.canceled {
				return // already preparing this supply
			}
			// The earlier supply was canceled but its delayed action has
			// not run yet; revive it rather than stacking a second one.
			sup.canceled = false
			block.lastTouched = c.engine.CurrentTime()
			return
		}

		c.supplies[key] = &supplyInfo{}
		c.scheduleSelf(0, actSupplyData, ev.Copy(), block, src, via)
		block.lockCount++
		block.lastTouched = c.engine.CurrentTime()
		return
	}

	if src != SourceSnoop || ev.Dst == c.name {
		if firstProcess {
			c.stats.SupplyMiss++
		}
		c.loadBlock(ev, src, via)
		return
	}

	if c.speculativeFill {
		// Peer traffic we were not asked for; fetch anyway to warm up.
		if firstProcess {
			c.stats.SupplyMiss++
		}
		c.loadBlock(ev, src, via)
	}
}

// supplyData runs after the access latency and hands the block to the
// requester, or over the snoop bus once granted. A peer may have supplied
// the data first, canceling us.
func (c *Comp) supplyData(
	ev *memev.Event,
	block *Block,
	src Source,
	via *link.Port,
) {
	key := supplyKey{block.baseAddr, src}
	sup, ok := c.supplies[key]
	if !ok {
		log.Panicf("%s: supply action with no tracking entry for 0x%x",
			c.name, block.baseAddr)
	}

	if sup.canceled {
		delete(c.supplies, key)
		c.unlock(block)
		return
	}

	resp := memev.New(c.name, block.baseAddr, memev.SupplyData)
	resp.SetPayload(block.data)

	if src != SourceSnoop {
		resp.Dst = ev.Src
		via.Send(resp)
		c.unlock(block)
		delete(c.supplies, key)
		return
	}

	sup.busEvent = resp
	c.snoopQueue.request(resp, &busDone{
		kind:  busDoneSupplyData,
		block: block,
		src:   src,
	})
}

func (c *Comp) finishBusSupplyData(d *busDone) {
	c.unlock(d.block)

	key := supplyKey{d.block.baseAddr, d.src}
	if _, ok := c.supplies[key]; !ok {
		log.Panicf("%s: bus supply finished without a tracking entry",
			c.name)
	}
	delete(c.supplies, key)
}

// handleDataSupply reacts to data arriving from a peer or from below. Two
// independent effects: a snooped supply makes any supply of ours for the
// same block redundant, and any supply completes a fill we are waiting on.
func (c *Comp) handleDataSupply(ev *memev.Event, src Source) {
	if src == SourceSnoop && ev.Src == c.name {
		return // our own broadcast, reflected back
	}

	if src == SourceSnoop {
		c.cancelOwnSupply(ev)
	}

	li, ok := c.waitingLoads[ev.Addr]
	if !ok {
		if src == SourceSnoop && ev.Dst == c.name {
			log.Panicf("%s: received an unmatched supply for 0x%x",
				c.name, ev.Addr)
		}
		// Anything else is a supply whose fill a faster peer already
		// resolved, or bus chatter bound elsewhere; drop it.
		return
	}

	c.updateBlock(ev, li.target)
	c.unlock(li.target)
	li.target.status = Shared

	for n, d := range li.deferred {
		// Deferred snoop requesters saw the same broadcast; nothing left
		// to do for them.
		if src == SourceSnoop && d.src == SourceSnoop {
			continue
		}
		// Index-scaled delays keep the replays in arrival order.
		c.scheduleSelf(sim.VTimeInSec(n)*reDispatchStep,
			actReDispatch, d.ev, li.target, d.src, d.via)
	}

	delete(c.waitingLoads, ev.Addr)
}

// cancelOwnSupply marks any supply we are preparing for this block as
// redundant and, if its reply is already queued on the bus, withdraws it
// and releases what it held.
func (c *Comp) cancelOwnSupply(ev *memev.Event) {
	key := supplyKey{ev.Addr, SourceSnoop}
	sup, ok := c.supplies[key]
	if !ok {
		return
	}

	sup.canceled = true
	if sup.busEvent == nil {
		return
	}

	done := c.snoopQueue.cancel(sup.busEvent)
	if done != nil && done.kind == busDoneSupplyData {
		c.unlock(done.block)
	}
	delete(c.supplies, key)
}

// handlePeerInvalidate loses a block to a peer. Racing our own pending
// Invalidate means the peer won; the write that wanted ownership will
// retry.
func (c *Comp) handlePeerInvalidate(ev *memev.Event) {
	if ev.Src == c.name {
		return // never cancel our own
	}

	block := c.findBlock(ev.Addr, false)
	if block == nil {
		return
	}

	// A pending Invalidate of our own lost the race; withdraw it before
	// giving up the block, and retry its write only after the new state
	// is in place, so the write sees the loss and refills.
	var done *busDone
	if c.waitingForInvalidate(block) {
		done = c.snoopQueue.cancel(block.currentEvent)
		block.currentEvent = nil
	}

	switch block.status {
	case Shared:
		block.status = Invalid
	case Exclusive:
		c.writebackBlock(block, Invalid)
	}

	if done != nil {
		c.handleCPURequest(done.pendingWrite, done.pendingVia, false)
	}
}

func (c *Comp) waitingForInvalidate(block *Block) bool {
	return block.currentEvent != nil &&
		block.currentEvent.Cmd == memev.Invalidate
}

// evictWriteback pushes an eviction victim's dirty data toward memory.
// The payload is snapshotted into the event, so the way is free for its
// new identity immediately, even while a bus-queued copy waits for a
// grant.
func (c *Comp) evictWriteback(block *Block) {
	ev := memev.New(c.name, block.baseAddr, memev.SupplyData)
	ev.Flags |= memev.FlagWriteback
	ev.SetPayload(block.data)

	if c.downstream == nil && c.directory == nil {
		if c.snoop != nil {
			c.snoopQueue.request(ev, nil)
		}
		return
	}

	if c.downstream != nil {
		c.downstream.Send(ev.Copy())
	}
	if c.directory != nil {
		c.directory.Send(ev.Copy())
	}
}

// writebackBlock pushes a dirty block toward downstream and directory and
// leaves it in newStatus.
func (c *Comp) writebackBlock(block *Block, newStatus BlockStatus) {
	if block.writebackPending {
		return // a racing invalidate already queued this block
	}

	if c.snoop != nil {
		ev := memev.New(c.name, block.baseAddr, memev.SupplyData)
		ev.Flags |= memev.FlagWriteback
		ev.SetPayload(block.data)

		block.lockCount++
		block.writebackPending = true
		c.snoopQueue.request(ev, &busDone{
			kind:          busDoneWriteback,
			block:         block,
			newStatus:     newStatus,
			decrementLock: true,
		})
	} else {
		c.finishWriteback(block, newStatus, false)
	}
}

func (c *Comp) finishWriteback(
	block *Block,
	newStatus BlockStatus,
	decrementLock bool,
) {
	if decrementLock { // held while queued on the snoop bus
		c.unlock(block)
	}
	block.writebackPending = false

	if c.downstream != nil {
		ev := memev.New(c.name, block.baseAddr, memev.SupplyData)
		ev.Flags |= memev.FlagWriteback
		ev.SetPayload(block.data)
		c.downstream.Send(ev)
	}
	if c.directory != nil {
		ev := memev.New(c.name, block.baseAddr, memev.SupplyData)
		ev.Flags |= memev.FlagWriteback
		ev.SetPayload(block.data)
		c.directory.Send(ev)
	}

	// A response that hit this block just before the invalidate may still
	// be in flight; it already latched its bytes and releases its
	// reference within one access time. The block gives up its identity
	// now either way.
	if block.lockCount != 0 {
		c.logf("%s: writeback of 0x%x with %d reader locks outstanding",
			c.name, block.baseAddr, block.lockCount)
	}
	block.status = newStatus
}

// finishBusOp dispatches a bus-grant continuation by its kind.
func (c *Comp) finishBusOp(d *busDone) {
	switch d.kind {
	case busDoneIssueInvalidate:
		c.finishIssueInvalidate(d.pendingWrite, d.pendingVia, d.block)
	case busDoneSupplyData:
		c.finishBusSupplyData(d)
	case busDoneWriteback:
		c.finishWriteback(d.block, d.newStatus, d.decrementLock)
	}
}

func (c *Comp) unlock(block *Block) {
	if block.lockCount == 0 {
		log.Panicf("%s: lock underflow on block 0x%x",
			c.name, block.baseAddr)
	}
	block.lockCount--
}
