package cache

import (
	"log"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/snoopsim/memev"
)

// BlockStatus tracks the coherence state of one cache block.
type BlockStatus int

// Block coherence states.
const (
	// Invalid blocks hold no useful contents.
	Invalid BlockStatus = iota
	// Assigned blocks are reserved for an in-flight fill. They hold no
	// valid data yet and must not be evicted.
	Assigned
	// Shared blocks are valid and read-only; peers may hold copies.
	Shared
	// Exclusive blocks may be written without further coordination.
	Exclusive
)

var statusNames = [...]string{"I", "A", "S", "E"}

func (s BlockStatus) String() string {
	return statusNames[s]
}

// A Block is one cache line's worth of bytes plus its metadata.
//
// lockCount is a reference count held by asynchronous operations that use
// the block; a locked block must not be evicted. currentEvent is non-nil
// only while the block waits on a cancelable bus operation of its own.
type Block struct {
	tag          uint64
	baseAddr     uint64
	lastTouched  sim.VTimeInSec
	status       BlockStatus
	data         []byte
	lockCount    uint32
	currentEvent *memev.Event

	// writebackPending guards against queuing the same block's writeback
	// twice when two peer invalidates race.
	writebackPending bool
}

// Status returns the block's coherence state.
func (b *Block) Status() BlockStatus {
	return b.status
}

// BaseAddr returns the block-aligned address the block holds.
func (b *Block) BaseAddr() uint64 {
	return b.baseAddr
}

// LockCount returns the number of asynchronous operations referencing the
// block.
func (b *Block) LockCount() uint32 {
	return b.lockCount
}

// Data returns the block's payload bytes.
func (b *Block) Data() []byte {
	return b.data
}

func (b *Block) isValid() bool {
	return b.status != Invalid && b.status != Assigned
}

// activate claims the block for a new address and marks it Assigned, the
// reservation state of an in-flight fill.
func (b *Block) activate(addr uint64, tag, base uint64) {
	if b.status == Assigned {
		log.Panicf("activating a block that is already assigned")
	}
	if b.lockCount != 0 {
		log.Panicf("activating a locked block")
	}
	b.tag = tag
	b.baseAddr = base
	b.status = Assigned
}

// A row is the group of blocks that may hold a given address.
type row struct {
	blocks []Block
}

// lru picks the eviction victim: the least recently touched block that is
// neither assigned nor locked, preferring invalid blocks. A row where every
// way is assigned or locked is a fatal capacity condition; this model does
// not stall on eviction.
func (r *row) lru() *Block {
	var victim *Block
	oldest := sim.VTimeInSec(0)

	for i := range r.blocks {
		b := &r.blocks[i]
		if b.status == Assigned {
			continue
		}
		if b.lockCount > 0 {
			continue
		}

		if !b.isValid() {
			return b
		}
		if victim == nil || b.lastTouched <= oldest {
			oldest = b.lastTouched
			victim = b
		}
	}

	if victim == nil {
		log.Panicf("no evictable block in row; every way assigned or locked")
	}

	return victim
}

// blockAddr masks an address down to its block-aligned base.
func (c *Comp) blockAddr(addr uint64) uint64 {
	return addr &^ uint64(c.blockSize-1)
}

func (c *Comp) addrToTag(addr uint64) uint64 {
	return addr >> c.tagShift
}

// findRow indexes the storage array by the row bits of the address.
func (c *Comp) findRow(addr uint64) *row {
	r := (addr >> c.rowShift) & c.rowMask
	return &c.rows[r]
}

// findBlock scans the row for a valid block holding the address. With
// emptyOK, an invalid block from the row is returned when no valid match
// exists.
func (c *Comp) findBlock(addr uint64, emptyOK bool) *Block {
	r := c.findRow(addr)
	tag := c.addrToTag(addr)

	for i := range r.blocks {
		b := &r.blocks[i]
		if b.isValid() && b.tag == tag {
			return b
		}
	}

	if emptyOK {
		for i := range r.blocks {
			b := &r.blocks[i]
			if b.status == Invalid {
				return b
			}
		}
	}

	return nil
}

// updateBlock copies a supplied payload into the block. A full-block
// payload replaces the whole line; a smaller one overwrites at its offset.
func (c *Comp) updateBlock(ev *memev.Event, b *Block) {
	if ev.Size == c.blockSize {
		copy(b.data, ev.Payload)
	} else {
		offset := ev.Addr - b.baseAddr
		copy(b.data[offset:], ev.Payload[:ev.Size])
	}
	b.lastTouched = c.engine.CurrentTime()
}

func numBits(x int) uint {
	n := uint(0)
	for x > 1 {
		x >>= 1
		n++
	}
	return n
}

func isPowerOfTwo(x int) bool {
	return x > 0 && x&(x-1) == 0
}
