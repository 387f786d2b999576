// Package memctrl models the storage at the bottom of the hierarchy: a
// fixed-latency supplier of blocks and a sink for writebacks.
//
// The controller attaches either directly downstream of a single cache,
// answering its requests point-to-point, or to the snoop bus, where it
// answers requests addressed to it (or addressed to nobody) and absorbs
// writeback traffic. Bus replies go through arbitration like any other
// broadcast; a reply made redundant by a peer's supply is withdrawn.
package memctrl

import (
	"log"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/snoopsim/bus"
	"github.com/sarchlab/snoopsim/link"
	"github.com/sarchlab/snoopsim/memev"
)

// Comp is the memory controller component.
type Comp struct {
	name    string
	engine  sim.Engine
	latency sim.VTimeInSec

	store *Storage

	busPort   *link.Port
	busClient *bus.Client

	// In-flight bus replies by block address, so a second request for a
	// block already being answered does not produce a duplicate supply,
	// and an observed peer supply can cancel ours.
	pendingReplies map[uint64]*memev.Event

	reads      uint64
	writebacks uint64
}

type replyEvent struct {
	*sim.EventBase
	req   *memev.Event
	via   *link.Port
	onBus bool
}

// New creates a memory controller with the given access latency.
func New(engine sim.Engine, name string, latency sim.VTimeInSec) *Comp {
	return &Comp{
		name:           name,
		engine:         engine,
		latency:        latency,
		store:          NewStorage(),
		pendingReplies: make(map[uint64]*memev.Event),
	}
}

// Name returns the component name.
func (m *Comp) Name() string {
	return m.name
}

// Storage exposes the backing store, e.g. for preloading test data.
func (m *Comp) Storage() *Storage {
	return m.store
}

// AttachDirect connects a point-to-point link from a cache's downstream
// side. Requests on it are answered directly on the same link.
func (m *Comp) AttachDirect(p *link.Port) {
	p.SetReceiver(func(ev *memev.Event, via *link.Port) {
		m.recv(ev, via, false)
	})
}

// AttachBus connects the controller to the snoop bus.
func (m *Comp) AttachBus(p *link.Port) {
	m.busPort = p
	m.busClient = bus.NewClient(m.name, p)
	p.SetReceiver(func(ev *memev.Event, via *link.Port) {
		m.recv(ev, via, true)
	})
}

func (m *Comp) recv(ev *memev.Event, via *link.Port, onBus bool) {
	switch ev.Cmd {
	case memev.RequestData:
		m.handleRequest(ev, via, onBus)

	case memev.SupplyData:
		m.handleSupply(ev, onBus)

	case memev.BusClearToSend:
		if sent := m.busClient.HandleGrant(); sent != nil {
			delete(m.pendingReplies, sent.Addr)
		}

	case memev.Invalidate:
		// Ownership changes upstream do not concern the backing store.

	default:
		// Bus arbitration chatter between other components.
	}
}

func (m *Comp) handleRequest(ev *memev.Event, via *link.Port, onBus bool) {
	if onBus {
		if ev.Src == m.name {
			return
		}
		// Answer requests addressed to us or to nobody in particular;
		// requests directed at another component are theirs.
		if ev.Dst != "" && ev.Dst != m.name {
			return
		}
		if _, busy := m.pendingReplies[ev.Addr]; busy {
			return
		}
	}

	if ev.Size <= 0 {
		log.Panicf("%s: data request for 0x%x with no size",
			m.name, ev.Addr)
	}

	m.reads++
	m.engine.Schedule(&replyEvent{
		EventBase: sim.NewEventBase(
			m.engine.CurrentTime()+m.latency, m),
		req:   ev.Copy(),
		via:   via,
		onBus: onBus,
	})

	if onBus {
		m.pendingReplies[ev.Addr] = nil // reply scheduled, not yet queued
	}
}

// handleSupply absorbs writebacks and watches for peer supplies that make
// one of our own pending replies redundant.
func (m *Comp) handleSupply(ev *memev.Event, onBus bool) {
	if onBus && ev.Src == m.name {
		return
	}

	if ev.IsWriteback() {
		m.writebacks++
		m.store.Write(ev.Addr, ev.Payload)
		return
	}

	if !onBus {
		return
	}

	// A peer beat us to this block; withdraw our reply if it is still
	// queued, and forget it either way.
	if queued, ok := m.pendingReplies[ev.Addr]; ok {
		if queued != nil {
			m.busClient.Withdraw(queued)
		}
		delete(m.pendingReplies, ev.Addr)
	}
}

// Handle runs a due reply: hand the block's bytes back toward the
// requester.
func (m *Comp) Handle(e sim.Event) error {
	re, ok := e.(*replyEvent)
	if !ok {
		log.Panicf("%s: unexpected event type", m.name)
	}

	resp := memev.New(m.name, re.req.Addr, memev.SupplyData)
	resp.SetPayload(m.store.Read(re.req.Addr, re.req.Size))

	if !re.onBus {
		resp.Dst = re.req.Src
		re.via.Send(resp)
		return nil
	}

	// The supply may have been canceled while the access was in flight.
	if _, ok := m.pendingReplies[re.req.Addr]; !ok {
		return nil
	}

	m.pendingReplies[re.req.Addr] = resp
	m.busClient.Request(resp)

	return nil
}

// Stats returns the number of block reads served and writebacks absorbed.
func (m *Comp) Stats() (reads, writebacks uint64) {
	return m.reads, m.writebacks
}
