// Package bus implements the broadcast snoop bus shared by sibling caches.
//
// The bus is a FIFO arbiter. A cache that wants to broadcast sends
// RequestBus; when the bus is idle the requester is granted with
// BusClearToSend after the arbitration delay. The grantee answers with
// either the broadcast payload, which the bus forwards to every other
// attached port, or CancelBusRequest when everything it had queued was
// withdrawn in the meantime.
package bus

import (
	"log"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/snoopsim/link"
	"github.com/sarchlab/snoopsim/memev"
)

// Comp is the snoop bus component.
type Comp struct {
	name   string
	engine sim.Engine
	delay  sim.VTimeInSec

	ports   []*link.Port
	pending []*link.Port
	granted *link.Port
}

// New creates a bus with the given arbitration delay.
func New(engine sim.Engine, name string, delay sim.VTimeInSec) *Comp {
	return &Comp{
		name:   name,
		engine: engine,
		delay:  delay,
	}
}

// Name returns the component name.
func (b *Comp) Name() string {
	return b.name
}

// Attach plugs a cache-facing port into the bus.
func (b *Comp) Attach(p *link.Port) {
	b.ports = append(b.ports, p)
	p.SetReceiver(b.recv)
}

func (b *Comp) recv(ev *memev.Event, via *link.Port) {
	switch ev.Cmd {
	case memev.RequestBus:
		b.handleRequest(via)

	case memev.CancelBusRequest:
		b.handleCancel(via)

	default:
		b.handleBroadcast(ev, via)
	}
}

func (b *Comp) handleRequest(via *link.Port) {
	for _, p := range b.pending {
		if p == via {
			return // already queued
		}
	}

	b.pending = append(b.pending, via)
	if b.granted == nil {
		b.grantNext()
	}
}

func (b *Comp) handleCancel(via *link.Port) {
	if b.granted != via {
		log.Panicf("%s: cancel from a port that holds no grant", b.name)
	}

	b.granted = nil
	b.grantNext()
}

// handleBroadcast forwards the grantee's event to every other port and
// moves on to the next requester.
func (b *Comp) handleBroadcast(ev *memev.Event, via *link.Port) {
	if b.granted != via {
		log.Panicf("%s: %s broadcast from a port that holds no grant",
			b.name, ev.Cmd)
	}

	for _, p := range b.ports {
		if p == via {
			continue
		}
		p.Send(ev.Copy())
	}

	b.granted = nil
	b.grantNext()
}

func (b *Comp) grantNext() {
	if len(b.pending) == 0 {
		return
	}

	next := b.pending[0]
	b.pending = b.pending[1:]
	b.granted = next

	grant := memev.New(b.name, 0, memev.BusClearToSend)
	next.SendAfter(b.delay, grant)
}
