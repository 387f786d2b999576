// Package link provides point-to-point latency links between memory
// hierarchy components, built on the Akita event engine. A link delivers
// events to the far end after a fixed latency, preserving send order.
package link

import (
	"log"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/snoopsim/memev"
)

// fifoEpsilon separates deliveries that would otherwise tie. The engine's
// event queue does not order equal-time events, so ties on the same port
// are broken by nudging the later send forward.
const fifoEpsilon = sim.VTimeInSec(1e-15)

// A Receiver accepts an event delivered on a port. The port the event
// arrived on is passed along so the receiver can answer on it, or exclude
// it from a broadcast, without the event carrying link references.
type Receiver func(ev *memev.Event, via *Port)

// A Port is one end of a link. Components hold ports, send on them, and
// register a Receiver to accept deliveries.
type Port struct {
	link *Link
	side int
	recv Receiver

	lastDeliver sim.VTimeInSec
}

// A Link connects two ports with a fixed latency. The link itself is the
// event handler for its in-flight deliveries.
type Link struct {
	name    string
	engine  sim.Engine
	latency sim.VTimeInSec
	loop    bool
	ports   [2]Port
}

type deliveryEvent struct {
	*sim.EventBase
	ev  *memev.Event
	dst *Port
}

// NewPair creates a link and returns its two ports.
func NewPair(
	engine sim.Engine,
	name string,
	latency sim.VTimeInSec,
) (*Port, *Port) {
	l := &Link{
		name:    name,
		engine:  engine,
		latency: latency,
	}
	l.ports[0] = Port{link: l, side: 0}
	l.ports[1] = Port{link: l, side: 1}

	return &l.ports[0], &l.ports[1]
}

// NewLoop creates a self link: a single port whose sends are delivered back
// to its own receiver after the latency. Used to model access time.
func NewLoop(
	engine sim.Engine,
	name string,
	latency sim.VTimeInSec,
) *Port {
	l := &Link{
		name:    name,
		engine:  engine,
		latency: latency,
		loop:    true,
	}
	l.ports[0] = Port{link: l, side: 0}

	return &l.ports[0]
}

// Handle delivers an in-flight event to its destination port.
func (l *Link) Handle(e sim.Event) error {
	de, ok := e.(*deliveryEvent)
	if !ok {
		log.Panicf("link %s: unexpected event type", l.name)
	}

	if de.dst.recv == nil {
		log.Panicf("link %s: delivery to port with no receiver", l.name)
	}
	de.dst.recv(de.ev, de.dst)

	return nil
}

// Name returns the link name.
func (l *Link) Name() string {
	return l.name
}

// SetReceiver registers the function that accepts deliveries on this port.
func (p *Port) SetReceiver(r Receiver) {
	p.recv = r
}

// Link returns the link this port belongs to.
func (p *Port) Link() *Link {
	return p.link
}

// Peer returns the port on the other end of the link. For a self link, the
// peer is the port itself.
func (p *Port) Peer() *Port {
	if p.link.loop {
		return p
	}
	return &p.link.ports[1-p.side]
}

// Send delivers the event to the far end after the link latency.
func (p *Port) Send(ev *memev.Event) {
	p.SendAfter(0, ev)
}

// SendAfter delivers the event to the far end after the link latency plus
// an extra delay. Deliveries on the same destination port never reorder:
// a send that would arrive at or before an earlier one is pushed just past
// it.
func (p *Port) SendAfter(extra sim.VTimeInSec, ev *memev.Event) {
	l := p.link
	dst := p.Peer()

	t := l.engine.CurrentTime() + l.latency + extra
	if t <= dst.lastDeliver {
		t = dst.lastDeliver + fifoEpsilon
	}
	dst.lastDeliver = t

	l.engine.Schedule(&deliveryEvent{
		EventBase: sim.NewEventBase(t, l),
		ev:        ev,
		dst:       dst,
	})
}
