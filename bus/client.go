package bus

import (
	"github.com/sarchlab/snoopsim/link"
	"github.com/sarchlab/snoopsim/memev"
)

// A Client is the arbitration side of a bus attachment for components
// without their own coherence machinery, such as memory controllers. It
// queues outbound broadcasts, requests the bus once, transmits one event
// per grant, and supports withdrawing queued events.
type Client struct {
	name      string
	port      *link.Port
	requested bool
	queue     []*memev.Event
}

// NewClient creates an arbitration client sending from the named
// component on the given bus port.
func NewClient(name string, port *link.Port) *Client {
	return &Client{name: name, port: port}
}

// Request queues an event and asks for the bus if no request is pending.
func (c *Client) Request(ev *memev.Event) {
	c.queue = append(c.queue, ev)

	if !c.requested {
		c.port.Send(memev.New(c.name, 0, memev.RequestBus))
		c.requested = true
	}
}

// Withdraw removes a queued event before it is granted. Returns whether
// the event was still queued.
func (c *Client) Withdraw(ev *memev.Event) bool {
	for i, queued := range c.queue {
		if queued == ev {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// HandleGrant consumes a BusClearToSend: transmit the queue head, or
// decline the grant if everything was withdrawn. Re-requests while more
// events remain. Returns the transmitted event, or nil when the grant was
// declined.
func (c *Client) HandleGrant() *memev.Event {
	if len(c.queue) == 0 {
		c.port.Send(memev.New(c.name, 0, memev.CancelBusRequest))
		c.requested = false
		return nil
	}

	ev := c.queue[0]
	c.queue = c.queue[1:]
	c.port.Send(ev)

	c.requested = false
	if len(c.queue) > 0 {
		c.port.Send(memev.New(c.name, 0, memev.RequestBus))
		c.requested = true
	}

	return ev
}
