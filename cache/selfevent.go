package cache

import (
	"log"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/snoopsim/link"
	"github.com/sarchlab/snoopsim/memev"
)

// reDispatchStep spaces the replays of deferred events so they are
// processed in their original arrival order.
const reDispatchStep = sim.VTimeInSec(1e-12)

// selfEpsilon breaks ties between self actions scheduled for the same
// instant, keeping them in issue order.
const selfEpsilon = sim.VTimeInSec(1e-15)

// selfAction names a delayed internal action. Self events model the
// array's access latency: the action runs one access time after the event
// that caused it.
type selfAction int

const (
	actSendCPUResponse selfAction = iota
	actSupplyData
	actReDispatch
)

// A selfEvent is a scheduled internal action plus its arguments.
type selfEvent struct {
	*sim.EventBase

	action selfAction
	ev     *memev.Event
	block  *Block
	src    Source
	via    *link.Port
}

// scheduleSelf queues an internal action to run after the access latency
// plus extra delay.
func (c *Comp) scheduleSelf(
	extra sim.VTimeInSec,
	action selfAction,
	ev *memev.Event,
	block *Block,
	src Source,
	via *link.Port,
) {
	t := c.engine.CurrentTime() + c.accessTime + extra
	if t <= c.lastSelf {
		t = c.lastSelf + selfEpsilon
	}
	c.lastSelf = t

	c.engine.Schedule(&selfEvent{
		EventBase: sim.NewEventBase(t, c),
		action:    action,
		ev:        ev,
		block:     block,
		src:       src,
		via:       via,
	})
}

// Handle runs a due self event. The cache only ever schedules selfEvents
// for itself; anything else is a fatal modeling error.
func (c *Comp) Handle(e sim.Event) error {
	se, ok := e.(*selfEvent)
	if !ok {
		log.Panicf("%s: unexpected event type delivered to cache", c.name)
	}

	switch se.action {
	case actSendCPUResponse:
		c.sendCPUResponse(se.ev, se.block, se.via)
	case actSupplyData:
		c.supplyData(se.ev, se.block, se.src, se.via)
	case actReDispatch:
		c.handleIncoming(se.ev, se.src, se.via, false)
	}

	if c.strict {
		if err := c.Validate(); err != nil {
			log.Panicf("%s: invariant violated: %v", c.name, err)
		}
	}

	return nil
}
