package cache

import (
	"github.com/sarchlab/snoopsim/link"
	"github.com/sarchlab/snoopsim/memev"
)

// busDoneKind tags the continuation that runs once a queued event has been
// granted the bus and transmitted.
type busDoneKind int

const (
	busDoneIssueInvalidate busDoneKind = iota
	busDoneSupplyData
	busDoneWriteback
)

// A busDone is the continuation attached to a bus-queued event. It is a
// value, dispatched by kind; the arms carry only the state their handler
// needs. When a queued event is canceled, the continuation is handed back
// to the caller, which owns releasing whatever the continuation holds.
type busDone struct {
	kind busDoneKind

	block *Block

	// issueInvalidate: the write that is waiting for ownership, and the
	// link it arrived on.
	pendingWrite *memev.Event
	pendingVia   *link.Port

	// supplyData: which source the supply was prepared for.
	src Source

	// writeback: the block's state once the writeback is on its way.
	newStatus     BlockStatus
	decrementLock bool
}

// A busQueue serializes this cache's outbound snoop broadcasts. It asks
// the bus arbiter for a grant when it has something to send, transmits one
// event per grant, and re-requests while the queue is non-empty. Queued
// events can be canceled up until the moment they are transmitted.
type busQueue struct {
	name      string
	port      *link.Port
	requested bool
	queue     []*memev.Event
	done      map[*memev.Event]*busDone
}

func newBusQueue(name string, port *link.Port) *busQueue {
	return &busQueue{
		name: name,
		port: port,
		done: make(map[*memev.Event]*busDone),
	}
}

func (q *busQueue) size() int {
	return len(q.queue)
}

// request queues an event for transmission and, if no grant is pending,
// asks the arbiter for the bus. A nil event re-requests only.
func (q *busQueue) request(ev *memev.Event, done *busDone) {
	if ev != nil {
		q.queue = append(q.queue, ev)
		if done != nil {
			q.done[ev] = done
		}
	}

	if !q.requested {
		q.port.Send(memev.New(q.name, 0, memev.RequestBus))
		q.requested = true
	}
}

// cancel removes a queued event before it is granted. The continuation, if
// any, is returned so the caller can release the resources it holds. The
// event itself is dead after cancel; a grant that arrives afterward finds
// an empty queue and is declined.
func (q *busQueue) cancel(ev *memev.Event) *busDone {
	for i, queued := range q.queue {
		if queued == ev {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			break
		}
	}

	done := q.done[ev]
	delete(q.done, ev)

	return done
}

// clearToSend consumes a bus grant: transmit the head of the queue and run
// its continuation, or decline the grant if everything was canceled. While
// events remain queued, the bus is requested again.
func (q *busQueue) clearToSend(dispatch func(*busDone)) {
	if len(q.queue) == 0 {
		q.port.Send(memev.New(q.name, 0, memev.CancelBusRequest))
		q.requested = false
		return
	}

	ev := q.queue[0]
	q.queue = q.queue[1:]
	q.port.Send(ev)

	if done, ok := q.done[ev]; ok {
		delete(q.done, ev)
		if done != nil {
			dispatch(done)
		}
	}

	q.requested = false
	if len(q.queue) > 0 {
		q.request(nil, nil)
	}
}
