// Package memagent models an upstream requester: a processor stand-in
// that issues reads and writes against a cache and matches the responses.
package memagent

import (
	"bytes"
	"log"
	"math/rand"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/snoopsim/link"
	"github.com/sarchlab/snoopsim/memev"
)

// An Access is one memory operation an agent performs.
type Access struct {
	Write bool
	Addr  uint64
	Size  int
	Data  []byte
}

// Comp is the requester component. It issues one access at a time: the
// next access leaves a think time after the previous response arrives.
type Comp struct {
	name      string
	engine    sim.Engine
	port      *link.Port
	thinkTime sim.VTimeInSec

	script []Access
	next   int

	outstanding *memev.Event

	// shadow remembers the bytes this agent has written, so read
	// responses can be checked against them.
	shadow      map[uint64]byte
	verifyReads bool

	completed  uint64
	mismatches uint64
}

type issueEvent struct {
	*sim.EventBase
}

// New creates an agent that performs the scripted accesses.
func New(
	engine sim.Engine,
	name string,
	thinkTime sim.VTimeInSec,
	script []Access,
) *Comp {
	return &Comp{
		name:        name,
		engine:      engine,
		thinkTime:   thinkTime,
		script:      script,
		shadow:      make(map[uint64]byte),
		verifyReads: true,
	}
}

// NewRandom creates an agent with a deterministic random workload of count
// accesses over [base, base+footprint), with roughly one write per three
// accesses.
func NewRandom(
	engine sim.Engine,
	name string,
	thinkTime sim.VTimeInSec,
	count int,
	base, footprint uint64,
	blockSize int,
	seed int64,
) *Comp {
	rng := rand.New(rand.NewSource(seed))
	script := make([]Access, count)

	for i := range script {
		size := 1 << rng.Intn(3) // 1, 2, or 4 bytes
		if size > blockSize {
			size = blockSize
		}

		addr := base
		if maxOff := footprint - uint64(size); maxOff > 0 {
			addr += rng.Uint64() % maxOff
		}
		// Keep the access inside one block.
		if rem := int(addr) % blockSize; rem+size > blockSize {
			addr -= uint64(rem + size - blockSize)
		}

		a := Access{Addr: addr, Size: size}
		if rng.Intn(3) == 0 {
			a.Write = true
			a.Data = make([]byte, size)
			rng.Read(a.Data)
		}
		script[i] = a
	}

	return New(engine, name, thinkTime, script)
}

// Name returns the component name.
func (a *Comp) Name() string {
	return a.name
}

// SetVerifyReads controls checking read responses against this agent's
// own writes. Turn it off when other agents write the same addresses.
func (a *Comp) SetVerifyReads(verify bool) {
	a.verifyReads = verify
}

// Attach connects the agent's port toward its cache.
func (a *Comp) Attach(p *link.Port) {
	a.port = p
	p.SetReceiver(a.recv)
}

// Start schedules the first access.
func (a *Comp) Start() {
	if len(a.script) == 0 {
		return
	}
	a.engine.Schedule(&issueEvent{
		EventBase: sim.NewEventBase(a.engine.CurrentTime(), a),
	})
}

// Handle issues the next scripted access.
func (a *Comp) Handle(e sim.Event) error {
	if _, ok := e.(*issueEvent); !ok {
		log.Panicf("%s: unexpected event type", a.name)
	}

	acc := a.script[a.next]
	a.next++

	var req *memev.Event
	if acc.Write {
		req = memev.New(a.name, acc.Addr, memev.WriteReq)
		req.SetPayload(acc.Data)
		for i, b := range acc.Data {
			a.shadow[acc.Addr+uint64(i)] = b
		}
	} else {
		req = memev.New(a.name, acc.Addr, memev.ReadReq)
		req.Size = acc.Size
	}

	a.outstanding = req
	a.port.Send(req)

	return nil
}

func (a *Comp) recv(ev *memev.Event, _ *link.Port) {
	if a.outstanding == nil || ev.RespondTo != a.outstanding.ID {
		log.Panicf("%s: response %s does not match outstanding request",
			a.name, ev.RespondTo)
	}

	if a.verifyReads && a.outstanding.Cmd == memev.ReadReq {
		a.checkRead(a.outstanding, ev)
	}

	a.outstanding = nil
	a.completed++

	if a.next < len(a.script) {
		a.engine.Schedule(&issueEvent{
			EventBase: sim.NewEventBase(
				a.engine.CurrentTime()+a.thinkTime, a),
		})
	}
}

// checkRead compares the bytes this agent previously wrote with what the
// read returned.
func (a *Comp) checkRead(req, resp *memev.Event) {
	expected := make([]byte, req.Size)
	known := make([]bool, req.Size)
	any := false

	for i := 0; i < req.Size; i++ {
		if b, ok := a.shadow[req.Addr+uint64(i)]; ok {
			expected[i] = b
			known[i] = true
			any = true
		}
	}
	if !any {
		return
	}

	for i := range expected {
		if !known[i] {
			expected[i] = resp.Payload[i]
		}
	}
	if !bytes.Equal(expected, resp.Payload) {
		a.mismatches++
	}
}

// Done reports whether every scripted access has completed.
func (a *Comp) Done() bool {
	return a.completed == uint64(len(a.script))
}

// Completed returns the number of finished accesses.
func (a *Comp) Completed() uint64 {
	return a.completed
}

// Mismatches returns how many read responses disagreed with this agent's
// own writes.
func (a *Comp) Mismatches() uint64 {
	return a.mismatches
}
