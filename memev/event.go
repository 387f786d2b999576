// Package memev defines the event type exchanged between memory hierarchy
// components: caches, buses, memory controllers, and requesters.
package memev

import (
	"github.com/sarchlab/akita/v4/sim"
)

// Command identifies what a memory event asks for or announces.
type Command int

// Commands understood by the memory hierarchy components.
const (
	ReadReq Command = iota
	WriteReq
	RequestData
	SupplyData
	Invalidate
	RequestBus
	BusClearToSend
	CancelBusRequest
)

var commandNames = [...]string{
	"ReadReq",
	"WriteReq",
	"RequestData",
	"SupplyData",
	"Invalidate",
	"RequestBus",
	"BusClearToSend",
	"CancelBusRequest",
}

func (c Command) String() string {
	if c < 0 || int(c) >= len(commandNames) {
		return "Unknown"
	}
	return commandNames[c]
}

// Flag is a bitfield of event attributes.
type Flag uint32

// FlagWriteback marks a SupplyData event that carries a dirty block on its
// way toward memory.
const FlagWriteback Flag = 1 << iota

// An Event is one message on a memory hierarchy link.
//
// Src and Dst are component names. Dst is empty for broadcasts. RespondTo
// links a response to the ID of the request it answers; it is empty on
// requests.
type Event struct {
	ID        string
	Src       string
	Dst       string
	Cmd       Command
	Addr      uint64
	Size      int
	Payload   []byte
	Flags     Flag
	RespondTo string
}

// New creates an event from the named component for the given address.
func New(src string, addr uint64, cmd Command) *Event {
	return &Event{
		ID:   sim.GetIDGenerator().Generate(),
		Src:  src,
		Addr: addr,
		Cmd:  cmd,
	}
}

// Copy duplicates the event, preserving its ID. A copy stands for the same
// logical request, e.g. when it is deferred until a fill completes.
func (e *Event) Copy() *Event {
	c := *e
	if e.Payload != nil {
		c.Payload = make([]byte, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	return &c
}

// MakeResponse builds the response to this event, issued by the named
// component. The response carries a fresh ID and records the request ID in
// RespondTo, so the requester can correlate the pair.
func (e *Event) MakeResponse(src string) *Event {
	return &Event{
		ID:        sim.GetIDGenerator().Generate(),
		Src:       src,
		Dst:       e.Src,
		Cmd:       e.Cmd,
		Addr:      e.Addr,
		Size:      e.Size,
		RespondTo: e.ID,
	}
}

// SetPayload attaches data to the event and sets its size accordingly.
func (e *Event) SetPayload(data []byte) {
	e.Payload = make([]byte, len(data))
	copy(e.Payload, data)
	e.Size = len(data)
}

// IsWriteback reports whether the event carries a dirty block writeback.
func (e *Event) IsWriteback() bool {
	return e.Flags&FlagWriteback != 0
}
