package chip

import (
	"context"

	"github.com/mklimuk/simm"
	"github.com/mklimuk/simm/flash"
)

var _ simm.ParallelBus = &Bus{}

// Cycle is one recorded bus transaction.
type Cycle struct {
	Write   bool
	Address uint32
	Data    uint32
}

type BusOpts struct {
	Trace bool
	// Stuck makes every read toggle forever, like a chip that never finishes.
	Stuck bool
}

type BusOpt func(*BusOpts)

func WithTrace() BusOpt {
	return func(o *BusOpts) {
		o.Trace = true
	}
}

func WithStuck() BusOpt {
	return func(o *BusOpts) {
		o.Stuck = true
	}
}

// Bus wires four chip models to a shared address bus, chip i on data lane i.
// Undriven lanes read as 0xFF like a bus with pull-ups.
type Bus struct {
	chips  [simm.NumChips]*Model
	config BusOpts
	cycles []Cycle
	toggle uint32
}

func NewBus(chips [simm.NumChips]*Model, opts ...BusOpt) *Bus {
	b := &Bus{chips: chips}
	for _, opt := range opts {
		opt(&b.config)
	}
	return b
}

// NewSIMM builds a bus populated with four blank chips of the given family.
func NewSIMM(family flash.Family, opts ...BusOpt) *Bus {
	var chips [simm.NumChips]*Model
	for i := range chips {
		chips[i] = New(family)
	}
	return NewBus(chips, opts...)
}

func (b *Bus) Chip(i int) *Model { return b.chips[i] }

// SetFamily swaps in four blank chips of family f, like reseating the socket
// with a different SIMM. It reports whether the chips were replaced.
func (b *Bus) SetFamily(f flash.Family) bool {
	if b.chips[0] != nil && b.chips[0].Family() == f {
		return false
	}
	for i := range b.chips {
		b.chips[i] = New(f)
	}
	return true
}

// Cycles returns the recorded transactions when tracing is enabled.
func (b *Bus) Cycles() []Cycle { return b.cycles }

func (b *Bus) ResetTrace() { b.cycles = b.cycles[:0] }

func (b *Bus) WriteCycle(ctx context.Context, address uint32, data uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for lane, c := range b.chips {
		for _, ev := range WriteCycle(address, byte(data>>(8*lane))) {
			c.Apply(ev)
		}
	}
	b.record(Cycle{Write: true, Address: address, Data: data})
	return nil
}

func (b *Bus) ReadCycle(ctx context.Context, address uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var word uint32
	for lane, c := range b.chips {
		c.Apply(Address(address))
		c.Apply(CS(true))
		c.Apply(OE(true))
		value, driven := c.Output()
		if !driven {
			value = 0xFF
		}
		c.Apply(OE(false))
		c.Apply(CS(false))
		word |= uint32(value) << (8 * lane)
	}
	if b.config.Stuck {
		b.toggle ^= 0x40404040
		word = word&^0x40404040 | b.toggle
	}
	b.record(Cycle{Address: address, Data: word})
	return word, nil
}

func (b *Bus) Read(ctx context.Context, start uint32, words []uint32) error {
	for i := range words {
		w, err := b.ReadCycle(ctx, start+uint32(i))
		if err != nil {
			return err
		}
		words[i] = w
	}
	return nil
}

func (b *Bus) record(c Cycle) {
	if b.config.Trace {
		b.cycles = append(b.cycles, c)
	}
}
