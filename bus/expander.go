// Package bus implements the SIMM parallel bus on top of GPIO port
// expanders.
//
// Pin assignment (all control lines active low):
//
//	address low   port A: A0..A7      port B: A8..A15
//	address high  port A: A16..A20, /CS (bit 5), /OE (bit 6), /WE (bit 7)
//	data low      port A: lane 0      port B: lane 1
//	data high     port A: lane 2      port B: lane 3
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mklimuk/simm"
)

const (
	pinCS           = 1 << 5
	pinOE           = 1 << 6
	pinWE           = 1 << 7
	controlIdle     = pinCS | pinOE | pinWE
	highAddressMask = 0x1F
	// AddressLines is the number of address pins wired to the socket.
	AddressLines = 21
)

type Opts struct {
	Logger *slog.Logger
}

type Opt func(*Opts)

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

// Expander is a simm.ParallelBus driven by four 16-bit port expanders.
// Every bus cycle is a sequence of port writes; nothing here is timing
// critical since the chips are static and latch on strobe edges.
type Expander struct {
	mx       sync.Mutex
	addrLow  simm.PortExpander
	addrHigh simm.PortExpander
	data     [simm.NumChips]lane
	log      *slog.Logger

	ready     bool
	dataInput bool
	address   uint32
	addressOK bool
}

// lane is the expander port carrying one chip's data byte.
type lane struct {
	exp  simm.PortExpander
	port simm.Port
}

var _ simm.ParallelBus = &Expander{}

func NewExpander(addrLow, addrHigh, dataLow, dataHigh simm.PortExpander, opts ...Opt) *Expander {
	config := Opts{}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Expander{
		addrLow:  addrLow,
		addrHigh: addrHigh,
		data: [simm.NumChips]lane{
			{dataLow, simm.PortA},
			{dataLow, simm.PortB},
			{dataHigh, simm.PortA},
			{dataHigh, simm.PortB},
		},
		log: config.Logger,
	}
}

// Init configures pin directions and parks the bus with every control line
// released. It is called implicitly by the first cycle.
func (e *Expander) Init(ctx context.Context) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.init(ctx)
}

func (e *Expander) init(ctx context.Context) error {
	// release the strobes before turning the pins into outputs
	err := e.addrHigh.WritePort(ctx, simm.PortA, controlIdle)
	if err != nil {
		return fmt.Errorf("could not park control lines: %w", err)
	}
	steps := []struct {
		exp    simm.PortExpander
		port   simm.Port
		inputs byte
	}{
		{e.addrLow, simm.PortA, 0x00},
		{e.addrLow, simm.PortB, 0x00},
		{e.addrHigh, simm.PortA, 0x00},
		{e.addrHigh, simm.PortB, 0xFF},
	}
	for _, s := range steps {
		err = s.exp.SetDirection(ctx, s.port, s.inputs)
		if err != nil {
			return fmt.Errorf("could not configure address pins: %w", err)
		}
	}
	err = e.setDataDirection(ctx, true, true)
	if err != nil {
		return err
	}
	e.ready = true
	e.addressOK = false
	e.log.Debug("expander bus initialized")
	return nil
}

func (e *Expander) setDataDirection(ctx context.Context, input bool, force bool) error {
	if !force && e.dataInput == input {
		return nil
	}
	var dir byte
	if input {
		dir = 0xFF
	}
	for i, l := range e.data {
		err := l.exp.SetDirection(ctx, l.port, dir)
		if err != nil {
			return fmt.Errorf("could not set direction of lane %d: %w", i, err)
		}
	}
	e.dataInput = input
	return nil
}

func (e *Expander) setAddress(ctx context.Context, address uint32) error {
	if address >= 1<<AddressLines {
		return fmt.Errorf("address %#x: %w", address, simm.ErrOutOfRange)
	}
	prev := e.address
	full := !e.addressOK
	e.addressOK = false
	if full || byte(prev) != byte(address) {
		err := e.addrLow.WritePort(ctx, simm.PortA, byte(address))
		if err != nil {
			return fmt.Errorf("could not drive A0..A7: %w", err)
		}
	}
	if full || byte(prev>>8) != byte(address>>8) {
		err := e.addrLow.WritePort(ctx, simm.PortB, byte(address>>8))
		if err != nil {
			return fmt.Errorf("could not drive A8..A15: %w", err)
		}
	}
	if full || byte(prev>>16) != byte(address>>16) {
		err := e.control(ctx, address, controlIdle)
		if err != nil {
			return err
		}
	}
	e.address = address
	e.addressOK = true
	return nil
}

// control drives the high address bits together with the strobes.
func (e *Expander) control(ctx context.Context, address uint32, pins byte) error {
	err := e.addrHigh.WritePort(ctx, simm.PortA, byte(address>>16)&highAddressMask|pins)
	if err != nil {
		e.addressOK = false
		return fmt.Errorf("could not drive control lines: %w", err)
	}
	return nil
}

func (e *Expander) prepare(ctx context.Context, address uint32, input bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.ready {
		err := e.init(ctx)
		if err != nil {
			return err
		}
	}
	err := e.setDataDirection(ctx, input, false)
	if err != nil {
		return err
	}
	return e.setAddress(ctx, address)
}

func (e *Expander) WriteCycle(ctx context.Context, address uint32, data uint32) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	err := e.prepare(ctx, address, false)
	if err != nil {
		return err
	}
	for i, l := range e.data {
		err = l.exp.WritePort(ctx, l.port, byte(data>>(8*i)))
		if err != nil {
			return fmt.Errorf("could not drive lane %d: %w", i, err)
		}
	}
	// the chips latch the address on the falling and the data on the rising
	// edge of /WE
	err = e.control(ctx, address, pinOE)
	if err != nil {
		return err
	}
	return e.control(ctx, address, controlIdle)
}

func (e *Expander) ReadCycle(ctx context.Context, address uint32) (uint32, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.readCycle(ctx, address)
}

func (e *Expander) readCycle(ctx context.Context, address uint32) (uint32, error) {
	err := e.prepare(ctx, address, true)
	if err != nil {
		return 0, err
	}
	err = e.control(ctx, address, pinWE)
	if err != nil {
		return 0, err
	}
	var word uint32
	for i, l := range e.data {
		v, err := l.exp.ReadPort(ctx, l.port)
		if err != nil {
			_ = e.control(ctx, address, controlIdle)
			return 0, fmt.Errorf("could not sample lane %d: %w", i, err)
		}
		word |= uint32(v) << (8 * i)
	}
	err = e.control(ctx, address, controlIdle)
	if err != nil {
		return 0, err
	}
	return word, nil
}

func (e *Expander) Read(ctx context.Context, start uint32, words []uint32) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	for i := range words {
		w, err := e.readCycle(ctx, start+uint32(i))
		if err != nil {
			return err
		}
		words[i] = w
	}
	return nil
}
