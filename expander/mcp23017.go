// Package expander drives the MCP23x17 16-bit port expanders that bit-bang
// the SIMM socket pins.
package expander

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/simm"
)

type registry int

const DefaultMCP23017Address = 0x20

const (
	IODIRA registry = iota
	IOPOLA
	GPINTENA
	DEFVALA
	INTCONA
	IOCONA
	GPPUA
	INTFA
	INTCAPA
	GPIOA
	OLATA
	IODIRB
	IOPOLB
	GPINTENB
	DEFVALB
	INTCONB
	IOCONB
	GPPUB
	INTFB
	INTCAPB
	GPIOB
	OLATB
)

// BankAddr maps registers for IOCON.BANK=0 (interleaved, power-on default)
// and IOCON.BANK=1 (split ports).
var BankAddr = []map[registry]byte{
	{
		IODIRA:   0x00,
		IOPOLA:   0x02,
		GPINTENA: 0x04,
		DEFVALA:  0x06,
		INTCONA:  0x08,
		IOCONA:   0x0A,
		GPPUA:    0x0C,
		INTFA:    0x0E,
		INTCAPA:  0x10,
		GPIOA:    0x12,
		OLATA:    0x14,
		IODIRB:   0x01,
		IOPOLB:   0x03,
		GPINTENB: 0x05,
		DEFVALB:  0x07,
		INTCONB:  0x09,
		IOCONB:   0x0B,
		GPPUB:    0x0D,
		INTFB:    0x0F,
		INTCAPB:  0x11,
		GPIOB:    0x13,
		OLATB:    0x15,
	},
	{
		IODIRA:   0x00,
		IOPOLA:   0x01,
		GPINTENA: 0x02,
		DEFVALA:  0x03,
		INTCONA:  0x04,
		IOCONA:   0x05,
		GPPUA:    0x06,
		INTFA:    0x07,
		INTCAPA:  0x08,
		GPIOA:    0x09,
		OLATA:    0x0A,
		IODIRB:   0x10,
		IOPOLB:   0x11,
		GPINTENB: 0x12,
		DEFVALB:  0x13,
		INTCONB:  0x14,
		IOCONB:   0x15,
		GPPUB:    0x16,
		INTFB:    0x17,
		INTCAPB:  0x18,
		GPIOB:    0x19,
		OLATB:    0x1A,
	},
}

// registers indexed by port
var (
	dirReg   = [2]registry{IODIRA, IODIRB}
	gpioReg  = [2]registry{GPIOA, GPIOB}
	latchReg = [2]registry{OLATA, OLATB}
	pullReg  = [2]registry{GPPUA, GPPUB}
)

func portIndex(port simm.Port) (int, error) {
	if port != simm.PortA && port != simm.PortB {
		return 0, fmt.Errorf("unknown port %d", port)
	}
	return int(port), nil
}

type Opts struct {
	RetryLimit int
	Bank       int
}

type Opt func(*Opts)

// WithRetryLimit sets how many times a transfer is attempted when the I2C
// master reports it is busy.
func WithRetryLimit(n int) Opt {
	return func(o *Opts) {
		o.RetryLimit = n
	}
}

// WithBank selects the register map matching the IOCON.BANK bit.
func WithBank(bank int) Opt {
	return func(o *Opts) {
		o.Bank = bank
	}
}

/*
	Steps to drive a port:

1. Write IODIR (set bit = input)
2. Write OLAT for outputs
3. Read GPIO for inputs
*/
type MCP23017 struct {
	mx         sync.Mutex
	transport  simm.I2CBus
	bank       int
	address    byte
	retryLimit int
}

var _ simm.PortExpander = &MCP23017{}

func NewMCP23017(bus simm.I2CBus, address byte, opts ...Opt) *MCP23017 {
	config := Opts{RetryLimit: 3}
	for _, opt := range opts {
		opt(&config)
	}
	if config.RetryLimit < 1 {
		config.RetryLimit = 1
	}
	if config.Bank != 1 {
		config.Bank = 0
	}
	return &MCP23017{
		retryLimit: config.RetryLimit,
		transport:  bus,
		address:    address,
		bank:       config.Bank,
	}
}

func (m *MCP23017) Address() byte {
	return m.address
}

func (m *MCP23017) writeRegistry(ctx context.Context, reg registry, value byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg], value})
}

func (m *MCP23017) readRegistry(ctx context.Context, reg registry) (byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	err := m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg]})
	if err != nil {
		return 0x00, fmt.Errorf("could not set registry address: %w", err)
	}
	buf := make([]byte, 1)
	err = m.transport.ReadFromAddr(ctx, m.address, buf)
	if err != nil {
		return 0x00, fmt.Errorf("could not read registry: %w", err)
	}
	return buf[0], nil
}

// write retries while the bus master reports busy, releasing it in between.
func (m *MCP23017) write(ctx context.Context, reg registry, value byte, what string) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = m.writeRegistry(ctx, reg, value)
		if err == nil {
			return nil
		}
		if !errors.Is(err, simm.ErrBusBusy) {
			return fmt.Errorf("could not write %s: %w", what, err)
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("could not write %s (retry limit reached): %w", what, err)
}

func (m *MCP23017) read(ctx context.Context, reg registry, what string) (byte, error) {
	var err error
	var res byte
	for i := m.retryLimit; i > 0; i-- {
		res, err = m.readRegistry(ctx, reg)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, simm.ErrBusBusy) {
			return res, fmt.Errorf("could not read %s: %w", what, err)
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return res, fmt.Errorf("could not read %s (retry limit reached): %w", what, err)
}

// SetDirection writes IODIR of port; set bits are inputs.
func (m *MCP23017) SetDirection(ctx context.Context, port simm.Port, inputs byte) error {
	p, err := portIndex(port)
	if err != nil {
		return err
	}
	return m.write(ctx, dirReg[p], inputs, fmt.Sprintf("direction of port %c", 'A'+p))
}

// WritePort sets the output latch of port.
func (m *MCP23017) WritePort(ctx context.Context, port simm.Port, value byte) error {
	p, err := portIndex(port)
	if err != nil {
		return err
	}
	return m.write(ctx, latchReg[p], value, fmt.Sprintf("latch of port %c", 'A'+p))
}

// ReadPort samples the pins of port.
func (m *MCP23017) ReadPort(ctx context.Context, port simm.Port) (byte, error) {
	p, err := portIndex(port)
	if err != nil {
		return 0, err
	}
	return m.read(ctx, gpioReg[p], fmt.Sprintf("port %c", 'A'+p))
}

// PullUp enables the 100k pull-ups on the set bits of port.
func (m *MCP23017) PullUp(ctx context.Context, port simm.Port, settings byte) error {
	p, err := portIndex(port)
	if err != nil {
		return err
	}
	return m.write(ctx, pullReg[p], settings, fmt.Sprintf("pull-up of port %c", 'A'+p))
}

// ReadSettings reads the IOCON registry.
func (m *MCP23017) ReadSettings(ctx context.Context) (byte, error) {
	return m.read(ctx, IOCONA, "settings")
}

// WriteSettings writes the IOCON registry. Changing the BANK bit switches
// the register map used by subsequent calls.
func (m *MCP23017) WriteSettings(ctx context.Context, settings byte) error {
	err := m.write(ctx, IOCONA, settings, "settings")
	if err != nil {
		return err
	}
	m.mx.Lock()
	m.bank = int(settings>>7) & 1
	m.mx.Unlock()
	return nil
}
