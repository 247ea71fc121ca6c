package expander

import (
	"context"
	"fmt"
	"sync"

	"gobot.io/x/gobot/v2/drivers/spi"

	"github.com/mklimuk/simm"
)

const (
	spiOpcode   = 0x40
	spiRead     = 0x01
	ioconHAEN   = 0x08
	spiMaxSpeed = 10_000_000
)

// spiConn is the subset of the gobot SPI connection the expanders use.
type spiConn interface {
	ReadCommandData(command []byte, data []byte) error
	WriteBytes(data []byte) error
}

// SPIBus is one gobot SPI driver shared by up to eight MCP23S17 sitting on
// the same chip select and told apart by their hardware address pins.
type SPIBus struct {
	*spi.Driver
	mx   sync.Mutex
	conn spiConn
}

// NewSPIBus binds a driver to a gobot SPI adaptor. Options are the regular
// gobot SPI options (bus number, chip number, speed).
func NewSPIBus(adaptor spi.Connector, name string, opts ...func(spi.Config)) *SPIBus {
	d := spi.NewDriver(adaptor, name, opts...)
	// MCP23S17 supports mode 0,0 up to 10 MHz
	d.SetMode(0)
	if d.GetSpeedOrDefault(0) == 0 {
		d.SetSpeed(spiMaxSpeed)
	}
	return &SPIBus{Driver: d}
}

func (b *SPIBus) Start() error {
	err := b.Driver.Start()
	if err != nil {
		return fmt.Errorf("spi driver start error: %w", err)
	}
	conn, ok := b.Driver.Connection().(spiConn)
	if !ok {
		return fmt.Errorf("spi connection does not support required operations")
	}
	b.mx.Lock()
	b.conn = conn
	b.mx.Unlock()
	return nil
}

// EnableAddressing sets IOCON.HAEN on every expander of the bus. Until then
// all of them answer to hardware address 0.
func (b *SPIBus) EnableAddressing(ctx context.Context) error {
	return b.write(ctx, 0, BankAddr[0][IOCONA], ioconHAEN)
}

func (b *SPIBus) write(ctx context.Context, hw byte, reg byte, value byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.conn == nil {
		return fmt.Errorf("spi driver not started")
	}
	return b.conn.WriteBytes([]byte{spiOpcode | hw<<1, reg, value})
}

func (b *SPIBus) read(ctx context.Context, hw byte, reg byte) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.conn == nil {
		return 0, fmt.Errorf("spi driver not started")
	}
	data := make([]byte, 1)
	err := b.conn.ReadCommandData([]byte{spiOpcode | hw<<1 | spiRead, reg}, data)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// MCP23S17 is the SPI variant of the MCP23017. It keeps the register map of
// IOCON.BANK=0 set up by EnableAddressing.
type MCP23S17 struct {
	bus     *SPIBus
	address byte
}

var _ simm.PortExpander = &MCP23S17{}

// NewMCP23S17 addresses the expander whose A2..A0 pins encode address&0x07.
// Both 0x20-style and raw 0-7 addresses are accepted.
func NewMCP23S17(bus *SPIBus, address byte) *MCP23S17 {
	return &MCP23S17{bus: bus, address: address & 0x07}
}

func (m *MCP23S17) SetDirection(ctx context.Context, port simm.Port, inputs byte) error {
	p, err := portIndex(port)
	if err != nil {
		return err
	}
	err = m.bus.write(ctx, m.address, BankAddr[0][dirReg[p]], inputs)
	if err != nil {
		return fmt.Errorf("could not write direction of port %c on %d: %w", 'A'+p, m.address, err)
	}
	return nil
}

func (m *MCP23S17) WritePort(ctx context.Context, port simm.Port, value byte) error {
	p, err := portIndex(port)
	if err != nil {
		return err
	}
	err = m.bus.write(ctx, m.address, BankAddr[0][latchReg[p]], value)
	if err != nil {
		return fmt.Errorf("could not write latch of port %c on %d: %w", 'A'+p, m.address, err)
	}
	return nil
}

func (m *MCP23S17) ReadPort(ctx context.Context, port simm.Port) (byte, error) {
	p, err := portIndex(port)
	if err != nil {
		return 0, err
	}
	v, err := m.bus.read(ctx, m.address, BankAddr[0][gpioReg[p]])
	if err != nil {
		return 0, fmt.Errorf("could not read port %c on %d: %w", 'A'+p, m.address, err)
	}
	return v, nil
}

func (m *MCP23S17) PullUp(ctx context.Context, port simm.Port, settings byte) error {
	p, err := portIndex(port)
	if err != nil {
		return err
	}
	return m.bus.write(ctx, m.address, BankAddr[0][pullReg[p]], settings)
}
