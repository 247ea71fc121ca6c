// Package i2c exposes a native Linux I2C bus (periph.io) as a simm.I2CBus,
// for running the programmer on a single board computer.
package i2c

import (
	"context"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/mklimuk/simm"
)

var _ simm.I2CBus = &GenericBus{}

type Opts struct {
	Speed  physic.Frequency
	Logger *slog.Logger
}

type Opt func(*Opts)

// WithSpeed sets the bus clock when the driver supports it.
func WithSpeed(f physic.Frequency) Opt {
	return func(o *Opts) {
		o.Speed = f
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

type GenericBus struct {
	bus i2c.BusCloser
	log *slog.Logger
}

// NewGenericBus opens dev, e.g. "/dev/i2c-1" or "1". An empty name picks the
// first bus registered by the host drivers.
func NewGenericBus(dev string, opts ...Opt) (*GenericBus, error) {
	config := Opts{Speed: 400 * physic.KiloHertz}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		config.Logger.Debug("host driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus: %w", err)
	}
	if config.Speed > 0 {
		err = bus.SetSpeed(config.Speed)
		if err != nil {
			config.Logger.Warn("could not set i2c speed", "speed", config.Speed, "error", err)
		}
	}
	return &GenericBus{
		bus: bus,
		log: config.Logger.With("bus", bus.String()),
	}, nil
}

func (b *GenericBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

// Release is a no-op: the kernel driver never leaves the bus claimed.
func (b *GenericBus) Release(ctx context.Context) error {
	return nil
}

func (b *GenericBus) Close() error {
	return b.bus.Close()
}
