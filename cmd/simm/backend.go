package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gobot.io/x/gobot/v2/drivers/spi"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"

	"github.com/mklimuk/simm"
	"github.com/mklimuk/simm/adapter"
	"github.com/mklimuk/simm/bus"
	"github.com/mklimuk/simm/chip"
	"github.com/mklimuk/simm/config"
	"github.com/mklimuk/simm/expander"
	"github.com/mklimuk/simm/i2c"
	"github.com/mklimuk/simm/protocol"
)

// hardware is the chip side of the programmer built from the configuration.
type hardware struct {
	bus       simm.ParallelBus
	sim       *chip.Bus
	tester    protocol.ElectricalTester
	expanders []simm.PortExpander
	closers   []func() error
}

func (h *hardware) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i]())
	}
	return errors.Join(errs...)
}

func (h *hardware) addresses() []byte {
	e := cfg.Expanders
	return []byte{e.AddressLow, e.AddressHigh, e.DataLow, e.DataHigh}
}

func openHardware(ctx context.Context) (*hardware, error) {
	h := &hardware{}
	switch cfg.Backend {
	case config.BackendSim:
		slog.Info("using simulated chips", "family", cfg.Family)
		h.sim = chip.NewSIMM(cfg.Family)
		h.bus = h.sim
		return h, nil
	case config.BackendMCP2221:
		bridge := adapter.NewMCP2221()
		h.closers = append(h.closers, bridge.Close)
		err := bridge.SetSpeed(ctx, 400_000)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("could not configure i2c bridge: %w", err)
		}
		h.i2cExpanders(bridge)
	case config.BackendI2C:
		b, err := i2c.NewGenericBus(cfg.I2CDevice)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, b.Close)
		h.i2cExpanders(b)
	case config.BackendSPI:
		adaptor := nanopi.NewNeoAdaptor()
		err := adaptor.Connect()
		if err != nil {
			return nil, fmt.Errorf("could not connect board adaptor: %w", err)
		}
		h.closers = append(h.closers, adaptor.Finalize)
		sb := expander.NewSPIBus(adaptor, "mcp23s17", spi.WithBusNumber(cfg.SPIBus))
		err = sb.Start()
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		h.closers = append(h.closers, sb.Halt)
		err = sb.EnableAddressing(ctx)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("could not enable expander addressing: %w", err)
		}
		for _, a := range h.addresses() {
			h.expanders = append(h.expanders, expander.NewMCP23S17(sb, a))
		}
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, cfg.Backend)
	}
	e := bus.NewExpander(h.expanders[0], h.expanders[1], h.expanders[2], h.expanders[3])
	err := e.Init(ctx)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	h.bus = e
	tester, err := bus.NewShortTester(e)
	if err != nil {
		slog.Warn("electrical test unavailable", "error", err)
	} else {
		h.tester = tester
	}
	slog.Info("expander bus ready", "backend", cfg.Backend)
	return h, nil
}

func (h *hardware) i2cExpanders(b simm.I2CBus) {
	for _, a := range h.addresses() {
		h.expanders = append(h.expanders, expander.NewMCP23017(b, a))
	}
}
