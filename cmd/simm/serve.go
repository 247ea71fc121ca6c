package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/simm"
	"github.com/mklimuk/simm/chip"
	"github.com/mklimuk/simm/cmd/simm/console"
	"github.com/mklimuk/simm/flash"
	"github.com/mklimuk/simm/protocol"
	"github.com/mklimuk/simm/transport"
)

var serveCmd = cli.Command{
	Name:  "serve",
	Usage: "run the programmer on the configured serial port",
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		hw, err := openHardware(ctx)
		if err != nil {
			return console.Exit(1, "could not open chips: %s", console.Red(err))
		}
		defer func() { _ = hw.Close() }()

		port, err := transport.OpenSerial(cfg.Serial.Port, transport.WithBaudRate(cfg.Serial.Baud))
		if err != nil {
			return console.Exit(1, "could not open host link: %s", console.Red(err))
		}
		defer func() { _ = port.Close() }()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		eng := newEngine(port, hw, bootloaderFunc(func(context.Context) error {
			slog.Warn("bootloader requested, leaving programmer mode")
			cancel()
			return nil
		}))
		console.PInfof(console.PictoChip, "serving %s on %s", cfg.Family, cfg.Serial.Port)
		err = eng.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			return console.Exit(1, "programmer stopped: %s", console.Red(err))
		}
		console.PInfof(console.PictoFinish, "programmer stopped")
		return nil
	},
}

// simFlash keeps the simulated chips in step with the family the host selects.
// Switching family swaps in blank chips of that family.
type simFlash struct {
	*flash.Algorithm
	sim *chip.Bus
}

func (s *simFlash) SetFamily(f flash.Family) {
	if s.sim.SetFamily(f) {
		slog.Warn("simulated chips replaced with blank ones", "family", f)
	}
	s.Algorithm.SetFamily(f)
}

type bootloaderFunc func(ctx context.Context) error

func (f bootloaderFunc) Enter(ctx context.Context) error { return f(ctx) }

func newEngine(t simm.HostTransport, hw *hardware, boot protocol.Bootloader) *protocol.Engine {
	algo := flash.New(hw.bus, flash.WithFamily(cfg.Family), flash.WithMaxPolls(cfg.MaxPolls))
	var f protocol.Flash = algo
	if hw.sim != nil {
		f = &simFlash{Algorithm: algo, sim: hw.sim}
	}
	opts := []protocol.Opt{protocol.WithVerify(cfg.Verify)}
	if hw.tester != nil {
		opts = append(opts, protocol.WithElectricalTester(hw.tester))
	}
	if boot != nil {
		opts = append(opts, protocol.WithBootloader(boot))
	}
	return protocol.New(t, f, opts...)
}
