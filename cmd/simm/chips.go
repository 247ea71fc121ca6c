package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/simm"
	"github.com/mklimuk/simm/bus"
	"github.com/mklimuk/simm/client"
	"github.com/mklimuk/simm/cmd/simm/console"
	"github.com/mklimuk/simm/transport"
)

var localFlag = &cli.BoolFlag{
	Name:  "local",
	Usage: "run the programmer in-process on the configured backend instead of over serial",
}

var maskFlag = &cli.UintFlag{
	Name:  "mask",
	Usage: "chips to operate on, bit i for chip i",
	Value: uint(simm.AllChips),
}

var chipsCmd = cli.Command{
	Name:  "chips",
	Usage: "host side operations on the SIMM",
	Subcommands: cli.Commands{
		&chipsIdentifyCmd,
		&chipsReadCmd,
		&chipsWriteCmd,
		&chipsEraseCmd,
		&chipsTestCmd,
	},
}

// session is a connected and configured programmer client.
type session struct {
	*client.Client
	ctx   context.Context
	close func()
}

func connect(c *cli.Context) (*session, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	s := &session{ctx: ctx, close: stop}
	progress := client.WithProgress(func(p client.Progress) {
		console.Progressf("%s %d/%d KiB", p.Op, p.Done, p.Total)
		if p.Done == p.Total {
			console.Print("")
		}
	})
	if c.Bool("local") {
		hw, err := openHardware(ctx)
		if err != nil {
			stop()
			return nil, err
		}
		dev, host := transport.NewPipe()
		eng := newEngine(dev, hw, nil)
		engCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			err := eng.Run(engCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("local programmer stopped", "error", err)
			}
		}()
		s.Client = client.New(host, progress)
		s.close = func() {
			cancel()
			<-done
			_ = hw.Close()
			stop()
		}
	} else {
		port, err := transport.OpenSerial(cfg.Serial.Port, transport.WithBaudRate(cfg.Serial.Baud))
		if err != nil {
			stop()
			return nil, err
		}
		s.Client = client.New(port, progress)
		s.close = func() {
			_ = port.Close()
			stop()
		}
	}
	err := s.setup(c)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) setup(c *cli.Context) error {
	err := s.Ping(s.ctx)
	if err != nil {
		return fmt.Errorf("programmer not responding: %w", err)
	}
	err = s.SetFamily(s.ctx, cfg.Family)
	if err != nil {
		return err
	}
	err = s.SetVerify(s.ctx, cfg.Verify)
	if err != nil {
		return err
	}
	mask := simm.AllChips
	if c.IsSet("mask") {
		mask = simm.ChipMask(c.Uint("mask"))
	}
	if !mask.Valid() {
		return fmt.Errorf("invalid chip mask %#x", c.Uint("mask"))
	}
	return s.SetChipMask(s.ctx, mask)
}

func capacity() uint32 {
	return cfg.Family.Capacity() * simm.NumChips
}

var chipsIdentifyCmd = cli.Command{
	Name:  "identify",
	Usage: "print manufacturer and device id of every chip",
	Flags: []cli.Flag{localFlag},
	Action: func(c *cli.Context) error {
		s, err := connect(c)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer s.close()
		ids, err := s.Identify(s.ctx)
		if err != nil {
			return console.Exit(1, "identify failed: %s", console.Red(err))
		}
		for i, id := range ids {
			console.Printf("chip %s: %s\n", console.White(i), console.Green(id))
		}
		return nil
	},
}

var chipsReadCmd = cli.Command{
	Name:      "read",
	Usage:     "dump the SIMM to a file",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		localFlag,
		&cli.UintFlag{Name: "offset", Usage: "start offset, chunk aligned"},
		&cli.UintFlag{Name: "length", Usage: "number of bytes (default: whole SIMM)"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected 1 argument, got %d", c.NArg())
		}
		s, err := connect(c)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer s.close()
		offset := uint32(c.Uint("offset"))
		length := uint32(c.Uint("length"))
		if length == 0 {
			length = capacity() - offset
		}
		data, err := s.Read(s.ctx, offset, length)
		if err != nil {
			return console.Exit(1, "read failed: %s", console.Red(err))
		}
		err = os.WriteFile(c.Args().Get(0), data, 0o644)
		if err != nil {
			return console.Exit(1, "could not save dump: %s", console.Red(err))
		}
		console.PInfof(console.PictoFinish, "read %d bytes into %s", len(data), c.Args().Get(0))
		return nil
	},
}

var chipsWriteCmd = cli.Command{
	Name:      "write",
	Usage:     "program a file into the SIMM",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		localFlag,
		maskFlag,
		&cli.UintFlag{Name: "offset", Usage: "start offset, chunk aligned"},
		&cli.BoolFlag{Name: "erase", Usage: "erase the whole SIMM first"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected 1 argument, got %d", c.NArg())
		}
		data, err := os.ReadFile(c.Args().Get(0))
		if err != nil {
			return console.Exit(1, "could not read image: %s", console.Red(err))
		}
		offset := uint32(c.Uint("offset"))
		if uint64(offset)+uint64(len(data)) > uint64(capacity()) {
			return console.Exit(1, "image of %d bytes does not fit at %#x", len(data), offset)
		}
		s, err := connect(c)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer s.close()
		if c.Bool("erase") {
			console.Info("erasing chips")
			err = s.EraseAll(s.ctx)
			if err != nil {
				return console.Exit(1, "erase failed: %s", console.Red(err))
			}
		}
		err = s.Write(s.ctx, offset, data)
		var verr *client.VerifyError
		if errors.As(err, &verr) {
			return console.Exit(2, "%s verification failed at %#x on chips %s", console.PictoStop, verr.Offset, console.Red(verr.Chips))
		}
		if err != nil {
			return console.Exit(1, "write failed: %s", console.Red(err))
		}
		console.PInfof(console.PictoFinish, "wrote %d bytes at %#x", len(data), offset)
		return nil
	},
}

var chipsEraseCmd = cli.Command{
	Name:  "erase",
	Usage: "erase the whole SIMM or a portion of it",
	Flags: []cli.Flag{
		localFlag,
		maskFlag,
		&cli.UintFlag{Name: "offset", Usage: "start offset, 256 KiB aligned"},
		&cli.UintFlag{Name: "length", Usage: "number of bytes, 256 KiB aligned (default: whole SIMM)"},
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		if !c.Bool("yes") {
			ok, err := console.Confirm("erase chips " + simm.ChipMask(c.Uint("mask")).String() + "?")
			if err != nil {
				return console.Exit(1, "%s", console.Red(err))
			}
			if !ok {
				console.Warn("aborted")
				return nil
			}
		}
		s, err := connect(c)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer s.close()
		if c.IsSet("offset") || c.IsSet("length") {
			length := uint32(c.Uint("length"))
			if length == 0 {
				length = capacity() - uint32(c.Uint("offset"))
			}
			err = s.ErasePortion(s.ctx, uint32(c.Uint("offset")), length)
		} else {
			err = s.EraseAll(s.ctx)
		}
		if err != nil {
			return console.Exit(1, "erase failed: %s", console.Red(err))
		}
		console.PInfof(console.PictoFinish, "erased")
		return nil
	},
}

var chipsTestCmd = cli.Command{
	Name:  "test",
	Usage: "look for shorted socket pins",
	Flags: []cli.Flag{localFlag},
	Action: func(c *cli.Context) error {
		s, err := connect(c)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer s.close()
		shorts, err := s.ElectricalTest(s.ctx)
		if err != nil {
			return console.Exit(1, "electrical test failed: %s", console.Red(err))
		}
		for _, sh := range shorts {
			if sh.B == bus.GroundPin {
				console.PInfof(console.PictoPin, "pin %d shorted to ground", sh.A)
				continue
			}
			console.PInfof(console.PictoPin, "pins %d and %d shorted", sh.A, sh.B)
		}
		if len(shorts) > 0 {
			return console.Exit(2, "%d shorts found", len(shorts))
		}
		console.PInfof(console.PictoFinish, "no shorts found")
		return nil
	},
}
