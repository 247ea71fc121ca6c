package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/simm"
	"github.com/mklimuk/simm/bus"
	"github.com/mklimuk/simm/cmd/simm/console"
	"github.com/mklimuk/simm/config"
)

var expanderNames = []string{"address-low", "address-high", "data-low", "data-high"}

var expanderCmd = cli.Command{
	Name:  "expander",
	Usage: "inspect the port expanders driving the socket",
	Subcommands: cli.Commands{
		&expanderReadCmd,
		&expanderStatusCmd,
		&expanderConfigureCmd,
		&expanderPullCmd,
	},
}

type settingsExpander interface {
	ReadSettings(ctx context.Context) (byte, error)
	WriteSettings(ctx context.Context, settings byte) error
}

// withExpander opens the configured backend and hands the expander named by
// the first argument to f.
func withExpander(c *cli.Context, args int, f func(ctx context.Context, exp simm.PortExpander) error) error {
	if c.NArg() != args {
		return console.Exit(1, "expected %d arguments, got %d", args, c.NArg())
	}
	if cfg.Backend == config.BackendSim {
		return console.Exit(1, "backend %q has no expanders", cfg.Backend)
	}
	index := -1
	for i, n := range expanderNames {
		if n == c.Args().Get(0) {
			index = i
		}
	}
	if index < 0 {
		return console.Exit(1, "unknown expander %q, expected one of %v", c.Args().Get(0), expanderNames)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hw, err := openHardware(ctx)
	if err != nil {
		return console.Exit(1, "could not open backend: %s", console.Red(err))
	}
	defer func() { _ = hw.Close() }()
	err = f(ctx, hw.expanders[index])
	if err != nil {
		return console.Exit(1, "%s", console.Red(err))
	}
	return nil
}

func parseByte(s string) (byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 1 {
		return 0, fmt.Errorf("expected one hex byte, got %q", s)
	}
	return b[0], nil
}

func parsePort(s string) (simm.Port, error) {
	switch s {
	case "A", "a":
		return simm.PortA, nil
	case "B", "b":
		return simm.PortB, nil
	}
	return 0, fmt.Errorf("unknown port %q", s)
}

var expanderReadCmd = cli.Command{
	Name:      "read",
	Usage:     "read both ports",
	ArgsUsage: "<expander>",
	Action: func(c *cli.Context) error {
		return withExpander(c, 1, func(ctx context.Context, exp simm.PortExpander) error {
			for _, port := range []simm.Port{simm.PortA, simm.PortB} {
				v, err := exp.ReadPort(ctx, port)
				if err != nil {
					return fmt.Errorf("could not read port %d: %w", port, err)
				}
				console.Printf("I/O %c: %s\n", 'A'+rune(port), console.White(fmt.Sprintf("%#02x", v)))
			}
			return nil
		})
	},
}

var expanderStatusCmd = cli.Command{
	Name:      "status",
	Usage:     "read the IOCON register",
	ArgsUsage: "<expander>",
	Action: func(c *cli.Context) error {
		return withExpander(c, 1, func(ctx context.Context, exp simm.PortExpander) error {
			s, ok := exp.(settingsExpander)
			if !ok {
				return fmt.Errorf("expander does not expose its settings")
			}
			v, err := s.ReadSettings(ctx)
			if err != nil {
				return err
			}
			console.Printf("IOCON content: %s\n", console.White(fmt.Sprintf("%#02x", v)))
			return nil
		})
	},
}

var expanderConfigureCmd = cli.Command{
	Name:      "configure",
	Usage:     "write the IOCON register",
	ArgsUsage: "<expander> <hex>",
	Action: func(c *cli.Context) error {
		return withExpander(c, 2, func(ctx context.Context, exp simm.PortExpander) error {
			v, err := parseByte(c.Args().Get(1))
			if err != nil {
				return err
			}
			s, ok := exp.(settingsExpander)
			if !ok {
				return fmt.Errorf("expander does not expose its settings")
			}
			err = s.WriteSettings(ctx, v)
			if err != nil {
				return err
			}
			console.Printf("wrote IOCON content: %#02x\n", v)
			return nil
		})
	},
}

var expanderPullCmd = cli.Command{
	Name:      "pull",
	Usage:     "configure pull-up resistors of a port",
	ArgsUsage: "<expander> <A|B> <hex>",
	Action: func(c *cli.Context) error {
		return withExpander(c, 3, func(ctx context.Context, exp simm.PortExpander) error {
			port, err := parsePort(c.Args().Get(1))
			if err != nil {
				return err
			}
			v, err := parseByte(c.Args().Get(2))
			if err != nil {
				return err
			}
			p, ok := exp.(bus.PullUpExpander)
			if !ok {
				return bus.ErrNoPullUp
			}
			err = p.PullUp(ctx, port, v)
			if err != nil {
				return err
			}
			console.Printf("wrote GPPU content: %#02x\n", v)
			return nil
		})
	},
}
