package main

import (
	"context"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/simm/adapter"
	"github.com/mklimuk/simm/cmd/simm/console"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "inspect the USB I2C bridge",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "trace", Usage: "dump HID reports"},
		&cli.IntFlag{Name: "index", Usage: "bridge index when several are attached"},
	},
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221GPIOCmd,
	},
}

func bridge(c *cli.Context) (*adapter.MCP2221, context.Context, context.CancelFunc) {
	a := adapter.NewMCP2221(adapter.WithTrace(c.Bool("trace")), adapter.WithIndex(c.Int("index")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	return a, ctx, func() {
		cancel()
		_ = a.Close()
	}
}

func dump(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	err := enc.Encode(v)
	if err != nil {
		return console.Exit(1, "encoding error: %s", console.Red(err))
	}
	return nil
}

var mcp2221StatusCmd = cli.Command{
	Name: "status",
	Action: func(c *cli.Context) error {
		a, ctx, done := bridge(c)
		defer done()
		status, err := a.Status(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return dump(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel a stuck I2C transfer",
	Action: func(c *cli.Context) error {
		a, ctx, done := bridge(c)
		defer done()
		status, err := a.ReleaseBus(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return dump(status)
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name:  "gpio",
	Usage: "show bridge GPIO configuration and levels",
	Action: func(c *cli.Context) error {
		a, ctx, done := bridge(c)
		defer done()
		params, err := a.GetGPIOParameters(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		values, err := a.ReadGPIO(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return dump(map[string]any{"parameters": params, "values": values})
	},
}
