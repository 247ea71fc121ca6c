package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/simm/cmd/simm/console"
	"github.com/mklimuk/simm/config"
)

var version string
var commit string
var date string

// cfg is the effective configuration, loaded in app.Before.
var cfg config.Config

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.NewApp()
	app.Name = "simm"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", version, date, commit)
	app.Usage = "SIMM flash programmer"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "configuration file",
			Value:   "simm.yaml",
			EnvVars: []string{"SIMM_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "port",
			Usage: "serial port (overrides config)",
		},
		&cli.IntFlag{
			Name:  "baud",
			Usage: "serial baud rate (overrides config)",
		},
		&cli.StringFlag{
			Name:  "backend",
			Usage: "chip backend: sim, mcp2221, i2c or spi (overrides config)",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stderr, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
			console.Trace = true
		}
		slog.SetDefault(slog.New(charm))
		return loadConfig(ctx)
	}
	app.Commands = cli.Commands{
		&serveCmd,
		&chipsCmd,
		&usbCmd,
		&mcp2221Cmd,
		&expanderCmd,
		&configCmd,
	}
	err := app.Run(os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		console.Error(err.Error())
		return 1
	}
	return 0
}

func loadConfig(c *cli.Context) error {
	var err error
	cfg, err = config.Load(c.String("config"))
	if err != nil {
		return console.Exit(1, "could not load configuration: %s", console.Red(err))
	}
	if c.IsSet("port") {
		cfg.Serial.Port = c.String("port")
	}
	if c.IsSet("baud") {
		cfg.Serial.Baud = c.Int("baud")
	}
	if c.IsSet("backend") {
		cfg.Backend = config.Backend(c.String("backend"))
	}
	err = cfg.Validate()
	if err != nil {
		return console.Exit(1, "%s", console.Red(err))
	}
	return nil
}
