package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/simm/cmd/simm/console"
)

var configCmd = cli.Command{
	Name:  "config",
	Usage: "configuration helpers",
	Subcommands: cli.Commands{
		&configDumpCmd,
	},
}

var configDumpCmd = cli.Command{
	Name:  "dump",
	Usage: "print the effective configuration",
	Action: func(c *cli.Context) error {
		err := cfg.Encode(os.Stdout)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		return nil
	},
}
