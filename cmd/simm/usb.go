package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/karalabe/hid"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/simm/adapter"
	"github.com/mklimuk/simm/cmd/simm/console"
	"github.com/mklimuk/simm/transport"
)

var usbCmd = cli.Command{
	Name:  "usb",
	Usage: "list USB devices and serial ports",
	Subcommands: cli.Commands{
		&usbLsCmd,
		&usbDetectCmd,
		&usbSerialCmd,
	},
}

var usbLsCmd = cli.Command{
	Name:  "ls",
	Usage: "list HID devices",
	Action: func(c *cli.Context) error {
		devices := hid.Enumerate(0, 0)

		w := tabwriter.NewWriter(os.Stdout, 24, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "PATH\tSERIAL\tVENDOR\tPRODUCT ID\tMANUFACTURER\tPRODUCT\n")
		for _, dev := range devices {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%#x\t%#x\t%s\t%s\n",
				dev.Path, dev.Serial, dev.VendorID, dev.ProductID, dev.Manufacturer, dev.Product)
		}
		_ = w.Flush()
		return nil
	},
}

var usbDetectCmd = cli.Command{
	Name:  "detect",
	Usage: "find known I2C bridges",
	Action: func(c *cli.Context) error {
		predefined := map[string][]uint16{
			"MCP2221": {adapter.VendorID, adapter.ProductID},
		}
		devices := hid.Enumerate(0, 0)

		w := tabwriter.NewWriter(os.Stdout, 24, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "VENDOR\tPRODUCT\tDEVICE\n")
		for _, dev := range devices {
			for descName, codes := range predefined {
				if codes[0] == dev.VendorID && codes[1] == dev.ProductID {
					_, _ = fmt.Fprintf(w, "%#x\t%#x\t%s\n", dev.VendorID, dev.ProductID, descName)
				}
			}
		}
		_ = w.Flush()
		return nil
	},
}

var usbSerialCmd = cli.Command{
	Name:  "serial",
	Usage: "list serial ports the programmer may be attached to",
	Action: func(c *cli.Context) error {
		ports, err := transport.ListPorts()
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		w := tabwriter.NewWriter(os.Stdout, 16, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "NAME\tVID\tPID\tSERIAL\tPRODUCT\n")
		for _, p := range ports {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		}
		_ = w.Flush()
		return nil
	},
}
