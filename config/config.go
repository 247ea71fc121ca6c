// Package config loads the programmer settings file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/simm/flash"
	"github.com/mklimuk/simm/transport"
)

type Backend string

const (
	// BackendSim drives four in-memory chip models.
	BackendSim     Backend = "sim"
	BackendMCP2221 Backend = "mcp2221"
	BackendI2C     Backend = "i2c"
	BackendSPI     Backend = "spi"
)

var ErrInvalid = errors.New("invalid configuration")

type Serial struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// Expanders holds the bus addresses of the four port expanders forming the
// parallel bus. On SPI they are the hardware address pins of MCP23S17 chips
// sharing one chip select.
type Expanders struct {
	AddressLow  byte `yaml:"address_low"`
	AddressHigh byte `yaml:"address_high"`
	DataLow     byte `yaml:"data_low"`
	DataHigh    byte `yaml:"data_high"`
}

type Config struct {
	Serial    Serial       `yaml:"serial"`
	Backend   Backend      `yaml:"backend"`
	Expanders Expanders    `yaml:"expanders"`
	I2CDevice string       `yaml:"i2c_device"`
	SPIBus    int          `yaml:"spi_bus"`
	Family    flash.Family `yaml:"family"`
	Verify    bool         `yaml:"verify"`
	MaxPolls  int          `yaml:"max_polls"`
}

func Default() Config {
	return Config{
		Serial: Serial{
			Port: "/dev/ttyGS0",
			Baud: transport.DefaultBaudRate,
		},
		Backend: BackendSim,
		Expanders: Expanders{
			AddressLow:  0x20,
			AddressHigh: 0x21,
			DataLow:     0x22,
			DataHigh:    0x23,
		},
		I2CDevice: "",
		SPIBus:    0,
		Family:    flash.FamilyA,
		Verify:    true,
		MaxPolls:  flash.DefaultMaxPolls,
	}
}

// Load reads path on top of the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("could not open config file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	err := yaml.NewDecoder(r).Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("could not decode config: %w", err)
	}
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	err := enc.Encode(c)
	if err != nil {
		return fmt.Errorf("could not encode config: %w", err)
	}
	return enc.Close()
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendSim, BackendMCP2221, BackendI2C, BackendSPI:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("%w: baud rate must be positive, got %d", ErrInvalid, c.Serial.Baud)
	}
	if c.MaxPolls < 0 {
		return fmt.Errorf("%w: max_polls must not be negative", ErrInvalid)
	}
	e := c.Expanders
	addrs := []byte{e.AddressLow, e.AddressHigh, e.DataLow, e.DataHigh}
	seen := map[byte]bool{}
	for _, a := range addrs {
		if a > 0x7F {
			return fmt.Errorf("%w: expander address %#x out of 7-bit range", ErrInvalid, a)
		}
		if c.Backend == BackendSPI && (a < 0x20 || a > 0x27) {
			return fmt.Errorf("%w: SPI expander address %#x outside 0x20-0x27", ErrInvalid, a)
		}
		if seen[a] {
			return fmt.Errorf("%w: duplicate expander address %#x", ErrInvalid, a)
		}
		seen[a] = true
	}
	return nil
}
