// Package flash implements the JEDEC-style unlock, identify, erase and
// program sequences for a SIMM of four byte-interleaved parallel NOR chips.
//
// All chips share one address bus and one 32-bit data bus; chip i owns byte
// lane i. Operations restricted to a subset of chips zero the command data on
// the lanes of unselected chips so those chips never see a valid unlock
// pattern and stay in read mode.
package flash

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mklimuk/simm"
)

const (
	cmdSoftwareID    = 0x90
	cmdExit          = 0xF0
	cmdEraseSetup    = 0x80
	cmdChipErase     = 0x10
	cmdSectorErase   = 0x30
	cmdProgram       = 0xA0
	cmdBypassEnter   = 0x20
	cmdBypassReset1  = 0x90
	cmdBypassReset2  = 0x00
	statusAddress    = 0
	replicatedLanes  = 0x01010101
)

// ChipIdentity is the software ID of a single chip.
type ChipIdentity struct {
	Manufacturer byte `yaml:"manufacturer"`
	Device       byte `yaml:"device"`
}

func (id ChipIdentity) String() string {
	return fmt.Sprintf("%02X/%02X", id.Manufacturer, id.Device)
}

// DefaultMaxPolls bounds completion polling unless overridden.
const DefaultMaxPolls = 1 << 20

type Opts struct {
	Family Family
	// MaxPolls bounds toggle-bit polling. Zero polls forever.
	MaxPolls int
	Logger   *slog.Logger
}

type Opt func(*Opts)

func WithFamily(f Family) Opt {
	return func(o *Opts) {
		o.Family = f
	}
}

func WithMaxPolls(n int) Opt {
	return func(o *Opts) {
		o.MaxPolls = n
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

// Algorithm drives the chips through a ParallelBus. It is not safe for
// concurrent use; the programmer runs a single dispatch loop.
type Algorithm struct {
	bus      simm.ParallelBus
	family   Family
	maxPolls int
	log      *slog.Logger
}

func New(bus simm.ParallelBus, opts ...Opt) *Algorithm {
	config := Opts{
		Family:   FamilyA,
		MaxPolls: DefaultMaxPolls,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Algorithm{
		bus:      bus,
		family:   config.Family,
		maxPolls: config.MaxPolls,
		log:      config.Logger,
	}
}

func (a *Algorithm) SetFamily(f Family) {
	a.family = f
}

func (a *Algorithm) Family() Family {
	return a.family
}

// Read is a plain burst read; chips in read mode need no unlock.
func (a *Algorithm) Read(ctx context.Context, start uint32, words []uint32) error {
	err := a.bus.Read(ctx, start, words)
	if err != nil {
		return fmt.Errorf("read %d words at %#x: %w", len(words), start, err)
	}
	return nil
}

// Unlock issues the two-cycle unlock handshake to the chips in mask.
func (a *Algorithm) Unlock(ctx context.Context, mask simm.ChipMask) error {
	keys := a.family.Keys()
	lanes := mask.Lanes()
	err := a.bus.WriteCycle(ctx, keys.Addr1, keys.Data1&lanes)
	if err != nil {
		return fmt.Errorf("unlock cycle 1: %w", err)
	}
	err = a.bus.WriteCycle(ctx, keys.Addr2, keys.Data2&lanes)
	if err != nil {
		return fmt.Errorf("unlock cycle 2: %w", err)
	}
	return nil
}

// command unlocks the chips in mask and writes cmd at the first unlock address.
func (a *Algorithm) command(ctx context.Context, mask simm.ChipMask, cmd byte) error {
	err := a.Unlock(ctx, mask)
	if err != nil {
		return err
	}
	err = a.bus.WriteCycle(ctx, a.family.Keys().Addr1, replicate(cmd)&mask.Lanes())
	if err != nil {
		return fmt.Errorf("command %#02x: %w", cmd, err)
	}
	return nil
}

// Identify reads the software ID of all four chips. Index 0 of the result is
// the chip on the most significant lane (chip 3), index 3 is chip 0.
func (a *Algorithm) Identify(ctx context.Context) ([simm.NumChips]ChipIdentity, error) {
	var ids [simm.NumChips]ChipIdentity
	err := a.command(ctx, simm.AllChips, cmdSoftwareID)
	if err != nil {
		return ids, fmt.Errorf("enter software id: %w", err)
	}
	manufacturers, err := a.bus.ReadCycle(ctx, 0)
	if err != nil {
		return ids, fmt.Errorf("read manufacturer id: %w", err)
	}
	devices, err := a.bus.ReadCycle(ctx, a.family.DeviceIDAddress())
	if err != nil {
		return ids, fmt.Errorf("read device id: %w", err)
	}
	err = a.bus.WriteCycle(ctx, 0, replicate(cmdExit))
	if err != nil {
		return ids, fmt.Errorf("exit software id: %w", err)
	}
	for i := 0; i < simm.NumChips; i++ {
		lane := simm.NumChips - 1 - i
		ids[i] = ChipIdentity{
			Manufacturer: byte(manufacturers >> (8 * lane)),
			Device:       byte(devices >> (8 * lane)),
		}
	}
	a.log.Debug("chips identified", "family", a.family, "ids", ids)
	return ids, nil
}

// EraseAll erases the chips in mask completely.
func (a *Algorithm) EraseAll(ctx context.Context, mask simm.ChipMask) error {
	a.log.Debug("erasing chips", "mask", mask, "family", a.family)
	err := a.command(ctx, mask, cmdEraseSetup)
	if err != nil {
		return fmt.Errorf("chip erase setup: %w", err)
	}
	err = a.command(ctx, mask, cmdChipErase)
	if err != nil {
		return fmt.Errorf("chip erase: %w", err)
	}
	return a.WaitForCompletion(ctx)
}

// EraseSectors erases every sector in [address, address+length) on the chips
// in mask. It returns false without touching the bus when the range is empty,
// not sector aligned or beyond the chip capacity.
func (a *Algorithm) EraseSectors(ctx context.Context, address, length uint32, mask simm.ChipMask) (bool, error) {
	sector := a.family.SectorSize()
	if length == 0 || address%sector != 0 || length%sector != 0 {
		return false, nil
	}
	if uint64(address)+uint64(length) > uint64(a.family.Capacity()) {
		return false, nil
	}
	sectors := a.family.SectorAddresses(address, length)
	a.log.Debug("erasing sectors", "address", address, "length", length, "sectors", len(sectors), "mask", mask)
	lanes := mask.Lanes()
	erase := replicate(cmdSectorErase) & lanes

	switch a.family.ProgramStyle() {
	case Bypass:
		// one setup, then all sector addresses while the erase window is open
		err := a.command(ctx, mask, cmdEraseSetup)
		if err != nil {
			return false, fmt.Errorf("sector erase setup: %w", err)
		}
		err = a.Unlock(ctx, mask)
		if err != nil {
			return false, err
		}
		for _, addr := range sectors {
			err = a.bus.WriteCycle(ctx, addr, erase)
			if err != nil {
				return false, fmt.Errorf("erase sector %#x: %w", addr, err)
			}
		}
		err = a.WaitForCompletion(ctx)
		if err != nil {
			return false, err
		}
	default:
		for _, addr := range sectors {
			err := a.command(ctx, mask, cmdEraseSetup)
			if err != nil {
				return false, fmt.Errorf("sector erase setup: %w", err)
			}
			err = a.Unlock(ctx, mask)
			if err != nil {
				return false, err
			}
			err = a.bus.WriteCycle(ctx, addr, erase)
			if err != nil {
				return false, fmt.Errorf("erase sector %#x: %w", addr, err)
			}
			err = a.WaitForCompletion(ctx)
			if err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// WriteAll programs words starting at start on all chips.
func (a *Algorithm) WriteAll(ctx context.Context, start uint32, words []uint32) error {
	return a.program(ctx, start, words, simm.AllChips)
}

// WriteSome programs words starting at start on the chips in mask only. The
// data lanes of the other chips are still driven but those chips never leave
// read mode, so their content is left untouched.
func (a *Algorithm) WriteSome(ctx context.Context, start uint32, words []uint32, mask simm.ChipMask) error {
	return a.program(ctx, start, words, mask)
}

// Programming can only clear bits: chips store old AND new.
func (a *Algorithm) program(ctx context.Context, start uint32, words []uint32, mask simm.ChipMask) error {
	lanes := mask.Lanes()
	switch a.family.ProgramStyle() {
	case Bypass:
		err := a.command(ctx, mask, cmdBypassEnter)
		if err != nil {
			return fmt.Errorf("enter unlock bypass: %w", err)
		}
		for i, word := range words {
			addr := start + uint32(i)
			err = a.bus.WriteCycle(ctx, 0, replicate(cmdProgram)&lanes)
			if err != nil {
				return fmt.Errorf("program command at %#x: %w", addr, err)
			}
			err = a.bus.WriteCycle(ctx, addr, word)
			if err != nil {
				return fmt.Errorf("program data at %#x: %w", addr, err)
			}
			err = a.WaitForCompletion(ctx)
			if err != nil {
				return fmt.Errorf("program at %#x: %w", addr, err)
			}
		}
		err = a.bus.WriteCycle(ctx, 0, replicate(cmdBypassReset1)&lanes)
		if err != nil {
			return fmt.Errorf("exit unlock bypass: %w", err)
		}
		err = a.bus.WriteCycle(ctx, 0, replicate(cmdBypassReset2)&lanes)
		if err != nil {
			return fmt.Errorf("exit unlock bypass: %w", err)
		}
	default:
		for i, word := range words {
			addr := start + uint32(i)
			err := a.command(ctx, mask, cmdProgram)
			if err != nil {
				return fmt.Errorf("program command at %#x: %w", addr, err)
			}
			err = a.bus.WriteCycle(ctx, addr, word)
			if err != nil {
				return fmt.Errorf("program data at %#x: %w", addr, err)
			}
			err = a.WaitForCompletion(ctx)
			if err != nil {
				return fmt.Errorf("program at %#x: %w", addr, err)
			}
		}
	}
	return nil
}

// WaitForCompletion polls the status address until two consecutive reads are
// identical, i.e. no chip toggles DQ6 anymore.
func (a *Algorithm) WaitForCompletion(ctx context.Context) error {
	prev, err := a.bus.ReadCycle(ctx, statusAddress)
	if err != nil {
		return fmt.Errorf("status read: %w", err)
	}
	for polls := 1; ; polls++ {
		cur, err := a.bus.ReadCycle(ctx, statusAddress)
		if err != nil {
			return fmt.Errorf("status read: %w", err)
		}
		if cur == prev {
			return nil
		}
		if a.maxPolls > 0 && polls >= a.maxPolls {
			return fmt.Errorf("after %d polls (status %#08x): %w", polls, cur, simm.ErrCompletionTimeout)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		prev = cur
	}
}

func replicate(b byte) uint32 {
	return uint32(b) * replicatedLanes
}
