package simm

import (
	"context"
	"errors"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

// ErrCompletionTimeout is returned when toggle-bit polling never observes two
// identical status reads within the configured poll limit.
var ErrCompletionTimeout = errors.New("flash operation did not complete")

var ErrUnaligned = errors.New("address or length not aligned")
var ErrOutOfRange = errors.New("address range exceeds chip capacity")

// NumChips is the number of flash chips sharing the parallel bus. Chip i
// drives byte lane i (bits 8i..8i+7) of every bus word.
const NumChips = 4

// ParallelBus is the shared address/data bus of the SIMM. Every cycle
// addresses all chips at once; each chip sees its own byte lane of data.
type ParallelBus interface {
	WriteCycle(ctx context.Context, address uint32, data uint32) error
	ReadCycle(ctx context.Context, address uint32) (uint32, error)
	// Read performs len(words) consecutive read cycles starting at start.
	Read(ctx context.Context, start uint32, words []uint32) error
}

// HostTransport is the byte link to the host computer.
type HostTransport interface {
	// ReadByte blocks until a byte arrives or ctx is done.
	ReadByte(ctx context.Context) (byte, error)
	// Buffered returns the number of bytes that can be read without blocking.
	Buffered() int
	Write(p []byte) (int, error)
	Flush() error
}

// ChipMask selects chips participating in an operation, bit i for chip i.
type ChipMask byte

const AllChips ChipMask = 0b1111

func (m ChipMask) Valid() bool { return m <= AllChips }

func (m ChipMask) Has(chip int) bool { return m&(1<<chip) != 0 }

// Lanes expands the mask into a bus word with 0xFF on every selected lane.
func (m ChipMask) Lanes() uint32 {
	var lanes uint32
	for i := 0; i < NumChips; i++ {
		if m.Has(i) {
			lanes |= 0xFF << (8 * i)
		}
	}
	return lanes
}

// Reverse mirrors the low nibble so chip 0 lands in bit 3. Verification
// failure masks go out on the wire in this order; no other mask does.
func (m ChipMask) Reverse() ChipMask {
	var r ChipMask
	for i := 0; i < NumChips; i++ {
		if m.Has(i) {
			r |= 1 << (NumChips - 1 - i)
		}
	}
	return r
}

func (m ChipMask) String() string {
	return fmt.Sprintf("%04b", byte(m))
}

type BusReader interface {
	Read(ctx context.Context, buffer []byte) error
}

type BusWriter interface {
	Write(ctx context.Context, buffer []byte) error
}

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// Port identifies one 8-bit port of a port expander.
type Port int

const (
	PortA Port = iota
	PortB
)

// PortExpander is a 16-bit GPIO expander used to drive the parallel bus pins.
type PortExpander interface {
	// SetDirection configures port pins; a set bit makes the pin an input.
	SetDirection(ctx context.Context, port Port, inputs byte) error
	WritePort(ctx context.Context, port Port, value byte) error
	ReadPort(ctx context.Context, port Port) (byte, error)
}
