package flash

import (
	"fmt"
	"strings"
)

// Family is a supported flash chip family. The family fixes sector geometry,
// unlock addresses and the shape of program cycles.
type Family int

const (
	// FamilyA is SST39SF040-like: 512 KiB, uniform 4 KiB sectors, every byte
	// program pays the full unlock.
	FamilyA Family = iota
	// FamilyB is M29F160FB-like in byte mode: 2 MiB, 64 KiB sectors with the
	// first one split into boot sub-sectors, unlock bypass programming.
	FamilyB
)

// ProgramStyle is the bus cycle pattern used to program one word.
type ProgramStyle int

const (
	FourCycle ProgramStyle = iota
	Bypass
)

// UnlockKeyPair holds the two unlock write cycles. Data values are
// replicated on all four lanes and masked per operation.
type UnlockKeyPair struct {
	Addr1 uint32
	Data1 uint32
	Addr2 uint32
	Data2 uint32
}

const (
	unlockData1 = 0xAAAAAAAA
	unlockData2 = ^uint32(unlockData1)
)

// boot sub-sector offsets of FamilyB, all inside the first 64 KiB sector
var bootSectors = []uint32{0x0000, 0x4000, 0x6000, 0x8000}

func (f Family) String() string {
	switch f {
	case FamilyA:
		return "A"
	case FamilyB:
		return "B"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// SectorSize returns the minimum erasable unit per chip in bytes.
func (f Family) SectorSize() uint32 {
	if f == FamilyB {
		return 0x10000
	}
	return 0x1000
}

// Capacity returns the size of one chip in bytes.
func (f Family) Capacity() uint32 {
	if f == FamilyB {
		return 0x200000
	}
	return 0x80000
}

// Keys returns the unlock handshake. FamilyB runs in byte mode where DQ15
// becomes address line A-1, which shifts its unlock addresses by one bit.
func (f Family) Keys() UnlockKeyPair {
	if f == FamilyB {
		return UnlockKeyPair{Addr1: 0xAAA, Data1: unlockData1, Addr2: 0x555, Data2: unlockData2}
	}
	return UnlockKeyPair{Addr1: 0x5555, Data1: unlockData1, Addr2: 0x2AAA, Data2: unlockData2}
}

func (f Family) ProgramStyle() ProgramStyle {
	if f == FamilyB {
		return Bypass
	}
	return FourCycle
}

// DeviceIDAddress is where the device ID is read in software ID mode. The
// manufacturer ID is always at address 0.
func (f Family) DeviceIDAddress() uint32 {
	if f == FamilyB {
		return 2
	}
	return 1
}

// SectorAddresses returns the address of every erasable sector in
// [address, address+length). The range must already be validated.
func (f Family) SectorAddresses(address, length uint32) []uint32 {
	var addrs []uint32
	step := f.SectorSize()
	end := address + length
	if f == FamilyB && address == 0 && length > 0 {
		addrs = append(addrs, bootSectors...)
		address = step
	}
	for ; address < end; address += step {
		addrs = append(addrs, address)
	}
	return addrs
}

// ParseFamily accepts "A"/"B" as well as the chip names the families are
// modelled after.
func ParseFamily(s string) (Family, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "SST39SF040", "2MB":
		return FamilyA, nil
	case "B", "M29F160", "M29F160FB5AN6E2", "8MB":
		return FamilyB, nil
	}
	return FamilyA, fmt.Errorf("unknown chip family %q", s)
}

// MarshalText implements encoding.TextMarshaler so families read well in YAML.
func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Family) UnmarshalText(text []byte) error {
	parsed, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
