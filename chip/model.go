// Package chip emulates a single JEDEC parallel flash chip from the chip's
// side of the bus. A Model reacts to control line edges and address/data
// levels exactly like the real part would, which makes it usable as a test
// double for the flash algorithms without hardware.
package chip

import (
	"fmt"

	"github.com/mklimuk/simm/flash"
)

type State int

const (
	Reading State = iota
	Unlocking
	WaitingForCommand
	SoftwareID
	ProgrammingByte
	EraseUnlocking1
	EraseUnlocking2
	EraseWaitingForCommand
	ReadingStatus
	UnlockBypass
	BypassProgramming
	BypassExiting
)

var stateNames = map[State]string{
	Reading:                "Reading",
	Unlocking:              "Unlocking",
	WaitingForCommand:      "WaitingForCommand",
	SoftwareID:             "SoftwareID",
	ProgrammingByte:        "ProgrammingByte",
	EraseUnlocking1:        "EraseUnlocking1",
	EraseUnlocking2:        "EraseUnlocking2",
	EraseWaitingForCommand: "EraseWaitingForCommand",
	ReadingStatus:          "ReadingStatus",
	UnlockBypass:           "UnlockBypass",
	BypassProgramming:      "BypassProgramming",
	BypassExiting:          "BypassExiting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// command bytes as seen on one data lane
const (
	unlock1      = 0xAA
	unlock2      = 0x55
	softwareID   = 0x90
	reset        = 0xF0
	program      = 0xA0
	eraseSetup   = 0x80
	chipErase    = 0x10
	sectorErase  = 0x30
	bypassEnter  = 0x20
	bypassReset1 = 0x90
	bypassReset2 = 0x00
	toggleBit    = 0x40
	blank        = 0xFF
)

// Default identities reported in software ID mode.
var (
	IdentityA = flash.ChipIdentity{Manufacturer: 0xBF, Device: 0xB7}
	IdentityB = flash.ChipIdentity{Manufacturer: 0x20, Device: 0xD2}
)

type Opts struct {
	Identity flash.ChipIdentity
	// BusyReads is how many status reads toggle DQ6 after a program or erase.
	BusyReads int
	Content   []byte
}

type Opt func(*Opts)

func WithIdentity(id flash.ChipIdentity) Opt {
	return func(o *Opts) {
		o.Identity = id
	}
}

func WithBusyReads(n int) Opt {
	return func(o *Opts) {
		o.BusyReads = n
	}
}

// WithContent preloads the chip. Shorter slices leave the rest blank.
func WithContent(content []byte) Opt {
	return func(o *Opts) {
		o.Content = content
	}
}

// Model is one simulated chip. It is driven synchronously through Apply.
type Model struct {
	family    flash.Family
	id        flash.ChipIdentity
	busyReads int

	address      uint32
	data         byte
	addressLatch uint32
	dataLatch    byte
	cs, oe, we   bool

	softwareID  bool
	state       State
	resume      State
	busy        int
	toggle      byte
	eraseWindow bool
	output      byte

	content []byte
}

func New(family flash.Family, opts ...Opt) *Model {
	config := Opts{
		Identity:  IdentityA,
		BusyReads: 2,
	}
	if family == flash.FamilyB {
		config.Identity = IdentityB
	}
	for _, opt := range opts {
		opt(&config)
	}
	m := &Model{
		family:    family,
		id:        config.Identity,
		busyReads: config.BusyReads,
		content:   make([]byte, family.Capacity()),
	}
	for i := range m.content {
		m.content[i] = blank
	}
	copy(m.content, config.Content)
	return m
}

func (m *Model) State() State { return m.state }

func (m *Model) SoftwareIDActive() bool { return m.softwareID }

func (m *Model) Family() flash.Family { return m.family }

// Content exposes the backing array; callers must not keep it across Apply.
func (m *Model) Content() []byte { return m.content }

// Output returns the value driven on the data lines. The second result is
// false while the chip leaves the bus floating (CS or OE deasserted).
func (m *Model) Output() (byte, bool) {
	if m.cs && m.oe {
		return m.output, true
	}
	return 0, false
}

// Apply feeds one bus event into the chip.
func (m *Model) Apply(ev Event) {
	switch ev.Kind {
	case AddressChanged:
		m.address = ev.Value % m.family.Capacity()
	case DataChanged:
		m.data = byte(ev.Value)
	case CSChanged:
		prev := m.cs
		m.cs = ev.Asserted
		if m.we {
			m.writeEdge(prev, m.cs)
		} else if m.oe && m.cs && !prev {
			m.readCycle()
		}
	case WEChanged:
		prev := m.we
		m.we = ev.Asserted
		if m.cs {
			m.writeEdge(prev, m.we)
		}
	case OEChanged:
		prev := m.oe
		m.oe = ev.Asserted
		if m.cs && m.oe && !prev {
			m.readCycle()
		}
	}
}

// writeEdge latches the address when a write strobe is asserted and commits
// the write when it is released.
func (m *Model) writeEdge(prev, now bool) {
	switch {
	case now && !prev:
		m.addressLatch = m.address
	case !now && prev:
		m.dataLatch = m.data
		m.commit(m.addressLatch, m.dataLatch)
	}
}

func (m *Model) readCycle() {
	if m.state == ReadingStatus {
		m.eraseWindow = false
		if m.busy > 0 {
			m.busy--
			m.toggle ^= toggleBit
			m.output = m.toggle
			return
		}
		m.state = m.resume
	}
	if m.softwareID {
		switch m.address {
		case 0:
			m.output = m.id.Manufacturer
		case m.family.DeviceIDAddress():
			m.output = m.id.Device
		default:
			m.output = 0x00
		}
		return
	}
	m.output = m.content[m.address]
}

func (m *Model) commit(addr uint32, data byte) {
	keys := m.family.Keys()
	key1, key2 := keys.Addr1, keys.Addr2

	switch m.state {
	case Reading, SoftwareID:
		switch {
		case addr == key1 && data == unlock1:
			m.state = Unlocking
		case data == reset:
			m.exitSoftwareID()
		default:
			m.fallback()
		}
	case Unlocking:
		if addr == key2 && data == unlock2 {
			m.state = WaitingForCommand
			return
		}
		m.fallback()
	case WaitingForCommand:
		if addr != key1 {
			m.fallback()
			return
		}
		switch data {
		case softwareID:
			m.softwareID = true
			m.state = SoftwareID
		case reset:
			m.exitSoftwareID()
		case program:
			m.state = ProgrammingByte
		case eraseSetup:
			m.state = EraseUnlocking1
		case bypassEnter:
			if m.family.ProgramStyle() != flash.Bypass {
				m.fallback()
				return
			}
			m.state = UnlockBypass
		default:
			m.fallback()
		}
	case ProgrammingByte:
		m.content[addr] &= data
		m.startBusy(m.base())
	case EraseUnlocking1:
		if addr == key1 && data == unlock1 {
			m.state = EraseUnlocking2
			return
		}
		m.fallback()
	case EraseUnlocking2:
		if addr == key2 && data == unlock2 {
			m.state = EraseWaitingForCommand
			return
		}
		m.fallback()
	case EraseWaitingForCommand:
		switch {
		case addr == key1 && data == chipErase:
			for i := range m.content {
				m.content[i] = blank
			}
			m.startBusy(m.base())
		case data == sectorErase:
			m.eraseSector(addr)
			m.startBusy(m.base())
			m.eraseWindow = true
		default:
			m.fallback()
		}
	case ReadingStatus:
		if m.eraseWindow && data == sectorErase {
			m.eraseSector(addr)
			return
		}
		if m.busy == 0 {
			m.state = m.resume
			m.commit(addr, data)
		}
	case UnlockBypass:
		switch data {
		case program:
			m.state = BypassProgramming
		case bypassReset1:
			m.state = BypassExiting
		}
	case BypassProgramming:
		m.content[addr] &= data
		m.startBusy(UnlockBypass)
	case BypassExiting:
		if data == bypassReset2 {
			m.state = Reading
			return
		}
		m.state = UnlockBypass
	}
}

// base is the state the chip settles in when a command sequence ends.
func (m *Model) base() State {
	if m.softwareID {
		return SoftwareID
	}
	return Reading
}

func (m *Model) fallback() {
	m.state = m.base()
}

func (m *Model) exitSoftwareID() {
	m.softwareID = false
	m.state = Reading
}

func (m *Model) startBusy(resume State) {
	m.state = ReadingStatus
	m.resume = resume
	m.busy = m.busyReads
	m.eraseWindow = false
}

func (m *Model) eraseSector(addr uint32) {
	start, end := m.sectorBounds(addr)
	for i := start; i < end; i++ {
		m.content[i] = blank
	}
}

// sectorBounds returns the physical sector containing addr, honouring the
// FamilyB boot sub-sectors.
func (m *Model) sectorBounds(addr uint32) (uint32, uint32) {
	if m.family == flash.FamilyB && addr < 0x10000 {
		switch {
		case addr < 0x4000:
			return 0x0000, 0x4000
		case addr < 0x6000:
			return 0x4000, 0x6000
		case addr < 0x8000:
			return 0x6000, 0x8000
		default:
			return 0x8000, 0x10000
		}
	}
	size := m.family.SectorSize()
	start := addr - addr%size
	return start, start + size
}
