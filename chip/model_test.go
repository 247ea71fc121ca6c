package chip

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/simm/flash"
)

func write(m *Model, addr uint32, data byte) {
	for _, ev := range WriteCycle(addr, data) {
		m.Apply(ev)
	}
}

func read(m *Model, addr uint32) byte {
	m.Apply(Address(addr))
	m.Apply(CS(true))
	m.Apply(OE(true))
	v, _ := m.Output()
	m.Apply(OE(false))
	m.Apply(CS(false))
	return v
}

func unlock(m *Model) {
	keys := m.family.Keys()
	write(m, keys.Addr1, unlock1)
	write(m, keys.Addr2, unlock2)
}

func cmd(m *Model, c byte) {
	unlock(m)
	write(m, m.family.Keys().Addr1, c)
}

func settle(m *Model) {
	for m.State() == ReadingStatus {
		read(m, 0)
	}
}

func TestModel_SoftwareID(t *testing.T) {
	for _, family := range []flash.Family{flash.FamilyA, flash.FamilyB} {
		t.Run(family.String(), func(t *testing.T) {
			id := flash.ChipIdentity{Manufacturer: 0x12, Device: 0x34}
			m := New(family, WithIdentity(id), WithContent([]byte{0xAB, 0xCD, 0xEF}))
			cmd(m, softwareID)
			assert.Equal(t, SoftwareID, m.State())
			assert.True(t, m.SoftwareIDActive())
			assert.Equal(t, byte(0x12), read(m, 0))
			assert.Equal(t, byte(0x34), read(m, family.DeviceIDAddress()))

			// a stray write does not leave software ID mode
			write(m, 0x1234, 0x77)
			assert.Equal(t, SoftwareID, m.State())

			write(m, 0, reset)
			assert.Equal(t, Reading, m.State())
			assert.False(t, m.SoftwareIDActive())
			assert.Equal(t, byte(0xAB), read(m, 0))
			assert.Equal(t, byte(0xCD), read(m, 1))
		})
	}
}

func TestModel_ProgramIsAnd(t *testing.T) {
	m := New(flash.FamilyA, WithContent([]byte{0xFF, 0xF0}))
	cmd(m, program)
	require.Equal(t, ProgrammingByte, m.State())
	write(m, 1, 0x3C)
	assert.Equal(t, ReadingStatus, m.State())
	settle(m)
	assert.Equal(t, byte(0x30), read(m, 1))

	// a second program of the same value is a no-op
	cmd(m, program)
	write(m, 1, 0x3C)
	settle(m)
	assert.Equal(t, byte(0x30), read(m, 1))
	assert.Equal(t, byte(0xFF), read(m, 0))
}

func TestModel_StatusToggle(t *testing.T) {
	m := New(flash.FamilyA, WithBusyReads(4))
	cmd(m, program)
	write(m, 0, 0x00)
	prev := read(m, 0)
	toggles := 0
	for i := 0; i < 10; i++ {
		cur := read(m, 0)
		if cur == prev {
			break
		}
		toggles++
		prev = cur
	}
	assert.Equal(t, Reading, m.State())
	assert.GreaterOrEqual(t, toggles, 3)
	assert.Equal(t, byte(0x00), read(m, 0))
}

func TestModel_TriState(t *testing.T) {
	m := New(flash.FamilyA, WithContent([]byte{0x42}))
	m.Apply(Address(0))
	_, driven := m.Output()
	assert.False(t, driven)
	m.Apply(OE(true))
	_, driven = m.Output()
	assert.False(t, driven, "OE without CS must not drive the bus")
	m.Apply(CS(true))
	v, driven := m.Output()
	assert.True(t, driven)
	assert.Equal(t, byte(0x42), v)
	m.Apply(CS(false))
	_, driven = m.Output()
	assert.False(t, driven)
}

func TestModel_WriteLatchesOnStrobeEdges(t *testing.T) {
	m := New(flash.FamilyA)
	keys := m.family.Keys()
	// address changes after WE falls must be ignored, data is taken on the rise
	m.Apply(Address(keys.Addr1))
	m.Apply(Data(0x00))
	m.Apply(CS(true))
	m.Apply(WE(true))
	m.Apply(Address(0x1234))
	m.Apply(Data(unlock1))
	m.Apply(WE(false))
	m.Apply(CS(false))
	assert.Equal(t, Unlocking, m.State())

	// CS-controlled write: WE held, CS strobes
	m = New(flash.FamilyA)
	m.Apply(WE(true))
	m.Apply(Address(keys.Addr1))
	m.Apply(Data(unlock1))
	m.Apply(CS(true))
	m.Apply(CS(false))
	m.Apply(Address(keys.Addr2))
	m.Apply(Data(unlock2))
	m.Apply(CS(true))
	m.Apply(CS(false))
	m.Apply(WE(false))
	assert.Equal(t, WaitingForCommand, m.State())
}

func TestModel_ChipErase(t *testing.T) {
	m := New(flash.FamilyA, WithContent([]byte{0x00, 0x11, 0x22}))
	cmd(m, eraseSetup)
	assert.Equal(t, EraseUnlocking1, m.State())
	cmd(m, chipErase)
	settle(m)
	for i := uint32(0); i < 3; i++ {
		assert.Equal(t, byte(0xFF), read(m, i))
	}
}

func TestModel_SectorErase(t *testing.T) {
	content := make([]byte, 0x20000)
	m := New(flash.FamilyA, WithContent(content))
	cmd(m, eraseSetup)
	unlock(m)
	write(m, 0x3000, sectorErase)
	settle(m)
	assert.Equal(t, byte(0x00), read(m, 0x2FFF))
	assert.Equal(t, byte(0xFF), read(m, 0x3000))
	assert.Equal(t, byte(0xFF), read(m, 0x3FFF))
	assert.Equal(t, byte(0x00), read(m, 0x4000))
}

func TestModel_BootSectorsFamilyB(t *testing.T) {
	content := make([]byte, 0x30000)
	m := New(flash.FamilyB, WithContent(content))
	cmd(m, eraseSetup)
	unlock(m)
	// the erase window accepts further sector addresses until status is read
	write(m, 0x4000, sectorErase)
	write(m, 0x8000, sectorErase)
	write(m, 0x20000, sectorErase)
	settle(m)
	expect := map[uint32]byte{
		0x0000: 0x00, 0x3FFF: 0x00,
		0x4000: 0xFF, 0x5FFF: 0xFF,
		0x6000: 0x00, 0x7FFF: 0x00,
		0x8000: 0xFF, 0xFFFF: 0xFF,
		0x10000: 0x00, 0x1FFFF: 0x00,
		0x20000: 0xFF, 0x2FFFF: 0xFF,
	}
	for addr, v := range expect {
		assert.Equal(t, v, read(m, addr), "address %#x", addr)
	}
	// once polled, the window is closed
	write(m, 0x10000, sectorErase)
	assert.Equal(t, byte(0x00), read(m, 0x10000))
}

func TestModel_Bypass(t *testing.T) {
	m := New(flash.FamilyB, WithBusyReads(1))
	cmd(m, bypassEnter)
	require.Equal(t, UnlockBypass, m.State())
	for i, v := range []byte{0x01, 0x02, 0x03} {
		write(m, 0, program)
		assert.Equal(t, BypassProgramming, m.State())
		write(m, uint32(i), v)
		settle(m)
		assert.Equal(t, UnlockBypass, m.State())
	}
	write(m, 0, bypassReset1)
	write(m, 0, bypassReset2)
	assert.Equal(t, Reading, m.State())
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0xFF}, m.Content()[:4])

	// FamilyA has no bypass mode
	a := New(flash.FamilyA)
	cmd(a, bypassEnter)
	assert.Equal(t, Reading, a.State())
}

func TestModel_UnlockRejection(t *testing.T) {
	armed := map[State]bool{
		WaitingForCommand:      true,
		ProgrammingByte:        true,
		EraseUnlocking1:        true,
		EraseUnlocking2:        true,
		EraseWaitingForCommand: true,
		ReadingStatus:          true,
		UnlockBypass:           true,
		BypassProgramming:      true,
		BypassExiting:          true,
	}
	for _, family := range []flash.Family{flash.FamilyA, flash.FamilyB} {
		t.Run(family.String(), func(t *testing.T) {
			keys := family.Keys()
			rnd := rand.New(rand.NewSource(0x5113))
			interesting := []uint32{keys.Addr1, keys.Addr2, 0, 1, 2}
			values := []byte{unlock1, unlock2, softwareID, program, eraseSetup, sectorErase, chipErase, bypassEnter, reset, 0x00}
			m := New(family)
			var prevAddr uint32
			var prevData byte
			for i := 0; i < 20000; i++ {
				var addr uint32
				var data byte
				if rnd.Intn(2) == 0 {
					addr = interesting[rnd.Intn(len(interesting))]
					data = values[rnd.Intn(len(values))]
				} else {
					addr = uint32(rnd.Intn(int(family.Capacity())))
					data = byte(rnd.Intn(256))
				}
				// never complete the real handshake
				if prevAddr == keys.Addr1 && prevData == unlock1 && addr == keys.Addr2 && data == unlock2 {
					continue
				}
				write(m, addr, data)
				require.False(t, armed[m.State()], "write %#x=%#02x after %#x=%#02x armed %s", addr, data, prevAddr, prevData, m.State())
				prevAddr, prevData = addr, data
			}
			for i, v := range m.Content() {
				if v != 0xFF {
					t.Fatalf("content changed at %#x: %#02x", i, v)
				}
			}
		})
	}
}
