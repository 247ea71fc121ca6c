package flash_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/simm"
	"github.com/mklimuk/simm/chip"
	"github.com/mklimuk/simm/flash"
)

var families = []flash.Family{flash.FamilyA, flash.FamilyB}

// MockBus is a testify-backed ParallelBus used to inject failures.
type MockBus struct {
	mock.Mock
}

func (m *MockBus) WriteCycle(ctx context.Context, address uint32, data uint32) error {
	args := m.Called(ctx, address, data)
	return args.Error(0)
}

func (m *MockBus) ReadCycle(ctx context.Context, address uint32) (uint32, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockBus) Read(ctx context.Context, start uint32, words []uint32) error {
	args := m.Called(ctx, start, words)
	return args.Error(0)
}

func randomWords(rnd *rand.Rand, n int) []uint32 {
	words := make([]uint32, n)
	for i := range words {
		words[i] = rnd.Uint32()
	}
	return words
}

func readBack(t *testing.T, a *flash.Algorithm, start uint32, n int) []uint32 {
	t.Helper()
	words := make([]uint32, n)
	require.NoError(t, a.Read(context.Background(), start, words))
	return words
}

func TestAlgorithm_FamilyAccessors(t *testing.T) {
	a := flash.New(chip.NewSIMM(flash.FamilyA))
	assert.Equal(t, flash.FamilyA, a.Family())
	a.SetFamily(flash.FamilyB)
	assert.Equal(t, flash.FamilyB, a.Family())
	b := flash.New(chip.NewSIMM(flash.FamilyB), flash.WithFamily(flash.FamilyB))
	assert.Equal(t, flash.FamilyB, b.Family())
}

func TestAlgorithm_Identify(t *testing.T) {
	for _, family := range families {
		t.Run(family.String(), func(t *testing.T) {
			var chips [simm.NumChips]*chip.Model
			for i := range chips {
				chips[i] = chip.New(family, chip.WithIdentity(flash.ChipIdentity{Manufacturer: 0xC0 + byte(i), Device: 0xD0 + byte(i)}))
			}
			bus := chip.NewBus(chips)
			a := flash.New(bus, flash.WithFamily(family))
			ids, err := a.Identify(context.Background())
			require.NoError(t, err)
			// most significant lane first
			assert.Equal(t, [simm.NumChips]flash.ChipIdentity{
				{Manufacturer: 0xC3, Device: 0xD3},
				{Manufacturer: 0xC2, Device: 0xD2},
				{Manufacturer: 0xC1, Device: 0xD1},
				{Manufacturer: 0xC0, Device: 0xD0},
			}, ids)
			for i := range chips {
				assert.Equal(t, chip.Reading, bus.Chip(i).State(), "chip %d left in id mode", i)
			}
		})
	}
}

func TestAlgorithm_IdentifyDefaultFamilyA(t *testing.T) {
	a := flash.New(chip.NewSIMM(flash.FamilyA))
	ids, err := a.Identify(context.Background())
	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, chip.IdentityA, id)
	}
	assert.Equal(t, "BF/B7", ids[0].String())
}

func TestAlgorithm_EraseAllThenRead(t *testing.T) {
	bus := chip.NewSIMM(flash.FamilyA)
	for i := 0; i < simm.NumChips; i++ {
		copy(bus.Chip(i).Content(), []byte{0x00, 0x12, 0x34})
	}
	a := flash.New(bus)
	ctx := context.Background()
	require.NoError(t, a.EraseAll(ctx, simm.AllChips))
	assert.Equal(t, []uint32{0xFFFFFFFF}, readBack(t, a, 0, 1))

	// erasing an erased chip changes nothing
	require.NoError(t, a.EraseAll(ctx, simm.AllChips))
	assert.Equal(t, []uint32{0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF}, readBack(t, a, 0, 3))
}

func TestAlgorithm_EraseAllMasked(t *testing.T) {
	bus := chip.NewSIMM(flash.FamilyB)
	for i := 0; i < simm.NumChips; i++ {
		bus.Chip(i).Content()[0] = 0x00
	}
	a := flash.New(bus, flash.WithFamily(flash.FamilyB))
	require.NoError(t, a.EraseAll(context.Background(), 0b0110))
	assert.Equal(t, []uint32{0x00FFFF00}, readBack(t, a, 0, 1))
}

func TestAlgorithm_RoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, family := range families {
		t.Run(family.String(), func(t *testing.T) {
			a := flash.New(chip.NewSIMM(family), flash.WithFamily(family))
			ctx := context.Background()
			data := randomWords(rnd, 256)
			require.NoError(t, a.WriteAll(ctx, 0x100, data))
			assert.Equal(t, data, readBack(t, a, 0x100, 256))

			// programming again ANDs with what is stored
			second := randomWords(rnd, 256)
			require.NoError(t, a.WriteAll(ctx, 0x100, second))
			got := readBack(t, a, 0x100, 256)
			for i := range got {
				assert.Equal(t, data[i]&second[i], got[i])
			}
		})
	}
}

func TestAlgorithm_WriteSomeLeavesOtherChips(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	for _, family := range families {
		for mask := simm.ChipMask(0); mask <= simm.AllChips; mask++ {
			t.Run(family.String()+"/"+mask.String(), func(t *testing.T) {
				bus := chip.NewSIMM(family)
				a := flash.New(bus, flash.WithFamily(family))
				ctx := context.Background()
				before := randomWords(rnd, 64)
				require.NoError(t, a.WriteAll(ctx, 0, before))
				data := randomWords(rnd, 64)
				require.NoError(t, a.WriteSome(ctx, 0, data, mask))
				got := readBack(t, a, 0, 64)
				lanes := mask.Lanes()
				for i := range got {
					want := before[i]&^lanes | before[i]&data[i]&lanes
					require.Equal(t, want, got[i], "word %d mask %s", i, mask)
				}
				for i := 0; i < simm.NumChips; i++ {
					assert.Equal(t, chip.Reading, bus.Chip(i).State())
				}
			})
		}
	}
}

func TestAlgorithm_EraseSectorsRejectsUnaligned(t *testing.T) {
	tests := []struct {
		name    string
		family  flash.Family
		address uint32
		length  uint32
	}{
		{"A address", flash.FamilyA, 0x800, 0x1000},
		{"A length", flash.FamilyA, 0x1000, 0x1800},
		{"A empty", flash.FamilyA, 0x1000, 0},
		{"A capacity", flash.FamilyA, 0x7F000, 0x2000},
		{"B address", flash.FamilyB, 0x4000, 0x10000},
		{"B length", flash.FamilyB, 0, 0x8000},
		{"B capacity", flash.FamilyB, 0x1F0000, 0x20000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := chip.NewSIMM(tt.family, chip.WithTrace())
			a := flash.New(bus, flash.WithFamily(tt.family))
			ok, err := a.EraseSectors(context.Background(), tt.address, tt.length, simm.AllChips)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Empty(t, bus.Cycles())
		})
	}
}

func fill(bus *chip.Bus, n int, v byte) {
	for i := 0; i < simm.NumChips; i++ {
		content := bus.Chip(i).Content()
		for j := 0; j < n; j++ {
			content[j] = v
		}
	}
}

func TestAlgorithm_EraseSectorsFamilyA(t *testing.T) {
	bus := chip.NewSIMM(flash.FamilyA, chip.WithTrace())
	fill(bus, 0x5000, 0x00)
	a := flash.New(bus)
	ok, err := a.EraseSectors(context.Background(), 0x1000, 0x3000, simm.AllChips)
	require.NoError(t, err)
	assert.True(t, ok)

	var sectorWrites []uint32
	unlocks := 0
	for _, c := range bus.Cycles() {
		if !c.Write {
			continue
		}
		if c.Data == 0x30303030 {
			sectorWrites = append(sectorWrites, c.Address)
		}
		if c.Address == flash.FamilyA.Keys().Addr1 && c.Data == 0xAAAAAAAA {
			unlocks++
		}
	}
	assert.Equal(t, []uint32{0x1000, 0x2000, 0x3000}, sectorWrites)
	// every sector pays two unlocks
	assert.Equal(t, 6, unlocks)
	assert.Equal(t, []uint32{0, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF, 0}, []uint32{
		readBack(t, a, 0x0FFF, 1)[0],
		readBack(t, a, 0x1000, 1)[0],
		readBack(t, a, 0x2800, 1)[0],
		readBack(t, a, 0x3FFF, 1)[0],
		readBack(t, a, 0x4000, 1)[0],
	})
}

func TestAlgorithm_EraseSectorsFamilyBBootRegion(t *testing.T) {
	bus := chip.NewSIMM(flash.FamilyB, chip.WithTrace())
	fill(bus, 0x20000, 0x00)
	a := flash.New(bus, flash.WithFamily(flash.FamilyB))
	ok, err := a.EraseSectors(context.Background(), 0, 0x10000, simm.AllChips)
	require.NoError(t, err)
	assert.True(t, ok)

	var sectorWrites []uint32
	for _, c := range bus.Cycles() {
		if c.Write && c.Data == 0x30303030 {
			sectorWrites = append(sectorWrites, c.Address)
		}
	}
	assert.Equal(t, []uint32{0, 0x4000, 0x6000, 0x8000}, sectorWrites)
	for _, addr := range []uint32{0, 0x4000, 0x6000, 0x8000, 0xFFFF} {
		assert.Equal(t, uint32(0xFFFFFFFF), readBack(t, a, addr, 1)[0], "address %#x", addr)
	}
	assert.Equal(t, uint32(0), readBack(t, a, 0x10000, 1)[0])
}

func TestAlgorithm_EraseSectorsFamilyBBatch(t *testing.T) {
	bus := chip.NewSIMM(flash.FamilyB, chip.WithTrace())
	fill(bus, 0x50000, 0x00)
	a := flash.New(bus, flash.WithFamily(flash.FamilyB))
	ok, err := a.EraseSectors(context.Background(), 0x20000, 0x20000, 0b0001)
	require.NoError(t, err)
	assert.True(t, ok)

	var sectorWrites []uint32
	unlocks := 0
	for _, c := range bus.Cycles() {
		if !c.Write {
			continue
		}
		if c.Data == 0x00000030 {
			sectorWrites = append(sectorWrites, c.Address)
		}
		if c.Address == flash.FamilyB.Keys().Addr1 && c.Data == 0x000000AA {
			unlocks++
		}
	}
	assert.Equal(t, []uint32{0x20000, 0x30000}, sectorWrites)
	assert.Equal(t, 2, unlocks, "batch erase unlocks only once per setup")
	assert.Equal(t, uint32(0x000000FF), readBack(t, a, 0x20000, 1)[0])
	assert.Equal(t, uint32(0x000000FF), readBack(t, a, 0x3FFFF, 1)[0])
	assert.Equal(t, uint32(0), readBack(t, a, 0x40000, 1)[0])
}

func TestAlgorithm_BypassCycleShape(t *testing.T) {
	bus := chip.NewSIMM(flash.FamilyB, chip.WithTrace())
	a := flash.New(bus, flash.WithFamily(flash.FamilyB))
	require.NoError(t, a.WriteAll(context.Background(), 0x40, []uint32{0x01020304, 0x05060708}))
	var writes []chip.Cycle
	for _, c := range bus.Cycles() {
		if c.Write {
			writes = append(writes, c)
		}
	}
	keys := flash.FamilyB.Keys()
	assert.Equal(t, []chip.Cycle{
		{Write: true, Address: keys.Addr1, Data: 0xAAAAAAAA},
		{Write: true, Address: keys.Addr2, Data: 0x55555555},
		{Write: true, Address: keys.Addr1, Data: 0x20202020},
		{Write: true, Address: 0, Data: 0xA0A0A0A0},
		{Write: true, Address: 0x40, Data: 0x01020304},
		{Write: true, Address: 0, Data: 0xA0A0A0A0},
		{Write: true, Address: 0x41, Data: 0x05060708},
		{Write: true, Address: 0, Data: 0x90909090},
		{Write: true, Address: 0, Data: 0x00000000},
	}, writes)
	assert.Equal(t, []uint32{0x01020304, 0x05060708}, readBack(t, a, 0x40, 2))
}

func TestAlgorithm_FourCycleShape(t *testing.T) {
	bus := chip.NewSIMM(flash.FamilyA, chip.WithTrace())
	a := flash.New(bus)
	require.NoError(t, a.WriteSome(context.Background(), 7, []uint32{0x11223344}, 0b1001))
	var writes []chip.Cycle
	for _, c := range bus.Cycles() {
		if c.Write {
			writes = append(writes, c)
		}
	}
	keys := flash.FamilyA.Keys()
	assert.Equal(t, []chip.Cycle{
		{Write: true, Address: keys.Addr1, Data: 0xAA0000AA},
		{Write: true, Address: keys.Addr2, Data: 0x55000055},
		{Write: true, Address: keys.Addr1, Data: 0xA00000A0},
		{Write: true, Address: 7, Data: 0x11223344},
	}, writes)
	assert.Equal(t, []uint32{0x11FFFF44}, readBack(t, a, 7, 1))
}

func TestAlgorithm_WaitForCompletionBounded(t *testing.T) {
	a := flash.New(chip.NewSIMM(flash.FamilyA, chip.WithStuck()), flash.WithMaxPolls(16))
	err := a.WaitForCompletion(context.Background())
	assert.ErrorIs(t, err, simm.ErrCompletionTimeout)

	err = a.WriteAll(context.Background(), 0, []uint32{0})
	assert.ErrorIs(t, err, simm.ErrCompletionTimeout)
}

func TestAlgorithm_WaitForCompletionUnboundedHonoursContext(t *testing.T) {
	a := flash.New(chip.NewSIMM(flash.FamilyA, chip.WithStuck()), flash.WithMaxPolls(0))
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	err := a.WaitForCompletion(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAlgorithm_BusErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	busErr := errors.New("expander nack")

	bus := &MockBus{}
	bus.On("WriteCycle", ctx, uint32(0x5555), uint32(0xAAAAAAAA)).Return(busErr).Once()
	a := flash.New(bus)
	err := a.EraseAll(ctx, simm.AllChips)
	assert.ErrorIs(t, err, busErr)
	bus.AssertExpectations(t)

	bus = &MockBus{}
	bus.On("Read", ctx, uint32(4), mock.Anything).Return(busErr).Once()
	a = flash.New(bus)
	err = a.Read(ctx, 4, make([]uint32, 2))
	assert.ErrorIs(t, err, busErr)

	bus = &MockBus{}
	bus.On("WriteCycle", ctx, mock.Anything, mock.Anything).Return(nil)
	bus.On("ReadCycle", ctx, uint32(0)).Return(uint32(0), busErr).Once()
	a = flash.New(bus)
	_, err = a.Identify(ctx)
	assert.ErrorIs(t, err, busErr)
	bus.AssertExpectations(t)
}
