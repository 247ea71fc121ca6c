package expander

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/simm"
)

// MockI2CBus is a mock implementation of simm.I2CBus using testify/mock
type MockI2CBus struct {
	mock.Mock
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok {
		copy(buffer, data)
	}
	return args.Error(1)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestMCP23017_SetDirection(t *testing.T) {
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(0x20), []byte{0x00, 0xFF}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(0x20), []byte{0x01, 0x0F}).Return(nil).Once()
	exp := NewMCP23017(bus, 0x20)
	ctx := context.Background()
	require.NoError(t, exp.SetDirection(ctx, simm.PortA, 0xFF))
	require.NoError(t, exp.SetDirection(ctx, simm.PortB, 0x0F))
	bus.AssertExpectations(t)
}

func TestMCP23017_WriteAndReadPort(t *testing.T) {
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(0x21), []byte{0x15, 0xA5}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(0x21), []byte{0x12}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(0x21), mock.Anything).Return([]byte{0x3C}, nil).Once()
	exp := NewMCP23017(bus, 0x21)
	ctx := context.Background()
	require.NoError(t, exp.WritePort(ctx, simm.PortB, 0xA5))
	v, err := exp.ReadPort(ctx, simm.PortA)
	require.NoError(t, err)
	assert.Equal(t, byte(0x3C), v)
	bus.AssertExpectations(t)
}

func TestMCP23017_RetriesWhenBusy(t *testing.T) {
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(0x20), []byte{0x14, 0x01}).Return(simm.ErrBusBusy).Twice()
	bus.On("WriteToAddr", mock.Anything, byte(0x20), []byte{0x14, 0x01}).Return(nil).Once()
	bus.On("Release", mock.Anything).Return(nil).Twice()
	exp := NewMCP23017(bus, 0x20)
	require.NoError(t, exp.WritePort(context.Background(), simm.PortA, 0x01))
	bus.AssertExpectations(t)
}

func TestMCP23017_RetryLimit(t *testing.T) {
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(0x20), mock.Anything).Return(simm.ErrBusBusy)
	bus.On("Release", mock.Anything).Return(nil)
	exp := NewMCP23017(bus, 0x20, WithRetryLimit(2))
	err := exp.SetDirection(context.Background(), simm.PortA, 0)
	assert.ErrorIs(t, err, simm.ErrBusBusy)
	bus.AssertNumberOfCalls(t, "WriteToAddr", 2)
}

func TestMCP23017_OtherErrorsAreNotRetried(t *testing.T) {
	bus := &MockI2CBus{}
	boom := errors.New("nack")
	bus.On("WriteToAddr", mock.Anything, byte(0x20), mock.Anything).Return(boom)
	exp := NewMCP23017(bus, 0x20)
	_, err := exp.ReadPort(context.Background(), simm.PortB)
	assert.ErrorIs(t, err, boom)
	bus.AssertNumberOfCalls(t, "WriteToAddr", 1)
	bus.AssertNotCalled(t, "Release", mock.Anything)
}

func TestMCP23017_BankSwitch(t *testing.T) {
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", mock.Anything, byte(0x20), []byte{0x0A, 0x80}).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(0x20), []byte{0x10, 0x00}).Return(nil).Once()
	exp := NewMCP23017(bus, 0x20)
	ctx := context.Background()
	require.NoError(t, exp.WriteSettings(ctx, 0x80))
	require.NoError(t, exp.SetDirection(ctx, simm.PortB, 0x00))
	bus.AssertExpectations(t)
}

func TestMCP23017_UnknownPort(t *testing.T) {
	exp := NewMCP23017(&MockI2CBus{}, 0x20)
	assert.Error(t, exp.WritePort(context.Background(), simm.Port(2), 0))
}

type fakeSPI struct {
	writes [][]byte
	cmds   [][]byte
	value  byte
}

func (f *fakeSPI) ReadCommandData(command []byte, data []byte) error {
	f.cmds = append(f.cmds, append([]byte(nil), command...))
	data[0] = f.value
	return nil
}

func (f *fakeSPI) WriteBytes(data []byte) error {
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func TestMCP23S17(t *testing.T) {
	conn := &fakeSPI{value: 0x5A}
	bus := &SPIBus{conn: conn}
	ctx := context.Background()
	require.NoError(t, bus.EnableAddressing(ctx))

	exp := NewMCP23S17(bus, 0x23)
	require.NoError(t, exp.SetDirection(ctx, simm.PortA, 0xFF))
	require.NoError(t, exp.WritePort(ctx, simm.PortB, 0x12))
	v, err := exp.ReadPort(ctx, simm.PortB)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5A), v)

	assert.Equal(t, [][]byte{
		{0x40, 0x0A, 0x08},
		{0x46, 0x00, 0xFF},
		{0x46, 0x15, 0x12},
	}, conn.writes)
	assert.Equal(t, [][]byte{{0x47, 0x13}}, conn.cmds)
}

func TestMCP23S17_NotStarted(t *testing.T) {
	exp := NewMCP23S17(&SPIBus{}, 0)
	assert.Error(t, exp.WritePort(context.Background(), simm.PortA, 0))
}
