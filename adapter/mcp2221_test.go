package adapter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/simm"
)

// fakeHID answers every report with the next queued response. Missing
// responses echo the command with a success status.
type fakeHID struct {
	requests  [][]byte
	responses [][]byte
	closed    int
	readErr   error
}

func (f *fakeHID) Write(b []byte) (int, error) {
	f.requests = append(f.requests, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakeHID) Read(b []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	resp := make([]byte, reportSize)
	if len(f.responses) > 0 {
		copy(resp, f.responses[0])
		f.responses = f.responses[1:]
	}
	resp[0] = f.requests[len(f.requests)-1][0]
	return copy(b, resp), nil
}

func (f *fakeHID) Close() error {
	f.closed++
	return nil
}

func newTestBridge(dev *fakeHID) (*MCP2221, *int) {
	opened := 0
	d := NewMCP2221(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	d.open = func(index int) (device, error) {
		opened++
		return dev, nil
	}
	return d, &opened
}

func TestMCP2221_WriteToAddr(t *testing.T) {
	dev := &fakeHID{}
	d, opened := newTestBridge(dev)
	ctx := context.Background()
	require.NoError(t, d.WriteToAddr(ctx, 0x20, []byte{0x12, 0xAB}))
	require.NoError(t, d.WriteToAddr(ctx, 0x21, []byte{0x00}))
	assert.Equal(t, 1, *opened, "handle is kept open")

	req := dev.requests[0]
	assert.Len(t, req, reportSize)
	assert.Equal(t, []byte{cmdWriteData, 2, 0, 0x40, 0x12, 0xAB}, req[:6])
}

func TestMCP2221_Busy(t *testing.T) {
	dev := &fakeHID{responses: [][]byte{{0, 0x01}}}
	d, _ := newTestBridge(dev)
	err := d.WriteToAddr(context.Background(), 0x20, []byte{0})
	assert.ErrorIs(t, err, simm.ErrBusBusy)
}

func TestMCP2221_ReadFromAddr(t *testing.T) {
	dev := &fakeHID{responses: [][]byte{
		{0, 0x00},
		{0, 0x00, 0x00, 2, 0xCA, 0xFE},
	}}
	d, _ := newTestBridge(dev)
	buf := make([]byte, 2)
	require.NoError(t, d.ReadFromAddr(context.Background(), 0x22, buf))
	assert.Equal(t, []byte{0xCA, 0xFE}, buf)
	require.Len(t, dev.requests, 2)
	assert.Equal(t, []byte{cmdReadData, 2, 0, 0x45}, dev.requests[0][:4])
	assert.Equal(t, byte(cmdGetReadData), dev.requests[1][0])
}

func TestMCP2221_ReadSizeMismatch(t *testing.T) {
	dev := &fakeHID{responses: [][]byte{
		{0, 0x00},
		{0, 0x00, 0x00, 1, 0xCA},
	}}
	d, _ := newTestBridge(dev)
	assert.Error(t, d.ReadFromAddr(context.Background(), 0x22, make([]byte, 2)))
}

func TestMCP2221_FailedTransferReopens(t *testing.T) {
	dev := &fakeHID{readErr: errors.New("usb gone")}
	d, opened := newTestBridge(dev)
	ctx := context.Background()
	assert.Error(t, d.WriteToAddr(ctx, 0x20, []byte{0}))
	assert.Equal(t, 1, dev.closed)

	dev.readErr = nil
	require.NoError(t, d.WriteToAddr(ctx, 0x20, []byte{0}))
	assert.Equal(t, 2, *opened)
}

func TestMCP2221_SetSpeed(t *testing.T) {
	dev := &fakeHID{responses: [][]byte{{0, 0, 0, statusSetSpeed}}}
	d, _ := newTestBridge(dev)
	require.NoError(t, d.SetSpeed(context.Background(), 400_000))
	assert.Equal(t, byte(27), dev.requests[0][4])

	assert.Error(t, d.SetSpeed(context.Background(), 1_000_000))
	dev.responses = [][]byte{{0, 0, 0, 0x21}}
	assert.ErrorIs(t, d.SetSpeed(context.Background(), 100_000), simm.ErrBusBusy)
}

func TestMCP2221_Status(t *testing.T) {
	resp := make([]byte, reportSize)
	resp[9], resp[10] = 0x10, 0x00
	resp[11] = 0x08
	resp[14] = 27
	resp[16], resp[17] = 0x40, 0x00
	dev := &fakeHID{responses: [][]byte{resp}}
	d, _ := newTestBridge(dev)
	status, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(16), status.LastWriteRequestedSize)
	assert.Equal(t, uint16(8), status.LastWriteSentSize)
	assert.Equal(t, 27, status.I2CSpeedDivider)
	assert.Equal(t, "4000", status.CurrentAddress)
}

func TestMCP2221_ReadGPIO(t *testing.T) {
	dev := &fakeHID{responses: [][]byte{{0, 0, 1, 0x01, 0, 0x00, 0, 0xEF, 1, 0x01}}}
	d, _ := newTestBridge(dev)
	values, err := d.ReadGPIO(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(1), values.GPIO0Value)
	assert.Equal(t, GPIOModeIn, values.GPIO0Mode)
	assert.Equal(t, GPIOModeOut, values.GPIO1Mode)
	assert.Equal(t, GPIOModeNoOperation, values.GPIO2Mode)
	assert.Equal(t, byte(1), values.GPIO3Value)
}

func TestMCP2221_NotFound(t *testing.T) {
	d := NewMCP2221()
	d.open = func(int) (device, error) { return nil, ErrNotFound }
	assert.ErrorIs(t, d.WriteToAddr(context.Background(), 0x20, nil), ErrNotFound)
}
