// Package client drives the programmer from the host side of the link.
//
// All offsets and lengths are in combined SIMM bytes, in wire order: every
// 4-byte group is one bus word with chip 3 first.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/simm"
	"github.com/mklimuk/simm/flash"
	"github.com/mklimuk/simm/protocol"
)

// ReplyError is an unexpected answer from the programmer.
type ReplyError struct {
	Op    string
	Reply byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: programmer replied %d", e.Op, e.Reply)
}

// VerifyError reports chips whose content differs after writing the chunk at
// Offset. Chips is in normal chip order, bit i for chip i.
type VerifyError struct {
	Offset uint32
	Chips  simm.ChipMask
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verification failed at %#x on chips %s", e.Offset, e.Chips)
}

// Progress is passed to the progress callback after every chunk.
type Progress struct {
	Op    string
	Done  int
	Total int
}

type Opts struct {
	Logger     *slog.Logger
	Progress   func(Progress)
	CancelWait time.Duration
}

type Opt func(*Opts)

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

func WithProgress(f func(Progress)) Opt {
	return func(o *Opts) {
		o.Progress = f
	}
}

// WithCancelWait bounds the exchange that aborts a transfer after its
// context was cancelled.
func WithCancelWait(d time.Duration) Opt {
	return func(o *Opts) {
		o.CancelWait = d
	}
}

type Client struct {
	t      simm.HostTransport
	log    *slog.Logger
	config Opts
}

func New(t simm.HostTransport, opts ...Opt) *Client {
	config := Opts{CancelWait: time.Second}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{t: t, log: config.Logger, config: config}
}

// Short is one pair reported by the electrical test. B is bus.GroundPin for a
// pin shorted to ground.
type Short struct {
	A, B byte
}

// Ping returns the programmer to its idle state.
func (c *Client) Ping(ctx context.Context) error {
	return c.command(ctx, protocol.CmdEnterWaitingMode)
}

func (c *Client) Identify(ctx context.Context) ([simm.NumChips]flash.ChipIdentity, error) {
	var ids [simm.NumChips]flash.ChipIdentity
	err := c.command(ctx, protocol.CmdIdentifyChips)
	if err != nil {
		return ids, err
	}
	raw := make([]byte, 2*simm.NumChips)
	err = c.receive(ctx, raw)
	if err != nil {
		return ids, err
	}
	for i := range ids {
		ids[i] = flash.ChipIdentity{Manufacturer: raw[2*i], Device: raw[2*i+1]}
	}
	err = c.expect(ctx, "identify", protocol.IdentifyDone)
	return ids, err
}

func (c *Client) ElectricalTest(ctx context.Context) ([]Short, error) {
	err := c.command(ctx, protocol.CmdDoElectricalTest)
	if err != nil {
		return nil, err
	}
	var shorts []Short
	for {
		b, err := c.t.ReadByte(ctx)
		if err != nil {
			return shorts, fmt.Errorf("electrical test: %w", err)
		}
		switch b {
		case protocol.ElectricalTestDone:
			return shorts, nil
		case protocol.ElectricalTestFail:
			pair := make([]byte, 2)
			err = c.receive(ctx, pair)
			if err != nil {
				return shorts, err
			}
			shorts = append(shorts, Short{pair[0], pair[1]})
		default:
			return shorts, &ReplyError{"electrical test", b}
		}
	}
}

func (c *Client) EraseAll(ctx context.Context) error {
	return c.command(ctx, protocol.CmdEraseChips)
}

// ErasePortion erases length bytes at offset. Both must be multiples of
// protocol.EraseGranularity.
func (c *Client) ErasePortion(ctx context.Context, offset, length uint32) error {
	if offset%protocol.EraseGranularity != 0 || length%protocol.EraseGranularity != 0 {
		return fmt.Errorf("erase %#x+%#x: %w", offset, length, simm.ErrUnaligned)
	}
	err := c.command(ctx, protocol.CmdErasePortion)
	if err != nil {
		return err
	}
	err = c.send(binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(nil, offset), length)...)
	if err != nil {
		return err
	}
	err = c.expect(ctx, "erase portion", protocol.ErasePortionOK)
	if err != nil {
		return err
	}
	return c.expect(ctx, "erase portion", protocol.ErasePortionFinished)
}

func (c *Client) SetFamily(ctx context.Context, f flash.Family) error {
	switch f {
	case flash.FamilyA:
		return c.command(ctx, protocol.CmdSetFamilyA)
	case flash.FamilyB:
		return c.command(ctx, protocol.CmdSetFamilyB)
	}
	return fmt.Errorf("unsupported family %s", f)
}

func (c *Client) SetVerify(ctx context.Context, verify bool) error {
	if verify {
		return c.command(ctx, protocol.CmdSetVerifyWhileWriting)
	}
	return c.command(ctx, protocol.CmdSetNoVerifyWhileWriting)
}

func (c *Client) SetChipMask(ctx context.Context, mask simm.ChipMask) error {
	err := c.command(ctx, protocol.CmdSetChipsMask)
	if err != nil {
		return err
	}
	err = c.send(byte(mask))
	if err != nil {
		return err
	}
	return c.expect(ctx, "set chip mask", protocol.ReplyOK)
}

// BootloaderState reports whether the programmer firmware, rather than its
// bootloader, is running.
func (c *Client) BootloaderState(ctx context.Context) (inProgrammer bool, err error) {
	err = c.command(ctx, protocol.CmdGetBootloaderState)
	if err != nil {
		return false, err
	}
	b, err := c.t.ReadByte(ctx)
	if err != nil {
		return false, fmt.Errorf("bootloader state: %w", err)
	}
	return b == protocol.BootloaderStateInProgrammer, nil
}

func (c *Client) EnterBootloader(ctx context.Context) error {
	return c.command(ctx, protocol.CmdEnterBootloader)
}

// Read reads length bytes starting at offset. offset must be chunk aligned;
// length is rounded up to whole chunks on the wire.
func (c *Client) Read(ctx context.Context, offset, length uint32) ([]byte, error) {
	if offset%protocol.ChunkSize != 0 {
		return nil, fmt.Errorf("read at %#x: %w", offset, simm.ErrUnaligned)
	}
	if length == 0 {
		return nil, nil
	}
	chunks := int((uint64(length) + protocol.ChunkSize - 1) / protocol.ChunkSize)
	err := c.command(ctx, protocol.CmdReadChipsAt)
	if err != nil {
		return nil, err
	}
	err = c.send(binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(nil, offset), uint32(chunks*protocol.ChunkSize))...)
	if err != nil {
		return nil, err
	}
	err = c.expect(ctx, "read", protocol.ReadOK)
	if err != nil {
		return nil, err
	}
	out := make([]byte, chunks*protocol.ChunkSize)
	for i := 0; i < chunks; i++ {
		err = c.receive(ctx, out[i*protocol.ChunkSize:(i+1)*protocol.ChunkSize])
		if err != nil {
			return nil, err
		}
		c.progress("read", i+1, chunks)
		if ctx.Err() != nil {
			return nil, c.abort(ctx, "read", protocol.HostReadCancel, protocol.ReadConfirmCancel)
		}
		err = c.send(protocol.HostReadOK)
		if err != nil {
			return nil, err
		}
		next := protocol.ReadMoreData
		if i == chunks-1 {
			next = protocol.ReadFinished
		}
		err = c.expect(ctx, "read", next)
		if err != nil {
			return nil, err
		}
	}
	return out[:length], nil
}

// Write programs data starting at offset. offset must be chunk aligned; the
// last chunk is padded with 0xFF. A verification failure is returned as a
// *VerifyError.
func (c *Client) Write(ctx context.Context, offset uint32, data []byte) error {
	if offset%protocol.ChunkSize != 0 {
		return fmt.Errorf("write at %#x: %w", offset, simm.ErrUnaligned)
	}
	err := c.command(ctx, protocol.CmdWriteChipsAt)
	if err != nil {
		return err
	}
	err = c.send(binary.LittleEndian.AppendUint32(nil, offset)...)
	if err != nil {
		return err
	}
	err = c.expect(ctx, "write", protocol.WriteOK)
	if err != nil {
		return err
	}
	chunks := (len(data) + protocol.ChunkSize - 1) / protocol.ChunkSize
	chunk := make([]byte, protocol.ChunkSize)
	for i := 0; i < chunks; i++ {
		if ctx.Err() != nil {
			return c.abort(ctx, "write", protocol.HostWriteCancel, protocol.WriteConfirmCancel)
		}
		n := copy(chunk, data[i*protocol.ChunkSize:])
		for j := n; j < len(chunk); j++ {
			chunk[j] = 0xFF
		}
		err = c.send(protocol.HostWriteMore)
		if err != nil {
			return err
		}
		err = c.expect(ctx, "write", protocol.WriteOK)
		if err != nil {
			return err
		}
		err = c.send(chunk...)
		if err != nil {
			return err
		}
		b, err := c.t.ReadByte(ctx)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		switch b {
		case protocol.WriteOK:
		case protocol.WriteVerificationError:
			mask, err := c.t.ReadByte(ctx)
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
			// the programmer sends chip 0 in bit 3
			return &VerifyError{
				Offset: offset + uint32(i*protocol.ChunkSize),
				Chips:  simm.ChipMask(mask).Reverse(),
			}
		default:
			return &ReplyError{"write", b}
		}
		c.progress("write", i+1, chunks)
	}
	err = c.send(protocol.HostWriteFinish)
	if err != nil {
		return err
	}
	return c.expect(ctx, "write", protocol.WriteOK)
}

// abort cancels a running transfer. ctx is already done so the exchange runs
// on a short detached deadline.
func (c *Client) abort(ctx context.Context, op string, cancel, confirm byte) error {
	cause := ctx.Err()
	ctx, stop := context.WithTimeout(context.WithoutCancel(ctx), c.config.CancelWait)
	defer stop()
	err := c.send(cancel)
	if err == nil {
		err = c.expect(ctx, op, confirm)
	}
	if err != nil {
		c.log.Warn("could not cancel transfer", "op", op, "error", err)
	}
	return fmt.Errorf("%s cancelled: %w", op, cause)
}

func (c *Client) progress(op string, done, total int) {
	if c.config.Progress != nil {
		c.config.Progress(Progress{Op: op, Done: done, Total: total})
	}
}

// command sends cmd and waits for ReplyOK.
func (c *Client) command(ctx context.Context, cmd protocol.Command) error {
	c.log.Debug("sending command", "command", cmd)
	err := c.send(byte(cmd))
	if err != nil {
		return err
	}
	return c.expect(ctx, cmd.String(), protocol.ReplyOK)
}

func (c *Client) send(b ...byte) error {
	_, err := c.t.Write(b)
	if err != nil {
		return fmt.Errorf("could not send to programmer: %w", err)
	}
	err = c.t.Flush()
	if err != nil {
		return fmt.Errorf("could not send to programmer: %w", err)
	}
	return nil
}

func (c *Client) expect(ctx context.Context, op string, want byte) error {
	b, err := c.t.ReadByte(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if b != want {
		return &ReplyError{op, b}
	}
	return nil
}

func (c *Client) receive(ctx context.Context, buf []byte) error {
	for i := range buf {
		b, err := c.t.ReadByte(ctx)
		if err != nil {
			return fmt.Errorf("could not receive from programmer: %w", err)
		}
		buf[i] = b
	}
	return nil
}
