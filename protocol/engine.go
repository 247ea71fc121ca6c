// Package protocol implements the programmer side of the host wire protocol.
//
// The Engine consumes the host byte stream one byte at a time and keeps all
// intermediate state in its Session, so bytes may arrive with any pacing.
// The only place it blocks on the host is while draining the body of a write
// chunk.
package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/mklimuk/simm"
	"github.com/mklimuk/simm/flash"
)

// Flash is the set of chip operations the engine needs.
type Flash interface {
	Family() flash.Family
	SetFamily(f flash.Family)
	Read(ctx context.Context, start uint32, words []uint32) error
	Identify(ctx context.Context) ([simm.NumChips]flash.ChipIdentity, error)
	EraseAll(ctx context.Context, mask simm.ChipMask) error
	EraseSectors(ctx context.Context, address, length uint32, mask simm.ChipMask) (bool, error)
	WriteAll(ctx context.Context, start uint32, words []uint32) error
	WriteSome(ctx context.Context, start uint32, words []uint32, mask simm.ChipMask) error
}

var _ Flash = &flash.Algorithm{}

// ElectricalTester runs the board short test, reporting every shorted pin pair.
type ElectricalTester interface {
	Run(ctx context.Context, report func(a, b byte)) error
}

// Bootloader hands control over to the USB bootloader.
type Bootloader interface {
	Enter(ctx context.Context) error
}

type Opts struct {
	Logger     *slog.Logger
	Tester     ElectricalTester
	Bootloader Bootloader
	Verify     bool
	Mask       simm.ChipMask
}

type Opt func(*Opts)

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

func WithElectricalTester(t ElectricalTester) Opt {
	return func(o *Opts) {
		o.Tester = t
	}
}

func WithBootloader(b Bootloader) Opt {
	return func(o *Opts) {
		o.Bootloader = b
	}
}

func WithVerify(verify bool) Opt {
	return func(o *Opts) {
		o.Verify = verify
	}
}

func WithChipMask(mask simm.ChipMask) Opt {
	return func(o *Opts) {
		o.Mask = mask
	}
}

// Engine is the command dispatcher. It is single-owner: Handle, Poll and Run
// must not be called concurrently.
type Engine struct {
	transport  simm.HostTransport
	flash      Flash
	tester     ElectricalTester
	bootloader Bootloader
	log        *slog.Logger

	session Session
	chunk   []byte
	words   []uint32
	check   []uint32
}

func New(transport simm.HostTransport, f Flash, opts ...Opt) *Engine {
	config := Opts{Mask: simm.AllChips}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	session := newSession()
	session.Verify = config.Verify
	if config.Mask.Valid() {
		session.Mask = config.Mask
	}
	return &Engine{
		transport:  transport,
		flash:      f,
		tester:     config.Tester,
		bootloader: config.Bootloader,
		log:        config.Logger,
		session:    session,
		chunk:      make([]byte, ChunkSize),
		words:      make([]uint32, ChunkWords),
		check:      make([]uint32, ChunkWords),
	}
}

// Session returns a copy of the current session state.
func (e *Engine) Session() Session {
	return e.session
}

// Poll handles every byte the transport can deliver without blocking and
// flushes the replies.
func (e *Engine) Poll(ctx context.Context) error {
	for e.transport.Buffered() > 0 {
		b, err := e.transport.ReadByte(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		err = e.Handle(ctx, b)
		if err != nil {
			return err
		}
	}
	return e.flush()
}

// Run blocks handling bytes until ctx is done or the transport fails.
func (e *Engine) Run(ctx context.Context) error {
	for {
		b, err := e.transport.ReadByte(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		err = e.Handle(ctx, b)
		if err != nil {
			return err
		}
		if e.transport.Buffered() == 0 {
			err = e.flush()
			if err != nil {
				return err
			}
		}
	}
}

// Handle consumes one byte from the host. Protocol failures are answered on
// the wire; the returned error is reserved for transport failures.
func (e *Engine) Handle(ctx context.Context, b byte) error {
	switch e.session.State {
	case WaitingForCommand:
		return e.handleCommand(ctx, Command(b))
	case ReadingChipsReadStartPos:
		if e.session.acc.feed(b, 4) {
			e.session.start = uint32(e.session.acc.value)
			e.session.enter(ReadingChipsReadLength)
		}
		return nil
	case ReadingChipsReadLength:
		if e.session.acc.feed(b, 4) {
			return e.beginRead(ctx, e.session.start, uint32(e.session.acc.value))
		}
		return nil
	case ReadingChips:
		return e.handleReadAck(ctx, b)
	case WritingChipsReadingStartPos:
		if e.session.acc.feed(b, 4) {
			return e.beginWrite(uint32(e.session.acc.value))
		}
		return nil
	case WritingChips:
		return e.handleWriteRequest(ctx, b)
	case ErasePortionReadingPosLength:
		if e.session.acc.feed(b, 8) {
			v := e.session.acc.value
			return e.erasePortion(ctx, uint32(v), uint32(v>>32))
		}
		return nil
	case ReadingChipsMask:
		return e.setMask(b)
	}
	e.session.idle()
	return e.reply(ReplyError)
}

func (e *Engine) handleCommand(ctx context.Context, cmd Command) error {
	e.log.Debug("command received", "command", cmd)
	switch cmd {
	case CmdEnterWaitingMode, CmdEnterProgrammer:
		return e.reply(ReplyOK)
	case CmdDoElectricalTest:
		return e.electricalTest(ctx)
	case CmdIdentifyChips:
		return e.identify(ctx)
	case CmdReadChips:
		e.session.start = 0
		e.session.enter(ReadingChipsReadLength)
		return e.reply(ReplyOK)
	case CmdReadChipsAt:
		e.session.enter(ReadingChipsReadStartPos)
		return e.reply(ReplyOK)
	case CmdEraseChips:
		err := e.flash.EraseAll(ctx, e.session.Mask)
		if err != nil {
			e.log.Error("chip erase failed", "mask", e.session.Mask, "error", err)
			return e.reply(ReplyError)
		}
		return e.reply(ReplyOK)
	case CmdWriteChips:
		e.session.enter(WritingChips)
		e.session.Cursor = 0
		return e.reply(ReplyOK)
	case CmdWriteChipsAt:
		e.session.enter(WritingChipsReadingStartPos)
		return e.reply(ReplyOK)
	case CmdGetBootloaderState:
		return e.reply(ReplyOK, BootloaderStateInProgrammer)
	case CmdEnterBootloader:
		err := e.reply(ReplyOK)
		if err != nil {
			return err
		}
		err = e.flush()
		if err != nil {
			return err
		}
		if e.bootloader != nil {
			err = e.bootloader.Enter(ctx)
			if err != nil {
				e.log.Error("could not enter bootloader", "error", err)
			}
		}
		return nil
	case CmdSetFamilyA:
		e.flash.SetFamily(flash.FamilyA)
		return e.reply(ReplyOK)
	case CmdSetFamilyB:
		e.flash.SetFamily(flash.FamilyB)
		return e.reply(ReplyOK)
	case CmdSetVerifyWhileWriting:
		e.session.Verify = true
		return e.reply(ReplyOK)
	case CmdSetNoVerifyWhileWriting:
		e.session.Verify = false
		return e.reply(ReplyOK)
	case CmdErasePortion:
		e.session.enter(ErasePortionReadingPosLength)
		return e.reply(ReplyOK)
	case CmdSetChipsMask:
		e.session.enter(ReadingChipsMask)
		return e.reply(ReplyOK)
	}
	// ReadByte, bootloader-only commands and unknown bytes
	return e.reply(ReplyInvalid)
}

func (e *Engine) electricalTest(ctx context.Context) error {
	err := e.reply(ReplyOK)
	if err != nil {
		return err
	}
	err = e.flush()
	if err != nil {
		return err
	}
	if e.tester != nil {
		var sendErr error
		err = e.tester.Run(ctx, func(a, b byte) {
			if sendErr == nil {
				sendErr = e.reply(ElectricalTestFail, a, b)
			}
		})
		if sendErr != nil {
			return sendErr
		}
		if err != nil {
			e.log.Error("electrical test aborted", "error", err)
		}
	}
	return e.reply(ElectricalTestDone)
}

func (e *Engine) identify(ctx context.Context) error {
	ids, err := e.flash.Identify(ctx)
	if err != nil {
		e.log.Error("identify failed", "error", err)
		return e.reply(ReplyError)
	}
	out := make([]byte, 0, 2+2*simm.NumChips)
	out = append(out, ReplyOK)
	for _, id := range ids {
		out = append(out, id.Manufacturer, id.Device)
	}
	out = append(out, IdentifyDone)
	return e.reply(out...)
}

// capacity is the combined size of the SIMM for the selected family.
func (e *Engine) capacity() uint64 {
	return uint64(e.flash.Family().Capacity()) * simm.NumChips
}

func (e *Engine) beginRead(ctx context.Context, start, length uint32) error {
	if length == 0 || start%ChunkSize != 0 || length%ChunkSize != 0 ||
		uint64(start)+uint64(length) > e.capacity() {
		e.log.Warn("read request rejected", "start", start, "length", length)
		e.session.idle()
		return e.reply(ReadError)
	}
	e.session.enter(ReadingChips)
	e.session.Cursor = start / ChunkSize
	e.session.End = (start + length) / ChunkSize
	err := e.reply(ReadOK)
	if err != nil {
		return err
	}
	return e.sendChunk(ctx)
}

func (e *Engine) handleReadAck(ctx context.Context, b byte) error {
	switch b {
	case HostReadOK:
		e.session.Cursor++
		if e.session.Cursor >= e.session.End {
			e.session.idle()
			return e.reply(ReadFinished)
		}
		err := e.reply(ReadMoreData)
		if err != nil {
			return err
		}
		return e.sendChunk(ctx)
	case HostReadCancel:
		e.session.idle()
		return e.reply(ReadConfirmCancel)
	}
	e.session.idle()
	return e.reply(ReadError)
}

func (e *Engine) sendChunk(ctx context.Context) error {
	err := e.flash.Read(ctx, e.session.Cursor*ChunkWords, e.words)
	if err != nil {
		e.log.Error("chunk read failed", "chunk", e.session.Cursor, "error", err)
		e.session.idle()
		return e.reply(ReadError)
	}
	for i, w := range e.words {
		binary.BigEndian.PutUint32(e.chunk[4*i:], w)
	}
	return e.reply(e.chunk...)
}

func (e *Engine) beginWrite(start uint32) error {
	if start%ChunkSize != 0 || uint64(start) >= e.capacity() {
		e.log.Warn("write request rejected", "start", start)
		e.session.idle()
		return e.reply(WriteError)
	}
	e.session.enter(WritingChips)
	e.session.Cursor = start / ChunkSize
	return e.reply(WriteOK)
}

func (e *Engine) handleWriteRequest(ctx context.Context, b byte) error {
	switch b {
	case HostWriteMore:
		if uint64(e.session.Cursor+1)*ChunkSize > e.capacity() {
			e.log.Warn("write past end of chips", "chunk", e.session.Cursor)
			e.session.idle()
			return e.reply(WriteError)
		}
		err := e.reply(WriteOK)
		if err != nil {
			return err
		}
		err = e.flush()
		if err != nil {
			return err
		}
		return e.writeChunk(ctx)
	case HostWriteFinish:
		e.session.idle()
		return e.reply(WriteOK)
	case HostWriteCancel:
		e.session.idle()
		return e.reply(WriteConfirmCancel)
	}
	e.session.idle()
	return e.reply(WriteError)
}

// drainChunk is the one blocking receive of the protocol: once a chunk body
// has been announced there is no cancellation point until all of it arrived.
func (e *Engine) drainChunk(ctx context.Context) error {
	for i := range e.chunk {
		b, err := e.transport.ReadByte(ctx)
		if err != nil {
			return fmt.Errorf("receive chunk body: %w", err)
		}
		e.chunk[i] = b
	}
	return nil
}

func (e *Engine) writeChunk(ctx context.Context) error {
	err := e.drainChunk(ctx)
	if err != nil {
		e.session.idle()
		return err
	}
	for i := range e.words {
		e.words[i] = binary.BigEndian.Uint32(e.chunk[4*i:])
	}
	start := e.session.Cursor * ChunkWords
	mask := e.session.Mask
	if mask == simm.AllChips {
		err = e.flash.WriteAll(ctx, start, e.words)
	} else {
		err = e.flash.WriteSome(ctx, start, e.words, mask)
	}
	if err != nil {
		e.log.Error("chunk write failed", "chunk", e.session.Cursor, "error", err)
		e.session.idle()
		return e.reply(WriteError)
	}
	if e.session.Verify {
		failed, err := e.verify(ctx, start, mask)
		if err != nil {
			e.log.Error("chunk verify read failed", "chunk", e.session.Cursor, "error", err)
			e.session.idle()
			return e.reply(WriteError)
		}
		if failed != 0 {
			e.log.Warn("verification failed", "chunk", e.session.Cursor, "chips", failed)
			e.session.idle()
			// legacy wire format: the failure mask goes out bit-reversed,
			// chip 0 in bit 3
			return e.reply(WriteVerificationError, byte(failed.Reverse()))
		}
	}
	e.session.Cursor++
	return e.reply(WriteOK)
}

// verify re-reads the chunk just written and returns the chips of mask whose
// lane differs.
func (e *Engine) verify(ctx context.Context, start uint32, mask simm.ChipMask) (simm.ChipMask, error) {
	err := e.flash.Read(ctx, start, e.check)
	if err != nil {
		return 0, err
	}
	var failed simm.ChipMask
	for i, got := range e.check {
		diff := got ^ e.words[i]
		for chip := 0; chip < simm.NumChips; chip++ {
			if mask.Has(chip) && diff&(0xFF<<(8*chip)) != 0 {
				failed |= 1 << chip
			}
		}
	}
	return failed, nil
}

func (e *Engine) erasePortion(ctx context.Context, pos, length uint32) error {
	e.session.idle()
	if length == 0 || pos%EraseGranularity != 0 || length%EraseGranularity != 0 ||
		uint64(pos)+uint64(length) > e.capacity() {
		e.log.Warn("erase portion rejected", "position", pos, "length", length)
		return e.reply(ErasePortionError)
	}
	err := e.reply(ErasePortionOK)
	if err != nil {
		return err
	}
	err = e.flush()
	if err != nil {
		return err
	}
	ok, err := e.flash.EraseSectors(ctx, pos/simm.NumChips, length/simm.NumChips, e.session.Mask)
	if err != nil {
		e.log.Error("erase portion failed", "position", pos, "length", length, "error", err)
		return e.reply(ErasePortionError)
	}
	if !ok {
		return e.reply(ErasePortionError)
	}
	return e.reply(ErasePortionFinished)
}

func (e *Engine) setMask(b byte) error {
	e.session.idle()
	mask := simm.ChipMask(b)
	if !mask.Valid() {
		return e.reply(ReplyError)
	}
	e.session.Mask = mask
	return e.reply(ReplyOK)
}

func (e *Engine) reply(b ...byte) error {
	_, err := e.transport.Write(b)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (e *Engine) flush() error {
	err := e.transport.Flush()
	if err != nil {
		return fmt.Errorf("flush replies: %w", err)
	}
	return nil
}
