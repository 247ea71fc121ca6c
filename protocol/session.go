package protocol

import (
	"fmt"

	"github.com/mklimuk/simm"
)

// State is the position of the engine in the command grammar.
type State int

const (
	WaitingForCommand State = iota
	ReadingChipsReadStartPos
	ReadingChipsReadLength
	ReadingChips
	WritingChipsReadingStartPos
	WritingChips
	ErasePortionReadingPosLength
	ReadingChipsMask
)

func (s State) String() string {
	switch s {
	case WaitingForCommand:
		return "WaitingForCommand"
	case ReadingChipsReadStartPos:
		return "ReadingChipsReadStartPos"
	case ReadingChipsReadLength:
		return "ReadingChipsReadLength"
	case ReadingChips:
		return "ReadingChips"
	case WritingChipsReadingStartPos:
		return "WritingChipsReadingStartPos"
	case WritingChips:
		return "WritingChips"
	case ErasePortionReadingPosLength:
		return "ErasePortionReadingPosLength"
	case ReadingChipsMask:
		return "ReadingChipsMask"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// field accumulates a little-endian integer one byte at a time, so a value
// may arrive split over any number of Handle calls.
type field struct {
	count int
	value uint64
}

// feed adds b and reports whether size bytes have now been received.
func (f *field) feed(b byte, size int) bool {
	f.value |= uint64(b) << (8 * f.count)
	f.count++
	return f.count >= size
}

func (f *field) reset() {
	*f = field{}
}

// Session is the state of the single host interaction in progress.
type Session struct {
	State State
	// Cursor and End count chunks, not bytes.
	Cursor uint32
	End    uint32
	Mask   simm.ChipMask
	Verify bool

	acc   field
	start uint32
}

func newSession() Session {
	return Session{State: WaitingForCommand, Mask: simm.AllChips}
}

// idle drops any operation in progress but keeps the persistent settings.
func (s *Session) idle() {
	s.State = WaitingForCommand
	s.Cursor = 0
	s.End = 0
	s.start = 0
	s.acc.reset()
}

func (s *Session) enter(state State) {
	s.State = state
	s.acc.reset()
}
