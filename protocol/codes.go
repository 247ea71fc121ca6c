package protocol

// Command is a byte sent by the host while the programmer is idle.
type Command byte

const (
	CmdEnterWaitingMode Command = iota
	CmdDoElectricalTest
	CmdIdentifyChips
	CmdReadByte
	CmdReadChips
	CmdEraseChips
	CmdWriteChips
	CmdGetBootloaderState
	CmdEnterBootloader
	CmdEnterProgrammer
	CmdBootloaderEraseAndWriteProgram
	CmdSetFamilyA
	CmdSetFamilyB
	CmdSetVerifyWhileWriting
	CmdSetNoVerifyWhileWriting
	CmdErasePortion
	CmdWriteChipsAt
	CmdReadChipsAt
	CmdSetChipsMask
)

var commandNames = [...]string{
	"EnterWaitingMode",
	"DoElectricalTest",
	"IdentifyChips",
	"ReadByte",
	"ReadChips",
	"EraseChips",
	"WriteChips",
	"GetBootloaderState",
	"EnterBootloader",
	"EnterProgrammer",
	"BootloaderEraseAndWriteProgram",
	"SetFamilyA",
	"SetFamilyB",
	"SetVerifyWhileWriting",
	"SetNoVerifyWhileWriting",
	"ErasePortion",
	"WriteChipsAt",
	"ReadChipsAt",
	"SetChipsMask",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "Unknown"
}

// Generic command replies.
const (
	ReplyOK byte = iota
	ReplyError
	ReplyInvalid
)

// Electrical test stream.
const (
	ElectricalTestFail byte = iota
	ElectricalTestDone
)

const IdentifyDone byte = 0

// Programmer replies during a read.
const (
	ReadOK byte = iota
	ReadError
	ReadMoreData
	ReadFinished
	ReadConfirmCancel
)

// Host acknowledgements during a read.
const (
	HostReadOK byte = iota
	HostReadCancel
)

// Host requests during a write.
const (
	HostWriteMore byte = iota
	HostWriteFinish
	HostWriteCancel
)

// Programmer replies during a write. WriteVerificationError is followed by
// the failure mask byte.
const (
	WriteOK byte = iota
	WriteError
	WriteConfirmCancel
	WriteVerificationError
)

const (
	ErasePortionOK byte = iota
	ErasePortionError
	ErasePortionFinished
)

const (
	BootloaderStateInBootloader byte = iota
	BootloaderStateInProgrammer
)

const (
	// ChunkSize is the number of combined bytes moved per acknowledgement.
	ChunkSize = 1024
	// ChunkWords is the number of shared bus addresses in one chunk.
	ChunkWords = ChunkSize / 4
	// EraseGranularity is the combined size erase-portion ranges are
	// aligned to. It covers one 64 KiB sector on each chip.
	EraseGranularity = 256 * 1024
)
