package chip

import "fmt"

type EventKind int

const (
	CSChanged EventKind = iota
	OEChanged
	WEChanged
	DataChanged
	AddressChanged
)

// Event is a single change on the lines a chip is attached to. Control
// events carry the new asserted level (true = active, regardless of the
// electrical polarity); data and address events carry the new line value.
type Event struct {
	Kind     EventKind
	Asserted bool
	Value    uint32
}

func CS(asserted bool) Event { return Event{Kind: CSChanged, Asserted: asserted} }

func OE(asserted bool) Event { return Event{Kind: OEChanged, Asserted: asserted} }

func WE(asserted bool) Event { return Event{Kind: WEChanged, Asserted: asserted} }

func Data(value byte) Event { return Event{Kind: DataChanged, Value: uint32(value)} }

func Address(value uint32) Event { return Event{Kind: AddressChanged, Value: value} }

func (e Event) String() string {
	switch e.Kind {
	case CSChanged:
		return fmt.Sprintf("CS=%t", e.Asserted)
	case OEChanged:
		return fmt.Sprintf("OE=%t", e.Asserted)
	case WEChanged:
		return fmt.Sprintf("WE=%t", e.Asserted)
	case DataChanged:
		return fmt.Sprintf("D=%#02x", e.Value)
	case AddressChanged:
		return fmt.Sprintf("A=%#x", e.Value)
	}
	return fmt.Sprintf("Event(%d)", int(e.Kind))
}

// WriteCycle returns the WE-controlled write sequence for one bus write.
func WriteCycle(address uint32, data byte) []Event {
	return []Event{Address(address), Data(data), CS(true), WE(true), WE(false), CS(false)}
}
