package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/mklimuk/simm"
)

// GroundPin is reported as the second pin of a pair when a pin is shorted to
// ground.
const GroundPin = 0xFF

var ErrNoPullUp = errors.New("expander has no configurable pull-ups")

// PullUpExpander is a port expander with internal pull-up resistors.
type PullUpExpander interface {
	simm.PortExpander
	PullUp(ctx context.Context, port simm.Port, settings byte) error
}

type testPort struct {
	exp  PullUpExpander
	port simm.Port
	base byte
}

// ShortTester looks for shorted socket pins. Pins are numbered
// 16*expander + 8*port + bit with expanders ordered address low, address
// high, data low, data high. Port B of the address high expander is not
// wired and is skipped.
type ShortTester struct {
	bus   *Expander
	ports []testPort
}

// NewShortTester fails with ErrNoPullUp unless every expander of the bus
// implements PullUpExpander.
func NewShortTester(e *Expander) (*ShortTester, error) {
	all := []simm.PortExpander{e.addrLow, e.addrHigh, e.data[0].exp, e.data[2].exp}
	t := &ShortTester{bus: e}
	for i, exp := range all {
		p, ok := exp.(PullUpExpander)
		if !ok {
			return nil, fmt.Errorf("expander %d: %w", i, ErrNoPullUp)
		}
		for _, port := range []simm.Port{simm.PortA, simm.PortB} {
			if i == 1 && port == simm.PortB {
				continue
			}
			t.ports = append(t.ports, testPort{p, port, byte(16*i + 8*int(port))})
		}
	}
	return t, nil
}

// Run floats every pin with pull-ups enabled, then pulls each pin low in turn
// and reports every other pin following it. The bus is reinitialized by the
// next cycle.
func (t *ShortTester) Run(ctx context.Context, report func(a, b byte)) error {
	t.bus.mx.Lock()
	defer t.bus.mx.Unlock()
	t.bus.ready = false

	for _, p := range t.ports {
		err := p.exp.SetDirection(ctx, p.port, 0xFF)
		if err != nil {
			return fmt.Errorf("could not float pin %d: %w", p.base, err)
		}
		err = p.exp.PullUp(ctx, p.port, 0xFF)
		if err != nil {
			return fmt.Errorf("could not enable pull-ups of pin %d: %w", p.base, err)
		}
	}
	grounded, err := t.sample(ctx)
	if err != nil {
		return err
	}
	for i, p := range t.ports {
		for bit := 0; bit < 8; bit++ {
			if grounded[i]&(1<<bit) != 0 {
				report(p.base+byte(bit), GroundPin)
			}
		}
	}

	for i, p := range t.ports {
		for bit := 0; bit < 8; bit++ {
			if grounded[i]&(1<<bit) != 0 {
				continue
			}
			err = p.exp.WritePort(ctx, p.port, 0xFF&^(1<<bit))
			if err != nil {
				return fmt.Errorf("could not drive pin %d: %w", p.base+byte(bit), err)
			}
			err = p.exp.SetDirection(ctx, p.port, 0xFF&^(1<<bit))
			if err != nil {
				return fmt.Errorf("could not drive pin %d: %w", p.base+byte(bit), err)
			}
			low, err := t.sample(ctx)
			if err != nil {
				return err
			}
			err = p.exp.SetDirection(ctx, p.port, 0xFF)
			if err != nil {
				return fmt.Errorf("could not float pin %d: %w", p.base+byte(bit), err)
			}
			// pairs are reported once, from the lower pin
			for j := i; j < len(t.ports); j++ {
				shorted := low[j] &^ grounded[j]
				if j == i {
					shorted &= 0xFF << (bit + 1)
				}
				for b := 0; b < 8; b++ {
					if shorted&(1<<b) != 0 {
						report(p.base+byte(bit), t.ports[j].base+byte(b))
					}
				}
			}
		}
	}
	return nil
}

// sample returns the pins reading low, one byte per port.
func (t *ShortTester) sample(ctx context.Context) ([]byte, error) {
	low := make([]byte, len(t.ports))
	for i, p := range t.ports {
		v, err := p.exp.ReadPort(ctx, p.port)
		if err != nil {
			return nil, fmt.Errorf("could not sample pin %d: %w", p.base, err)
		}
		low[i] = ^v
	}
	return low, nil
}
