package transport

import (
	"context"
	"io"
	"sync"

	"github.com/mklimuk/simm"
)

// Endpoint is one side of an in-memory full duplex link. Written bytes reach
// the peer on Flush.
type Endpoint struct {
	rx      chan byte
	peer    *Endpoint
	pending []byte

	once   sync.Once
	closed chan struct{}
}

var _ simm.HostTransport = &Endpoint{}

// NewPipe returns two connected endpoints, conventionally the programmer side
// first and the host side second.
func NewPipe() (*Endpoint, *Endpoint) {
	a := &Endpoint{rx: make(chan byte, rxQueue), closed: make(chan struct{})}
	b := &Endpoint{rx: make(chan byte, rxQueue), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (e *Endpoint) ReadByte(ctx context.Context) (byte, error) {
	select {
	case b := <-e.rx:
		return b, nil
	default:
	}
	select {
	case b := <-e.rx:
		return b, nil
	case <-e.closed:
		return 0, io.EOF
	case <-e.peer.closed:
		return 0, io.EOF
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *Endpoint) Buffered() int {
	return len(e.rx)
}

func (e *Endpoint) Write(p []byte) (int, error) {
	select {
	case <-e.closed:
		return 0, ErrClosed
	default:
	}
	e.pending = append(e.pending, p...)
	return len(p), nil
}

func (e *Endpoint) Flush() error {
	select {
	case <-e.closed:
		return ErrClosed
	case <-e.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	for _, b := range e.pending {
		select {
		case e.peer.rx <- b:
		case <-e.closed:
			return ErrClosed
		case <-e.peer.closed:
			return io.ErrClosedPipe
		}
	}
	e.pending = e.pending[:0]
	return nil
}

// Close stops both directions. Bytes already queued remain readable.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		close(e.closed)
	})
	return nil
}
