// Package transport moves protocol bytes between the host and the programmer.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/mklimuk/simm"
)

const (
	DefaultBaudRate = 115200
	rxQueue         = 64 * 1024
)

var ErrClosed = errors.New("transport closed")

type SerialOpts struct {
	BaudRate    int
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

type SerialOpt func(*SerialOpts)

func WithBaudRate(baud int) SerialOpt {
	return func(o *SerialOpts) {
		o.BaudRate = baud
	}
}

// WithReadTimeout bounds each read of the underlying port so Close is noticed
// by the receive loop.
func WithReadTimeout(d time.Duration) SerialOpt {
	return func(o *SerialOpts) {
		o.ReadTimeout = d
	}
}

func WithLogger(l *slog.Logger) SerialOpt {
	return func(o *SerialOpts) {
		o.Logger = l
	}
}

// Serial is a HostTransport over a serial port. A receive loop drains the port
// into a queue so Buffered can report pending bytes without blocking.
type Serial struct {
	port serial.Port
	w    *bufio.Writer
	rx   chan byte
	log  *slog.Logger

	mu     sync.Mutex
	err    error
	done   chan struct{}
	closed bool
}

var _ simm.HostTransport = &Serial{}

// OpenSerial opens name in 8N1 mode.
func OpenSerial(name string, opts ...SerialOpt) (*Serial, error) {
	config := SerialOpts{BaudRate: DefaultBaudRate, ReadTimeout: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open serial port %s: %w", name, err)
	}
	err = port.SetReadTimeout(config.ReadTimeout)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("could not set read timeout on %s: %w", name, err)
	}
	s := &Serial{
		port: port,
		w:    bufio.NewWriterSize(port, 4096),
		rx:   make(chan byte, rxQueue),
		log:  config.Logger.With("port", name),
		done: make(chan struct{}),
	}
	go s.receive()
	return s, nil
}

func (s *Serial) receive() {
	buf := make([]byte, 512)
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			s.fail(fmt.Errorf("serial read: %w", err))
			return
		}
		for _, b := range buf[:n] {
			select {
			case s.rx <- b:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Serial) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !s.closed {
		s.log.Error("serial receive loop stopped", "error", err)
		s.err = err
		close(s.done)
	}
}

func (s *Serial) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return ErrClosed
}

func (s *Serial) ReadByte(ctx context.Context) (byte, error) {
	select {
	case b := <-s.rx:
		return b, nil
	default:
	}
	select {
	case b := <-s.rx:
		return b, nil
	case <-s.done:
		return 0, s.failure()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Serial) Buffered() int {
	return len(s.rx)
}

func (s *Serial) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *Serial) Flush() error {
	return s.w.Flush()
}

// ResetInput discards everything received so far.
func (s *Serial) ResetInput() error {
	for {
		select {
		case <-s.rx:
		default:
			return s.port.ResetInputBuffer()
		}
	}
}

func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.err == nil {
		close(s.done)
	}
	s.mu.Unlock()
	flushErr := s.w.Flush()
	err := s.port.Close()
	if err != nil {
		return err
	}
	if flushErr != nil && !errors.Is(flushErr, io.ErrClosedPipe) {
		return flushErr
	}
	return nil
}

// PortInfo describes a serial port present on the host.
type PortInfo struct {
	Name         string `yaml:"name"`
	USB          bool   `yaml:"usb"`
	VID          string `yaml:"vid,omitempty"`
	PID          string `yaml:"pid,omitempty"`
	SerialNumber string `yaml:"serial,omitempty"`
	Product      string `yaml:"product,omitempty"`
}

// ListPorts enumerates serial ports with USB details where available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("could not enumerate serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
