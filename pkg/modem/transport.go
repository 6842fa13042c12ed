// Package modem talks to a cellular modem over its AT command port.
package modem

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaudRate is the rate of the modem's AT port.
	DefaultBaudRate = 115200

	lineEnd      = "\r\n"
	ctrlZ        = 0x1A
	esc          = 0x1B
	pollInterval = 100 * time.Millisecond
	drainWindow  = 50 * time.Millisecond
	drainRounds  = 20
)

var (
	// ErrSessionFaulted means the serial device failed underneath the session.
	ErrSessionFaulted = errors.New("modem session faulted")

	// ErrBadTransition is a protocol step attempted in the wrong session state.
	ErrBadTransition = errors.New("invalid modem session transition")
)

// Port is the serial device as the transport needs it. go.bug.st/serial
// ports satisfy it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens the named serial device at the given baud rate.
type Opener func(name string, baud int) (Port, error)

// Reply is the outcome of one command/response exchange.
type Reply struct {
	Matched  string // accept marker that ended the read
	Rejected string // reject marker that ended the read
	Raw      string // everything read
	Err      error  // I/O failure, the session is faulted
}

// OK reports whether an accept marker was seen.
func (r Reply) OK() bool {
	return r.Matched != ""
}

// TimedOut reports a read that ended on its deadline.
func (r Reply) TimedOut() bool {
	return r.Matched == "" && r.Rejected == "" && r.Err == nil
}

// Transport owns one serial session. It is not safe for concurrent use.
type Transport struct {
	open Opener
	name string
	baud int
	log  logrus.FieldLogger
	now  func() time.Time

	port  Port
	state SessionState
}

// NewTransport prepares a transport; the device is opened on first use.
func NewTransport(open Opener, name string, baud int, log logrus.FieldLogger) *Transport {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &Transport{open: open, name: name, baud: baud, log: log, now: time.Now, state: StateClosed}
}

// State returns the session state.
func (t *Transport) State() SessionState {
	return t.state
}

// Open opens the device if needed and discards any bytes left over from a
// previous session.
func (t *Transport) Open() error {
	switch t.state {
	case StateFaulted:
		return ErrSessionFaulted
	case StateClosed:
	default:
		return nil
	}

	port, err := t.open(t.name, t.baud)
	if err != nil {
		t.state = StateFaulted
		return fmt.Errorf("%w: open %s: %v", ErrSessionFaulted, t.name, err)
	}
	t.port = port
	t.state = StateInit
	t.drain()
	return nil
}

// Close releases the device. It is safe to call more than once.
func (t *Transport) Close() error {
	t.state = StateClosed
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// Execute writes command terminated by CR/LF and reads until expected shows
// up in the accumulated output or timeout elapses. I/O failures never escape:
// they give matched=false and whatever was read so far.
func (t *Transport) Execute(command, expected string, timeout time.Duration) (bool, string) {
	reply := t.Transact([]byte(command+lineEnd), []string{expected}, nil, timeout)
	return reply.OK(), reply.Raw
}

// Transact writes payload and reads until one of accept or reject appears
// or timeout elapses.
func (t *Transport) Transact(payload []byte, accept, reject []string, timeout time.Duration) Reply {
	if err := t.Open(); err != nil {
		return Reply{Err: err}
	}
	if err := t.port.ResetInputBuffer(); err != nil {
		return Reply{Err: t.fault(err)}
	}
	if _, err := t.port.Write(payload); err != nil {
		return Reply{Err: t.fault(err)}
	}
	return t.readUntil(accept, reject, timeout)
}

// write sends raw bytes without waiting for a reply.
func (t *Transport) write(payload []byte) error {
	if err := t.Open(); err != nil {
		return err
	}
	if _, err := t.port.Write(payload); err != nil {
		return t.fault(err)
	}
	return nil
}

func (t *Transport) readUntil(accept, reject []string, timeout time.Duration) Reply {
	var (
		reply    Reply
		acc      strings.Builder
		buf      = make([]byte, 256)
		deadline = t.now().Add(timeout)
	)
	for {
		remaining := deadline.Sub(t.now())
		if remaining <= 0 {
			reply.Raw = acc.String()
			return reply
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		if err := t.port.SetReadTimeout(wait); err != nil {
			reply.Raw = acc.String()
			reply.Err = t.fault(err)
			return reply
		}

		n, err := t.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			out := acc.String()
			if marker := firstFound(out, accept); marker != "" {
				reply.Matched, reply.Raw = marker, out
				return reply
			}
			if marker := firstFound(out, reject); marker != "" {
				reply.Rejected, reply.Raw = marker, out
				return reply
			}
		}
		if err != nil {
			reply.Raw = acc.String()
			reply.Err = t.fault(err)
			return reply
		}
	}
}

// drain reads and discards whatever the device still has buffered.
func (t *Transport) drain() {
	if err := t.port.ResetInputBuffer(); err != nil {
		t.log.WithError(err).Debug("reset serial input buffer")
	}
	buf := make([]byte, 256)
	for i := 0; i < drainRounds; i++ {
		if err := t.port.SetReadTimeout(drainWindow); err != nil {
			return
		}
		n, err := t.port.Read(buf)
		if err != nil || n == 0 {
			return
		}
		t.log.WithField("bytes", n).Debug("discarded stale modem output")
	}
}

func (t *Transport) advance(to SessionState) error {
	if !canTransition(t.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, t.state, to)
	}
	t.state = to
	return nil
}

// fault tears the session down after an I/O failure.
func (t *Transport) fault(err error) error {
	t.log.WithError(err).WithField("port", t.name).Warn("serial I/O failure, closing modem session")
	if t.port != nil {
		_ = t.port.Close()
		t.port = nil
	}
	t.state = StateFaulted
	return fmt.Errorf("%w: %v", ErrSessionFaulted, err)
}

func firstFound(s string, markers []string) string {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return m
		}
	}
	return ""
}
