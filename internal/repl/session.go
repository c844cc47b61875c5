package repl

import (
	"bytes"
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"
)

// serialConn is the slice of serial.Port the session actually uses, split
// out so tests can drive a session without hardware.
type serialConn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	ResetInputBuffer() error
	Close() error
}

// Session owns one serial connection to a board interpreter.
//
// Everything the interpreter says is framed by a known terminator (usually
// the ">>> " prompt), so the only read primitive is ReadUntil: accumulate
// byte-wise until the data ends with the wanted marker or the read window
// closes. A closed window is not an error — the partial bytes are returned
// and the caller decides what the silence means.
type Session struct {
	portPath string
	baud     int
	timeout  time.Duration
	port     serialConn
}

// Open claims portPath and configures it for interpreter traffic. The
// timeout bounds every subsequent ReadUntil call.
func Open(portPath string, baud int, timeout time.Duration) (*Session, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("repl: failed to open %s: %w", portPath, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("repl: failed to set read timeout on %s: %w", portPath, err)
	}
	log.Printf("[repl] opened %s at %d baud (read window %v)", portPath, baud, timeout)
	return &Session{portPath: portPath, baud: baud, timeout: timeout, port: port}, nil
}

// Write transmits raw bytes to the board.
func (s *Session) Write(p []byte) error {
	if _, err := s.port.Write(p); err != nil {
		return fmt.Errorf("repl: write to %s failed: %w", s.portPath, err)
	}
	return nil
}

// ReadUntil reads until the accumulated data ends with marker, the read
// window elapses, or the port errors. Timeouts return the partial data with
// a nil error; only transport failures are errors.
func (s *Session) ReadUntil(marker []byte) ([]byte, error) {
	data := make([]byte, 0, 64)
	one := make([]byte, 1)
	deadline := time.Now().Add(s.timeout)

	for {
		n, err := s.port.Read(one)
		if err != nil {
			return data, fmt.Errorf("repl: read from %s failed after %d bytes: %w", s.portPath, len(data), err)
		}
		if n > 0 {
			data = append(data, one[0])
			if bytes.HasSuffix(data, marker) {
				return data, nil
			}
		}
		if n == 0 || !time.Now().Before(deadline) {
			// Port timeout or window exhausted — hand back what arrived.
			return data, nil
		}
	}
}

// Flush discards whatever the board has already sent, such as the banner a
// freshly plugged board prints.
func (s *Session) Flush() error {
	return s.port.ResetInputBuffer()
}

// Close releases the port.
func (s *Session) Close() error {
	log.Printf("[repl] closing %s", s.portPath)
	return s.port.Close()
}
