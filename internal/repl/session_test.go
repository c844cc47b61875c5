package repl

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// fakePort simulates a serial port whose input buffer already holds whatever
// the board sent. An empty buffer reads as (0, nil), which is how the real
// port reports a timeout.
type fakePort struct {
	in      bytes.Buffer
	out     bytes.Buffer
	readErr error
	flushed bool
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.in.Len() == 0 {
		return 0, nil
	}
	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	return p.out.Write(b)
}

func (p *fakePort) ResetInputBuffer() error {
	p.in.Reset()
	p.flushed = true
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func testSession(port *fakePort) *Session {
	return &Session{portPath: "fake", baud: 115200, timeout: 50 * time.Millisecond, port: port}
}

func TestReadUntilStopsAtMarker(t *testing.T) {
	port := &fakePort{}
	port.in.WriteString("hello\r\n>>> trailing")
	s := testSession(port)

	got, err := s.ReadUntil([]byte(">>> "))
	if err != nil {
		t.Fatalf("ReadUntil: %v", err)
	}
	if string(got) != "hello\r\n>>> " {
		t.Fatalf("ReadUntil = %q, want %q", got, "hello\r\n>>> ")
	}
	// Bytes after the marker stay buffered for the next read.
	if port.in.String() != "trailing" {
		t.Fatalf("consumed past the marker, %q left", port.in.String())
	}
}

func TestReadUntilTimeoutReturnsPartial(t *testing.T) {
	port := &fakePort{}
	port.in.WriteString("par")
	s := testSession(port)

	got, err := s.ReadUntil([]byte(">>> "))
	if err != nil {
		t.Fatalf("ReadUntil: %v", err)
	}
	if string(got) != "par" {
		t.Fatalf("ReadUntil = %q, want partial %q", got, "par")
	}
}

func TestReadUntilSilenceReturnsEmpty(t *testing.T) {
	s := testSession(&fakePort{})

	got, err := s.ReadUntil([]byte(">>> "))
	if err != nil {
		t.Fatalf("ReadUntil: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ReadUntil = %q, want empty", got)
	}
}

func TestReadUntilPortError(t *testing.T) {
	port := &fakePort{readErr: errors.New("device unplugged")}
	s := testSession(port)

	if _, err := s.ReadUntil([]byte(">>> ")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestWriteReachesPort(t *testing.T) {
	port := &fakePort{}
	s := testSession(port)

	if err := s.Write([]byte("x = 3")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if port.out.String() != "x = 3" {
		t.Fatalf("port got %q", port.out.String())
	}
}

func TestFlushAndClose(t *testing.T) {
	port := &fakePort{}
	port.in.WriteString("boot banner")
	s := testSession(port)

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !port.flushed || port.in.Len() != 0 {
		t.Fatal("input buffer not discarded")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !port.closed {
		t.Fatal("port left open")
	}
}
