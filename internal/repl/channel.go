package repl

import (
	"bytes"
	"fmt"
	"log"
)

// Conn is the transport a Channel drives. *Session implements it; tests
// substitute a scripted fake.
type Conn interface {
	Write(p []byte) error
	ReadUntil(marker []byte) ([]byte, error)
	Close() error
}

// Control bytes and framing sequences of the board's line interpreter.
const (
	ctrlC = 0x03 // KeyboardInterrupt — cancels typed input and running code
	ctrlD = 0x04 // soft reset from a clean prompt
	cr    = 0x0D // carriage return — starts execution of the typed line
)

var (
	prompt    = []byte(">>> ")
	crlf      = []byte("\r\n")
	cleanStop = []byte("\r\n>>> ") // what an interrupted interpreter prints
)

// Channel runs single lines of source on a board interpreter and returns
// what they print.
//
// Every exchange is verified: the interpreter echoes typed bytes, so a line
// is only started once its echo came back intact. A mis-echoed line is
// cancelled with ctrl-C before the next attempt, which keeps the
// interpreter's input buffer clean across retries.
//
// A Channel is not reentrant. Interleaved exchanges from two goroutines
// corrupt the echo stream, so the owner serializes calls.
type Channel struct {
	conn Conn
}

// NewChannel wraps an open transport.
func NewChannel(conn Conn) *Channel {
	return &Channel{conn: conn}
}

// Close tears down the underlying transport.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// execState tracks progress through one Execute call.
type execState int

const (
	stateTransmit execState = iota // write the line, verify its echo
	stateCancel                    // ctrl-C a mis-echoed line
	stateStart                     // CR to begin execution
	stateCollect                   // read output up to the next prompt
)

// Execute types code at the interpreter, runs it, and returns its output
// with the trailing prompt and final line break stripped. retries bounds
// the transmit attempts and each recovery sequence independently.
func (c *Channel) Execute(code string, retries int) (string, error) {
	if !isASCII(code) {
		return "", fmt.Errorf("%w: %q", ErrNotASCII, code)
	}
	payload := []byte(code)
	if retries < 1 {
		retries = 1
	}

	state := stateTransmit
	attempt := 0
	for {
		switch state {
		case stateTransmit:
			attempt++
			ok, err := c.exchange(payload, payload, 1, matchExact)
			if err != nil {
				return "", err
			}
			if ok {
				state = stateStart
			} else {
				log.Printf("[repl] echo mismatch on attempt %d/%d: %q", attempt, retries, code)
				state = stateCancel
			}

		case stateCancel:
			ok, err := c.exchange([]byte{ctrlC}, cleanStop, retries, matchExact)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", fmt.Errorf("%w after mis-transmit of %q", ErrCancel, code)
			}
			if attempt >= retries {
				return "", fmt.Errorf("%w: %q after %d attempts", ErrTransmit, code, attempt)
			}
			state = stateTransmit

		case stateStart:
			ok, err := c.exchange([]byte{cr}, crlf, retries, matchExact)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", fmt.Errorf("%w: %q", ErrStart, code)
			}
			state = stateCollect

		case stateCollect:
			raw, err := c.conn.ReadUntil(prompt)
			if err != nil {
				return "", err
			}
			if !bytes.HasSuffix(raw, prompt) {
				return "", fmt.Errorf("%w: %q returned %q", ErrTruncated, code, raw)
			}
			body := raw[:len(raw)-len(prompt)]
			body = bytes.TrimSuffix(body, crlf)
			return string(body), nil
		}
	}
}

// Reset interrupts whatever the interpreter is doing and soft-restarts it.
//
// The interrupt stage expects the bare interrupted-prompt sequence. The
// restart stage only looks for a prompt somewhere in the reply, because the
// reboot banner ahead of it varies between firmware builds.
func (c *Channel) Reset(retries int) error {
	if retries < 1 {
		retries = 1
	}
	ok, err := c.exchange([]byte{ctrlC}, cleanStop, retries, matchExact)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: running code could not be interrupted", ErrReset)
	}
	ok, err = c.exchange([]byte{ctrlD}, cleanStop, retries, matchContains)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no prompt after soft reset", ErrReset)
	}
	log.Printf("[repl] board interpreter reset")
	return nil
}

// matchMode selects how an expected sequence is compared against what the
// board sent back.
type matchMode int

const (
	matchExact    matchMode = iota // reply must be exactly the sequence
	matchContains                  // sequence anywhere in the reply is enough
)

// exchange writes out and reads until want, up to attempts times. The bool
// reports whether the expected reply arrived; errors are transport failures.
func (c *Channel) exchange(out, want []byte, attempts int, mode matchMode) (bool, error) {
	for i := 0; i < attempts; i++ {
		if err := c.conn.Write(out); err != nil {
			return false, err
		}
		got, err := c.conn.ReadUntil(want)
		if err != nil {
			return false, err
		}
		if mode == matchExact && bytes.Equal(got, want) {
			return true, nil
		}
		if mode == matchContains && bytes.Contains(got, want) {
			return true, nil
		}
	}
	return false, nil
}

// isASCII reports whether s survives a round trip through the interpreter's
// 7-bit echo.
func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}
