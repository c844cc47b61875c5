package repl

import "errors"

// Protocol failures are reported through these sentinels so callers can tell
// a retryable transmit problem from a channel that needs a reset. Each is
// wrapped with call context via fmt.Errorf("%w: ...").
var (
	// ErrNotASCII means the command contains bytes the interpreter's line
	// editor cannot echo back. Nothing is written to the board.
	ErrNotASCII = errors.New("repl: command is not ASCII")

	// ErrTransmit means the board never echoed the command correctly, even
	// after the full retry budget. Input was cancelled each time, so the
	// channel is still usable.
	ErrTransmit = errors.New("repl: command transmit not confirmed")

	// ErrCancel means a mis-echoed command could not be cancelled. The
	// interpreter may hold partial input; reset before reusing the channel.
	ErrCancel = errors.New("repl: failed to cancel pending input")

	// ErrStart means the board confirmed the command but never acknowledged
	// the carriage return that starts execution.
	ErrStart = errors.New("repl: failed to start execution")

	// ErrTruncated means the response ended without a fresh prompt, most
	// likely a read timeout mid-output.
	ErrTruncated = errors.New("repl: response truncated before prompt")

	// ErrReset means the interrupt / soft-reset sequence was not acknowledged.
	ErrReset = errors.New("repl: board reset failed")
)
