package board

import "errors"

// ErrNotConnected is returned when an operation needs a live board.
var ErrNotConnected = errors.New("board: not connected")

// Provider is the interface all test board backends implement.
// Pico is the hardware implementation; Demo simulates a board so the
// panel can run without a bench.
type Provider interface {
	// Name returns the human-readable name of this board provider.
	Name() string
	// Connect opens the serial link and brings the firmware up.
	Connect() error
	// Close cleanly shuts down the serial connection.
	Close() error
	// IsConnected returns whether the provider has a live board.
	IsConnected() bool

	// Rails samples the 5V and 24V supervision rails.
	Rails() (*RailReading, error)
	// Exec runs one line of code on the board and returns its output.
	Exec(code string) (string, error)
	// Reset restarts the board interpreter and repeats the bring-up.
	Reset() error
}

// RailReading holds one sample of the supply rail monitors. Raw values are
// the averaged ADC result scaled to the 0..3V input range; the voltage
// fields are only meaningful when Calibrated is true.
type RailReading struct {
	Rail5Raw   float64 `json:"rail5Raw"`
	Rail5V     float64 `json:"rail5V"`
	Rail24Raw  float64 `json:"rail24Raw"`
	Rail24V    float64 `json:"rail24V"`
	Calibrated bool    `json:"calibrated"`
}
