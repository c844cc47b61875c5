package board

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmslab/cellbench/internal/cal"
	"github.com/bmslab/cellbench/internal/repl"
)

// Config holds connection configuration for the Pico provider.
type Config struct {
	Port       string        // serial device, auto-detected when empty
	Baud       int           // defaults to 115200
	Timeout    time.Duration // read window for one REPL exchange
	Retries    int           // transmit retries per REPL command
	ADCSamples int           // samples averaged per ADC read
	ADCFreq    int           // ADC sample frequency in Hz
}

// invoker is the repl.Invoker surface the provider uses, split out so
// tests can drive the provider against a scripted board.
type invoker interface {
	Invoke(call repl.Call) (string, error)
	Exec(code string) (string, error)
	Assign(name string, call repl.Call) error
	Reset() error
}

// Pico drives the test board firmware over its USB REPL.
//
// Every exchange goes through a single repl.Channel, which is not safe for
// concurrent use, so each public method holds the provider mutex for the
// whole transaction.
type Pico struct {
	cfg Config
	cal *cal.Store

	mu        sync.Mutex
	session   *repl.Session
	inv       invoker
	connected bool
}

// NewPico creates a Pico provider. The calibration store may be empty;
// rail readings then carry raw values only.
func NewPico(cfg Config, calStore *cal.Store) *Pico {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Retries < 1 {
		cfg.Retries = 3
	}
	if cfg.ADCSamples == 0 {
		cfg.ADCSamples = 16
	}
	if cfg.ADCFreq == 0 {
		cfg.ADCFreq = 1000
	}
	return &Pico{cfg: cfg, cal: calStore}
}

func (p *Pico) Name() string { return "Pico Test Board" }

// Connect opens the serial port and brings the firmware up: pending
// interpreter state is cancelled, the firmware module is imported, and the
// board object is constructed with the configured ADC options.
func (p *Pico) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.cfg.Port
	if path == "" {
		detected, err := DetectPort()
		if err != nil {
			return err
		}
		path = detected
	}

	sess, err := repl.Open(path, p.cfg.Baud, p.cfg.Timeout)
	if err != nil {
		return err
	}
	sess.Flush()

	inv := repl.NewInvoker(repl.NewChannel(sess), p.cfg.Retries)
	if err := p.bringUp(inv); err != nil {
		sess.Close()
		return err
	}

	p.session = sess
	p.inv = inv
	p.connected = true
	log.Printf("[board] firmware up on %s (%d samples at %d Hz)", path, p.cfg.ADCSamples, p.cfg.ADCFreq)
	return nil
}

// bringUp restarts the interpreter and rebuilds the firmware board object.
func (p *Pico) bringUp(inv invoker) error {
	if err := inv.Reset(); err != nil {
		return fmt.Errorf("board: interpreter reset: %w", err)
	}
	if _, err := inv.Exec("import main"); err != nil {
		return fmt.Errorf("board: firmware import: %w", err)
	}
	err := inv.Assign("board", repl.Call{
		Name: "main.main",
		Kwargs: []repl.Kwarg{
			{Name: "local_adc_read_samples", Value: p.cfg.ADCSamples},
			{Name: "local_adc_read_frequency", Value: p.cfg.ADCFreq},
		},
	})
	if err != nil {
		return fmt.Errorf("board: board object bind: %w", err)
	}
	return nil
}

// IsConnected returns whether the provider has a live board.
func (p *Pico) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Rails samples both supervision rails. The firmware returns each averaged
// ADC result as a decimal string in the 0..3V input range.
func (p *Pico) Rails() (*RailReading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}

	raw5, err := p.readADC("board.read_ADC_5V")
	if err != nil {
		return nil, err
	}
	raw24, err := p.readADC("board.read_ADC_24V")
	if err != nil {
		return nil, err
	}

	r := &RailReading{Rail5Raw: raw5, Rail24Raw: raw24}
	if p.cal != nil && p.cal.Loaded() {
		v5, err5 := p.cal.RailVoltage(cal.Rail5V, raw5)
		v24, err24 := p.cal.RailVoltage(cal.Rail24V, raw24)
		if err5 == nil && err24 == nil {
			r.Rail5V, r.Rail24V = v5, v24
			r.Calibrated = true
		}
	}
	return r, nil
}

// readADC invokes one firmware read method and parses its decimal reply.
func (p *Pico) readADC(method string) (float64, error) {
	out, err := p.inv.Invoke(repl.Call{Name: method})
	if err != nil {
		return 0, fmt.Errorf("board: %s: %w", method, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("board: %s returned %q: %w", method, out, err)
	}
	return v, nil
}

// Exec runs one line of code on the board and returns its printed output.
func (p *Pico) Exec(code string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return "", ErrNotConnected
	}
	return p.inv.Exec(code)
}

// Reset soft-reboots the interpreter and repeats the firmware bring-up.
// On failure the connection is torn down so a later Connect starts clean.
func (p *Pico) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	if err := p.bringUp(p.inv); err != nil {
		p.teardown()
		return err
	}
	log.Printf("[board] board reset complete")
	return nil
}

// Close shuts down the serial connection.
func (p *Pico) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardown()
}

func (p *Pico) teardown() error {
	p.connected = false
	p.inv = nil
	if p.session == nil {
		return nil
	}
	err := p.session.Close()
	p.session = nil
	return err
}
