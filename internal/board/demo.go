package board

import (
	"math/rand"
	"sync"

	"github.com/bmslab/cellbench/internal/cal"
)

// Demo simulates a test board so the panel can run without bench hardware.
type Demo struct {
	mu        sync.Mutex
	connected bool
	cal       *cal.Store
}

func NewDemo(calStore *cal.Store) *Demo {
	return &Demo{cal: calStore}
}

func (d *Demo) Name() string { return "Demo (Simulated)" }

func (d *Demo) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *Demo) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Rails returns readings near the nominal bench supplies. On the dividers
// a healthy 5V rail reads 2.25 and a healthy 24V rail about 2.182, so the
// simulation jitters around those points.
func (d *Demo) Rails() (*RailReading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, ErrNotConnected
	}

	raw5 := 2.25 + (rand.Float64()-0.5)*0.004
	raw24 := 2.182 + (rand.Float64()-0.5)*0.006

	r := &RailReading{Rail5Raw: raw5, Rail24Raw: raw24}
	if d.cal != nil && d.cal.Loaded() {
		v5, err5 := d.cal.RailVoltage(cal.Rail5V, raw5)
		v24, err24 := d.cal.RailVoltage(cal.Rail24V, raw24)
		if err5 == nil && err24 == nil {
			r.Rail5V, r.Rail24V = v5, v24
			r.Calibrated = true
		}
	}
	return r, nil
}

// Exec accepts any code and produces no output, like a statement.
func (d *Demo) Exec(code string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return "", ErrNotConnected
	}
	return "", nil
}

func (d *Demo) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return ErrNotConnected
	}
	return nil
}
