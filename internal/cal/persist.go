package cal

import (
	"fmt"
	"log"
	"time"
)

// Backend is the named-value store a profile is persisted in. Values are
// plain trees of sequences and numbers so any structured encoding can carry
// them.
type Backend interface {
	Lookup(name string) (any, bool)
	Set(name string, value any)
}

// Value names in the backend. Each model is stored as a [slope, intercept]
// pair, groups as nested sequences of pairs.
const (
	KeyCell   = "cal_cell"
	KeyTemp   = "cal_temp"
	KeyRail5  = "cal_rail5"
	KeyRail24 = "cal_rail24"
	KeyStamp  = "last_calibrated"
)

// Load pulls the model groups out of the backend. Groups that are absent or
// malformed are logged and left unset; conversions stay refused until every
// group parses, but one bad group never blocks the others from loading.
func (s *Store) Load(b Backend) {
	s.cell, s.cellOK = s.loadCell(b)
	s.temp, s.tempOK = s.loadTemp(b)
	s.rail5, s.rail5OK = loadRail(b, KeyRail5)
	s.rail24, s.rail24OK = loadRail(b, KeyRail24)

	if s.Loaded() {
		log.Printf("[cal] calibration profile loaded (%dx%d cells)", s.series, s.parallel)
	}
}

// Save writes the full profile and a fresh timestamp back to the backend.
// Saving a partial profile is refused so a half-built profile can never
// shadow a good one.
func (s *Store) Save(b Backend) error {
	if !s.Loaded() {
		return fmt.Errorf("%w: refusing to save a partial profile", ErrNotCalibrated)
	}
	cell := make([]any, len(s.cell))
	for i, row := range s.cell {
		r := make([]any, len(row))
		for j, m := range row {
			r[j] = m.pair()
		}
		cell[i] = r
	}
	temp := make([]any, len(s.temp))
	for i, m := range s.temp {
		temp[i] = m.pair()
	}
	b.Set(KeyCell, cell)
	b.Set(KeyTemp, temp)
	b.Set(KeyRail5, s.rail5.pair())
	b.Set(KeyRail24, s.rail24.pair())
	b.Set(KeyStamp, time.Now().UTC().Format(time.RFC3339))
	return nil
}

// LastCalibrated reads the stored calibration timestamp.
func LastCalibrated(b Backend) (time.Time, bool) {
	v, ok := b.Lookup(KeyStamp)
	if !ok || v == nil {
		return time.Time{}, false
	}
	text, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, text)
	if err != nil {
		log.Printf("[cal] bad %s value %q: %v", KeyStamp, text, err)
		return time.Time{}, false
	}
	return ts, true
}

// SinceLastCalibration reports how stale the stored profile is.
func SinceLastCalibration(b Backend) (time.Duration, bool) {
	ts, ok := LastCalibrated(b)
	if !ok {
		return 0, false
	}
	return time.Since(ts), true
}

func (s *Store) loadCell(b Backend) ([][]Model, bool) {
	v, ok := b.Lookup(KeyCell)
	if !ok || v == nil {
		return nil, false
	}
	grid, err := asModelGrid(v, s.series, s.parallel)
	if err != nil {
		log.Printf("[cal] bad %s value: %v", KeyCell, err)
		return nil, false
	}
	return grid, true
}

func (s *Store) loadTemp(b Backend) ([]Model, bool) {
	v, ok := b.Lookup(KeyTemp)
	if !ok || v == nil {
		return nil, false
	}
	row, err := asModelRow(v, s.series)
	if err != nil {
		log.Printf("[cal] bad %s value: %v", KeyTemp, err)
		return nil, false
	}
	return row, true
}

func loadRail(b Backend, key string) (Model, bool) {
	v, ok := b.Lookup(key)
	if !ok || v == nil {
		return Model{}, false
	}
	m, err := asModel(v)
	if err != nil {
		log.Printf("[cal] bad %s value: %v", key, err)
		return Model{}, false
	}
	return m, true
}

// pair is the persisted form of one model.
func (m Model) pair() []any {
	return []any{m.Slope, m.Intercept}
}

func asModel(v any) (Model, error) {
	seq, ok := v.([]any)
	if !ok {
		return Model{}, fmt.Errorf("expected a coefficient pair, got %T", v)
	}
	if len(seq) != 2 {
		return Model{}, fmt.Errorf("expected 2 coefficients, got %d", len(seq))
	}
	slope, ok := asNumber(seq[0])
	if !ok {
		return Model{}, fmt.Errorf("slope %v is not numeric", seq[0])
	}
	intercept, ok := asNumber(seq[1])
	if !ok {
		return Model{}, fmt.Errorf("intercept %v is not numeric", seq[1])
	}
	return Model{Slope: slope, Intercept: intercept}, nil
}

func asModelRow(v any, want int) ([]Model, error) {
	seq, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a sequence of models, got %T", v)
	}
	if len(seq) != want {
		return nil, fmt.Errorf("expected %d models, got %d", want, len(seq))
	}
	row := make([]Model, want)
	for i, e := range seq {
		m, err := asModel(e)
		if err != nil {
			return nil, fmt.Errorf("model %d: %w", i, err)
		}
		row[i] = m
	}
	return row, nil
}

func asModelGrid(v any, rows, cols int) ([][]Model, error) {
	seq, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a sequence of rows, got %T", v)
	}
	if len(seq) != rows {
		return nil, fmt.Errorf("expected %d rows, got %d", rows, len(seq))
	}
	grid := make([][]Model, rows)
	for i, e := range seq {
		row, err := asModelRow(e, cols)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		grid[i] = row
	}
	return grid, nil
}

// asNumber widens whatever leaf type the backend's decoder produced.
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
