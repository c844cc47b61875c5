package cal

import (
	"errors"
	"math"
	"testing"
	"time"
)

// mapBackend is an in-memory Backend for tests.
type mapBackend map[string]any

func (m mapBackend) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func (m mapBackend) Set(name string, value any) {
	m[name] = value
}

func defaultStore() *Store {
	s := NewStore(18, 4)
	s.ApplyDefaults(DefaultHardware)
	return s
}

func TestApplyDefaultsConversions(t *testing.T) {
	s := defaultStore()
	if !s.Loaded() {
		t.Fatal("profile not loaded after ApplyDefaults")
	}

	t.Run("temp code at half scale", func(t *testing.T) {
		code, err := s.DACCode(DACTemp, 17, 0, 2.5, 5.0)
		if err != nil {
			t.Fatalf("DACCode: %v", err)
		}
		if code != 2048 {
			t.Fatalf("code = %d, want 2048", code)
		}
	})

	t.Run("cell code at full scale", func(t *testing.T) {
		code, err := s.DACCode(DACCell, 17, 3, 23.8889, 5.0)
		if err != nil {
			t.Fatalf("DACCode: %v", err)
		}
		if code != 4096 {
			t.Fatalf("code = %d, want 4096", code)
		}
	})

	t.Run("5V rail recovery", func(t *testing.T) {
		v, err := s.RailVoltage(Rail5V, 1.0)
		if err != nil {
			t.Fatalf("RailVoltage: %v", err)
		}
		if math.Abs(v-2.2222) > 1e-4 {
			t.Fatalf("voltage = %v, want about 2.2222", v)
		}
	})

	t.Run("24V rail recovery", func(t *testing.T) {
		v, err := s.RailVoltage(Rail24V, 1.0)
		if err != nil {
			t.Fatalf("RailVoltage: %v", err)
		}
		if v != 11.0 {
			t.Fatalf("voltage = %v, want 11.0", v)
		}
	})
}

func TestConversionsRefuseWithoutProfile(t *testing.T) {
	s := NewStore(18, 4)
	if s.Loaded() {
		t.Fatal("empty store reports a loaded profile")
	}
	if _, err := s.DACCode(DACCell, 0, 0, 3.0, 5.0); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("DACCode err = %v, want ErrNotCalibrated", err)
	}
	if _, err := s.RailVoltage(Rail5V, 1.0); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("RailVoltage err = %v, want ErrNotCalibrated", err)
	}
}

func TestDACCodeValidation(t *testing.T) {
	s := defaultStore()
	cases := []struct {
		name      string
		dac       DAC
		series    int
		parallel  int
		reference float64
	}{
		{"series negative", DACCell, -1, 0, 5.0},
		{"series past end", DACTemp, 18, 0, 5.0},
		{"parallel negative", DACCell, 0, -1, 5.0},
		{"parallel past end", DACCell, 0, 4, 5.0},
		{"zero reference", DACCell, 0, 0, 0},
		{"unknown family", DAC(9), 0, 0, 5.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.DACCode(tc.dac, tc.series, tc.parallel, 1.0, tc.reference)
			if err == nil {
				t.Fatal("expected an error")
			}
			if errors.Is(err, ErrNotCalibrated) {
				t.Fatalf("validation failure reported as missing profile: %v", err)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	src := defaultStore()
	b := mapBackend{}
	if err := src.Save(b); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := NewStore(18, 4)
	dst.Load(b)
	if !dst.Loaded() {
		t.Fatal("profile not loaded after round trip")
	}

	wantCode, _ := src.DACCode(DACCell, 17, 3, 23.8889, 5.0)
	gotCode, err := dst.DACCode(DACCell, 17, 3, 23.8889, 5.0)
	if err != nil {
		t.Fatalf("DACCode after load: %v", err)
	}
	if gotCode != wantCode {
		t.Fatalf("code after round trip = %d, want %d", gotCode, wantCode)
	}

	wantV, _ := src.RailVoltage(Rail24V, 0.5)
	gotV, err := dst.RailVoltage(Rail24V, 0.5)
	if err != nil {
		t.Fatalf("RailVoltage after load: %v", err)
	}
	if gotV != wantV {
		t.Fatalf("voltage after round trip = %v, want %v", gotV, wantV)
	}

	ts, ok := LastCalibrated(b)
	if !ok {
		t.Fatal("no calibration timestamp after Save")
	}
	if age := time.Since(ts); age < 0 || age > time.Minute {
		t.Fatalf("timestamp age %v is implausible", age)
	}
	if _, ok := SinceLastCalibration(b); !ok {
		t.Fatal("SinceLastCalibration found no timestamp")
	}
}

func TestSavePartialProfileRefused(t *testing.T) {
	s := NewStore(18, 4)
	b := mapBackend{}
	if err := s.Save(b); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("Save err = %v, want ErrNotCalibrated", err)
	}
	if len(b) != 0 {
		t.Fatalf("partial save wrote %d values", len(b))
	}
}

func TestLoadBadGroupLeavesProfileUnusable(t *testing.T) {
	cases := []struct {
		name    string
		corrupt func(b mapBackend)
	}{
		{"cell wrong row count", func(b mapBackend) { b[KeyCell] = []any{} }},
		{"temp wrong model count", func(b mapBackend) { b[KeyTemp] = []any{[]any{4096.0, 0.0}} }},
		{"rail pair too long", func(b mapBackend) { b[KeyRail5] = []any{1.0, 2.0, 3.0} }},
		{"rail non numeric leaf", func(b mapBackend) { b[KeyRail24] = []any{"eleven", 0.0} }},
		{"group absent", func(b mapBackend) { delete(b, KeyTemp) }},
		{"group wrong type", func(b mapBackend) { b[KeyCell] = "not a sequence" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := mapBackend{}
			if err := defaultStore().Save(b); err != nil {
				t.Fatalf("Save: %v", err)
			}
			tc.corrupt(b)

			s := NewStore(18, 4)
			s.Load(b)
			if s.Loaded() {
				t.Fatal("profile loaded from corrupt backend")
			}
			if _, err := s.RailVoltage(Rail24V, 1.0); !errors.Is(err, ErrNotCalibrated) {
				t.Fatalf("err = %v, want ErrNotCalibrated", err)
			}
		})
	}
}

func TestLoadKeepsGoodGroups(t *testing.T) {
	b := mapBackend{}
	if err := defaultStore().Save(b); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b[KeyRail5] = []any{"bad"}

	s := NewStore(18, 4)
	s.Load(b)

	snap := s.Snapshot()
	if snap.Loaded {
		t.Fatal("profile claims loaded with a bad rail group")
	}
	if snap.Cell == nil || snap.Temp == nil || snap.Rail24 == nil {
		t.Fatal("good groups were dropped with the bad one")
	}
	if snap.Rail5 != nil {
		t.Fatal("bad rail group survived the load")
	}
}

func TestLastCalibratedToleratesBadValues(t *testing.T) {
	cases := []struct {
		name    string
		backend mapBackend
	}{
		{"absent", mapBackend{}},
		{"not a string", mapBackend{KeyStamp: 42}},
		{"unparseable", mapBackend{KeyStamp: "yesterday"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := LastCalibrated(tc.backend); ok {
				t.Fatal("LastCalibrated accepted a bad value")
			}
			if _, ok := SinceLastCalibration(tc.backend); ok {
				t.Fatal("SinceLastCalibration accepted a bad value")
			}
		})
	}
}

func TestAutoCalibrateFallsBackToDefaults(t *testing.T) {
	s := NewStore(2, 2)
	s.AutoCalibrate(DefaultHardware)
	if !s.Loaded() {
		t.Fatal("profile not loaded after AutoCalibrate")
	}
	code, err := s.DACCode(DACTemp, 0, 0, 2.5, 5.0)
	if err != nil {
		t.Fatalf("DACCode: %v", err)
	}
	if code != 2048 {
		t.Fatalf("code = %d, want 2048", code)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := defaultStore()
	snap := s.Snapshot()
	snap.Cell[0][0] = Model{Slope: -1}

	code, err := s.DACCode(DACCell, 0, 0, 2.0, 5.0)
	if err != nil {
		t.Fatalf("DACCode: %v", err)
	}
	if code < 0 {
		t.Fatal("mutating a snapshot changed the store")
	}
}
