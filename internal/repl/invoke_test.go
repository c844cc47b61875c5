package repl

import (
	"testing"
)

func TestCallRender(t *testing.T) {
	cases := []struct {
		name string
		call Call
		want string
	}{
		{
			name: "no arguments",
			call: Call{Name: "board.read_ADC_5V"},
			want: "board.read_ADC_5V()",
		},
		{
			name: "positional arguments",
			call: Call{Name: "board.set_cell", Args: []any{17, 3, 2048}},
			want: "board.set_cell(17, 3, 2048)",
		},
		{
			name: "keyword arguments",
			call: Call{Name: "main.main", Kwargs: []Kwarg{
				{Name: "local_adc_read_samples", Value: 16},
				{Name: "local_adc_read_frequency", Value: 1000},
			}},
			want: "main.main(local_adc_read_samples = 16, local_adc_read_frequency = 1000)",
		},
		{
			name: "mixed arguments keep positional first",
			call: Call{
				Name:   "Timer",
				Args:   []any{-1},
				Kwargs: []Kwarg{{Name: "freq", Value: 1000}},
			},
			want: "Timer(-1, freq = 1000)",
		},
		{
			name: "float renders as decimal",
			call: Call{Name: "f", Args: []any{2.5}},
			want: "f(2.5)",
		},
		{
			name: "bool renders as interpreter literal",
			call: Call{Name: "f", Args: []any{true, false}},
			want: "f(True, False)",
		},
		{
			name: "strings pass through without quoting",
			call: Call{Name: "getattr", Args: []any{"board", "'read_ADC_5V'"}},
			want: "getattr(board, 'read_ADC_5V')",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.call.Render(); got != tc.want {
				t.Fatalf("Render = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestInvokerInvoke(t *testing.T) {
	src := "board.read_ADC_24V()"
	conn := &fakeConn{replies: replies(src, "\r\n", "2.17731\r\n>>> ")}
	inv := NewInvoker(NewChannel(conn), 3)

	got, err := inv.Invoke(Call{Name: "board.read_ADC_24V"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "2.17731" {
		t.Fatalf("Invoke = %q, want %q", got, "2.17731")
	}
	assertWrites(t, conn, src, "\r")
}

func TestInvokerAssign(t *testing.T) {
	src := "board = main.main(local_adc_read_samples = 16, local_adc_read_frequency = 1000)"
	conn := &fakeConn{replies: replies(src, "\r\n", ">>> ")}
	inv := NewInvoker(NewChannel(conn), 3)

	err := inv.Assign("board", Call{Name: "main.main", Kwargs: []Kwarg{
		{Name: "local_adc_read_samples", Value: 16},
		{Name: "local_adc_read_frequency", Value: 1000},
	}})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	assertWrites(t, conn, src, "\r")
}

func TestInvokerExecAndReset(t *testing.T) {
	conn := &fakeConn{replies: replies(
		"import main", "\r\n", ">>> ",
		"\r\n>>> ",
		"MPY: soft reboot\r\n>>> ",
	)}
	inv := NewInvoker(NewChannel(conn), 3)

	if _, err := inv.Exec("import main"); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := inv.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	assertWrites(t, conn, "import main", "\r", "\x03", "\x04")
}
