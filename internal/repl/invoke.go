package repl

import (
	"fmt"
	"strconv"
	"strings"
)

// Kwarg is one named argument of a remote call.
type Kwarg struct {
	Name  string
	Value any
}

// Call describes one function or method invocation on the board.
//
// Name is the full dotted path ("main.main", "board.read_ADC_5V").
// Rendering performs no quoting or escaping of argument values: a string
// argument is pasted into the source as-is, so callers own its interpreter
// syntax.
type Call struct {
	Name   string
	Args   []any
	Kwargs []Kwarg
}

// Render flattens the call into one line of interpreter source, positional
// arguments first, then keyword arguments as "name = value".
func (c Call) Render() string {
	parts := make([]string, 0, len(c.Args)+len(c.Kwargs))
	for _, a := range c.Args {
		parts = append(parts, formatArg(a))
	}
	for _, k := range c.Kwargs {
		parts = append(parts, k.Name+" = "+formatArg(k.Value))
	}
	return c.Name + "(" + strings.Join(parts, ", ") + ")"
}

// formatArg converts a Go value into interpreter source. Booleans become
// the interpreter's capitalized literals; strings pass through verbatim.
func formatArg(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Invoker renders calls and runs them through a channel with a fixed retry
// budget.
type Invoker struct {
	ch      *Channel
	retries int
}

// NewInvoker binds a channel. retries applies to every exchange.
func NewInvoker(ch *Channel, retries int) *Invoker {
	return &Invoker{ch: ch, retries: retries}
}

// Invoke runs the call and returns what it printed, usually the textual
// form of its return value.
func (inv *Invoker) Invoke(call Call) (string, error) {
	return inv.ch.Execute(call.Render(), inv.retries)
}

// Assign runs the call and binds its result to name on the board, so later
// calls can hang off it.
func (inv *Invoker) Assign(name string, call Call) error {
	_, err := inv.ch.Execute(name+" = "+call.Render(), inv.retries)
	return err
}

// Exec runs one raw line of source.
func (inv *Invoker) Exec(code string) (string, error) {
	return inv.ch.Execute(code, inv.retries)
}

// Reset interrupts and soft-restarts the interpreter.
func (inv *Invoker) Reset() error {
	return inv.ch.Reset(inv.retries)
}
