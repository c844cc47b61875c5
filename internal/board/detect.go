package board

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"go.bug.st/serial/enumerator"
)

// USB CDC identity of the board's RP2040 running MicroPython.
const (
	picoVID = "2E8A"
	picoPID = "0005"
)

// ErrNoBoard is returned when no test board is present on the USB bus.
var ErrNoBoard = errors.New("board: no test board found")

// DetectPort scans USB serial devices for the board's VID/PID pair and
// returns the first matching port path.
func DetectPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("board: port scan failed: %w", err)
	}
	for _, p := range ports {
		if matchBoard(p) {
			log.Printf("[board] found test board at %s (VID:PID %s:%s)", p.Name, p.VID, p.PID)
			return p.Name, nil
		}
	}
	return "", ErrNoBoard
}

// matchBoard reports whether a port entry looks like the test board.
// VID/PID strings come back in mixed case across platforms.
func matchBoard(p *enumerator.PortDetails) bool {
	return p.IsUSB && strings.EqualFold(p.VID, picoVID) && strings.EqualFold(p.PID, picoPID)
}
