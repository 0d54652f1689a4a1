// Package display is the named external interface the client pipeline calls
// into for operator-visible status lines (spec §1: LCD rendering is out of
// scope in detail; only the contract is part of this spec).
package display

import "log"

// Display shows one line of operator-facing status, e.g. "RFID: 1000042" or
// "RS485 disconnected" (spec §4.7).
type Display interface {
	ShowLine(line string)
}

// LogDisplay satisfies Display by logging, for nodes with no LCD attached
// and for every test.
type LogDisplay struct{}

func (LogDisplay) ShowLine(line string) {
	log.Printf("display: %s", line)
}

var _ Display = LogDisplay{}
