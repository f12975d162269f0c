// Package simlog provides the per-peripheral prefixed logging used across
// the simulator (spec.md §7's four error kinds). It wraps the standard
// log.Logger the way the teacher's devices print warnings with
// log.Printf/fmt.Printf, rather than introducing a structured logging
// library nothing downstream needs to consume.
package simlog

import (
	"log"
	"os"
)

// Logger prefixes every line with a peripheral name, e.g. "[RADIO] ".
type Logger struct {
	name string
	l    *log.Logger
}

// New creates a Logger for the named peripheral, writing to stderr with
// the standard library's default flags.
func New(name string) *Logger {
	return &Logger{name: name, l: log.New(os.Stderr, "", log.LstdFlags)}
}

// Warn logs a firmware-programming warning (spec.md §7 kind 2) or an
// unimplemented-feature notice (kind 4): logged, non-fatal, the peripheral
// proceeds with its documented recovery.
func (g *Logger) Warn(format string, args ...any) {
	g.l.Printf("["+g.name+"] warning: "+format, args...)
}

// Fatal logs a simulator-fatal condition (spec.md §7 kind 1) with the
// virtual time it occurred at. It does not terminate the process, and
// neither do its callers (Simulator.Fatal also only logs): the simulation
// keeps running after a fatal line, with no os.Exit deep inside a device.
func (g *Logger) Fatal(now int64, format string, args ...any) {
	g.l.Printf("["+g.name+"] FATAL at t=%dus: "+format, append([]any{now}, args...)...)
}
