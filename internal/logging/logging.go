// Package logging gives every subsystem a component-tagged logger backed
// by the teacher's own github.com/ngaut/log, the global leveled logger
// used throughout kv/tikv/raftstore/peer.go and
// kv/tikv/inner_server/snapRunner.go (log.Infof/Debugf/Warnf/Errorf).
//
// peer.go tags its own lines with a "[region N peer M]"-style prefix
// (peer.Tag); Logger reproduces that idea for node/role-scoped lines
// instead of region/peer ones.
package logging

import (
	"fmt"

	nlog "github.com/ngaut/log"
)

// Logger prefixes every line with a fixed component tag and forwards to
// the shared ngaut/log global logger.
type Logger struct {
	tag string
}

// New returns a Logger tagged with component, e.g. New("node-3") or
// New("node-3 transport").
func New(component string) *Logger {
	return &Logger{tag: "[" + component + "]"}
}

// With returns a derived Logger with an additional tag segment appended,
// e.g. l.With("subleader") turning "[node-3]" into "[node-3 subleader]".
func (l *Logger) With(segment string) *Logger {
	return &Logger{tag: l.tag[:len(l.tag)-1] + " " + segment + "]"}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	nlog.Debugf(l.tag+" "+format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	nlog.Infof(l.tag+" "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	nlog.Warnf(l.tag+" "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	nlog.Errorf(l.tag+" "+format, args...)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	nlog.Fatalf(l.tag+" "+format, args...)
}

// SetLevel sets the global ngaut/log level from a string such as "debug",
// "info", "warn", or "error", mirroring how the teacher's own config wires
// LogLevel through to log.SetLevelByString.
func SetLevel(level string) {
	nlog.SetLevelByString(level)
}

// SetOutputFile redirects the global logger to path, returning an error
// wrapped the way ngaut/log itself reports an unopenable file.
func SetOutputFile(path string) error {
	if path == "" {
		return nil
	}
	if err := nlog.SetOutputByName(path); err != nil {
		return fmt.Errorf("logging: setting output %q: %w", path, err)
	}
	return nil
}
