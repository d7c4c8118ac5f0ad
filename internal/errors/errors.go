// Package errors provides this repo's typed error values and the wrap/trace
// helpers the rest of the module uses, following kv/tikv/errors.go's mix of
// struct and named-string error types and snapRunner.go's use of
// github.com/pingcap/errors for annotated causes.
package errors

import (
	"fmt"

	pingcaperrors "github.com/pingcap/errors"

	jujuerrors "github.com/juju/errors"
)

// ErrStaleTerm is returned when a message arrives carrying a term the
// local node has already moved past.
type ErrStaleTerm struct {
	Have uint64
	Want uint64
}

func (e *ErrStaleTerm) Error() string {
	return fmt.Sprintf("stale term: have %d, want at least %d", e.Have, e.Want)
}

// ErrNotLeader is returned when a client-facing operation is attempted
// against a node that is not the current leader.
type ErrNotLeader struct {
	LeaderID uint64
}

func (e *ErrNotLeader) Error() string {
	if e.LeaderID == 0 {
		return "not leader, no known leader"
	}
	return fmt.Sprintf("not leader, current leader is %d", e.LeaderID)
}

// ErrMalformedFrame is a sentinel cause for anything the wire codec
// rejects: a bad length prefix, truncated body, or invalid JSON.
var ErrMalformedFrame = jujuerrors.New("malformed frame")

// ErrLogStoreFatal wraps an unrecoverable persistent-store failure
// (§7: "treated as fatal, the process should exit").
type ErrLogStoreFatal struct {
	Cause error
}

func (e *ErrLogStoreFatal) Error() string {
	return fmt.Sprintf("log store fatal: %v", e.Cause)
}

func (e *ErrLogStoreFatal) Unwrap() error { return e.Cause }

// ErrConfigInvalid is returned by config validation.
type ErrConfigInvalid struct {
	Reason string
}

func (e *ErrConfigInvalid) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// Trace annotates err with the caller's file and line, the way
// snapRunner.go's errors.Errorf calls do for lower-level causes. Returns
// nil if err is nil.
func Trace(err error) error {
	return pingcaperrors.Trace(err)
}

// Annotatef wraps err with a formatted message, preserving Cause.
func Annotatef(err error, format string, args ...interface{}) error {
	return pingcaperrors.Annotatef(err, format, args...)
}

// Cause unwraps err to its root cause, the way kv/tikv/errors.go's
// convertToKeyError switches on errors.Cause(err) to recover a typed
// error through layers of annotation.
func Cause(err error) error {
	return jujuerrors.Cause(err)
}

// New constructs a plain sentinel error.
func New(msg string) error {
	return jujuerrors.New(msg)
}

// Errorf constructs a formatted sentinel error.
func Errorf(format string, args ...interface{}) error {
	return jujuerrors.Errorf(format, args...)
}
