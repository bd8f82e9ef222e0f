// Package rterr provides the structured error type used across the
// runtime core: an Op/Code/Inner struct supporting errors.Is/As,
// categorized by the runtime's own error codes.
package rterr

import "fmt"

// Error is a structured runtime error with enough context to diagnose
// which subsystem and operation failed.
type Error struct {
	Op    string // operation that failed, e.g. "obstack.alloc", "intern.Intern"
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("coreruntime: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("coreruntime: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison against another *Error by Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// Code categorizes a runtime error independent of the failing operation.
type Code string

const (
	CodeOutOfMemory        Code = "out of memory"
	CodeInvalidArgument    Code = "invalid argument"
	CodeCycleDetected      Code = "cycle detected"
	CodeFrozenMutation     Code = "mutation of frozen object"
	CodeDeadlock           Code = "deadlock"
	CodeStaleSubscription  Code = "stale subscription"
	CodeProcessDead        Code = "process is dead"
	CodeNotFound           Code = "not found"
	CodeDeserialization    Code = "deserialization error"
	CodeInvariantViolation Code = "invariant violation"
	CodeRuntimeError       Code = "runtime error"
	CodeExit               Code = "exit"
)

// ExitError is a user-requested program termination: it unwinds as a panic through task boundaries and is
// converted into a process exit status at the outermost drain.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("coreruntime: exit with status %d", e.Status)
}

// Is lets errors.Is match any two ExitErrors regardless of status.
func (e *ExitError) Is(target error) bool {
	_, ok := target.(*ExitError)
	return ok
}

// New builds an *Error.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Wrap builds an *Error carrying an inner cause.
func Wrap(op string, code Code, inner error) *Error {
	return &Error{Op: op, Code: code, Inner: inner, Msg: inner.Error()}
}
