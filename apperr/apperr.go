// Package apperr classifies errors that cross package boundaries so callers
// can decide between retrying, reporting a conflict, or giving up.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the coarse class of an error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindTransient  Kind = "transient"
)

// Error carries a Kind plus an optional wrapped cause. TaskID is set on
// conflicts and names the task that already owns the parameters.
type Error struct {
	Kind   Kind
	Msg    string
	TaskID string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflict reports that taskID already holds the requested identity.
func Conflict(taskID, msg string) *Error {
	return &Error{Kind: KindConflict, Msg: msg, TaskID: taskID}
}

func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// ConflictTaskID returns the conflicting task ID carried by err, if any.
func ConflictTaskID(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindConflict && e.TaskID != "" {
		return e.TaskID, true
	}
	return "", false
}
