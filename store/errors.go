package store

import (
	"errors"
	"fmt"

	"github.com/mohans/newsdigest/models"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrExecutionInFlight is returned when a task already has a
	// non-terminal execution.
	ErrExecutionInFlight = errors.New("store: execution already in flight")
)

// TransitionError reports a status change rejected by the state machine.
type TransitionError struct {
	ExecutionID string
	From        models.ExecutionStatus
	To          models.ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("store: execution %s cannot move from %s to %s", e.ExecutionID, e.From, e.To)
}

// IsTransitionError reports whether err is a rejected transition.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
