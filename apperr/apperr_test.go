package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("create task: %w", Conflict("task-1", "task with same parameters already exists"))
	if got := KindOf(err); got != KindConflict {
		t.Fatalf("want %s got %s", KindConflict, got)
	}
	id, ok := ConflictTaskID(err)
	if !ok || id != "task-1" {
		t.Fatalf("unexpected conflict id %q ok=%v", id, ok)
	}
	if IsKind(errors.New("plain"), KindValidation) {
		t.Fatalf("plain error must not carry a kind")
	}
}

func TestError_Message(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("fetch failed", cause)
	if err.Error() != "fetch failed: connection reset" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be unwrapped")
	}
}
