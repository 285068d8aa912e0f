package multitable

import (
	"errors"
	"testing"
)

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateStart, "Start"},
		{StateStaged, "Staged"},
		{StateDone, "Done"},
		{StateFailed, "Failed"},
		{State(42), "State(42)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Fatalf("State(%d).String() = %q, want %q", int(tc.s), got, tc.want)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	for s := StateStart; s <= StateFailed; s++ {
		want := s == StateDone || s == StateFailed
		if s.Terminal() != want {
			t.Fatalf("%s.Terminal() = %v", s, !want)
		}
	}
}

func TestStageError(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := error(&StageError{Entity: "ventes", Stage: "merge", From: StateStaged, Err: cause})

	if got, want := err.Error(), "ventes: merge (from Staged): boom"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is did not see the cause")
	}
}
