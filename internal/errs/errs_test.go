package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		want     string
		terminal bool
	}{
		{name: "nil", err: nil, want: CodeUnknown},
		{name: "plain", err: cause, want: CodeUnknown},
		{name: "transient", err: NewTransientError("download failed", cause), want: CodeTransient},
		{name: "wrapped transient", err: fmt.Errorf("outer: %w", NewTransientError("x", cause)), want: CodeTransient},
		{name: "policy", err: NewPolicyError("too big", ErrTooLarge), want: CodePolicy, terminal: true},
		{name: "missing key sentinel", err: fmt.Errorf("asr: %w", ErrMissingAPIKey), want: CodePolicy, terminal: true},
		{name: "no resource", err: ErrNoResource, want: CodeData, terminal: true},
		{name: "infrastructure", err: NewInfrastructureError("migrate", cause), want: CodeInfrastructure},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Code(tc.err); got != tc.want {
				t.Fatalf("expected code %s, got %s", tc.want, got)
			}
			if got := IsTerminal(tc.err); got != tc.terminal {
				t.Fatalf("expected terminal=%v, got %v", tc.terminal, got)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := NewTransientError("fetch page", ErrTooLarge)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected wrapped sentinel to be reachable")
	}
	if err.Error() != "fetch page: resource exceeds size limit" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
