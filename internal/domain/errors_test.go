package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"direct", NewError(CodeNotFound, "booking missing"), CodeNotFound},
		{"wrapped once", fmt.Errorf("engine: %w", NewError(CodeDuplicate, "ref taken")), CodeDuplicate},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CodeTimeout},
		{"plain", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("%s: CodeOf = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestWrapErrorKeepsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := WrapError(CodeSourceError, cause, "availability call failed")
	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
	if CodeOf(err) != CodeSourceError {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeSourceError)
	}
}
