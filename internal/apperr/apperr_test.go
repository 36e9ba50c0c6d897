package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := New(CodeValidation, "bad code")
	if got := e.Error(); got != "[VALIDATION_ERROR] bad code" {
		t.Errorf("Error() = %q", got)
	}

	cause := errors.New("dial tcp: refused")
	w := Wrap(CodeBackendUnavailable, "create session", cause)
	if got := w.Error(); got != "[BACKEND_UNAVAILABLE] create session: dial tcp: refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(w, cause) {
		t.Error("wrapped error should unwrap to cause")
	}
}

func TestIsThroughWrapping(t *testing.T) {
	base := New(CodeNotFound, "session 1234")
	wrapped := fmt.Errorf("join: %w", base)

	if !Is(wrapped, CodeNotFound) {
		t.Error("Is(wrapped, NOT_FOUND) = false")
	}
	if Is(wrapped, CodeExpired) {
		t.Error("Is(wrapped, EXPIRED) = true")
	}
	if Is(errors.New("plain"), CodeNotFound) {
		t.Error("plain error should not match")
	}
	if CodeOf(nil) != "" {
		t.Error("CodeOf(nil) should be empty")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeValidation, false},
		{CodeNotFound, false},
		{CodeExpired, false},
		{CodeBackendUnavailable, true},
		{CodeTransport, true},
		{CodeSubscriptionNotReady, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := Retryable(New(tt.code, "x")); got != tt.want {
				t.Errorf("Retryable(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}
