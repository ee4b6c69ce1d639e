package callerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindClassification(t *testing.T) {
	cases := []struct {
		kind      Kind
		fatal     bool
		retryable bool
	}{
		{TransportError, true, false},
		{STTConnectError, false, true},
		{STTProtocolError, false, true},
		{STTAuthError, true, false},
		{LLMTimeout, false, true},
		{LLMNetworkError, false, true},
		{LLMAuthError, true, false},
		{TTSError, false, true},
		{UtteranceLost, false, false},
		{BudgetExceeded, true, false},
		{InternalInvariantViolated, true, false},
	}
	for _, c := range cases {
		if got := c.kind.Fatal(); got != c.fatal {
			t.Errorf("%s.Fatal() = %v, want %v", c.kind, got, c.fatal)
		}
		if got := c.kind.Retryable(); got != c.retryable {
			t.Errorf("%s.Retryable() = %v, want %v", c.kind, got, c.retryable)
		}
	}
}

func TestErrorUnwrapAndAs(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New(STTConnectError, "sttclient", cause)

	wrapped := fmt.Errorf("start stream: %w", err)

	if !errors.Is(wrapped, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}

	ce, ok := As(wrapped)
	if !ok {
		t.Fatal("expected As to find the taxonomy error")
	}
	if ce.Kind != STTConnectError {
		t.Errorf("Kind = %v, want STTConnectError", ce.Kind)
	}
	if !Is(wrapped, STTConnectError) {
		t.Error("expected Is(wrapped, STTConnectError) to be true")
	}
	if Is(wrapped, LLMTimeout) {
		t.Error("expected Is(wrapped, LLMTimeout) to be false")
	}
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := New(UtteranceLost, "sttclient", nil)
	want := "sttclient: UtteranceLost"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
