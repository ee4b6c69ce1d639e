// Package callerr defines the call-core error taxonomy shared by every stage
// worker: a small set of named kinds, each carrying a fixed retry/fatal
// classification, so the Call Supervisor and Turn Controller can decide
// restart-vs-escalate without inspecting provider-specific error types.
package callerr

import (
	"errors"
	"fmt"
)

// Kind names one of the error classes in the call-core error taxonomy.
// The zero value is not a valid Kind.
type Kind int

const (
	// TransportError is a telephony socket error. Fatal to the call.
	TransportError Kind = iota + 1

	// STTConnectError is a failure to establish or maintain the STT
	// connection. Retryable with bounded backoff.
	STTConnectError

	// STTProtocolError is a malformed or unexpected message from the STT
	// provider. Retryable with bounded backoff.
	STTProtocolError

	// STTAuthError is an authentication or authorization failure talking to
	// the STT provider. Fatal to the call.
	STTAuthError

	// LLMTimeout is a first-token or completion timeout talking to the LLM
	// provider. Retryable once.
	LLMTimeout

	// LLMNetworkError is a transport-level failure talking to the LLM
	// provider. Retryable once.
	LLMNetworkError

	// LLMAuthError is an authentication or authorization failure talking to
	// the LLM provider. Fatal to the call.
	LLMAuthError

	// TTSError is a synthesis failure. Retryable once; telephonytts drops a
	// sentence that fails twice, and no warning event is emitted for the drop.
	TTSError

	// UtteranceLost means VAD closed an utterance but STT never returned a
	// final transcript within the grace window. Not fatal: the Turn
	// Controller falls back to the best interim, or stays in Listening.
	UtteranceLost

	// BudgetExceeded means the conversation hit its token ceiling and no
	// pruning strategy recovered. Fatal to the call.
	BudgetExceeded

	// InternalInvariantViolated must never happen in a correct build. Logged
	// with full context and terminates the call.
	InternalInvariantViolated
)

func (k Kind) String() string {
	switch k {
	case TransportError:
		return "TransportError"
	case STTConnectError:
		return "STTConnectError"
	case STTProtocolError:
		return "STTProtocolError"
	case STTAuthError:
		return "STTAuthError"
	case LLMTimeout:
		return "LLMTimeout"
	case LLMNetworkError:
		return "LLMNetworkError"
	case LLMAuthError:
		return "LLMAuthError"
	case TTSError:
		return "TTSError"
	case UtteranceLost:
		return "UtteranceLost"
	case BudgetExceeded:
		return "BudgetExceeded"
	case InternalInvariantViolated:
		return "InternalInvariantViolated"
	default:
		return "UnknownError"
	}
}

// Fatal reports whether an error of this kind should end the call outright
// rather than being recovered locally by the owning stage.
func (k Kind) Fatal() bool {
	switch k {
	case TransportError, STTAuthError, LLMAuthError, BudgetExceeded, InternalInvariantViolated:
		return true
	default:
		return false
	}
}

// Retryable reports whether the owning stage should retry an operation that
// failed with this kind before giving up. Retry budgets (bounded backoff vs.
// retry-once) are stage-specific and enforced by the caller, not this type.
func (k Kind) Retryable() bool {
	switch k {
	case STTConnectError, STTProtocolError, LLMTimeout, LLMNetworkError, TTSError:
		return true
	default:
		return false
	}
}

// Error is a taxonomy-classified error: a Kind plus the stage that raised it
// and the underlying cause, if any.
type Error struct {
	Kind  Kind
	Stage string
	Cause error
}

// New creates an [Error] of the given kind, attributing it to stage with the
// supplied cause. cause may be nil for kinds with no underlying error (e.g.
// UtteranceLost, BudgetExceeded).
func New(kind Kind, stage string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// As reports whether err (or an error in its chain) is a taxonomy [Error],
// returning it on success.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Is reports whether err (or an error in its chain) is a taxonomy [Error] of
// the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := As(err)
	return ok && ce.Kind == kind
}
