package orchestrator

import (
	"errors"
	"fmt"
)

// Kind categorizes orchestrator failures for notification and recovery.
// Every kind is recovered at the orchestrator/voice boundary: the loading or
// listening flag clears and a user-facing notification is emitted. None of
// them triggers an automatic retry; re-sending is a deliberate user action.
type Kind string

const (
	// KindAssistantUnavailable means the provider was unreachable or rejected
	// a call. Nothing was accepted on the remote side for the failing step.
	KindAssistantUnavailable Kind = "assistant_unavailable"

	// KindPersistence means a store read or write failed.
	KindPersistence Kind = "persistence_error"

	// KindRunFailed means the provider reported a failed or cancelled run.
	// The user's message was accepted but no reply arrived.
	KindRunFailed Kind = "run_failed"

	// KindPollTimeout means the bounded polling gave up before the run
	// reached a terminal state. The user's message was accepted.
	KindPollTimeout Kind = "poll_timeout"

	// KindEmptyAssistantOutput means the run completed but contained no
	// textual assistant content.
	KindEmptyAssistantOutput Kind = "empty_assistant_output"

	// KindTranscription means speech-to-text failed; no message was sent.
	KindTranscription Kind = "transcription_error"

	// KindThreadNotReady means voice capture was requested before any
	// thread existed.
	KindThreadNotReady Kind = "thread_not_ready"

	// KindSendInFlight means a send was rejected because another send is
	// already running on the same thread.
	KindSendInFlight Kind = "send_in_flight"
)

// Notification returns the short human-readable text shown to the user.
// RunFailed and PollTimeout read differently from AssistantUnavailable on
// purpose: the former two mean the message was delivered but no reply came
// back, the latter means nothing was accepted.
func (k Kind) Notification() string {
	switch k {
	case KindAssistantUnavailable:
		return "The assistant could not be reached. Your message was not delivered."
	case KindPersistence:
		return "Something went wrong saving the conversation. Please try again."
	case KindRunFailed:
		return "Your message was delivered, but the assistant could not compose a reply."
	case KindPollTimeout:
		return "Your message was delivered, but the assistant is taking too long. Please try again."
	case KindEmptyAssistantOutput:
		return "The assistant returned an empty reply. Please try again."
	case KindTranscription:
		return "Could not understand the recording. Please try again."
	case KindThreadNotReady:
		return "Start a conversation before using voice input."
	case KindSendInFlight:
		return "Still waiting for the previous reply."
	default:
		return "Something went wrong. Please try again."
	}
}

// Error is a typed orchestrator failure. Detail carries provider text when
// present (e.g. the last error of a failed run).
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// E wraps a cause with a kind.
func E(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// Ef creates a typed error with a detail message and no cause.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
