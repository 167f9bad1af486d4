// Package assistant defines the gateway to the remote conversational-AI
// provider. The provider exposes thread creation, message submission, run
// execution, run-status polling, run-output retrieval and audio transcription
// as independent asynchronous operations; everything here is a thin typed
// surface over those calls.
package assistant

import (
	"context"
)

// RunStatus is the lifecycle state of a provider-side run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the run has reached a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Run is the provider-side job composing the assistant's reply. It is
// ephemeral: nothing beyond the identifier is persisted locally.
type Run struct {
	ID               string
	Status           RunStatus
	LastErrorMessage string
}

// Step is one output item of a completed run.
type Step struct {
	Role    string
	Content string
}

// Gateway is the remote conversational-AI provider's API surface.
type Gateway interface {
	// CreateThread creates a new remote conversation thread and returns its token.
	CreateThread(ctx context.Context, userID int32) (string, error)

	// SubmitMessage appends a message to the remote thread.
	SubmitMessage(ctx context.Context, threadToken, text, role string) (string, error)

	// StartRun starts a run on the thread and returns its initial state.
	StartRun(ctx context.Context, threadToken string) (*Run, error)

	// GetRunStatus retrieves the current state of a run.
	GetRunStatus(ctx context.Context, threadToken, runID string) (*Run, error)

	// GetRunOutput retrieves the output steps of a completed run.
	GetRunOutput(ctx context.Context, threadToken, runID string) ([]Step, error)

	// TranscribeAudio converts an audio payload into text.
	TranscribeAudio(ctx context.Context, payload []byte) (string, error)
}
