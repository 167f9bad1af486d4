// Package voice implements the voice capture pipeline: record audio from an
// exclusive microphone resource, transcribe it through the assistant gateway,
// and forward the transcript into the regular send path. Voice is purely an
// alternate input source; it never bypasses the message orchestrator.
package voice

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/staymate/concierge/ai/orchestrator"
	"github.com/staymate/concierge/store"
)

// Recorder abstracts the microphone. Implementations must treat the resource
// as exclusive: Start fails while another capture session is open, and Stop
// must be safe to call on every exit path.
type Recorder interface {
	// Start acquires the microphone and begins producing fragments on Chunks.
	Start(ctx context.Context) error

	// Chunks returns the fragment stream. The channel is closed by Stop.
	Chunks() <-chan []byte

	// Stop releases the microphone. Idempotent.
	Stop() error
}

// Transcriber converts an audio payload into text. Satisfied by
// assistant.Gateway.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, payload []byte) (string, error)
}

// Sender is the slice of the orchestrator the pipeline needs.
type Sender interface {
	ActiveThread(userID int32) (*store.Thread, bool)
	SendMessage(ctx context.Context, userID int32, threadUID, content string) error
}

// Service is the recorder-independent half of the pipeline: transcribe a
// finished payload and forward it. The HTTP voice endpoint uses it directly
// for audio captured on the client.
type Service struct {
	transcriber Transcriber
	sender      Sender
	notifier    *orchestrator.Notifier
	metrics     *orchestrator.Metrics
}

// NewService creates a voice service. notifier and metrics may be nil.
func NewService(transcriber Transcriber, sender Sender, notifier *orchestrator.Notifier, metrics *orchestrator.Metrics) *Service {
	return &Service{
		transcriber: transcriber,
		sender:      sender,
		notifier:    notifier,
		metrics:     metrics,
	}
}

// Transcribe converts the payload into text. A thread must be active for the
// user (the transcript has nowhere to go otherwise); an empty payload yields
// an empty transcript without touching the gateway.
func (s *Service) Transcribe(ctx context.Context, userID int32, payload []byte) (string, error) {
	thread, ok := s.sender.ActiveThread(userID)
	if !ok {
		err := orchestrator.Ef(orchestrator.KindThreadNotReady, "no active thread for user %d", userID)
		s.notify(userID, "", err)
		return "", err
	}

	if len(payload) == 0 {
		return "", nil
	}

	text, err := s.transcriber.TranscribeAudio(ctx, payload)
	if err != nil {
		s.metrics.ObserveTranscription("error")
		wrapped := orchestrator.E(orchestrator.KindTranscription, err)
		s.notify(userID, thread.UID, wrapped)
		return "", wrapped
	}
	s.metrics.ObserveTranscription("success")

	if strings.TrimSpace(text) == "" {
		slog.Debug("voice: empty transcript, nothing to send", "user_id", userID)
		return "", nil
	}
	return text, nil
}

// Forward transcribes the payload and sends the transcript through the
// regular send protocol, blocking until the reply arrives. Returns the
// transcript. An empty payload or an empty transcript sends nothing.
func (s *Service) Forward(ctx context.Context, userID int32, payload []byte) (string, error) {
	text, err := s.Transcribe(ctx, userID, payload)
	if err != nil || text == "" {
		return "", err
	}

	// ActiveThread was validated by Transcribe; re-read in case of a
	// concurrent switch so the transcript lands on the thread the user sees.
	thread, ok := s.sender.ActiveThread(userID)
	if !ok {
		err := orchestrator.Ef(orchestrator.KindThreadNotReady, "no active thread for user %d", userID)
		s.notify(userID, "", err)
		return "", err
	}

	// The transcript goes through the exact same send protocol as typed
	// input; the orchestrator surfaces its own failures.
	if err := s.sender.SendMessage(ctx, userID, thread.UID, text); err != nil {
		return text, err
	}
	return text, nil
}

func (s *Service) notify(userID int32, threadUID string, err error) {
	if s.notifier == nil {
		return
	}
	kind := orchestrator.KindOf(err)
	s.notifier.Publish(orchestrator.Event{
		Kind:      kind,
		Message:   kind.Notification(),
		UserID:    userID,
		ThreadUID: threadUID,
	})
}

// Pipeline is the capture state for one user: a recording flag, the
// accumulated fragments, and the last transcript. It exists only between
// "start listening" and either finalize or Close; nothing here is persisted.
type Pipeline struct {
	userID   int32
	recorder Recorder
	service  *Service

	mu         sync.Mutex
	listening  bool
	buffer     [][]byte
	transcript string
	collected  chan struct{} // closed when the collector goroutine drains
}

// NewPipeline creates a capture pipeline for one user.
func NewPipeline(userID int32, recorder Recorder, service *Service) *Pipeline {
	return &Pipeline{
		userID:   userID,
		recorder: recorder,
		service:  service,
	}
}

// Listening reports whether a capture session is open.
func (p *Pipeline) Listening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listening
}

// Transcript returns the transcript of the last finalized capture.
func (p *Pipeline) Transcript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transcript
}

// ToggleListening starts a capture session when idle, or stops and finalizes
// the session when recording.
//
// A valid active thread must exist before recording starts; otherwise
// ThreadNotReady is raised without touching the microphone.
func (p *Pipeline) ToggleListening(ctx context.Context) error {
	p.mu.Lock()
	if p.listening {
		p.mu.Unlock()
		return p.finalize(ctx)
	}

	if _, ok := p.service.sender.ActiveThread(p.userID); !ok {
		p.mu.Unlock()
		err := orchestrator.Ef(orchestrator.KindThreadNotReady, "no active thread for user %d", p.userID)
		p.service.notify(p.userID, "", err)
		return err
	}

	if err := p.recorder.Start(ctx); err != nil {
		p.mu.Unlock()
		return errors.Wrap(err, "failed to acquire microphone")
	}

	p.listening = true
	p.buffer = nil
	p.collected = make(chan struct{})
	p.mu.Unlock()

	go p.collect()
	return nil
}

// collect buffers fragments until the recorder's channel is closed by Stop.
func (p *Pipeline) collect() {
	for chunk := range p.recorder.Chunks() {
		p.mu.Lock()
		p.buffer = append(p.buffer, chunk)
		p.mu.Unlock()
	}
	p.mu.Lock()
	close(p.collected)
	p.mu.Unlock()
}

// finalize stops recording, releases the microphone unconditionally and runs
// the transcribe-and-forward half of the pipeline.
func (p *Pipeline) finalize(ctx context.Context) error {
	p.mu.Lock()
	p.listening = false
	collected := p.collected
	p.mu.Unlock()

	// Release the microphone before anything that can fail.
	if err := p.recorder.Stop(); err != nil {
		slog.Warn("voice: failed to stop recorder", "user_id", p.userID, "error", err)
	}
	if collected != nil {
		<-collected
	}

	p.mu.Lock()
	payload := assemble(p.buffer)
	p.buffer = nil
	p.mu.Unlock()

	if len(payload) == 0 {
		// Nothing was captured; per contract this never reaches SendMessage.
		return nil
	}

	text, err := p.service.Forward(ctx, p.userID, payload)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.transcript = text
	p.mu.Unlock()
	return nil
}

// Close releases the microphone if recording and abandons buffered work
// without raising user-visible errors. Used on teardown.
func (p *Pipeline) Close() {
	p.mu.Lock()
	wasListening := p.listening
	p.listening = false
	p.buffer = nil
	p.mu.Unlock()

	if wasListening {
		if err := p.recorder.Stop(); err != nil {
			slog.Warn("voice: failed to stop recorder on teardown", "user_id", p.userID, "error", err)
		}
	}
}

// assemble concatenates buffered fragments into a single payload.
func assemble(fragments [][]byte) []byte {
	if len(fragments) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, fragment := range fragments {
		buf.Write(fragment)
	}
	return buf.Bytes()
}
