package assistant

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// Config configures the OpenAI-backed assistant gateway.
type Config struct {
	APIKey             string
	BaseURL            string // optional, defaults to the public endpoint
	AssistantID        string // provider-side assistant used to start runs
	TranscriptionModel string // default: whisper-1
	Timeout            int    // per-request timeout in seconds (default: 120)
}

// openaiGateway implements Gateway on top of the OpenAI Assistants API.
type openaiGateway struct {
	client      *openai.Client
	assistantID string
	sttModel    string
	timeout     int
}

// newHTTPClient builds an HTTP client with sane connection settings for a
// long-lived server process.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// NewOpenAIGateway creates a Gateway backed by the OpenAI Assistants API.
func NewOpenAIGateway(cfg *Config) (Gateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("assistant api key is required")
	}
	if cfg.AssistantID == "" {
		return nil, errors.New("assistant id is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	sttModel := cfg.TranscriptionModel
	if sttModel == "" {
		sttModel = openai.Whisper1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}

	return &openaiGateway{
		client:      openai.NewClientWithConfig(clientConfig),
		assistantID: cfg.AssistantID,
		sttModel:    sttModel,
		timeout:     timeout,
	}, nil
}

func (g *openaiGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(g.timeout)*time.Second)
}

func (g *openaiGateway) CreateThread(ctx context.Context, userID int32) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	thread, err := g.client.CreateThread(ctx, openai.ThreadRequest{
		Metadata: map[string]any{
			"user_id": fmt.Sprintf("%d", userID),
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to create remote thread")
	}

	slog.Debug("assistant: thread created", "user_id", userID, "thread_token", thread.ID)
	return thread.ID, nil
}

func (g *openaiGateway) SubmitMessage(ctx context.Context, threadToken, text, role string) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	message, err := g.client.CreateMessage(ctx, threadToken, openai.MessageRequest{
		Role:    role,
		Content: text,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to submit message to thread %s", threadToken)
	}

	return message.ID, nil
}

func (g *openaiGateway) StartRun(ctx context.Context, threadToken string) (*Run, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	run, err := g.client.CreateRun(ctx, threadToken, openai.RunRequest{
		AssistantID: g.assistantID,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start run on thread %s", threadToken)
	}

	return convertRun(&run), nil
}

func (g *openaiGateway) GetRunStatus(ctx context.Context, threadToken, runID string) (*Run, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	run, err := g.client.RetrieveRun(ctx, threadToken, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to retrieve run %s", runID)
	}

	return convertRun(&run), nil
}

func (g *openaiGateway) GetRunOutput(ctx context.Context, threadToken, runID string) ([]Step, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	order := "asc"
	list, err := g.client.ListMessage(ctx, threadToken, nil, &order, nil, nil, &runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch output of run %s", runID)
	}

	steps := make([]Step, 0, len(list.Messages))
	for _, message := range list.Messages {
		for _, content := range message.Content {
			if content.Type != "text" || content.Text == nil {
				continue
			}
			steps = append(steps, Step{
				Role:    message.Role,
				Content: content.Text.Value,
			})
		}
	}

	return steps, nil
}

func (g *openaiGateway) TranscribeAudio(ctx context.Context, payload []byte) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	resp, err := g.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    g.sttModel,
		Reader:   bytes.NewReader(payload),
		FilePath: "capture.webm", // filename hint only; the payload comes from Reader
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to transcribe audio")
	}

	return resp.Text, nil
}

// convertRun maps the provider's run representation onto the internal one.
// Provider statuses without a local equivalent fold into the nearest state:
// cancelling is still in progress, expired never produced a reply, and
// requires_action cannot proceed because tool execution is not supported here.
func convertRun(run *openai.Run) *Run {
	out := &Run{ID: run.ID, Status: convertRunStatus(run.Status)}
	if run.LastError != nil {
		out.LastErrorMessage = run.LastError.Message
	}
	if out.Status == RunStatusFailed && out.LastErrorMessage == "" {
		out.LastErrorMessage = string(run.Status)
	}
	return out
}

func convertRunStatus(status openai.RunStatus) RunStatus {
	switch status {
	case openai.RunStatusQueued:
		return RunStatusQueued
	case openai.RunStatusInProgress, openai.RunStatusCancelling:
		return RunStatusInProgress
	case openai.RunStatusCompleted:
		return RunStatusCompleted
	case openai.RunStatusCancelled:
		return RunStatusCancelled
	default:
		// failed, expired, incomplete, requires_action
		return RunStatusFailed
	}
}
