package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staymate/concierge/ai/assistant"
	"github.com/staymate/concierge/store"
)

func newTestOrchestrator(t *testing.T, gateway assistant.Gateway, opts *Options) (*Orchestrator, *store.Store) {
	t.Helper()
	st := newTestStore(newMemDriver())
	if opts == nil {
		opts = &Options{}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 200 * time.Millisecond
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNotifier(8)
	}
	return New(context.Background(), st, gateway, opts), st
}

func TestSendMessage_HappyPath(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{}
	o, st := newTestOrchestrator(t, gateway, nil)

	thread, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	err = o.SendMessage(ctx, 1, thread.UID, "  Hello  ")
	require.NoError(t, err)

	// The submitted text is trimmed before anything touches the provider.
	assert.Equal(t, []string{"Hello"}, gateway.submittedTexts())

	view, err := o.ThreadView(ctx, 1, thread.UID)
	require.NoError(t, err)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, store.RoleUser, view.Messages[0].Role)
	assert.Equal(t, "Hello", view.Messages[0].Content)
	assert.Equal(t, store.RoleAssistant, view.Messages[1].Role)
	assert.Equal(t, "Hi there!", view.Messages[1].Content)
	assert.Equal(t, SendStateIdle, view.State)
	assert.False(t, view.Loading)
	assert.Nil(t, view.LastEvent)

	// Both turns are durable rows, not just overlay entries.
	messages, err := st.ListMessages(ctx, &store.FindMessage{ThreadID: &thread.ID})
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestSendMessage_EmptyContent(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, &fakeGateway{}, nil)

	thread, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	err = o.SendMessage(ctx, 1, thread.UID, "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestSendMessage_UnknownThread(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, &fakeGateway{}, nil)

	err := o.SendMessage(ctx, 1, "missing", "Hello")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestSendMessage_OtherUsersThread(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, &fakeGateway{}, nil)

	thread, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	err = o.SendMessage(ctx, 2, thread.UID, "Hello")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestSendMessage_RunFailed(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{
		onStartRun: func(_ context.Context, _ string) (*assistant.Run, error) {
			return &assistant.Run{ID: "run-9", Status: assistant.RunStatusFailed, LastErrorMessage: "model exploded"}, nil
		},
	}
	notifier := NewNotifier(8)
	o, st := newTestOrchestrator(t, gateway, &Options{Notifier: notifier})

	thread, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	err = o.SendMessage(ctx, 1, thread.UID, "Hello")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRunFailed))

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "model exploded", typed.Detail)

	// The user's message was durably written before the run failed; no
	// assistant row exists.
	messages, err := st.ListMessages(ctx, &store.FindMessage{ThreadID: &thread.ID})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)

	view, err := o.ThreadView(ctx, 1, thread.UID)
	require.NoError(t, err)
	assert.Equal(t, SendStateIdle, view.State)
	require.NotNil(t, view.LastEvent)
	assert.Equal(t, KindRunFailed, view.LastEvent.Kind)
	assert.Equal(t, "model exploded", view.LastEvent.Detail)

	events := notifier.Recent(1)
	require.Len(t, events, 1)
	assert.Equal(t, KindRunFailed, events[0].Kind)
	assert.NotEmpty(t, events[0].Message)
}

func TestSendMessage_PollTimeout(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{
		onStartRun: func(_ context.Context, _ string) (*assistant.Run, error) {
			return &assistant.Run{ID: "run-1", Status: assistant.RunStatusInProgress}, nil
		},
		onGetRunStatus: func(_ context.Context, _, runID string) (*assistant.Run, error) {
			return &assistant.Run{ID: runID, Status: assistant.RunStatusInProgress}, nil
		},
	}
	o, _ := newTestOrchestrator(t, gateway, &Options{
		PollInterval: 2 * time.Millisecond,
		PollTimeout:  20 * time.Millisecond,
	})

	thread, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	err = o.SendMessage(ctx, 1, thread.UID, "Hello")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindPollTimeout))

	// The thread is usable again after the timeout.
	view, err := o.ThreadView(ctx, 1, thread.UID)
	require.NoError(t, err)
	assert.Equal(t, SendStateIdle, view.State)
}

func TestSendMessage_EmptyAssistantOutput(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{
		onGetRunOutput: func(_ context.Context, _, _ string) ([]assistant.Step, error) {
			return []assistant.Step{{Role: "assistant", Content: "   "}}, nil
		},
	}
	o, st := newTestOrchestrator(t, gateway, nil)

	thread, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	err = o.SendMessage(ctx, 1, thread.UID, "Hello")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindEmptyAssistantOutput))

	messages, err := st.ListMessages(ctx, &store.FindMessage{ThreadID: &thread.ID})
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestSendMessage_RejectsOverlap(t *testing.T) {
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gateway := &fakeGateway{
		onStartRun: func(_ context.Context, _ string) (*assistant.Run, error) {
			return &assistant.Run{ID: "run-1", Status: assistant.RunStatusInProgress}, nil
		},
		onGetRunStatus: func(ctx context.Context, _, runID string) (*assistant.Run, error) {
			once.Do(func() { close(entered) })
			select {
			case <-release:
				return &assistant.Run{ID: runID, Status: assistant.RunStatusCompleted}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	o, _ := newTestOrchestrator(t, gateway, &Options{PollTimeout: 5 * time.Second})

	thread, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	require.NoError(t, o.StartSend(1, thread.UID, "first", func(err error) { done <- err }))
	<-entered

	err = o.SendMessage(ctx, 1, thread.UID, "second")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSendInFlight))

	close(release)
	require.NoError(t, <-done)
}

func TestThreadView_ShowsPendingDuringSend(t *testing.T) {
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gateway := &fakeGateway{
		onStartRun: func(_ context.Context, _ string) (*assistant.Run, error) {
			return &assistant.Run{ID: "run-1", Status: assistant.RunStatusInProgress}, nil
		},
		onGetRunStatus: func(ctx context.Context, _, runID string) (*assistant.Run, error) {
			once.Do(func() { close(entered) })
			select {
			case <-release:
				return &assistant.Run{ID: runID, Status: assistant.RunStatusCompleted}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	o, _ := newTestOrchestrator(t, gateway, &Options{PollTimeout: 5 * time.Second})

	thread, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	require.NoError(t, o.StartSend(1, thread.UID, "Hello", func(err error) { done <- err }))
	<-entered

	// While polling, the user's message is visible through the overlay and
	// the loading flag is set.
	view, err := o.ThreadView(ctx, 1, thread.UID)
	require.NoError(t, err)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, store.RoleUser, view.Messages[0].Role)
	assert.Equal(t, SendStatePolling, view.State)
	assert.True(t, view.Loading)

	close(release)
	require.NoError(t, <-done)

	view, err = o.ThreadView(ctx, 1, thread.UID)
	require.NoError(t, err)
	assert.Len(t, view.Messages, 2)
	assert.Equal(t, SendStateIdle, view.State)
	assert.False(t, view.Loading)
}

func TestSwitchThread_AbandonsInFlightSend(t *testing.T) {
	ctx := context.Background()

	entered := make(chan struct{})
	var once sync.Once
	gateway := &fakeGateway{
		onStartRun: func(_ context.Context, _ string) (*assistant.Run, error) {
			return &assistant.Run{ID: "run-1", Status: assistant.RunStatusInProgress}, nil
		},
		onGetRunStatus: func(ctx context.Context, _, _ string) (*assistant.Run, error) {
			once.Do(func() { close(entered) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	notifier := NewNotifier(8)
	o, st := newTestOrchestrator(t, gateway, &Options{
		PollTimeout: 5 * time.Second,
		Notifier:    notifier,
	})

	first, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	require.NoError(t, o.StartSend(1, first.UID, "Hello", func(err error) { done <- err }))
	<-entered

	second, err := o.NewThread(ctx, 1)
	require.NoError(t, err)

	// The abandoned send surfaces context.Canceled to the caller and nothing
	// user-visible.
	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, notifier.Recent(1))

	active, ok := o.ActiveThread(1)
	require.True(t, ok)
	assert.Equal(t, second.UID, active.UID)

	view, err := o.ThreadView(ctx, 1, first.UID)
	require.NoError(t, err)
	assert.Equal(t, SendStateIdle, view.State)
	assert.Nil(t, view.LastEvent)

	// The user message was persisted before abandonment; no assistant reply
	// ever lands.
	messages, err := st.ListMessages(ctx, &store.FindMessage{ThreadID: &first.ID})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
}

func TestSwitchThread_ReturnsHistory(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, &fakeGateway{}, nil)

	first, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, o.SendMessage(ctx, 1, first.UID, "Hello"))

	second, err := o.NewThread(ctx, 1)
	require.NoError(t, err)

	view, err := o.SwitchThread(ctx, 1, first.UID)
	require.NoError(t, err)
	assert.Equal(t, first.UID, view.Thread.UID)
	assert.Len(t, view.Messages, 2)

	active, ok := o.ActiveThread(1)
	require.True(t, ok)
	assert.Equal(t, first.UID, active.UID)
	assert.NotEqual(t, second.UID, active.UID)
}

func TestDeleteThread_ClearsActiveAndSessions(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, &fakeGateway{}, nil)

	thread, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, o.DeleteThread(ctx, 1, thread.UID))

	_, ok := o.ActiveThread(1)
	assert.False(t, ok)

	_, err = o.ThreadView(ctx, 1, thread.UID)
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestRenameThread_UpdatesSession(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, &fakeGateway{}, nil)

	thread, err := o.GetOrCreateThread(ctx, 1)
	require.NoError(t, err)

	renamed, err := o.RenameThread(ctx, 1, thread.UID, "Trip planning")
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", renamed.Title)

	view, err := o.ThreadView(ctx, 1, thread.UID)
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", view.Thread.Title)
}

func TestStartSend_EmptyContent(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeGateway{}, nil)

	thread, err := o.GetOrCreateThread(context.Background(), 1)
	require.NoError(t, err)

	err = o.StartSend(1, thread.UID, "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyContent)
}
