// Package orchestrator drives the conversational-assistant protocol: persist
// the user's message, submit it to the remote provider, run the assistant,
// poll the run to a terminal state, persist the reply and reload the
// canonical history. It owns all in-memory conversation state; no other
// component mutates it.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/staymate/concierge/ai/assistant"
	"github.com/staymate/concierge/store"
)

var (
	// ErrThreadNotFound is returned when a thread id does not resolve to a
	// thread owned by the calling user.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrEmptyContent is returned when the message content is empty after
	// trimming.
	ErrEmptyContent = errors.New("message content is empty")
)

// SendState is the per-thread send state machine:
// idle -> sending -> polling -> idle.
type SendState string

const (
	SendStateIdle    SendState = "idle"
	SendStateSending SendState = "sending"
	SendStatePolling SendState = "polling"
)

// session is the in-memory view of one thread. durable mirrors the store;
// pending is the optimistic overlay for messages of an in-flight send. The
// two are merged only for display and the overlay is replaced wholesale by
// the canonical reload when the send finishes.
type session struct {
	thread    *store.Thread
	durable   []*store.Message
	pending   []*store.Message
	state     SendState
	lastEvent *Event
	epoch     uint64 // bumped on switch/delete; stale send results are discarded
	cancel    context.CancelFunc
}

// Options configures an Orchestrator.
type Options struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	Notifier     *Notifier
	Metrics      *Metrics
}

// Orchestrator coordinates sends across threads. One send may be in flight
// per thread at a time; overlapping sends are rejected, not queued.
type Orchestrator struct {
	ctx      context.Context // root for background sends
	store    *store.Store
	gateway  assistant.Gateway
	threads  *ThreadManager
	poller   *RunPoller
	notifier *Notifier
	metrics  *Metrics

	mu       sync.Mutex
	sessions map[string]*session // keyed by thread UID
	active   map[int32]string    // user id -> active thread UID
}

// New creates an Orchestrator. ctx is the process root context; background
// sends are abandoned when it is cancelled.
func New(ctx context.Context, st *store.Store, gateway assistant.Gateway, opts *Options) *Orchestrator {
	if opts == nil {
		opts = &Options{}
	}
	return &Orchestrator{
		ctx:      ctx,
		store:    st,
		gateway:  gateway,
		threads:  NewThreadManager(st, gateway),
		poller:   NewRunPoller(gateway, opts.PollInterval, opts.PollTimeout),
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		sessions: make(map[string]*session),
		active:   make(map[int32]string),
	}
}

// Threads exposes thread listing for the API layer.
func (o *Orchestrator) Threads() *ThreadManager {
	return o.threads
}

// ActiveThread returns the user's currently active thread, if any.
func (o *Orchestrator) ActiveThread(userID int32) (*store.Thread, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	uid, ok := o.active[userID]
	if !ok {
		return nil, false
	}
	sess, ok := o.sessions[uid]
	if !ok {
		return nil, false
	}
	threadCopy := *sess.thread
	return &threadCopy, true
}

// GetOrCreateThread resolves the user's thread, creating one lazily, and
// makes it the active thread when the user has none yet.
func (o *Orchestrator) GetOrCreateThread(ctx context.Context, userID int32) (*store.Thread, error) {
	thread, err := o.threads.GetOrCreateThread(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := o.ensureSession(ctx, thread); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if _, ok := o.active[userID]; !ok {
		o.active[userID] = thread.UID
	}
	o.mu.Unlock()

	return thread, nil
}

// NewThread explicitly starts a new conversation and switches to it.
func (o *Orchestrator) NewThread(ctx context.Context, userID int32) (*store.Thread, error) {
	thread, err := o.threads.CreateThread(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := o.ensureSession(ctx, thread); err != nil {
		return nil, err
	}
	o.activate(userID, thread.UID)
	return thread, nil
}

// SwitchThread makes an existing thread the active one and returns its
// history. Any poll in flight for the previously active thread is cancelled;
// its eventual result cannot touch observable state.
func (o *Orchestrator) SwitchThread(ctx context.Context, userID int32, threadUID string) (*View, error) {
	thread, err := o.threads.GetThread(ctx, userID, threadUID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}

	if _, err := o.ensureSession(ctx, thread); err != nil {
		return nil, err
	}
	o.activate(userID, thread.UID)

	return o.ThreadView(ctx, userID, threadUID)
}

// activate marks threadUID active for the user and invalidates the
// previously active session.
func (o *Orchestrator) activate(userID int32, threadUID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	prevUID, ok := o.active[userID]
	if ok && prevUID != threadUID {
		if prev := o.sessions[prevUID]; prev != nil {
			o.invalidateLocked(prev)
		}
	}
	o.active[userID] = threadUID
}

// invalidateLocked abandons any in-flight send on the session. Callers hold o.mu.
func (o *Orchestrator) invalidateLocked(sess *session) {
	sess.epoch++
	if sess.cancel != nil {
		sess.cancel()
		sess.cancel = nil
	}
	sess.state = SendStateIdle
	sess.pending = nil
}

// RenameThread sets a user-provided title.
func (o *Orchestrator) RenameThread(ctx context.Context, userID int32, threadUID, title string) (*store.Thread, error) {
	thread, err := o.threads.RenameThread(ctx, userID, threadUID, title)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if sess, ok := o.sessions[threadUID]; ok {
		sess.thread = thread
	}
	o.mu.Unlock()

	return thread, nil
}

// DeleteThread removes the thread, its messages, and all local state.
func (o *Orchestrator) DeleteThread(ctx context.Context, userID int32, threadUID string) error {
	if err := o.threads.DeleteThread(ctx, userID, threadUID); err != nil {
		return err
	}

	o.mu.Lock()
	if sess, ok := o.sessions[threadUID]; ok {
		o.invalidateLocked(sess)
		delete(o.sessions, threadUID)
	}
	if o.active[userID] == threadUID {
		delete(o.active, userID)
	}
	o.mu.Unlock()

	return nil
}

// View is the observable state of one thread.
type View struct {
	Thread    *store.Thread
	Messages  []*store.Message
	State     SendState
	Loading   bool
	LastEvent *Event
}

// ThreadView returns the merged message list (durable history plus optimistic
// overlay) and the loading flag for a thread.
func (o *Orchestrator) ThreadView(ctx context.Context, userID int32, threadUID string) (*View, error) {
	sess, err := o.sessionFor(ctx, userID, threadUID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	threadCopy := *sess.thread
	messages := make([]*store.Message, 0, len(sess.durable)+len(sess.pending))
	messages = append(messages, sess.durable...)
	messages = append(messages, sess.pending...)

	return &View{
		Thread:    &threadCopy,
		Messages:  messages,
		State:     sess.state,
		Loading:   sess.state != SendStateIdle,
		LastEvent: sess.lastEvent,
	}, nil
}

// SendMessage runs the full send protocol and blocks until it finishes.
// Callers observing state instead of blocking should use StartSend.
func (o *Orchestrator) SendMessage(ctx context.Context, userID int32, threadUID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}

	sess, err := o.sessionFor(ctx, userID, threadUID)
	if err != nil {
		return err
	}

	sendCtx, epoch, thread, err := o.beginSend(ctx, sess, threadUID)
	if err != nil {
		return err
	}

	sendErr := o.runSend(sendCtx, sess, epoch, thread, content)
	return o.finishSend(sess, epoch, userID, threadUID, sendErr)
}

// StartSend validates preconditions synchronously (busy thread, empty
// content) and runs the protocol in the background. done, when non-nil, is
// invoked with the final result.
func (o *Orchestrator) StartSend(userID int32, threadUID, content string, done func(error)) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}

	sess, err := o.sessionFor(o.ctx, userID, threadUID)
	if err != nil {
		return err
	}

	sendCtx, epoch, thread, err := o.beginSend(o.ctx, sess, threadUID)
	if err != nil {
		return err
	}

	go func() {
		sendErr := o.runSend(sendCtx, sess, epoch, thread, content)
		sendErr = o.finishSend(sess, epoch, userID, threadUID, sendErr)
		if done != nil {
			done(sendErr)
		}
	}()
	return nil
}

// beginSend acquires the per-thread busy flag. Overlapping sends on the same
// thread are rejected rather than interleaved.
func (o *Orchestrator) beginSend(parent context.Context, sess *session, threadUID string) (context.Context, uint64, *store.Thread, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sess.state != SendStateIdle {
		return nil, 0, nil, Ef(KindSendInFlight, "a send is already in flight for thread %s", threadUID)
	}

	sendCtx, cancel := context.WithCancel(parent)
	sess.state = SendStateSending
	sess.lastEvent = nil
	sess.cancel = cancel

	threadCopy := *sess.thread
	return sendCtx, sess.epoch, &threadCopy, nil
}

// finishSend releases the busy flag and surfaces the outcome: metrics, a
// notification event for typed failures, silence for abandoned work.
func (o *Orchestrator) finishSend(sess *session, epoch uint64, userID int32, threadUID string, sendErr error) error {
	o.mu.Lock()
	if sess.epoch == epoch {
		if sess.cancel != nil {
			sess.cancel()
			sess.cancel = nil
		}
		sess.state = SendStateIdle
	}
	o.mu.Unlock()

	if sendErr == nil {
		o.metrics.observeSend("success")
		return nil
	}

	if errors.Is(sendErr, context.Canceled) {
		// The poll was abandoned by a thread switch or teardown; the work is
		// no longer observed, so there is nothing to report.
		o.metrics.observeSend("abandoned")
		return sendErr
	}

	kind := KindOf(sendErr)
	if kind == "" {
		kind = KindPersistence
	}
	o.metrics.observeSend("error")
	o.metrics.observeSendError(kind)

	event := Event{
		Kind:      kind,
		UserID:    userID,
		ThreadUID: threadUID,
		CreatedTs: time.Now().UnixMilli(),
	}
	var typed *Error
	if errors.As(sendErr, &typed) {
		event.Detail = typed.Detail
	}
	event.Message = kind.Notification()

	o.mu.Lock()
	if sess.epoch == epoch {
		eventCopy := event
		sess.lastEvent = &eventCopy
	}
	o.mu.Unlock()

	if o.notifier != nil {
		o.notifier.Publish(event)
	}

	slog.Warn("orchestrator: send failed",
		"user_id", userID,
		"thread_uid", threadUID,
		"kind", kind,
		"error", sendErr,
	)
	return sendErr
}

// runSend executes the protocol steps in order. Any failure aborts the
// remainder; the already-persisted user message is deliberately not rolled
// back, since it was durably written before the failure occurred.
func (o *Orchestrator) runSend(ctx context.Context, sess *session, epoch uint64, thread *store.Thread, content string) error {
	userMsg, err := o.store.CreateMessage(ctx, &store.Message{
		UID:       shortuuid.New(),
		ThreadID:  thread.ID,
		Role:      store.RoleUser,
		Content:   content,
		CreatedTs: time.Now().UnixMilli(),
	})
	if err != nil {
		return E(KindPersistence, err)
	}

	// The persisted row goes straight into the overlay so the UI reflects it
	// before the remote round-trips complete.
	o.applyIfCurrent(sess, epoch, func(s *session) {
		s.pending = append(s.pending, userMsg)
	})

	if _, err := o.gateway.SubmitMessage(ctx, thread.Token, content, string(store.RoleUser)); err != nil {
		return E(KindAssistantUnavailable, err)
	}

	run, err := o.gateway.StartRun(ctx, thread.Token)
	if err != nil {
		return E(KindAssistantUnavailable, err)
	}

	o.applyIfCurrent(sess, epoch, func(s *session) {
		s.state = SendStatePolling
	})

	pollStart := time.Now()
	terminal, err := o.poller.Await(ctx, thread.Token, run)
	o.metrics.observePollDuration(time.Since(pollStart))
	if err != nil {
		return err
	}

	steps, err := o.gateway.GetRunOutput(ctx, thread.Token, terminal.ID)
	if err != nil {
		return E(KindAssistantUnavailable, err)
	}

	reply := firstAssistantText(steps)
	if reply == "" {
		return Ef(KindEmptyAssistantOutput, "run %s completed without assistant text", terminal.ID)
	}

	if _, err := o.store.CreateMessage(ctx, &store.Message{
		UID:       shortuuid.New(),
		ThreadID:  thread.ID,
		Role:      store.RoleAssistant,
		Content:   reply,
		CreatedTs: time.Now().UnixMilli(),
	}); err != nil {
		return E(KindPersistence, err)
	}

	now := time.Now().UnixMilli()
	if err := o.store.TouchThread(ctx, thread.ID, now); err != nil {
		return E(KindPersistence, err)
	}

	// Reload the canonical list so the overlay's locally-generated ids never
	// leak into the durable view.
	messages, err := o.store.ListMessages(ctx, &store.FindMessage{ThreadID: &thread.ID})
	if err != nil {
		return E(KindPersistence, err)
	}

	o.applyIfCurrent(sess, epoch, func(s *session) {
		s.durable = messages
		s.pending = nil
		s.thread.UpdatedTs = now
	})

	return nil
}

// applyIfCurrent mutates session state only when the session has not been
// invalidated since the send began. A stale poll result from an abandoned run
// must never touch current state.
func (o *Orchestrator) applyIfCurrent(sess *session, epoch uint64, fn func(*session)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess.epoch == epoch {
		fn(sess)
	}
}

// sessionFor returns the session for the thread, creating it (and loading
// the durable history) on first access.
func (o *Orchestrator) sessionFor(ctx context.Context, userID int32, threadUID string) (*session, error) {
	o.mu.Lock()
	if sess, ok := o.sessions[threadUID]; ok {
		owned := sess.thread.CreatorID == userID
		o.mu.Unlock()
		if !owned {
			return nil, ErrThreadNotFound
		}
		return sess, nil
	}
	o.mu.Unlock()

	thread, err := o.threads.GetThread(ctx, userID, threadUID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}

	return o.ensureSession(ctx, thread)
}

// ensureSession inserts a session for an already-resolved thread.
func (o *Orchestrator) ensureSession(ctx context.Context, thread *store.Thread) (*session, error) {
	o.mu.Lock()
	if sess, ok := o.sessions[thread.UID]; ok {
		o.mu.Unlock()
		return sess, nil
	}
	o.mu.Unlock()

	messages, err := o.store.ListMessages(ctx, &store.FindMessage{ThreadID: &thread.ID})
	if err != nil {
		return nil, E(KindPersistence, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.sessions[thread.UID]; ok {
		return sess, nil
	}
	sess := &session{
		thread:  thread,
		durable: messages,
		state:   SendStateIdle,
	}
	o.sessions[thread.UID] = sess
	return sess, nil
}

// Close abandons all in-flight sends. Used on server shutdown.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, sess := range o.sessions {
		o.invalidateLocked(sess)
	}
}

// firstAssistantText extracts the first textual content block belonging to
// the assistant role from a run's output steps.
func firstAssistantText(steps []assistant.Step) string {
	for _, step := range steps {
		if step.Role != string(store.RoleAssistant) {
			continue
		}
		if text := strings.TrimSpace(step.Content); text != "" {
			return text
		}
	}
	return ""
}
