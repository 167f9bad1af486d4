package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/staymate/concierge/ai/assistant"
	"github.com/staymate/concierge/internal/profile"
	"github.com/staymate/concierge/store"
)

// memDriver is an in-memory store.Driver for tests.
type memDriver struct {
	mu            sync.Mutex
	threads       map[int32]*store.Thread
	messages      map[int64]*store.Message
	nextThreadID  int32
	nextMessageID int64

	createThreadErr  error
	createMessageErr error
}

func newMemDriver() *memDriver {
	return &memDriver{
		threads:  make(map[int32]*store.Thread),
		messages: make(map[int64]*store.Message),
	}
}

func newTestStore(driver store.Driver) *store.Store {
	return store.New(driver, &profile.Profile{Mode: "dev"})
}

func (d *memDriver) GetDB() *sql.DB { return nil }

func (d *memDriver) Close() error { return nil }

func (d *memDriver) Migrate(_ context.Context) error { return nil }

func (d *memDriver) CreateThread(_ context.Context, create *store.Thread) (*store.Thread, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createThreadErr != nil {
		return nil, d.createThreadErr
	}

	d.nextThreadID++
	thread := *create
	thread.ID = d.nextThreadID
	d.threads[thread.ID] = &thread

	threadCopy := thread
	return &threadCopy, nil
}

func (d *memDriver) ListThreads(_ context.Context, find *store.FindThread) ([]*store.Thread, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var list []*store.Thread
	for _, thread := range d.threads {
		if find.ID != nil && thread.ID != *find.ID {
			continue
		}
		if find.UID != nil && thread.UID != *find.UID {
			continue
		}
		if find.Token != nil && thread.Token != *find.Token {
			continue
		}
		if find.CreatorID != nil && thread.CreatorID != *find.CreatorID {
			continue
		}
		threadCopy := *thread
		list = append(list, &threadCopy)
	}

	// Most recently active first, like the SQL drivers.
	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedTs != list[j].UpdatedTs {
			return list[i].UpdatedTs > list[j].UpdatedTs
		}
		return list[i].ID > list[j].ID
	})
	return list, nil
}

func (d *memDriver) UpdateThread(_ context.Context, update *store.UpdateThread) (*store.Thread, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	thread, ok := d.threads[update.ID]
	if !ok {
		return nil, fmt.Errorf("thread %d not found", update.ID)
	}
	if update.Title != nil {
		thread.Title = *update.Title
	}
	if update.UpdatedTs != nil {
		thread.UpdatedTs = *update.UpdatedTs
	}
	threadCopy := *thread
	return &threadCopy, nil
}

func (d *memDriver) DeleteThread(_ context.Context, del *store.DeleteThread) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.threads[del.ID]; !ok {
		return fmt.Errorf("thread %d not found", del.ID)
	}
	// Cascade like the schema does.
	for id, message := range d.messages {
		if message.ThreadID == del.ID {
			delete(d.messages, id)
		}
	}
	delete(d.threads, del.ID)
	return nil
}

func (d *memDriver) CreateMessage(_ context.Context, create *store.Message) (*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createMessageErr != nil {
		return nil, d.createMessageErr
	}

	d.nextMessageID++
	message := *create
	message.ID = d.nextMessageID
	d.messages[message.ID] = &message

	messageCopy := message
	return &messageCopy, nil
}

func (d *memDriver) ListMessages(_ context.Context, find *store.FindMessage) ([]*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var list []*store.Message
	for _, message := range d.messages {
		if find.ThreadID != nil && message.ThreadID != *find.ThreadID {
			continue
		}
		if find.Role != nil && message.Role != *find.Role {
			continue
		}
		messageCopy := *message
		list = append(list, &messageCopy)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedTs != list[j].CreatedTs {
			return list[i].CreatedTs < list[j].CreatedTs
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

// fakeGateway is a scripted assistant.Gateway. Each hook overrides the default
// happy-path behavior when set.
type fakeGateway struct {
	createThreadCalls atomic.Int32
	submitCalls       atomic.Int32
	statusCalls       atomic.Int32

	mu        sync.Mutex
	submitted []string

	onCreateThread func(ctx context.Context, userID int32) (string, error)
	onSubmit       func(ctx context.Context, threadToken, text, role string) (string, error)
	onStartRun     func(ctx context.Context, threadToken string) (*assistant.Run, error)
	onGetRunStatus func(ctx context.Context, threadToken, runID string) (*assistant.Run, error)
	onGetRunOutput func(ctx context.Context, threadToken, runID string) ([]assistant.Step, error)
	onTranscribe   func(ctx context.Context, payload []byte) (string, error)
}

func (g *fakeGateway) CreateThread(ctx context.Context, userID int32) (string, error) {
	n := g.createThreadCalls.Add(1)
	if g.onCreateThread != nil {
		return g.onCreateThread(ctx, userID)
	}
	return fmt.Sprintf("remote-thread-%d", n), nil
}

func (g *fakeGateway) SubmitMessage(ctx context.Context, threadToken, text, role string) (string, error) {
	g.submitCalls.Add(1)
	g.mu.Lock()
	g.submitted = append(g.submitted, text)
	g.mu.Unlock()
	if g.onSubmit != nil {
		return g.onSubmit(ctx, threadToken, text, role)
	}
	return "remote-message-1", nil
}

func (g *fakeGateway) StartRun(ctx context.Context, threadToken string) (*assistant.Run, error) {
	if g.onStartRun != nil {
		return g.onStartRun(ctx, threadToken)
	}
	return &assistant.Run{ID: "run-1", Status: assistant.RunStatusCompleted}, nil
}

func (g *fakeGateway) GetRunStatus(ctx context.Context, threadToken, runID string) (*assistant.Run, error) {
	g.statusCalls.Add(1)
	if g.onGetRunStatus != nil {
		return g.onGetRunStatus(ctx, threadToken, runID)
	}
	return &assistant.Run{ID: runID, Status: assistant.RunStatusCompleted}, nil
}

func (g *fakeGateway) GetRunOutput(ctx context.Context, threadToken, runID string) ([]assistant.Step, error) {
	if g.onGetRunOutput != nil {
		return g.onGetRunOutput(ctx, threadToken, runID)
	}
	return []assistant.Step{{Role: "assistant", Content: "Hi there!"}}, nil
}

func (g *fakeGateway) TranscribeAudio(ctx context.Context, payload []byte) (string, error) {
	if g.onTranscribe != nil {
		return g.onTranscribe(ctx, payload)
	}
	return "transcribed", nil
}

func (g *fakeGateway) submittedTexts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.submitted))
	copy(out, g.submitted)
	return out
}
