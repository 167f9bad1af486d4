package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/singleflight"

	"github.com/staymate/concierge/ai/assistant"
	"github.com/staymate/concierge/store"
)

const defaultThreadTitle = "New conversation"

// ThreadManager owns the mapping between a local user and a remote
// conversation thread. Thread creation is serialized per user: two concurrent
// get-or-create calls for the same user share one remote creation.
type ThreadManager struct {
	store   *store.Store
	gateway assistant.Gateway

	createGroup singleflight.Group
}

// NewThreadManager creates a ThreadManager.
func NewThreadManager(st *store.Store, gateway assistant.Gateway) *ThreadManager {
	return &ThreadManager{store: st, gateway: gateway}
}

// GetOrCreateThread returns the user's most recent thread, creating one
// lazily when none exists yet.
func (tm *ThreadManager) GetOrCreateThread(ctx context.Context, userID int32) (*store.Thread, error) {
	thread, err := tm.store.GetThreadByUser(ctx, userID)
	if err != nil {
		return nil, E(KindPersistence, err)
	}
	if thread != nil {
		return thread, nil
	}

	// Single-flight per user: a second caller arriving while the first
	// creation is in flight waits for and shares its result.
	v, err, _ := tm.createGroup.Do(fmt.Sprintf("user-%d", userID), func() (any, error) {
		// Re-check inside the flight: the mapping may have been persisted
		// between the fast-path read and acquiring the flight.
		existing, err := tm.store.GetThreadByUser(ctx, userID)
		if err != nil {
			return nil, E(KindPersistence, err)
		}
		if existing != nil {
			return existing, nil
		}
		return tm.createThread(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Thread), nil
}

// CreateThread explicitly starts a new conversation for the user.
func (tm *ThreadManager) CreateThread(ctx context.Context, userID int32) (*store.Thread, error) {
	return tm.createThread(ctx, userID)
}

func (tm *ThreadManager) createThread(ctx context.Context, userID int32) (*store.Thread, error) {
	token, err := tm.gateway.CreateThread(ctx, userID)
	if err != nil {
		return nil, E(KindAssistantUnavailable, err)
	}

	now := time.Now().UnixMilli()
	thread, err := tm.store.CreateThread(ctx, &store.Thread{
		UID:       shortuuid.New(),
		CreatorID: userID,
		Token:     token,
		Title:     defaultThreadTitle,
		CreatedTs: now,
		UpdatedTs: now,
	})
	if err != nil {
		// The remote thread is orphaned; the provider garbage-collects idle
		// threads, so only log it.
		slog.Error("thread manager: failed to persist thread mapping",
			"user_id", userID,
			"thread_token", token,
			"error", err,
		)
		return nil, E(KindPersistence, err)
	}

	slog.Info("thread manager: thread created",
		"user_id", userID,
		"thread_uid", thread.UID,
	)
	return thread, nil
}

// GetThread loads one of the user's threads by its local identifier.
// Returns nil when the thread does not exist or belongs to someone else.
func (tm *ThreadManager) GetThread(ctx context.Context, userID int32, threadUID string) (*store.Thread, error) {
	thread, err := tm.store.GetThread(ctx, &store.FindThread{UID: &threadUID, CreatorID: &userID})
	if err != nil {
		return nil, E(KindPersistence, err)
	}
	return thread, nil
}

// ListThreads returns all of the user's threads, most recently active first.
func (tm *ThreadManager) ListThreads(ctx context.Context, userID int32) ([]*store.Thread, error) {
	list, err := tm.store.ListThreads(ctx, &store.FindThread{CreatorID: &userID})
	if err != nil {
		return nil, E(KindPersistence, err)
	}
	return list, nil
}

// RenameThread sets a user-provided title.
func (tm *ThreadManager) RenameThread(ctx context.Context, userID int32, threadUID, title string) (*store.Thread, error) {
	thread, err := tm.GetThread(ctx, userID, threadUID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}

	updated, err := tm.store.UpdateThread(ctx, &store.UpdateThread{ID: thread.ID, Title: &title})
	if err != nil {
		return nil, E(KindPersistence, err)
	}
	return updated, nil
}

// DeleteThread removes the thread and, through the schema, all its messages.
func (tm *ThreadManager) DeleteThread(ctx context.Context, userID int32, threadUID string) error {
	thread, err := tm.GetThread(ctx, userID, threadUID)
	if err != nil {
		return err
	}
	if thread == nil {
		return ErrThreadNotFound
	}

	if err := tm.store.DeleteThread(ctx, &store.DeleteThread{ID: thread.ID}); err != nil {
		return E(KindPersistence, err)
	}
	return nil
}
