package store

import (
	"context"
	"database/sql"

	"github.com/staymate/concierge/internal/profile"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	Migrate(ctx context.Context) error

	CreateThread(ctx context.Context, create *Thread) (*Thread, error)
	ListThreads(ctx context.Context, find *FindThread) ([]*Thread, error)
	UpdateThread(ctx context.Context, update *UpdateThread) (*Thread, error)
	DeleteThread(ctx context.Context, delete *DeleteThread) error

	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
}

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) CreateThread(ctx context.Context, create *Thread) (*Thread, error) {
	return s.driver.CreateThread(ctx, create)
}

func (s *Store) ListThreads(ctx context.Context, find *FindThread) ([]*Thread, error) {
	return s.driver.ListThreads(ctx, find)
}

// GetThread returns a single thread or nil when no thread matches.
func (s *Store) GetThread(ctx context.Context, find *FindThread) (*Thread, error) {
	list, err := s.driver.ListThreads(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// GetThreadByUser returns the user's most recently active thread, or nil when
// the user has no thread yet.
func (s *Store) GetThreadByUser(ctx context.Context, userID int32) (*Thread, error) {
	return s.GetThread(ctx, &FindThread{CreatorID: &userID})
}

func (s *Store) UpdateThread(ctx context.Context, update *UpdateThread) (*Thread, error) {
	return s.driver.UpdateThread(ctx, update)
}

// TouchThread bumps the thread's last-activity timestamp.
func (s *Store) TouchThread(ctx context.Context, threadID int32, nowTs int64) error {
	_, err := s.driver.UpdateThread(ctx, &UpdateThread{ID: threadID, UpdatedTs: &nowTs})
	return err
}

// DeleteThread removes the thread; its messages cascade at the schema level.
func (s *Store) DeleteThread(ctx context.Context, delete *DeleteThread) error {
	return s.driver.DeleteThread(ctx, delete)
}

func (s *Store) CreateMessage(ctx context.Context, create *Message) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

// ListMessages returns messages in creation order, oldest first.
func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}
