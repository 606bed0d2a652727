package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Error is returned for any failed storage operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON snapshot + journal next to Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CommunityKind distinguishes plain groups from forum supergroups.
type CommunityKind string

const (
	KindGroup      CommunityKind = "group"
	KindSupergroup CommunityKind = "supergroup"
	KindForum      CommunityKind = "forum"
)

// Community is a group chat the bot belongs to.
type Community struct {
	ID    int64
	Title string
	Kind  CommunityKind
}

// Channel is a named place to post inside a community: a forum topic, or
// the group chat itself (ThreadID 0) named by its title.
type Channel struct {
	CommunityID int64
	ThreadID    int
	Name        string
}

// Recipients is the durable set of direct-message subscribers.
//
// AddRecipient is idempotent and RemoveRecipient on an absent id is a no-op.
// Errors are *Error and are never retried internally.
type Recipients interface {
	AddRecipient(ctx context.Context, id int64) error
	RemoveRecipient(ctx context.Context, id int64) error
	ListRecipients(ctx context.Context) ([]int64, error)
}

// Directory tracks communities and their named channels.
type Directory interface {
	UpsertCommunity(ctx context.Context, c Community) error
	RemoveCommunity(ctx context.Context, id int64) error
	ListCommunities(ctx context.Context) ([]Community, error)
	// MoveCommunity re-keys a community and its channels, e.g. after a
	// group is upgraded to a supergroup. Existing rows under to are kept.
	MoveCommunity(ctx context.Context, from, to int64) error
	UpsertChannel(ctx context.Context, ch Channel) error
	RemoveChannel(ctx context.Context, communityID int64, threadID int) error
	// FindChannel looks a channel up by case-insensitive name.
	FindChannel(ctx context.Context, communityID int64, name string) (Channel, bool, error)
}

// Store is the persistence API used by the app.
type Store interface {
	Recipients
	Directory
	Close() error
}
