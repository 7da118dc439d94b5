// Package sync absorbs local object writes, queues them per object and
// streams them to the remote store, resolving version conflicts on the way.
package sync

import (
	"context"
	"io"
	"time"

	"github.com/TheMichaelB/objsync/internal/models"
)

// Source is one new version of an object as the application produced it.
type Source struct {
	Version models.Version

	// Diff is set when the version is stored as a delta.
	Diff   *models.DiffInfo
	Header []byte

	// Segs streams the segment bytes; nil means no segments.
	Segs io.Reader
}

// ChangeKind tells what a queued change asks of the remote store.
type ChangeKind int

const (
	ChangeSave ChangeKind = iota
	ChangeRemove
)

func (k ChangeKind) String() string {
	if k == ChangeRemove {
		return "remove"
	}
	return "save"
}

// Change is a pending sync task of one object.
type Change struct {
	Kind    ChangeKind
	Version models.Version
}

// EventType defines sync event types.
type EventType string

const (
	EventUploaded EventType = "uploaded"
	EventRemoved  EventType = "removed"
	EventConflict EventType = "conflict"
	EventFailed   EventType = "failed"
	EventRemote   EventType = "remote_change"
)

// SyncEvent reports a finished sync step.
type SyncEvent struct {
	Type      EventType
	Timestamp time.Time
	ObjID     models.ObjectID

	LocalVersion  models.Version
	SyncedVersion models.Version

	// RemoteVersion is the server's version in conflict and remote events.
	RemoteVersion models.Version
	Error         error
}

// ConflictResolver settles a rejected upload. It is expected to save a new
// local version built on serverVersion before returning.
type ConflictResolver interface {
	ResolveConflict(ctx context.Context, id models.ObjectID, serverVersion models.Version) error
}

// ConflictResolverFunc adapts a function to ConflictResolver.
type ConflictResolverFunc func(ctx context.Context, id models.ObjectID, serverVersion models.Version) error

// ResolveConflict calls f.
func (f ConflictResolverFunc) ResolveConflict(ctx context.Context, id models.ObjectID, serverVersion models.Version) error {
	return f(ctx, id, serverVersion)
}

// Options tune the engine.
type Options struct {
	// ChunkSize caps upload chunks below the remote's own limit.
	ChunkSize int64

	// ReadChunkSize is the source read size when absorbing writes.
	ReadChunkSize int

	OfflineInitialBackoff time.Duration
	OfflineMaxBackoff     time.Duration

	// TransactionRetryDelay is waited before cancelling a clashing upload.
	TransactionRetryDelay time.Duration

	// ProcIdleTTL is how long an idle object pipeline is kept in memory.
	ProcIdleTTL time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ChunkSize <= 0 {
		out.ChunkSize = 8 * 1024 * 1024
	}
	if out.ReadChunkSize <= 0 {
		out.ReadChunkSize = 256 * 1024
	}
	if out.OfflineInitialBackoff <= 0 {
		out.OfflineInitialBackoff = 2 * time.Second
	}
	if out.OfflineMaxBackoff <= 0 {
		out.OfflineMaxBackoff = 2 * time.Minute
	}
	if out.TransactionRetryDelay <= 0 {
		out.TransactionRetryDelay = 500 * time.Millisecond
	}
	if out.ProcIdleTTL <= 0 {
		out.ProcIdleTTL = time.Minute
	}
	return out
}
