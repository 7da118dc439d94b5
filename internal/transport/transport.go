// Package transport talks to the remote object store: version uploads,
// removals and the remote change notification stream.
package transport

import (
	"context"

	"github.com/TheMichaelB/objsync/internal/models"
)

// FirstChunk opens a version upload.
type FirstChunk struct {
	// Version is the version being uploaded.
	Version models.Version

	// Current is the version the client expects the server to hold;
	// zero creates the object.
	Current models.Version

	Diff   []byte
	Header []byte
	Segs   []byte

	// SegsTotal is the full length of the segment section.
	SegsTotal int64

	// IsLast commits the version with this chunk.
	IsLast bool
}

// FollowingChunk continues an open upload transaction.
type FollowingChunk struct {
	TransactionID string

	// Offset of Segs within the segment section.
	Offset int64
	Segs   []byte
	IsLast bool
}

// Remote is the remote object store. Implementations report
// models.ErrConnectivity when the store cannot be reached,
// models.ErrConcurrentTransaction when another upload is open,
// *models.VersionMismatchError when Current is stale, and
// models.ErrObjAlreadyExists when creating an object that exists.
type Remote interface {
	// SaveFirstChunk starts a version upload and returns its transaction id.
	SaveFirstChunk(ctx context.Context, id models.ObjectID, chunk *FirstChunk) (string, error)

	// SaveFollowingChunk sends further segment bytes. Resending bytes that
	// were already accepted is allowed.
	SaveFollowingChunk(ctx context.Context, id models.ObjectID, chunk *FollowingChunk) error

	// CancelTransaction aborts an upload; an empty transaction id aborts
	// whatever upload is open on the object.
	CancelTransaction(ctx context.Context, id models.ObjectID, txID string) error

	// DeleteObj removes the object. Removing an unknown object succeeds.
	DeleteObj(ctx context.Context, id models.ObjectID) error

	// MaxChunkSize is the largest segment chunk the store accepts.
	MaxChunkSize() int64
}

// RemoteEventKind tells what a remote notification is about.
type RemoteEventKind int

const (
	RemoteChanged RemoteEventKind = iota
	RemoteRemoved
)

func (k RemoteEventKind) String() string {
	if k == RemoteRemoved {
		return "removed"
	}
	return "changed"
}

// RemoteEvent is a change made on the remote store by another client.
type RemoteEvent struct {
	Kind    RemoteEventKind
	ObjID   models.ObjectID
	Version models.Version
}
