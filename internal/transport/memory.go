package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objfile"
)

// MemoryRemote is an in-process Remote for tests and dry runs.
type MemoryRemote struct {
	mu       sync.Mutex
	maxChunk int64
	offline  bool
	fault    func(op string, id models.ObjectID) error
	objs     map[models.ObjectID]*memObj
	txs      map[string]*memTx
	calls    []Call
}

// Call records one request that reached the store.
type Call struct {
	Op     string
	ObjID  models.ObjectID
	TxID   string
	Offset int64
	Len    int
}

type memObj struct {
	current  models.Version
	versions map[models.Version][]byte
}

type memTx struct {
	id        models.ObjectID
	version   models.Version
	head      []byte
	segs      []byte
	segsTotal int64
}

// NewMemoryRemote creates an empty store accepting chunks up to maxChunk.
func NewMemoryRemote(maxChunk int64) *MemoryRemote {
	return &MemoryRemote{
		maxChunk: maxChunk,
		objs:     make(map[models.ObjectID]*memObj),
		txs:      make(map[string]*memTx),
	}
}

// SetOffline makes every request fail with models.ErrConnectivity.
func (m *MemoryRemote) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// SetFault installs a hook consulted before every request; a non-nil
// result is returned instead of serving the request.
func (m *MemoryRemote) SetFault(fn func(op string, id models.ObjectID) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// PutVersion makes v the current version of id as if another client
// uploaded it.
func (m *MemoryRemote) PutVersion(id models.ObjectID, v models.Version, file []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.obj(id)
	obj.current = v
	obj.versions[v] = file
}

// Current returns the current version of id, 0 when unknown.
func (m *MemoryRemote) Current(id models.ObjectID) models.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objs[id]; ok {
		return obj.current
	}
	return 0
}

// Version returns the stored file of a committed version.
func (m *MemoryRemote) Version(id models.ObjectID, v models.Version) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objs[id]
	if !ok {
		return nil, false
	}
	file, ok := obj.versions[v]
	return file, ok
}

// Calls returns the requests served so far.
func (m *MemoryRemote) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// OpenTransactions counts uploads not yet committed or cancelled.
func (m *MemoryRemote) OpenTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// MaxChunkSize implements Remote.
func (m *MemoryRemote) MaxChunkSize() int64 {
	return m.maxChunk
}

// SaveFirstChunk implements Remote.
func (m *MemoryRemote) SaveFirstChunk(ctx context.Context, id models.ObjectID, chunk *FirstChunk) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "first", id); err != nil {
		return "", err
	}
	if int64(len(chunk.Segs)) > m.maxChunk {
		return "", fmt.Errorf("chunk of %d bytes exceeds %d", len(chunk.Segs), m.maxChunk)
	}

	obj, exists := m.objs[id]
	if exists && obj.current != 0 && chunk.Current == 0 {
		return "", fmt.Errorf("%s: %w", id.String(), models.ErrObjAlreadyExists)
	}
	if exists && obj.current != chunk.Current || !exists && chunk.Current != 0 {
		var cur models.Version
		if exists {
			cur = obj.current
		}
		return "", &models.VersionMismatchError{ObjID: id, Current: cur}
	}
	if chunk.Version <= chunk.Current {
		return "", &models.VersionMismatchError{ObjID: id, Current: chunk.Current}
	}
	for _, tx := range m.txs {
		if tx.id == id {
			return "", fmt.Errorf("%s: %w", id.String(), models.ErrConcurrentTransaction)
		}
	}

	head, err := objfile.Encode(chunk.Diff, chunk.Header)
	if err != nil {
		return "", err
	}

	txID := uuid.NewString()
	tx := &memTx{
		id:        id,
		version:   chunk.Version,
		head:      head,
		segs:      append([]byte(nil), chunk.Segs...),
		segsTotal: chunk.SegsTotal,
	}
	m.calls = append(m.calls, Call{Op: "first", ObjID: id, TxID: txID, Len: len(chunk.Segs)})

	if chunk.IsLast {
		return txID, m.commit(tx)
	}
	m.txs[txID] = tx
	return txID, nil
}

// SaveFollowingChunk implements Remote.
func (m *MemoryRemote) SaveFollowingChunk(ctx context.Context, id models.ObjectID, chunk *FollowingChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "following", id); err != nil {
		return err
	}
	if int64(len(chunk.Segs)) > m.maxChunk {
		return fmt.Errorf("chunk of %d bytes exceeds %d", len(chunk.Segs), m.maxChunk)
	}

	tx, ok := m.txs[chunk.TransactionID]
	if !ok || tx.id != id {
		return fmt.Errorf("%s: %w", chunk.TransactionID, models.ErrUnknownTransaction)
	}

	received := int64(len(tx.segs))
	if chunk.Offset > received {
		return fmt.Errorf("chunk at %d leaves a gap after %d", chunk.Offset, received)
	}
	if end := chunk.Offset + int64(len(chunk.Segs)); end > received {
		tx.segs = append(tx.segs, chunk.Segs[received-chunk.Offset:]...)
	}
	m.calls = append(m.calls, Call{Op: "following", ObjID: id, TxID: chunk.TransactionID, Offset: chunk.Offset, Len: len(chunk.Segs)})

	if chunk.IsLast {
		delete(m.txs, chunk.TransactionID)
		return m.commit(tx)
	}
	return nil
}

// CancelTransaction implements Remote.
func (m *MemoryRemote) CancelTransaction(ctx context.Context, id models.ObjectID, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "cancel", id); err != nil {
		return err
	}
	for key, tx := range m.txs {
		if tx.id == id && (txID == "" || txID == key) {
			delete(m.txs, key)
		}
	}
	m.calls = append(m.calls, Call{Op: "cancel", ObjID: id, TxID: txID})
	return nil
}

// DeleteObj implements Remote.
func (m *MemoryRemote) DeleteObj(ctx context.Context, id models.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "delete", id); err != nil {
		return err
	}
	delete(m.objs, id)
	for key, tx := range m.txs {
		if tx.id == id {
			delete(m.txs, key)
		}
	}
	m.calls = append(m.calls, Call{Op: "delete", ObjID: id})
	return nil
}

func (m *MemoryRemote) check(ctx context.Context, op string, id models.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.offline {
		return fmt.Errorf("memory remote offline: %w", models.ErrConnectivity)
	}
	if m.fault != nil {
		if err := m.fault(op, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryRemote) commit(tx *memTx) error {
	if tx.segsTotal >= 0 && int64(len(tx.segs)) != tx.segsTotal {
		return fmt.Errorf("upload of %s ended at %d of %d bytes", tx.id.String(), len(tx.segs), tx.segsTotal)
	}
	obj := m.obj(tx.id)
	obj.current = tx.version
	obj.versions[tx.version] = append(tx.head, tx.segs...)
	return nil
}

func (m *MemoryRemote) obj(id models.ObjectID) *memObj {
	obj, ok := m.objs[id]
	if !ok {
		obj = &memObj{versions: make(map[models.Version][]byte)}
		m.objs[id] = obj
	}
	return obj
}
