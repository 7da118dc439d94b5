package sync

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objstore"
	"github.com/TheMichaelB/objsync/internal/transport"
	"github.com/TheMichaelB/objsync/internal/versions"
)

var errProcClosed = errors.New("object pipeline closed")

// objProc is the in-memory pipeline of one object: absorption feeding a
// sync queue.
type objProc struct {
	mu     sync.Mutex
	closed bool
	absorb *absorber
	queue  *syncQueue
}

// tryClose marks an idle pipeline closed so it can be dropped.
func (p *objProc) tryClose() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.absorb.idle() && p.queue.idle() {
		p.closed = true
	}
	return p.closed
}

func (p *objProc) enqueue(ctx context.Context, src *Source) (*absorbTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errProcClosed
	}
	return p.absorb.enqueue(ctx, src), nil
}

func (p *objProc) addChanges(ctx context.Context, changes []Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errProcClosed
	}
	for _, ch := range changes {
		p.queue.add(ctx, ch)
	}
	return nil
}

// Engine is the object sync engine: local writes go in through SaveObj and
// RemoveObj, remote changes through HandleRemoteEvent.
type Engine struct {
	store    *objstore.Store
	local    *versions.LocalManager
	synced   *versions.SyncedManager
	remote   transport.Remote
	resolver ConflictResolver
	conn     *Connectivity
	opts     Options
	logger   *events.Logger

	procs *objstore.Cache[models.ObjectID, *objProc]

	// Event stream
	mu           sync.Mutex
	events       chan SyncEvent
	eventsClosed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. gc receives collection requests after
// version changes; resolver may be nil, leaving conflicts recorded only.
func NewEngine(
	store *objstore.Store,
	gc versions.Scheduler,
	remote transport.Remote,
	resolver ConflictResolver,
	opts Options,
	logger *events.Logger,
) *Engine {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:    store,
		local:    versions.NewLocalManager(store, gc, logger),
		synced:   versions.NewSyncedManager(store, gc, logger),
		remote:   remote,
		resolver: resolver,
		conn:     NewConnectivity(opts.OfflineInitialBackoff, opts.OfflineMaxBackoff, logger),
		opts:     opts,
		logger:   logger.WithField("component", "sync_engine"),
		events:   make(chan SyncEvent, 100),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.procs = objstore.NewCache[models.ObjectID, *objProc](opts.ProcIdleTTL,
		objstore.WithCanEvict(func(_ models.ObjectID, p *objProc) bool { return p.tryClose() }))
	return e
}

// Local exposes the local version manager.
func (e *Engine) Local() *versions.LocalManager {
	return e.local
}

// Synced exposes the synced version manager, used by the downloader.
func (e *Engine) Synced() *versions.SyncedManager {
	return e.synced
}

// Connectivity exposes the shared online/offline state.
func (e *Engine) Connectivity() *Connectivity {
	return e.conn
}

// Events returns the sync event channel.
func (e *Engine) Events() <-chan SyncEvent {
	return e.events
}

// Start replays pending work left by an earlier run and starts cache
// maintenance.
func (e *Engine) Start(ctx context.Context) error {
	resumed := 0
	for id, err := range e.CollectUnsyncedObjs(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			e.logger.WithError(err).Warn("Skipping unreadable object")
			continue
		}

		inc, err := e.local.GetIncompleteSync(ctx, id)
		if err != nil {
			e.logger.WithError(err).WithField("obj_id", id.String()).Warn("Cannot resume object")
			continue
		}
		if inc.Empty() {
			continue
		}

		var changes []Change
		if inc.Removal {
			changes = append(changes, Change{Kind: ChangeRemove})
		}
		for _, v := range inc.Versions {
			changes = append(changes, Change{Kind: ChangeSave, Version: v})
		}
		if err := e.withProc(id, func(p *objProc) error { return p.addChanges(e.ctx, changes) }); err != nil {
			return err
		}
		resumed++
	}

	e.logger.WithField("objects", resumed).Info("Sync engine started")

	e.wg.Add(1)
	go e.maintain()
	return nil
}

// Stop cancels queued work and waits for running tasks. Unfinished work
// is picked up by the next Start.
func (e *Engine) Stop() {
	e.cancel()
	e.procs.Range(func(_ models.ObjectID, p *objProc) bool {
		p.queue.wg.Wait()
		return true
	})
	e.wg.Wait()

	e.mu.Lock()
	if !e.eventsClosed {
		close(e.events)
		e.eventsClosed = true
	}
	e.mu.Unlock()
}

func (e *Engine) maintain() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.ProcIdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			procs := e.procs.Sweep()
			statuses := e.store.SweepCache()
			if procs+statuses > 0 {
				e.logger.WithFields(map[string]interface{}{
					"procs":    procs,
					"statuses": statuses,
				}).Debug("Swept idle entries")
			}
		}
	}
}

// SaveObj writes a new local version and queues its upload. It returns
// once the version is durable locally.
func (e *Engine) SaveObj(ctx context.Context, id models.ObjectID, src *Source) error {
	if src == nil || src.Version == 0 {
		return errors.New("save object: a positive version is required")
	}
	return e.submit(ctx, id, src)
}

// RemoveObj removes the current version locally and queues the remote
// removal.
func (e *Engine) RemoveObj(ctx context.Context, id models.ObjectID) error {
	return e.submit(ctx, id, nil)
}

func (e *Engine) submit(ctx context.Context, id models.ObjectID, src *Source) error {
	var task *absorbTask
	err := e.withProc(id, func(p *objProc) error {
		var err error
		task, err = p.enqueue(ctx, src)
		return err
	})
	if err != nil {
		return err
	}
	return task.wait(ctx)
}

// IsIdle reports whether id has no absorption or sync work pending.
func (e *Engine) IsIdle(id models.ObjectID) bool {
	p, ok := e.procs.Get(id)
	return !ok || (p.absorb.idle() && p.queue.idle())
}

// Pending lists the queued changes of id.
func (e *Engine) Pending(id models.ObjectID) []Change {
	p, ok := e.procs.Get(id)
	if !ok {
		return nil
	}
	return p.queue.pending()
}

func (e *Engine) withProc(id models.ObjectID, fn func(p *objProc) error) error {
	for {
		p := e.procs.GetOrCreate(id, func() *objProc { return e.newProc(id) })
		if err := fn(p); !errors.Is(err, errProcClosed) {
			return err
		}
	}
}

func (e *Engine) newProc(id models.ObjectID) *objProc {
	proc := &syncProcess{
		id:        id,
		store:     e.store,
		local:     e.local,
		remote:    e.remote,
		resolver:  e.resolver,
		chunkSize: e.opts.ChunkSize,
		txDelay:   e.opts.TransactionRetryDelay,
		emit:      e.emit,
		logger:    e.logger.WithField("component", "sync_process"),
	}

	q := &syncQueue{
		id:     id,
		run:    proc.run,
		baseOf: e.baseOf(id),
		conn:   e.conn,
		logger: e.logger.WithField("component", "sync_queue"),
		onFail: func(ch Change, err error) {
			e.emit(SyncEvent{Type: EventFailed, ObjID: id, LocalVersion: ch.Version, Error: err})
		},
	}

	return &objProc{
		absorb: newAbsorber(id, e.local, e.opts.ReadChunkSize, func(ch Change) { q.add(e.ctx, ch) }, e.logger),
		queue:  q,
	}
}

// baseOf reads the diff base of a version for backlog compression.
func (e *Engine) baseOf(id models.ObjectID) func(models.Version) (models.Version, error) {
	return func(v models.Version) (models.Version, error) {
		r, _, err := versions.OpenVersion(e.store, id, v)
		if err != nil {
			return 0, err
		}
		defer r.Close()

		d, err := r.Diff()
		if err != nil || d == nil {
			return 0, err
		}
		return d.BaseVersion, nil
	}
}

// HandleRemoteEvent applies a change made on the remote store by another
// client.
func (e *Engine) HandleRemoteEvent(ctx context.Context, ev transport.RemoteEvent) error {
	log := e.logger.WithFields(map[string]interface{}{
		"obj_id": ev.ObjID.String(),
		"kind":   ev.Kind.String(),
	})

	switch ev.Kind {
	case transport.RemoteChanged:
		upd, err := e.synced.SetCurrentRemoteVersion(ctx, ev.ObjID, ev.Version)
		if err != nil {
			return err
		}
		switch upd {
		case models.RemoteConflict:
			log.WithField("version", uint64(ev.Version)).Warn("Remote version races a local change")
			e.emit(SyncEvent{Type: EventConflict, ObjID: ev.ObjID, RemoteVersion: ev.Version})
		case models.RemoteAdopted:
			log.WithField("version", uint64(ev.Version)).Debug("Remote version adopted")
			e.emit(SyncEvent{Type: EventRemote, ObjID: ev.ObjID, RemoteVersion: ev.Version})
		}

	case transport.RemoteRemoved:
		if err := e.synced.RemoveCurrentObjVersion(ctx, ev.ObjID); err != nil {
			return err
		}
		if p, ok := e.procs.Get(ev.ObjID); ok {
			p.queue.dropSaves()
		}
		log.Debug("Remote removal applied")
		e.emit(SyncEvent{Type: EventRemote, ObjID: ev.ObjID})
	}
	return nil
}

// Follow applies remote events until the channel closes or ctx ends.
func (e *Engine) Follow(ctx context.Context, remoteEvents <-chan transport.RemoteEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-remoteEvents:
			if !ok {
				return
			}
			if err := e.HandleRemoteEvent(ctx, ev); err != nil {
				e.logger.WithError(err).WithField("obj_id", ev.ObjID.String()).Error("Applying remote event failed")
			}
		}
	}
}

// FindObj returns the status of id.
func (e *Engine) FindObj(ctx context.Context, id models.ObjectID) (*models.ObjStatus, error) {
	var st *models.ObjStatus
	err := e.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		var err error
		st, err = e.store.GetStatus(id)
		return err
	})
	return st, err
}

// GetSegsSize returns the segment length of version v. With countBase a
// diff version reports its reconstructed size.
func (e *Engine) GetSegsSize(ctx context.Context, id models.ObjectID, v models.Version, countBase bool) (int64, error) {
	var n int64
	err := e.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		r, _, err := versions.OpenVersion(e.store, id, v)
		if err != nil {
			return err
		}
		defer r.Close()
		n, err = r.SegsLength(countBase)
		return err
	})
	return n, err
}

// ReadHeader returns the header of version v.
func (e *Engine) ReadHeader(ctx context.Context, id models.ObjectID, v models.Version) ([]byte, error) {
	var header []byte
	err := e.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		r, _, err := versions.OpenVersion(e.store, id, v)
		if err != nil {
			return err
		}
		defer r.Close()
		header, err = r.ReadHeader()
		return err
	})
	return header, err
}

// ReadSegs returns segment bytes [start, end) of version v.
func (e *Engine) ReadSegs(ctx context.Context, id models.ObjectID, v models.Version, start, end int64) ([]byte, error) {
	var segs []byte
	err := e.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		r, _, err := versions.OpenVersion(e.store, id, v)
		if err != nil {
			return err
		}
		defer r.Close()
		segs, err = r.ReadSegs(start, end)
		return err
	})
	return segs, err
}

// RemoveArchivedObjVersion drops a history entry of id.
func (e *Engine) RemoveArchivedObjVersion(ctx context.Context, id models.ObjectID, v models.Version) error {
	return e.synced.RemoveArchivedVersion(ctx, id, v)
}

// CollectUnsyncedObjs yields the objects that still owe the remote
// something. The sequence can be iterated again.
func (e *Engine) CollectUnsyncedObjs(ctx context.Context) iter.Seq2[models.ObjectID, error] {
	return e.store.CollectUnsynced(ctx)
}

func (e *Engine) emit(ev SyncEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.eventsClosed {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.logger.WithField("type", string(ev.Type)).Debug("Event channel full, dropping event")
	}
}
