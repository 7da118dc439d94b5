package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objfile"
	"github.com/TheMichaelB/objsync/internal/objstore"
	"github.com/TheMichaelB/objsync/internal/transport"
	"github.com/TheMichaelB/objsync/internal/versions"
)

// syncProcess performs the network side of one object's changes. The
// queue guarantees a single run at a time.
type syncProcess struct {
	id        models.ObjectID
	store     *objstore.Store
	local     *versions.LocalManager
	remote    transport.Remote
	resolver  ConflictResolver
	chunkSize int64
	txDelay   time.Duration
	emit      func(SyncEvent)
	logger    *events.Logger
}

func (p *syncProcess) run(ctx context.Context, ch Change) error {
	ctx = events.WithLogger(ctx, p.logger)
	ctx = events.WithTaskID(events.WithObjID(ctx, p.id.String()), uuid.NewString())
	log := events.FromContext(ctx)

	if ch.Kind == ChangeRemove {
		return p.removeObj(ctx, log)
	}
	return p.upload(ctx, ch.Version, log.WithField("version", uint64(ch.Version)))
}

func (p *syncProcess) status(ctx context.Context) (*models.ObjStatus, error) {
	var st *models.ObjStatus
	err := p.store.RunExclusive(ctx, p.id, func(ctx context.Context) error {
		var err error
		st, err = p.store.GetStatus(p.id)
		return err
	})
	return st, err
}

func (p *syncProcess) upload(ctx context.Context, v models.Version, log *events.Logger) error {
	st, err := p.status(ctx)
	if err != nil {
		if models.IsNotFound(err) {
			log.Debug("Object vanished before upload")
			return nil
		}
		return err
	}

	switch {
	case st.LatestSynced >= v:
		log.Debug("Version already synced")
		return nil
	case st.Current == nil:
		log.Debug("Object removed before upload")
		return nil
	case st.ConflictingRemoteVersion >= v && st.Current.Version > st.ConflictingRemoteVersion:
		// the conflict already has a resolution queued behind v
		log.WithField("resolved_by", uint64(st.Current.Version)).Debug("Skipping version superseded by conflict resolution")
		return nil
	case st.ConflictingRemoteVersion >= v:
		return p.resolveConflict(ctx, v, st.ConflictingRemoteVersion, log)
	}
	expected := max(st.LatestSynced, st.ConflictingRemoteVersion)

	info, err := p.local.GetUploadInfo(ctx, p.id, v)
	if err != nil {
		return err
	}
	if info != nil && info.Done {
		return p.complete(ctx, v, log)
	}

	r, kind, err := versions.OpenVersion(p.store, p.id, v)
	if err != nil {
		return &models.SyncError{Code: models.ErrCodeStorage, Phase: "open", ObjID: p.id, Version: v, Err: err}
	}
	defer r.Close()
	if kind == models.KindSynced {
		return p.complete(ctx, v, log)
	}

	total, err := r.SegsLength(false)
	if err != nil {
		return err
	}
	chunk := min(p.remote.MaxChunkSize(), p.chunkSize)

	if info != nil && info.HeaderUploaded && info.TransactionID != "" && info.SegsTotal == total {
		log.WithField("offset", info.SegsUploaded).Info("Resuming upload")
	} else {
		first, err := r.ReadFirstRaw(r.Layout().SegsOffset() + chunk)
		if err != nil {
			return err
		}
		isLast := int64(len(first.Segs)) == total

		txID, err := p.remote.SaveFirstChunk(ctx, p.id, &transport.FirstChunk{
			Version:   v,
			Current:   expected,
			Diff:      first.Diff,
			Header:    first.Header,
			Segs:      first.Segs,
			SegsTotal: total,
			IsLast:    isLast,
		})
		if err != nil {
			return p.remoteFailed(ctx, v, expected, err, log)
		}

		info = &models.UploadInfo{
			TransactionID:  txID,
			HeaderUploaded: true,
			SegsUploaded:   int64(len(first.Segs)),
			SegsTotal:      total,
			Done:           isLast,
		}
		if err := p.local.SaveUploadInfo(ctx, p.id, v, info); err != nil {
			return err
		}
	}

	if err := p.sendRest(ctx, r, v, info, chunk); err != nil {
		if errors.Is(err, models.ErrUnknownTransaction) {
			log.WithError(err).Warn("Remote dropped the upload, starting over")
			p.local.ClearUploadInfo(ctx, p.id, v)
			return errRequeue
		}
		return p.remoteFailed(ctx, v, expected, err, log)
	}
	return p.complete(ctx, v, log)
}

// sendRest streams the segments after info.SegsUploaded, recording
// progress after every accepted chunk.
func (p *syncProcess) sendRest(ctx context.Context, r *objfile.Reader, v models.Version, info *models.UploadInfo, chunk int64) error {
	if info.Done {
		return nil
	}

	send := func(ofs int64, data []byte, last bool) error {
		if err := p.remote.SaveFollowingChunk(ctx, p.id, &transport.FollowingChunk{
			TransactionID: info.TransactionID,
			Offset:        ofs,
			Segs:          data,
			IsLast:        last,
		}); err != nil {
			return err
		}
		info.SegsUploaded = ofs + int64(len(data))
		info.Done = last
		return p.local.SaveUploadInfo(ctx, p.id, v, info)
	}

	// every byte went out but the commit was never recorded
	if info.SegsUploaded >= info.SegsTotal {
		return send(info.SegsTotal, nil, true)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for c := range stageSegs(ctx, r, info.SegsUploaded, info.SegsTotal, chunk) {
		if c.err != nil {
			return c.err
		}
		if err := send(c.start, c.data, c.start+int64(len(c.data)) == info.SegsTotal); err != nil {
			return err
		}
	}
	if !info.Done {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("upload of version %d stopped at %d of %d bytes", v, info.SegsUploaded, info.SegsTotal)
	}
	return nil
}

type segChunk struct {
	start int64
	data  []byte
	err   error
}

// stageSegs reads [from, to) in chunk sized pieces, one read ahead of the
// sender.
func stageSegs(ctx context.Context, r *objfile.Reader, from, to, chunk int64) <-chan segChunk {
	out := make(chan segChunk, 1)
	go func() {
		defer close(out)
		for ofs := from; ofs < to; ofs += chunk {
			end := min(ofs+chunk, to)
			data, err := r.ReadSegs(ofs, end)
			select {
			case out <- segChunk{start: ofs, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func (p *syncProcess) remoteFailed(ctx context.Context, v, expected models.Version, err error, log *events.Logger) error {
	if mm, ok := models.AsVersionMismatch(err); ok {
		log.WithField("server_version", uint64(mm.Current)).Warn("Upload rejected, remote moved on")
		p.local.ClearUploadInfo(ctx, p.id, v)
		if err := p.store.RunExclusive(ctx, p.id, func(ctx context.Context) error {
			_, err := p.store.UpdateStatus(p.id, func(st *models.ObjStatus) (bool, error) {
				st.SetConflictingRemoteVersion(mm.Current)
				return true, nil
			})
			return err
		}); err != nil {
			return err
		}
		return p.resolveConflict(ctx, v, mm.Current, log)
	}

	switch {
	case models.IsConnectivity(err), ctx.Err() != nil:
		return err

	case errors.Is(err, models.ErrConcurrentTransaction):
		log.WithField("retry_in", p.txDelay.String()).Warn("Another upload is open on the remote, cancelling it")
		timer := time.NewTimer(p.txDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := p.remote.CancelTransaction(ctx, p.id, ""); err != nil {
			return err
		}
		p.local.ClearUploadInfo(ctx, p.id, v)
		return errRequeue

	case errors.Is(err, models.ErrObjAlreadyExists) && expected == 0:
		return &models.SyncError{Code: models.ErrCodeAlreadyExist, Phase: "upload", ObjID: p.id, Version: v, Err: err}
	}

	return &models.SyncError{Code: models.ErrCodeNetwork, Phase: "upload", ObjID: p.id, Version: v, Err: err}
}

// resolveConflict blocks the object's queue until the resolver has built
// a new local version on top of serverVersion.
func (p *syncProcess) resolveConflict(ctx context.Context, v, serverVersion models.Version, log *events.Logger) error {
	p.emit(SyncEvent{Type: EventConflict, ObjID: p.id, LocalVersion: v, RemoteVersion: serverVersion})

	if p.resolver == nil {
		log.Warn("Version conflict left unresolved")
		return nil
	}

	log.WithField("server_version", uint64(serverVersion)).Info("Resolving version conflict")
	if err := p.resolver.ResolveConflict(ctx, p.id, serverVersion); err != nil {
		return &models.SyncError{Code: models.ErrCodeConflict, Phase: "resolve", ObjID: p.id, Version: v, Err: err}
	}
	return nil
}

func (p *syncProcess) complete(ctx context.Context, v models.Version, log *events.Logger) error {
	if err := p.local.ChangeVersionToSynced(ctx, p.id, v); err != nil {
		return err
	}
	p.local.ClearUploadInfo(ctx, p.id, v)

	log.Info("Version uploaded")
	p.emit(SyncEvent{Type: EventUploaded, ObjID: p.id, LocalVersion: v, SyncedVersion: v})
	return nil
}

func (p *syncProcess) removeObj(ctx context.Context, log *events.Logger) error {
	st, err := p.status(ctx)
	if err != nil {
		if models.IsNotFound(err) {
			return nil
		}
		return err
	}

	switch {
	case st.Current != nil || !st.IsArchived || st.SyncState == models.SyncStateSynced:
		// recreated locally or already removed by the remote
		log.Debug("Removal no longer pending")
		return p.local.SetRemovalAsSynced(ctx, p.id)
	case st.SyncState == models.SyncStateConflicting:
		return p.resolveConflict(ctx, 0, st.ConflictingRemoteVersion, log)
	}

	if st.LatestSynced > 0 {
		if err := p.remote.DeleteObj(ctx, p.id); err != nil {
			if models.IsConnectivity(err) || ctx.Err() != nil {
				return err
			}
			return &models.SyncError{Code: models.ErrCodeNetwork, Phase: "remove", ObjID: p.id, Err: err}
		}
	}

	if err := p.local.SetRemovalAsSynced(ctx, p.id); err != nil {
		return err
	}

	log.Info("Removal synced")
	p.emit(SyncEvent{Type: EventRemoved, ObjID: p.id})
	return nil
}
