package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objfile"
	"github.com/TheMichaelB/objsync/internal/objstore"
	"github.com/TheMichaelB/objsync/internal/storage"
)

// LocalManager writes locally originated versions and tracks their upload.
type LocalManager struct {
	store  *objstore.Store
	blobs  storage.BlobStore
	gc     Scheduler
	logger *events.Logger

	mu    sync.Mutex
	sinks map[string]storage.Sink
}

// IncompleteSync describes what an object still owes the remote store.
type IncompleteSync struct {
	// Versions are local versions not yet uploaded, oldest first.
	Versions []models.Version

	// Removal is set when a local removal has not been synced.
	Removal bool
}

// Empty reports whether nothing is pending.
func (s *IncompleteSync) Empty() bool {
	return s == nil || (len(s.Versions) == 0 && !s.Removal)
}

// NewLocalManager creates a local version manager.
func NewLocalManager(store *objstore.Store, gc Scheduler, logger *events.Logger) *LocalManager {
	if gc == nil {
		gc = NopScheduler{}
	}
	return &LocalManager{
		store:  store,
		blobs:  store.Blobs(),
		gc:     gc,
		logger: logger.WithField("component", "local_versions"),
		sinks:  make(map[string]storage.Sink),
	}
}

// StartSaving creates <v>.local and writes preamble, diff, header and the
// first segment bytes. With isLast the version is complete and becomes the
// current local version.
func (m *LocalManager) StartSaving(ctx context.Context, id models.ObjectID, v models.Version,
	diff *models.DiffInfo, header, segs []byte, isLast bool) error {
	return m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		if _, err := m.store.GetFolder(id, true); err != nil {
			return err
		}

		p, err := m.store.VersionPath(id, v, models.KindLocal)
		if err != nil {
			return err
		}

		m.dropSink(p)
		exists, err := m.blobs.Exists(p)
		if err != nil {
			return err
		}
		if exists {
			m.logger.WithFields(map[string]interface{}{
				"obj_id":  id.String(),
				"version": uint64(v),
			}).Warn("Replacing existing local version file")
			if err := m.blobs.Delete(p); err != nil {
				return fmt.Errorf("delete stale local version: %w", err)
			}
		}

		var rawDiff []byte
		if diff != nil {
			if rawDiff, err = json.Marshal(diff); err != nil {
				return fmt.Errorf("marshal diff: %w", err)
			}
		}

		sink, err := m.blobs.Create(p)
		if err != nil {
			return fmt.Errorf("create local version: %w", err)
		}
		if err := objfile.WriteStart(sink, rawDiff, header, segs); err != nil {
			sink.Close()
			return err
		}

		if !isLast {
			m.mu.Lock()
			m.sinks[p] = sink
			m.mu.Unlock()
			return nil
		}
		return m.finish(id, v, sink)
	})
}

// ContinueSaving appends segment bytes to an unfinished <v>.local.
func (m *LocalManager) ContinueSaving(ctx context.Context, id models.ObjectID, v models.Version, segs []byte, isLast bool) error {
	return m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		p, err := m.store.VersionPath(id, v, models.KindLocal)
		if err != nil {
			return err
		}

		m.mu.Lock()
		sink, ok := m.sinks[p]
		delete(m.sinks, p)
		m.mu.Unlock()

		if !ok {
			if sink, err = m.blobs.OpenAppend(p); err != nil {
				return fmt.Errorf("reopen local version: %w", err)
			}
		}

		if len(segs) > 0 {
			if _, err := sink.Write(segs); err != nil {
				sink.Close()
				return fmt.Errorf("append segments: %w", err)
			}
		}

		if !isLast {
			m.mu.Lock()
			m.sinks[p] = sink
			m.mu.Unlock()
			return nil
		}
		return m.finish(id, v, sink)
	})
}

// AbortSaving drops an unfinished <v>.local after its source failed.
func (m *LocalManager) AbortSaving(ctx context.Context, id models.ObjectID, v models.Version) error {
	return m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		p, err := m.store.VersionPath(id, v, models.KindLocal)
		if err != nil {
			return err
		}
		m.dropSink(p)

		st, err := m.store.GetStatus(id)
		if err == nil && st.Current != nil && st.Current.Version >= v {
			// finished versions are never dropped here
			return nil
		}
		return m.blobs.Delete(p)
	})
}

func (m *LocalManager) finish(id models.ObjectID, v models.Version, sink storage.Sink) error {
	if err := sink.Sync(); err != nil {
		sink.Close()
		return fmt.Errorf("sync local version: %w", err)
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("close local version: %w", err)
	}

	if err := m.store.SetCurrentLocalVersion(id, v); err != nil {
		return err
	}

	m.logger.WithFields(map[string]interface{}{
		"obj_id":  id.String(),
		"version": uint64(v),
	}).Debug("Local version written")
	return nil
}

func (m *LocalManager) dropSink(p string) {
	m.mu.Lock()
	sink, ok := m.sinks[p]
	delete(m.sinks, p)
	m.mu.Unlock()
	if ok {
		sink.Close()
	}
}

// ChangeVersionToSynced promotes <v>.local to <v>. and records v as synced.
func (m *LocalManager) ChangeVersionToSynced(ctx context.Context, id models.ObjectID, v models.Version) error {
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		localPath, err := m.store.VersionPath(id, v, models.KindLocal)
		if err != nil {
			return err
		}
		syncedPath, err := m.store.VersionPath(id, v, models.KindSynced)
		if err != nil {
			return err
		}

		if err := m.blobs.Move(localPath, syncedPath); err != nil {
			if !models.IsNotFound(err) {
				return fmt.Errorf("promote local version: %w", err)
			}
			// a retried promotion finds the synced file already there
			if ok, _ := m.blobs.Exists(syncedPath); !ok {
				return err
			}
		}

		_, err = m.store.UpdateStatus(id, func(st *models.ObjStatus) (bool, error) {
			st.SetLocalVersionSynced(v)
			return true, nil
		})
		return err
	})
	if err != nil {
		return err
	}

	m.gc.Schedule(id)
	return nil
}

// GetIncompleteSync rebuilds, from status and folder listing, what still
// has to be uploaded for id. A missing object yields nil.
func (m *LocalManager) GetIncompleteSync(ctx context.Context, id models.ObjectID) (*IncompleteSync, error) {
	var out *IncompleteSync
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		st, err := m.store.GetStatus(id)
		if err != nil {
			if models.IsNotFound(err) {
				return nil
			}
			return err
		}

		entries, err := m.store.ListFolder(id)
		if err != nil {
			if models.IsNotFound(err) {
				return nil
			}
			return err
		}

		res := &IncompleteSync{}
		sentinel := false
		for _, e := range entries {
			if e.Name == models.UnsyncedRemovalFile {
				sentinel = true
				continue
			}
			v, kind, ok := models.ParseVersionFileName(e.Name)
			if !ok || kind != models.KindLocal || v <= st.LatestSynced {
				continue
			}
			// only finished versions; an interrupted write is never current
			if st.Current != nil && v <= st.Current.Version {
				res.Versions = append(res.Versions, v)
			}
		}
		sort.Slice(res.Versions, func(i, j int) bool { return res.Versions[i] < res.Versions[j] })

		if st.IsRemovalUnsynced() || (sentinel && st.IsArchived && st.Current == nil) {
			res.Removal = true
			res.Versions = nil
		}

		if !res.Empty() {
			out = res
		}
		return nil
	})
	return out, err
}

// SaveUploadInfo persists upload progress for v.
func (m *LocalManager) SaveUploadInfo(ctx context.Context, id models.ObjectID, v models.Version, info *models.UploadInfo) error {
	return m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		p, err := m.store.VersionPath(id, v, models.KindUpload)
		if err != nil {
			return err
		}
		return m.blobs.WriteJSON(p, info)
	})
}

// GetUploadInfo returns upload progress for v, or nil when none is kept.
func (m *LocalManager) GetUploadInfo(ctx context.Context, id models.ObjectID, v models.Version) (*models.UploadInfo, error) {
	var info *models.UploadInfo
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		p, err := m.store.VersionPath(id, v, models.KindUpload)
		if err != nil {
			return err
		}
		var rec models.UploadInfo
		if err := m.blobs.ReadJSON(p, &rec); err != nil {
			if models.IsNotFound(err) {
				return nil
			}
			return err
		}
		info = &rec
		return nil
	})
	return info, err
}

// ClearUploadInfo deletes upload progress for v. Failures are logged only.
func (m *LocalManager) ClearUploadInfo(ctx context.Context, id models.ObjectID, v models.Version) {
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		p, err := m.store.VersionPath(id, v, models.KindUpload)
		if err != nil {
			return err
		}
		return m.blobs.Delete(p)
	})
	if err != nil {
		m.logger.WithError(err).WithField("obj_id", id.String()).Debug("Upload info cleanup failed")
	}
}

// RemoveCurrentObjVersion clears the current version after a local delete
// and leaves the unsynced-removal sentinel.
func (m *LocalManager) RemoveCurrentObjVersion(ctx context.Context, id models.ObjectID) error {
	return m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		st, err := m.store.GetStatus(id)
		if err != nil {
			return err
		}
		if st.Current == nil && !st.IsArchived {
			return fmt.Errorf("%w: %s has no current version to remove", models.ErrLogicInvariant, id.String())
		}
		if !st.MarkLocalRemoval() {
			return nil
		}

		p, err := m.store.FilePath(id, models.UnsyncedRemovalFile)
		if err != nil {
			return err
		}
		if err := m.blobs.WriteFile(p, nil); err != nil {
			return fmt.Errorf("write removal sentinel: %w", err)
		}
		return m.store.SaveStatus(id, st)
	})
}

// SetRemovalAsSynced records that the remote store accepted the removal.
func (m *LocalManager) SetRemovalAsSynced(ctx context.Context, id models.ObjectID) error {
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		p, err := m.store.FilePath(id, models.UnsyncedRemovalFile)
		if err != nil {
			return err
		}
		if err := m.blobs.Delete(p); err != nil {
			return fmt.Errorf("delete removal sentinel: %w", err)
		}

		_, err = m.store.UpdateStatus(id, func(st *models.ObjStatus) (bool, error) {
			return st.MarkLocalRemovalSynced(), nil
		})
		return err
	})
	if err != nil {
		return err
	}

	m.gc.Schedule(id)
	return nil
}
