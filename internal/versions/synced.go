package versions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objfile"
	"github.com/TheMichaelB/objsync/internal/objstore"
	"github.com/TheMichaelB/objsync/internal/storage"
)

// SyncedManager writes versions received from the remote store, possibly
// in out-of-order chunks, and applies remote authority to statuses.
type SyncedManager struct {
	store  *objstore.Store
	blobs  storage.BlobStore
	gc     Scheduler
	logger *events.Logger
}

// NewSyncedManager creates a synced version manager.
func NewSyncedManager(store *objstore.Store, gc Scheduler, logger *events.Logger) *SyncedManager {
	if gc == nil {
		gc = NopScheduler{}
	}
	return &SyncedManager{
		store:  store,
		blobs:  store.Blobs(),
		gc:     gc,
		logger: logger.WithField("component", "synced_versions"),
	}
}

// StartSaving registers v as current or archived and writes the first
// chunk of <v>.. When segsTotal is known and the chunk does not cover it,
// the file is pre-allocated and a download record tracks covered ranges. A
// negative segsTotal means the chunk is the whole segment section. It
// returns true when the version is complete.
func (m *SyncedManager) StartSaving(ctx context.Context, id models.ObjectID, v models.Version,
	diff *models.DiffInfo, header, segs []byte, segsTotal int64, isCurrent bool) (bool, error) {
	complete := false
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		if segsTotal >= 0 && int64(len(segs)) > segsTotal {
			return fmt.Errorf("first chunk of %d bytes exceeds segment total %d", len(segs), segsTotal)
		}

		if _, err := m.store.GetFolder(id, true); err != nil {
			return err
		}

		if isCurrent {
			upd, err := m.store.SetCurrentRemoteVersion(id, v)
			if err != nil {
				return err
			}
			if upd == models.RemoteConflict {
				m.logger.WithFields(map[string]interface{}{
					"obj_id":  id.String(),
					"version": uint64(v),
				}).Info("Remote version conflicts with unsynced local change")
			}
		} else if _, err := m.store.SetArchivedVersion(id, v); err != nil {
			return err
		}

		p, err := m.store.VersionPath(id, v, models.KindSynced)
		if err != nil {
			return err
		}
		dp, err := m.store.VersionPath(id, v, models.KindDownload)
		if err != nil {
			return err
		}

		// a stored version without a download record is complete and immutable
		stored, err := m.blobs.Exists(p)
		if err != nil {
			return err
		}
		if stored {
			pending, err := m.blobs.Exists(dp)
			if err != nil {
				return err
			}
			if !pending {
				m.logger.WithFields(map[string]interface{}{
					"obj_id":  id.String(),
					"version": uint64(v),
				}).Debug("Synced version already stored")
				complete = true
				return nil
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
			return fmt.Errorf("create synced version: %w", err)
		}
		if err := objfile.WriteStart(sink, rawDiff, header, segs); err != nil {
			sink.Close()
			return err
		}
		if err := sink.Close(); err != nil {
			return fmt.Errorf("close synced version: %w", err)
		}

		if segsTotal < 0 || int64(len(segs)) == segsTotal {
			complete = true
			return m.blobs.Delete(dp)
		}

		head, err := objfile.Encode(rawDiff, header)
		if err != nil {
			return err
		}
		if err := m.blobs.Truncate(p, int64(len(head))+segsTotal); err != nil {
			return fmt.Errorf("pre-allocate synced version: %w", err)
		}

		info := &models.DownloadInfo{TotalSize: segsTotal}
		info.Cover(0, int64(len(segs)))
		return m.blobs.WriteJSON(dp, info)
	})
	if err != nil {
		return false, err
	}

	if complete {
		m.gc.Schedule(id)
	}
	return complete, nil
}

// ContinueSaving writes bytes at segment offset ofs and merges the range
// into the download record. It returns true once [0, totalSize) is
// covered, at which point the record is deleted.
func (m *SyncedManager) ContinueSaving(ctx context.Context, id models.ObjectID, v models.Version, ofs int64, data []byte) (bool, error) {
	done := false
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		p, err := m.store.VersionPath(id, v, models.KindSynced)
		if err != nil {
			return err
		}
		dp, err := m.store.VersionPath(id, v, models.KindDownload)
		if err != nil {
			return err
		}

		var info models.DownloadInfo
		if err := m.blobs.ReadJSON(dp, &info); err != nil {
			if models.IsNotFound(err) {
				// already complete when the version file is there
				if ok, _ := m.blobs.Exists(p); ok {
					done = true
					return nil
				}
			}
			return err
		}

		end := ofs + int64(len(data))
		if ofs < 0 || end > info.TotalSize {
			return fmt.Errorf("chunk [%d, %d) outside segment total %d", ofs, end, info.TotalSize)
		}

		r, err := objfile.Open(m.blobs, p)
		if err != nil {
			return err
		}
		segsOfs := r.Layout().SegsOffset()
		r.Close()

		sink, err := m.blobs.OpenWrite(p)
		if err != nil {
			return fmt.Errorf("open synced version: %w", err)
		}
		if _, err := sink.WriteAt(data, segsOfs+ofs); err != nil {
			sink.Close()
			return fmt.Errorf("write chunk: %w", err)
		}
		if err := sink.Close(); err != nil {
			return fmt.Errorf("close synced version: %w", err)
		}

		info.Cover(ofs, end)
		if info.Done {
			done = true
			return m.blobs.Delete(dp)
		}
		return m.blobs.WriteJSON(dp, &info)
	})
	if err != nil {
		return false, err
	}

	if done {
		m.logger.WithFields(map[string]interface{}{
			"obj_id":  id.String(),
			"version": uint64(v),
		}).Debug("Synced version download complete")
		m.gc.Schedule(id)
	}
	return done, nil
}

// GetDownloadInfo returns download progress for v, or nil when none.
func (m *SyncedManager) GetDownloadInfo(ctx context.Context, id models.ObjectID, v models.Version) (*models.DownloadInfo, error) {
	var info *models.DownloadInfo
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		dp, err := m.store.VersionPath(id, v, models.KindDownload)
		if err != nil {
			return err
		}
		var rec models.DownloadInfo
		if err := m.blobs.ReadJSON(dp, &rec); err != nil {
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

// SetCurrentRemoteVersion applies a remote current version announcement.
func (m *SyncedManager) SetCurrentRemoteVersion(ctx context.Context, id models.ObjectID, v models.Version) (models.RemoteUpdate, error) {
	var upd models.RemoteUpdate
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		var err error
		upd, err = m.store.SetCurrentRemoteVersion(id, v)
		return err
	})
	if err == nil && upd == models.RemoteAdopted {
		m.gc.Schedule(id)
	}
	return upd, err
}

// SetArchivedVersion keeps v as a history entry.
func (m *SyncedManager) SetArchivedVersion(ctx context.Context, id models.ObjectID, v models.Version) error {
	var added bool
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		var err error
		added, err = m.store.SetArchivedVersion(id, v)
		return err
	})
	if err == nil && added {
		m.gc.Schedule(id)
	}
	return err
}

// RemoveArchivedVersion drops v from history; its file becomes garbage
// unless another kept version builds on it.
func (m *SyncedManager) RemoveArchivedVersion(ctx context.Context, id models.ObjectID, v models.Version) error {
	var removed bool
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		var err error
		removed, err = m.store.RemoveArchivedVersion(id, v)
		return err
	})
	if err == nil && removed {
		m.gc.Schedule(id)
	}
	return err
}

// RemoveCurrentObjVersion applies a removal decided by the remote store.
func (m *SyncedManager) RemoveCurrentObjVersion(ctx context.Context, id models.ObjectID) error {
	changed := false
	err := m.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		st, err := m.store.GetStatus(id)
		if err != nil {
			if models.IsNotFound(err) {
				return nil
			}
			return err
		}
		if !st.MarkRemoteRemoval() {
			return nil
		}

		p, err := m.store.FilePath(id, models.UnsyncedRemovalFile)
		if err != nil {
			return err
		}
		if err := m.blobs.Delete(p); err != nil {
			return fmt.Errorf("delete removal sentinel: %w", err)
		}

		changed = true
		return m.store.SaveStatus(id, st)
	})
	if err == nil && changed {
		m.gc.Schedule(id)
	}
	return err
}
