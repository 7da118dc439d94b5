// Package objstore maps objects to cache folders and owns their status
// records, the per-object exclusive queue and folder rotation.
package objstore

import (
	"context"
	"fmt"
	"iter"
	"path"
	"sort"
	"time"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/state"
	"github.com/TheMichaelB/objsync/internal/storage"
)

// DefaultStatusTTL bounds how long an unused status stays in memory.
const DefaultStatusTTL = 60 * time.Second

// Options configure a Store.
type Options struct {
	// Root is the directory holding object folders, relative to the blob
	// store root.
	Root string

	// StatusTTL is the in-memory status lifetime.
	StatusTTL time.Duration

	// MaxFolders bounds the number of object folders kept on disk. Zero
	// disables rotation.
	MaxFolders int
}

// Store is the object folder store.
type Store struct {
	blobs    storage.BlobStore
	statuses state.Store
	root     string
	cache    *Cache[string, *models.ObjStatus]
	queue    *ExclusiveQueue
	lru      *rotation
	logger   *events.Logger
}

// Open prepares the folder root and registers existing folders for
// rotation, most recently modified first.
func Open(blobs storage.BlobStore, statuses state.Store, opts Options, logger *events.Logger) (*Store, error) {
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = DefaultStatusTTL
	}

	if err := blobs.EnsureDir(opts.Root); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}

	s := &Store{
		blobs:    blobs,
		statuses: statuses,
		root:     opts.Root,
		cache:    NewCache[string, *models.ObjStatus](opts.StatusTTL),
		queue:    NewExclusiveQueue(),
		lru:      newRotation(opts.MaxFolders),
		logger:   logger.WithField("component", "obj_store"),
	}

	entries, err := blobs.ListDir(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("list object root: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ModTime.After(entries[j].ModTime) })
	for _, e := range entries {
		if e.IsDir {
			s.lru.seed(e.Name)
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"root":        opts.Root,
		"folders":     s.lru.size(),
		"max_folders": opts.MaxFolders,
	}).Debug("Object store opened")

	return s, nil
}

// Blobs exposes the underlying filesystem.
func (s *Store) Blobs() storage.BlobStore {
	return s.blobs
}

// GetFolder returns the folder path of id. With create set a missing
// folder is made; otherwise a missing folder is a NotFound error.
func (s *Store) GetFolder(id models.ObjectID, create bool) (string, error) {
	folder, err := FolderName(id)
	if err != nil {
		return "", err
	}
	p := path.Join(s.root, folder)

	if create {
		if err := s.blobs.EnsureDir(p); err != nil {
			return "", fmt.Errorf("create object folder: %w", err)
		}
	} else {
		info, err := s.blobs.Stat(p)
		if err != nil {
			if models.IsNotFound(err) {
				return "", &models.NotFoundError{What: "object folder", Path: p}
			}
			return "", err
		}
		if !info.IsDir {
			return "", fmt.Errorf("object folder %s is not a directory", p)
		}
	}

	s.lru.touch(folder)
	return p, nil
}

// FilePath joins name onto the folder path of id without touching disk.
func (s *Store) FilePath(id models.ObjectID, name string) (string, error) {
	folder, err := FolderName(id)
	if err != nil {
		return "", err
	}
	return path.Join(s.root, folder, name), nil
}

// VersionPath is the path of one version file of id.
func (s *Store) VersionPath(id models.ObjectID, v models.Version, kind models.VersionFileKind) (string, error) {
	return s.FilePath(id, models.VersionFileName(v, kind))
}

// RunExclusive runs fn after every earlier exclusive operation on id has
// finished. Ids that share a folder share the queue.
func (s *Store) RunExclusive(ctx context.Context, id models.ObjectID, fn func(ctx context.Context) error) error {
	folder, err := FolderName(id)
	if err != nil {
		return err
	}
	return s.queue.Run(ctx, folder, fn)
}

// GetStatus returns a copy of the status of id, or a NotFound error when
// the object has none.
func (s *Store) GetStatus(id models.ObjectID) (*models.ObjStatus, error) {
	folder, err := FolderName(id)
	if err != nil {
		return nil, err
	}

	st, err := s.loadStatus(folder)
	if err != nil {
		return nil, err
	}
	if st.ObjID != id {
		s.logger.WithFields(map[string]interface{}{
			"obj_id":    id.String(),
			"stored_id": st.ObjID.String(),
		}).Warn("Object ids share a folder")
	}
	return st.Clone(), nil
}

// GetOrInitStatus returns the status of id or a fresh one.
func (s *Store) GetOrInitStatus(id models.ObjectID) (*models.ObjStatus, error) {
	st, err := s.GetStatus(id)
	if err == nil {
		return st, nil
	}
	if models.IsNotFound(err) {
		return models.NewObjStatus(id), nil
	}
	return nil, err
}

// SaveStatus validates and persists a status, refreshing the cache.
func (s *Store) SaveStatus(id models.ObjectID, st *models.ObjStatus) error {
	folder, err := FolderName(id)
	if err != nil {
		return err
	}
	if err := st.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrLogicInvariant, err)
	}

	if err := s.statuses.Save(folder, st); err != nil {
		return fmt.Errorf("save status of %s: %w", id.String(), err)
	}
	s.cache.Put(folder, st.Clone())
	s.lru.touch(folder)
	return nil
}

// UpdateStatus applies fn to the current (or fresh) status and saves it
// when fn reports a change. Callers serialize through RunExclusive.
func (s *Store) UpdateStatus(id models.ObjectID, fn func(st *models.ObjStatus) (bool, error)) (*models.ObjStatus, error) {
	st, err := s.GetOrInitStatus(id)
	if err != nil {
		return nil, err
	}

	changed, err := fn(st)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.SaveStatus(id, st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// SetCurrentLocalVersion records a local write as current.
func (s *Store) SetCurrentLocalVersion(id models.ObjectID, v models.Version) error {
	_, err := s.UpdateStatus(id, func(st *models.ObjStatus) (bool, error) {
		return true, st.SetLocalCurrentVersion(v)
	})
	return err
}

// SetCurrentRemoteVersion applies a remote current version with the local
// precedence rule.
func (s *Store) SetCurrentRemoteVersion(id models.ObjectID, v models.Version) (models.RemoteUpdate, error) {
	var upd models.RemoteUpdate
	_, err := s.UpdateStatus(id, func(st *models.ObjStatus) (bool, error) {
		upd = st.SetRemoteCurrentVersion(v)
		return upd != models.RemoteIgnored, nil
	})
	return upd, err
}

// SetArchivedVersion registers v as a kept history entry.
func (s *Store) SetArchivedVersion(id models.ObjectID, v models.Version) (bool, error) {
	var added bool
	_, err := s.UpdateStatus(id, func(st *models.ObjStatus) (bool, error) {
		added = st.AddArchivedVersion(v)
		return added, nil
	})
	return added, err
}

// RemoveArchivedVersion drops v from the history entries of id.
func (s *Store) RemoveArchivedVersion(id models.ObjectID, v models.Version) (bool, error) {
	var removed bool
	_, err := s.UpdateStatus(id, func(st *models.ObjStatus) (bool, error) {
		removed = st.RemoveArchivedVersion(v)
		return removed, nil
	})
	return removed, err
}

// ListFolder lists the files of the folder of id.
func (s *Store) ListFolder(id models.ObjectID) ([]storage.FileInfo, error) {
	p, err := s.GetFolder(id, false)
	if err != nil {
		return nil, err
	}
	return s.blobs.ListDir(p)
}

// RemoveFolder deletes the whole folder of id together with its status.
func (s *Store) RemoveFolder(id models.ObjectID) error {
	folder, err := FolderName(id)
	if err != nil {
		return err
	}
	return s.removeFolder(folder)
}

func (s *Store) removeFolder(folder string) error {
	if err := s.blobs.RemoveAll(path.Join(s.root, folder)); err != nil {
		return fmt.Errorf("remove object folder: %w", err)
	}
	if err := s.statuses.Reset(folder); err != nil {
		return fmt.Errorf("reset status: %w", err)
	}
	s.cache.Delete(folder)
	s.lru.remove(folder)

	s.logger.WithField("folder", folder).Debug("Removed object folder")
	return nil
}

// CollectUnsynced yields ids of objects whose status is not synced. Each
// iteration lists afresh, so the sequence can be restarted.
func (s *Store) CollectUnsynced(ctx context.Context) iter.Seq2[models.ObjectID, error] {
	return func(yield func(models.ObjectID, error) bool) {
		folders, err := s.statuses.ListUnsynced()
		if err != nil {
			yield("", fmt.Errorf("list unsynced statuses: %w", err))
			return
		}

		for _, folder := range folders {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}

			st, err := s.loadStatus(folder)
			if err != nil {
				if !yield("", fmt.Errorf("load status of %s: %w", folder, err)) {
					return
				}
				continue
			}
			if !st.IsUnsynced() {
				continue
			}
			if !yield(st.ObjID, nil) {
				return
			}
		}
	}
}

// SweepCache drops expired statuses from memory.
func (s *Store) SweepCache() int {
	return s.cache.Sweep()
}

func (s *Store) loadStatus(folder string) (*models.ObjStatus, error) {
	if st, ok := s.cache.Get(folder); ok {
		return st, nil
	}

	st, err := s.statuses.Load(folder)
	if err != nil {
		return nil, err
	}
	s.cache.Put(folder, st)
	return st, nil
}
