// Package versions writes object versions: locally originated ones waiting
// for upload, and synced ones arriving from the remote store.
package versions

import (
	"fmt"

	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objfile"
	"github.com/TheMichaelB/objsync/internal/objstore"
)

// Scheduler receives fire-and-forget garbage collection requests.
type Scheduler interface {
	Schedule(id models.ObjectID)
}

// NopScheduler ignores requests.
type NopScheduler struct{}

// Schedule does nothing.
func (NopScheduler) Schedule(models.ObjectID) {}

// OpenVersion opens the file of version v of id, preferring the synced
// file and falling back to the local one. Versions still downloading are
// reported as not found.
func OpenVersion(store *objstore.Store, id models.ObjectID, v models.Version) (*objfile.Reader, models.VersionFileKind, error) {
	blobs := store.Blobs()

	syncedPath, err := store.VersionPath(id, v, models.KindSynced)
	if err != nil {
		return nil, 0, err
	}
	downloadPath, err := store.VersionPath(id, v, models.KindDownload)
	if err != nil {
		return nil, 0, err
	}

	downloading, err := blobs.Exists(downloadPath)
	if err != nil {
		return nil, 0, err
	}
	if !downloading {
		r, err := objfile.Open(blobs, syncedPath)
		if err == nil {
			return r, models.KindSynced, nil
		}
		if !models.IsNotFound(err) {
			return nil, 0, err
		}
	}

	localPath, err := store.VersionPath(id, v, models.KindLocal)
	if err != nil {
		return nil, 0, err
	}
	r, err := objfile.Open(blobs, localPath)
	if err != nil {
		if models.IsNotFound(err) {
			return nil, 0, &models.NotFoundError{What: fmt.Sprintf("version %d", v), Path: syncedPath}
		}
		return nil, 0, err
	}
	return r, models.KindLocal, nil
}
