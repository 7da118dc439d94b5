package objstore

import (
	"context"
	"path"
	"time"

	"github.com/TheMichaelB/objsync/internal/models"
)

// CanMove reports whether the folder of id may be rotated out: it must not
// hold local-pending or transfer-progress files, nor an unsynced removal,
// and its status must be synced.
func (s *Store) CanMove(id models.ObjectID) (bool, error) {
	folder, err := FolderName(id)
	if err != nil {
		return false, err
	}
	return s.canMoveFolder(folder)
}

func (s *Store) canMoveFolder(folder string) (bool, error) {
	entries, err := s.blobs.ListDir(path.Join(s.root, folder))
	if err != nil {
		if models.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}

	for _, e := range entries {
		if e.Name == models.UnsyncedRemovalFile {
			return false, nil
		}
		if _, kind, ok := models.ParseVersionFileName(e.Name); ok && kind != models.KindSynced {
			return false, nil
		}
	}

	st, err := s.loadStatus(folder)
	if err != nil {
		if models.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return !st.IsUnsynced(), nil
}

// Rotate evicts least recently used folders until the folder bound holds,
// skipping folders that are busy or may not be moved.
func (s *Store) Rotate(ctx context.Context) (int, error) {
	evicted := 0
	for _, folder := range s.lru.candidates() {
		if s.lru.over() <= 0 {
			break
		}
		if ctx.Err() != nil {
			return evicted, ctx.Err()
		}
		if s.queue.Busy(folder) {
			continue
		}

		err := s.queue.Run(ctx, folder, func(ctx context.Context) error {
			ok, err := s.canMoveFolder(folder)
			if err != nil || !ok {
				return err
			}
			if err := s.removeFolder(folder); err != nil {
				return err
			}
			evicted++
			return nil
		})
		if err != nil {
			s.logger.WithError(err).WithField("folder", folder).Warn("Folder rotation failed")
		}
	}

	if evicted > 0 {
		s.logger.WithFields(map[string]interface{}{
			"evicted": evicted,
			"folders": s.lru.size(),
		}).Info("Rotated object folders")
	}
	return evicted, nil
}

// RunMaintenance rotates folders and sweeps the status cache every
// interval until ctx ends.
func (s *Store) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Rotate(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("Folder rotation stopped early")
			}
			if n := s.SweepCache(); n > 0 {
				s.logger.WithField("dropped", n).Debug("Swept status cache")
			}
		}
	}
}
