package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/storage"
)

// JSONStore keeps each status as a "status" file inside its object folder.
type JSONStore struct {
	blobs  storage.BlobStore
	root   string
	logger *events.Logger
}

// NewJSONStore creates a JSON-file status store rooted at root on blobs.
func NewJSONStore(blobs storage.BlobStore, root string, logger *events.Logger) (*JSONStore, error) {
	if err := blobs.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("create status root: %w", err)
	}

	return &JSONStore{
		blobs:  blobs,
		root:   root,
		logger: logger.WithField("component", "json_state_store"),
	}, nil
}

// Load reads a status file.
func (s *JSONStore) Load(folder string) (*models.ObjStatus, error) {
	p := s.statusPath(folder)

	s.logger.WithFields(map[string]interface{}{
		"folder": folder,
		"path":   p,
	}).Debug("Loading status")

	data, err := s.blobs.ReadFile(p)
	if err != nil {
		if models.IsNotFound(err) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("read status file: %w", err)
	}

	var rec statusRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.ObjStatus == nil {
		s.logger.WithField("folder", folder).Error("Status file is not valid JSON")
		return nil, ErrStateCorrupt
	}

	// Verify checksum if present
	if rec.Checksum != "" {
		calculated, err := checksum(rec)
		if err != nil {
			return nil, err
		}
		if calculated != rec.Checksum {
			s.logger.WithFields(map[string]interface{}{
				"folder":   folder,
				"expected": rec.Checksum,
				"actual":   calculated,
			}).Error("Status checksum mismatch")
			return nil, ErrStateCorrupt
		}
	}

	if rec.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", rec.SchemaVersion).Warn("Status schema version mismatch")
	}

	return rec.ObjStatus, nil
}

// Save writes a status file atomically.
func (s *JSONStore) Save(folder string, status *models.ObjStatus) error {
	s.logger.WithFields(map[string]interface{}{
		"folder":     folder,
		"sync_state": string(status.SyncState),
		"current":    uint64(status.CurrentVersionNum()),
	}).Debug("Saving status")

	rec := statusRecord{
		ObjStatus:     status,
		SchemaVersion: CurrentSchemaVersion,
		UpdatedAt:     time.Now().UTC(),
	}

	sum, err := checksum(rec)
	if err != nil {
		return err
	}
	rec.Checksum = sum

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	if err := s.blobs.WriteFile(s.statusPath(folder), data); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	return nil
}

// Reset removes a status file.
func (s *JSONStore) Reset(folder string) error {
	s.logger.WithField("folder", folder).Debug("Resetting status")
	return s.blobs.Delete(s.statusPath(folder))
}

// List returns folders that hold a status file.
func (s *JSONStore) List() ([]string, error) {
	entries, err := s.blobs.ListDir(s.root)
	if err != nil {
		if models.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status root: %w", err)
	}

	var folders []string
	for _, entry := range entries {
		if !entry.IsDir {
			continue
		}
		ok, err := s.blobs.Exists(s.statusPath(entry.Name))
		if err != nil || !ok {
			continue
		}
		folders = append(folders, entry.Name)
	}

	return folders, nil
}

// ListUnsynced loads every status and keeps those not synced.
func (s *JSONStore) ListUnsynced() ([]string, error) {
	folders, err := s.List()
	if err != nil {
		return nil, err
	}

	var unsynced []string
	for _, folder := range folders {
		status, err := s.Load(folder)
		if err != nil {
			s.logger.WithError(err).WithField("folder", folder).Warn("Skipping unreadable status")
			continue
		}
		if status.IsUnsynced() {
			unsynced = append(unsynced, folder)
		}
	}
	return unsynced, nil
}

// Migrate transfers all statuses to another store.
func (s *JSONStore) Migrate(target Store) error {
	return migrate(s, target, func(folder string, err error) {
		s.logger.WithError(err).WithField("folder", folder).Error("Failed to load status")
	})
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) statusPath(folder string) string {
	return path.Join(s.root, folder, models.StatusFileName)
}

func checksum(rec statusRecord) (string, error) {
	rec.Checksum = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal status for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
