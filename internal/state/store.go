package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/objsync/internal/models"
)

// Store persists object status records, keyed by object folder name.
type Store interface {
	// Load retrieves the status kept for a folder.
	Load(folder string) (*models.ObjStatus, error)

	// Save persists the status for a folder.
	Save(folder string, status *models.ObjStatus) error

	// Reset removes the status for a folder.
	Reset(folder string) error

	// List returns all folders with a status.
	List() ([]string, error)

	// ListUnsynced returns folders whose status is not synced.
	ListUnsynced() ([]string, error)

	// Migrate transfers statuses between stores.
	Migrate(target Store) error

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrStateNotFound = fmt.Errorf("status %w", models.ErrNotFound)
	ErrStateCorrupt  = errors.New("status record is corrupt")
)

// statusRecord wraps a status with store metadata.
type statusRecord struct {
	*models.ObjStatus

	// Store metadata
	SchemaVersion int       `json:"schemaVersion"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Checksum      string    `json:"checksum,omitempty"`
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// migrate copies every status in src to target.
func migrate(src, target Store, onSkip func(folder string, err error)) error {
	folders, err := src.List()
	if err != nil {
		return fmt.Errorf("list statuses: %w", err)
	}

	for _, folder := range folders {
		status, err := src.Load(folder)
		if err != nil {
			onSkip(folder, err)
			continue
		}

		if err := target.Save(folder, status); err != nil {
			return fmt.Errorf("save status %s: %w", folder, err)
		}
	}

	return nil
}
