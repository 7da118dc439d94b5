package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
)

// SQLiteStore keeps statuses as rows of one table, with the sync state
// broken out so unsynced folders can be found without decoding records.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore creates a SQLite status store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS obj_status (
        folder TEXT PRIMARY KEY,
        obj_id TEXT NOT NULL,
        sync_state TEXT NOT NULL,
        current_version INTEGER,
        record TEXT NOT NULL,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_obj_status_state ON obj_status(sync_state);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Load retrieves a status row.
func (s *SQLiteStore) Load(folder string) (*models.ObjStatus, error) {
	s.logger.WithField("folder", folder).Debug("Loading status from SQLite")

	var record string
	err := s.db.QueryRow(`SELECT record FROM obj_status WHERE folder = ?`, folder).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}

	var status models.ObjStatus
	if err := json.Unmarshal([]byte(record), &status); err != nil {
		return nil, ErrStateCorrupt
	}

	return &status, nil
}

// Save upserts a status row.
func (s *SQLiteStore) Save(folder string, status *models.ObjStatus) error {
	s.logger.WithFields(map[string]interface{}{
		"folder":     folder,
		"sync_state": string(status.SyncState),
	}).Debug("Saving status to SQLite")

	record, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	var current sql.NullInt64
	if status.Current != nil {
		current = sql.NullInt64{Int64: int64(status.Current.Version), Valid: true}
	}

	_, err = s.db.Exec(`
        INSERT INTO obj_status (folder, obj_id, sync_state, current_version, record, updated_at)
        VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(folder) DO UPDATE SET
            obj_id = excluded.obj_id,
            sync_state = excluded.sync_state,
            current_version = excluded.current_version,
            record = excluded.record,
            updated_at = CURRENT_TIMESTAMP
    `, folder, string(status.ObjID), string(status.SyncState), current, string(record))
	if err != nil {
		return fmt.Errorf("upsert status: %w", err)
	}

	return nil
}

// Reset removes a status row.
func (s *SQLiteStore) Reset(folder string) error {
	s.logger.WithField("folder", folder).Debug("Resetting status in SQLite")

	if _, err := s.db.Exec("DELETE FROM obj_status WHERE folder = ?", folder); err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	return nil
}

// List returns all folders.
func (s *SQLiteStore) List() ([]string, error) {
	return s.queryFolders("SELECT folder FROM obj_status ORDER BY folder")
}

// ListUnsynced returns folders whose sync state is not synced.
func (s *SQLiteStore) ListUnsynced() ([]string, error) {
	return s.queryFolders("SELECT folder FROM obj_status WHERE sync_state != ? ORDER BY folder",
		string(models.SyncStateSynced))
}

// Migrate transfers all statuses to another store.
func (s *SQLiteStore) Migrate(target Store) error {
	return migrate(s, target, func(folder string, err error) {
		s.logger.WithError(err).WithField("folder", folder).Error("Failed to load status")
	})
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) queryFolders(query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	var folders []string
	for rows.Next() {
		var folder string
		if err := rows.Scan(&folder); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, folder)
	}

	return folders, rows.Err()
}
