package testutil

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/config"
	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objfile"
	"github.com/TheMichaelB/objsync/internal/objstore"
	"github.com/TheMichaelB/objsync/internal/state"
	"github.com/TheMichaelB/objsync/internal/storage"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// Cache is an object folder store on a temp dir with JSON statuses.
type Cache struct {
	Dir      string
	Blobs    *storage.LocalStore
	Statuses state.Store
	Store    *objstore.Store
}

// NewCache opens an empty cache.
func NewCache(t testing.TB) *Cache {
	t.Helper()
	logger := events.NewNopLogger()
	dir := t.TempDir()

	blobs, err := storage.NewLocalStore(dir, logger)
	require.NoError(t, err)
	statuses, err := state.NewJSONStore(blobs, "objs", logger)
	require.NoError(t, err)
	store, err := objstore.Open(blobs, statuses, objstore.Options{Root: "objs"}, logger)
	require.NoError(t, err)

	return &Cache{Dir: dir, Blobs: blobs, Statuses: statuses, Store: store}
}

// FileNames lists the entries of an object folder.
func (c *Cache) FileNames(t testing.TB, id models.ObjectID) []string {
	t.Helper()
	entries, err := c.Store.ListFolder(id)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

// NewConfig returns a valid config with its data dir under a temp dir and
// short timings, talking HTTP to baseURL.
func NewConfig(t testing.TB, baseURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Remote.Kind = "http"
	cfg.Remote.BaseURL = baseURL
	cfg.Remote.Timeout = 5 * time.Second
	cfg.Remote.MaxRetries = 0
	cfg.Sync.ChunkSize = 16
	cfg.Sync.ReadChunkSize = 8
	cfg.Sync.OfflineInitialBackoff = 10 * time.Millisecond
	cfg.Sync.OfflineMaxBackoff = 50 * time.Millisecond
	cfg.Sync.TransactionRetryDelay = 5 * time.Millisecond
	cfg.GC.Delay = 5 * time.Millisecond
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	cfg.Log.Color = false
	require.NoError(t, cfg.Validate())
	return cfg
}

// EncodeFile builds the bytes of an object file.
func EncodeFile(t testing.TB, header, segs string) []byte {
	t.Helper()
	head, err := objfile.Encode(nil, []byte(header))
	require.NoError(t, err)
	return append(head, segs...)
}
