// Package client wires configuration into a running sync engine.
package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"

	"github.com/TheMichaelB/objsync/internal/config"
	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/gc"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objstore"
	"github.com/TheMichaelB/objsync/internal/services/sync"
	"github.com/TheMichaelB/objsync/internal/state"
	"github.com/TheMichaelB/objsync/internal/storage"
	"github.com/TheMichaelB/objsync/internal/transport"
)

// objsRoot is the object folder root inside the data directory.
const objsRoot = "objs"

// Client provides the high-level API for objsync operations.
type Client struct {
	Engine *sync.Engine
	Store  *objstore.Store
	GC     *gc.Collector
	State  StateManager

	config   *config.Config
	logger   *events.Logger
	remote   transport.Remote
	statuses state.Store
}

// StateManager lists what the status backend holds.
type StateManager interface {
	ListObjects() ([]*models.ObjStatus, error)
	Reset(id models.ObjectID) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	remote   transport.Remote
	resolver sync.ConflictResolver
}

// WithRemote replaces the configured remote store.
func WithRemote(r transport.Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithResolver installs the conflict resolver.
func WithResolver(r sync.ConflictResolver) Option {
	return func(o *options) { o.resolver = r }
}

// New creates a client from configuration.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	// Create blob store
	blobs, err := storage.NewLocalStore(cfg.Storage.DataDir, logger)
	if err != nil {
		return nil, err
	}

	// Create status store
	var statuses state.Store
	switch cfg.Storage.StatusBackend {
	case "sqlite":
		statuses, err = state.NewSQLiteStore(filepath.Join(cfg.Storage.DataDir, "status.db"), logger)
	default:
		statuses, err = state.NewJSONStore(blobs, objsRoot, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}

	store, err := objstore.Open(blobs, statuses, objstore.Options{
		Root:       objsRoot,
		StatusTTL:  cfg.Storage.StatusTTL,
		MaxFolders: cfg.Storage.MaxFolders,
	}, logger)
	if err != nil {
		statuses.Close()
		return nil, err
	}

	remote := o.remote
	if remote == nil {
		if remote, err = newRemote(ctx, cfg, logger); err != nil {
			statuses.Close()
			return nil, err
		}
	}

	collector := gc.New(store, gc.Options{
		Delay:         cfg.GC.Delay,
		MaxConcurrent: int64(cfg.GC.MaxConcurrent),
	}, logger)

	engine := sync.NewEngine(store, collector, remote, o.resolver, sync.Options{
		ChunkSize:             cfg.Sync.ChunkSize,
		ReadChunkSize:         cfg.Sync.ReadChunkSize,
		OfflineInitialBackoff: cfg.Sync.OfflineInitialBackoff,
		OfflineMaxBackoff:     cfg.Sync.OfflineMaxBackoff,
		TransactionRetryDelay: cfg.Sync.TransactionRetryDelay,
		ProcIdleTTL:           cfg.Sync.ProcIdleTTL,
	}, logger)

	return &Client{
		Engine:   engine,
		Store:    store,
		GC:       collector,
		State:    &stateManager{store: store, statuses: statuses},
		config:   cfg,
		logger:   logger.WithField("component", "client"),
		remote:   remote,
		statuses: statuses,
	}, nil
}

func newRemote(ctx context.Context, cfg *config.Config, logger *events.Logger) (transport.Remote, error) {
	switch cfg.Remote.Kind {
	case "s3":
		return transport.NewS3Remote(ctx, &cfg.Remote.S3, logger)
	default:
		return transport.NewHTTPRemote(&cfg.Remote, cfg.Sync.ChunkSize, logger), nil
	}
}

// Run resumes pending syncs and keeps the engine going until ctx ends:
// remote notifications are applied and folders rotated.
func (c *Client) Run(parent context.Context) error {
	if err := c.Engine.Start(parent); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer c.Engine.Stop()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Store.RunMaintenance(ctx, c.config.Storage.RotationInterval)
	}()

	var runErr error
	if c.config.Remote.EventsURL != "" {
		device, _ := os.Hostname()
		ec := transport.NewEventsClient(c.config.Remote.EventsURL, c.config.Remote.Token, device, c.logger)
		ec.SetBackoff(c.config.Sync.OfflineInitialBackoff, c.config.Sync.OfflineMaxBackoff)

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Engine.Follow(ctx, ec.Events())
		}()
		runErr = ec.Run(ctx)
		cancel()
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	if parent.Err() != nil {
		return nil
	}
	return runErr
}

// Collect runs one garbage collection pass over id.
func (c *Client) Collect(ctx context.Context, id models.ObjectID) (*gc.Result, error) {
	return c.GC.Collect(ctx, id)
}

// Close stops background collection and releases the status backend.
func (c *Client) Close() error {
	c.GC.Stop()
	return c.statuses.Close()
}

// stateManager implements StateManager interface.
type stateManager struct {
	store    *objstore.Store
	statuses state.Store
}

func (sm *stateManager) ListObjects() ([]*models.ObjStatus, error) {
	folders, err := sm.statuses.List()
	if err != nil {
		return nil, err
	}

	var out []*models.ObjStatus
	for _, folder := range folders {
		st, err := sm.statuses.Load(folder)
		if err != nil {
			continue // Skip statuses that can't be loaded
		}
		out = append(out, st)
	}
	return out, nil
}

func (sm *stateManager) Reset(id models.ObjectID) error {
	return sm.store.RemoveFolder(id)
}
