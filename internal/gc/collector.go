// Package gc removes version files no kept version depends on.
package gc

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objstore"
	"github.com/TheMichaelB/objsync/internal/storage"
	"github.com/TheMichaelB/objsync/internal/versions"
)

var _ versions.Scheduler = (*Collector)(nil)

// Defaults for Options.
const (
	DefaultDelay         = 500 * time.Millisecond
	DefaultMaxConcurrent = 3
)

// Options configure a Collector.
type Options struct {
	// Delay between a request and its run; requests arriving meanwhile
	// coalesce.
	Delay time.Duration

	// MaxConcurrent bounds the folders scanned at once.
	MaxConcurrent int64
}

// Collector runs garbage collection passes requested through Schedule.
type Collector struct {
	store  *objstore.Store
	blobs  storage.BlobStore
	delay  time.Duration
	sem    *semaphore.Weighted
	logger *events.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queued  map[models.ObjectID]struct{}
	stopped bool
}

// New creates a collector over store.
func New(store *objstore.Store, opts Options, logger *events.Logger) *Collector {
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		store:  store,
		blobs:  store.Blobs(),
		delay:  opts.Delay,
		sem:    semaphore.NewWeighted(opts.MaxConcurrent),
		logger: logger.WithField("component", "gc"),
		ctx:    ctx,
		cancel: cancel,
		queued: make(map[models.ObjectID]struct{}),
	}
}

// Schedule requests a pass for id. Requests for an id already waiting
// are dropped.
func (c *Collector) Schedule(id models.ObjectID) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if _, ok := c.queued[id]; ok {
		c.mu.Unlock()
		return
	}
	c.queued[id] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.process(id)
}

func (c *Collector) process(id models.ObjectID) {
	defer c.wg.Done()

	logger := c.logger.WithField("obj_id", id.String())

	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.dequeue(id)
			return
		case <-timer.C:
		}
	}

	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		c.dequeue(id)
		return
	}
	defer c.sem.Release(1)

	// later requests must trigger another pass
	c.dequeue(id)

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("GC pass panicked")
		}
	}()

	res, err := c.Collect(c.ctx, id)
	if err != nil {
		if c.ctx.Err() == nil {
			logger.WithError(err).Warn("GC pass failed")
		}
		return
	}
	if res.FolderRemoved || len(res.Deleted) > 0 {
		logger.WithFields(map[string]interface{}{
			"deleted":        len(res.Deleted),
			"folder_removed": res.FolderRemoved,
		}).Debug("GC pass done")
	}
}

func (c *Collector) dequeue(id models.ObjectID) {
	c.mu.Lock()
	delete(c.queued, id)
	c.mu.Unlock()
}

// Stop drops waiting requests and waits for running passes.
func (c *Collector) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
