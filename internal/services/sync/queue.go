package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
)

// ConnState is the engine's view of the remote store.
type ConnState int

const (
	Online ConnState = iota
	Offline
)

func (s ConnState) String() string {
	if s == Offline {
		return "offline"
	}
	return "online"
}

// Connectivity is shared by all sync queues. Only transport failures move
// it offline; the next successful exchange brings it back.
type Connectivity struct {
	mu      sync.Mutex
	state   ConnState
	retryAt time.Time
	b       *backoff.ExponentialBackOff
	changed chan struct{}
	logger  *events.Logger
}

// NewConnectivity starts online.
func NewConnectivity(initial, max time.Duration, logger *events.Logger) *Connectivity {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()

	return &Connectivity{
		b:       b,
		changed: make(chan struct{}),
		logger:  logger.WithField("component", "connectivity"),
	}
}

// State returns the current state.
func (c *Connectivity) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkOffline records a connect failure. Failures reported while a wait
// is still pending do not stretch the backoff further.
func (c *Connectivity) MarkOffline(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.state == Offline && now.Before(c.retryAt) {
		return
	}
	wait := c.b.NextBackOff()
	if c.state == Online {
		c.logger.WithError(err).WithField("retry_in", wait.String()).Warn("Remote store unreachable")
	}
	c.state = Offline
	c.retryAt = now.Add(wait)
}

// MarkOnline records a successful exchange.
func (c *Connectivity) MarkOnline() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Online {
		return
	}
	c.state = Online
	c.b.Reset()
	close(c.changed)
	c.changed = make(chan struct{})
	c.logger.Info("Remote store reachable again")
}

// WaitOnline returns once a retry is due.
func (c *Connectivity) WaitOnline(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Online {
		c.mu.Unlock()
		return nil
	}
	wait := time.Until(c.retryAt)
	changed := c.changed
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return nil
	case <-timer.C:
		return nil
	}
}

// errRequeue asks the queue to retry a change right away.
var errRequeue = errors.New("requeue change")

// syncQueue holds the pending changes of one object and feeds them to its
// sync process one at a time.
type syncQueue struct {
	id     models.ObjectID
	run    func(ctx context.Context, ch Change) error
	baseOf func(v models.Version) (models.Version, error)
	conn   *Connectivity
	onFail func(ch Change, err error)
	logger *events.Logger

	mu      sync.Mutex
	backlog []Change
	running bool
	wg      sync.WaitGroup
}

// add queues ch and starts draining when nothing runs.
func (q *syncQueue) add(ctx context.Context, ch Change) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.backlog = append(q.backlog, ch)
	if len(q.backlog) > 1 {
		q.backlog = compress(q.backlog, q.baseOf)
	}
	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.drain(ctx)
	}
}

func (q *syncQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running && len(q.backlog) == 0
}

// dropSaves forgets pending uploads, after the remote removed the object.
func (q *syncQueue) dropSaves() {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.backlog[:0]
	for _, ch := range q.backlog {
		if ch.Kind != ChangeSave {
			kept = append(kept, ch)
		}
	}
	q.backlog = kept
}

func (q *syncQueue) pending() []Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Change(nil), q.backlog...)
}

func (q *syncQueue) pushFront(ch Change) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlog = append([]Change{ch}, q.backlog...)
	if len(q.backlog) > 1 {
		q.backlog = compress(q.backlog, q.baseOf)
	}
}

func (q *syncQueue) next(ctx context.Context) (Change, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.backlog) == 0 || ctx.Err() != nil {
		q.running = false
		return Change{}, false
	}
	ch := q.backlog[0]
	q.backlog = q.backlog[1:]
	return ch, true
}

func (q *syncQueue) drain(ctx context.Context) {
	defer q.wg.Done()

	for {
		ch, ok := q.next(ctx)
		if !ok {
			return
		}

		if err := q.conn.WaitOnline(ctx); err != nil {
			q.pushFront(ch)
			continue
		}

		err := q.run(ctx, ch)
		switch {
		case err == nil:
			q.conn.MarkOnline()
		case models.IsConnectivity(err):
			q.pushFront(ch)
			q.conn.MarkOffline(err)
		case errors.Is(err, errRequeue):
			q.conn.MarkOnline()
			q.pushFront(ch)
		case ctx.Err() != nil:
			q.pushFront(ch)
		default:
			q.logger.WithError(err).WithFields(map[string]interface{}{
				"obj_id":  q.id.String(),
				"change":  ch.Kind.String(),
				"version": uint64(ch.Version),
			}).Error("Sync task failed")
			if q.onFail != nil {
				q.onFail(ch, err)
			}
		}
	}
}

// compress merges a backlog. A save is dropped when a later save does not
// build on it, or when a later removal discards it; repeated saves of one
// version collapse to the first. baseOf reports the diff base of a version
// (0 for none). Once a base cannot be read, earlier saves are all kept.
func compress(backlog []Change, baseOf func(models.Version) (models.Version, error)) []Change {
	seen := make(map[models.Version]bool, len(backlog))
	dedup := make([]Change, 0, len(backlog))
	for _, ch := range backlog {
		if ch.Kind == ChangeSave {
			if seen[ch.Version] {
				continue
			}
			seen[ch.Version] = true
		}
		dedup = append(dedup, ch)
	}

	keep := make([]bool, len(dedup))
	needed := make(map[models.Version]bool)
	keepAll := baseOf == nil
	laterSave, laterRemove := false, false
	for i := len(dedup) - 1; i >= 0; i-- {
		ch := dedup[i]
		if ch.Kind == ChangeRemove {
			keep[i] = !laterRemove || laterSave
			if keep[i] {
				laterRemove, laterSave = true, false
			}
			continue
		}

		if laterRemove && !laterSave {
			continue
		}
		keep[i] = !laterSave || keepAll || needed[ch.Version]
		if !keep[i] {
			continue
		}
		laterSave = true

		if !keepAll {
			base, err := baseOf(ch.Version)
			if err != nil {
				keepAll = true
			} else if base != 0 {
				needed[base] = true
			}
		}
	}

	out := dedup[:0]
	for i, ch := range dedup {
		if keep[i] {
			out = append(out, ch)
		}
	}
	return out
}
