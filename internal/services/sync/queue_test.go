package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
)

func save(v models.Version) Change { return Change{Kind: ChangeSave, Version: v} }

var removal = Change{Kind: ChangeRemove}

func TestCompress(t *testing.T) {
	tests := []struct {
		name    string
		backlog []Change
		bases   map[models.Version]models.Version
		broken  models.Version
		want    []Change
	}{
		{
			name:    "full versions supersede each other",
			backlog: []Change{save(1), save(2), save(3)},
			want:    []Change{save(3)},
		},
		{
			name:    "diff chain is kept",
			backlog: []Change{save(1), save(2), save(3)},
			bases:   map[models.Version]models.Version{2: 1, 3: 2},
			want:    []Change{save(1), save(2), save(3)},
		},
		{
			name:    "only the bases still referenced survive",
			backlog: []Change{save(1), save(2), save(3)},
			bases:   map[models.Version]models.Version{3: 1},
			want:    []Change{save(1), save(3)},
		},
		{
			name:    "duplicate saves collapse",
			backlog: []Change{save(1), save(1), save(2)},
			bases:   map[models.Version]models.Version{2: 1},
			want:    []Change{save(1), save(2)},
		},
		{
			name:    "removal discards earlier saves",
			backlog: []Change{save(1), save(2), removal},
			want:    []Change{removal},
		},
		{
			name:    "consecutive removals collapse",
			backlog: []Change{save(1), removal, removal},
			want:    []Change{removal},
		},
		{
			name:    "save after removal is kept",
			backlog: []Change{save(1), removal, save(2)},
			want:    []Change{removal, save(2)},
		},
		{
			name:    "removals separated by a dropped save collapse",
			backlog: []Change{removal, save(1), removal, save(2)},
			want:    []Change{removal, save(2)},
		},
		{
			name:    "unreadable base keeps earlier saves",
			backlog: []Change{save(1), save(2), save(3)},
			broken:  3,
			want:    []Change{save(1), save(2), save(3)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseOf := func(v models.Version) (models.Version, error) {
				if v == tt.broken {
					return 0, fmt.Errorf("version %d unreadable", v)
				}
				return tt.bases[v], nil
			}
			got := compress(append([]Change(nil), tt.backlog...), baseOf)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectivityBackoff(t *testing.T) {
	ctx := context.Background()
	c := NewConnectivity(20*time.Millisecond, 100*time.Millisecond, events.NewNopLogger())

	assert.Equal(t, Online, c.State())
	require.NoError(t, c.WaitOnline(ctx))

	c.MarkOffline(models.ErrConnectivity)
	assert.Equal(t, Offline, c.State())
	retryAt := c.retryAt

	// a second failure during the wait keeps the schedule
	c.MarkOffline(models.ErrConnectivity)
	assert.Equal(t, retryAt, c.retryAt)

	start := time.Now()
	require.NoError(t, c.WaitOnline(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	assert.Equal(t, Offline, c.State())

	c.MarkOnline()
	assert.Equal(t, Online, c.State())
}

func TestConnectivityWakesWaiters(t *testing.T) {
	c := NewConnectivity(time.Hour, time.Hour, events.NewNopLogger())
	c.MarkOffline(models.ErrConnectivity)

	done := make(chan error, 1)
	go func() { done <- c.WaitOnline(context.Background()) }()

	c.MarkOnline()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}

	c.MarkOffline(models.ErrConnectivity)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitOnline(ctx), context.DeadlineExceeded)
}

type recordingRun struct {
	mu      gosync.Mutex
	ran     []Change
	started chan struct{}
	release chan struct{}
	results map[models.Version][]error
}

func (r *recordingRun) run(ctx context.Context, ch Change) error {
	r.mu.Lock()
	r.ran = append(r.ran, ch)
	var err error
	if errs := r.results[ch.Version]; len(errs) > 0 {
		err = errs[0]
		r.results[ch.Version] = errs[1:]
	}
	first := len(r.ran) == 1
	r.mu.Unlock()

	if first && r.release != nil {
		close(r.started)
		<-r.release
	}
	return err
}

func (r *recordingRun) changes() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.ran...)
}

func newTestQueue(run func(context.Context, Change) error) *syncQueue {
	logger := events.NewNopLogger()
	return &syncQueue{
		id:     "doc",
		run:    run,
		baseOf: func(models.Version) (models.Version, error) { return 0, nil },
		conn:   NewConnectivity(time.Millisecond, 5*time.Millisecond, logger),
		logger: logger,
	}
}

func TestQueueCompressesWhileBusy(t *testing.T) {
	ctx := context.Background()
	r := &recordingRun{started: make(chan struct{}), release: make(chan struct{})}
	q := newTestQueue(r.run)

	q.add(ctx, save(1))
	<-r.started
	q.add(ctx, save(2))
	q.add(ctx, save(3))
	q.add(ctx, save(4))
	assert.Equal(t, []Change{save(4)}, q.pending())

	close(r.release)
	q.wg.Wait()
	assert.Equal(t, []Change{save(1), save(4)}, r.changes())
	assert.True(t, q.idle())
}

func TestQueueRetriesConnectivityFailures(t *testing.T) {
	ctx := context.Background()
	r := &recordingRun{results: map[models.Version][]error{
		1: {models.ErrConnectivity, errRequeue},
	}}
	q := newTestQueue(r.run)

	q.add(ctx, save(1))
	q.wg.Wait()

	assert.Equal(t, []Change{save(1), save(1), save(1)}, r.changes())
	assert.Equal(t, Online, q.conn.State())
}

func TestQueueReportsFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	r := &recordingRun{results: map[models.Version][]error{1: {boom}}}
	q := newTestQueue(r.run)

	var failed []error
	q.onFail = func(ch Change, err error) { failed = append(failed, err) }

	q.add(ctx, save(1))
	q.wg.Wait()
	q.add(ctx, save(2))
	q.wg.Wait()

	assert.Equal(t, []error{boom}, failed)
	assert.Equal(t, []Change{save(1), save(2)}, r.changes())
}

func TestQueueDropSaves(t *testing.T) {
	ctx := context.Background()
	r := &recordingRun{started: make(chan struct{}), release: make(chan struct{})}
	q := newTestQueue(r.run)

	q.add(ctx, removal)
	<-r.started
	q.add(ctx, save(2))
	q.dropSaves()
	assert.Empty(t, q.pending())

	close(r.release)
	q.wg.Wait()
	assert.Equal(t, []Change{removal}, r.changes())
}
