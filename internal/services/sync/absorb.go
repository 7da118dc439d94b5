package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/versions"
)

// absorbTask is one save or, with a nil source, one removal.
type absorbTask struct {
	ctx  context.Context
	src  *Source
	done chan error
}

// absorber writes the local versions of one object, one task at a time,
// and hands finished changes to the sync queue.
type absorber struct {
	id       models.ObjectID
	local    *versions.LocalManager
	forward  func(Change)
	readSize int
	logger   *events.Logger

	mu     sync.Mutex
	tasks  []*absorbTask
	active bool
}

func newAbsorber(id models.ObjectID, local *versions.LocalManager, readSize int, forward func(Change), logger *events.Logger) *absorber {
	return &absorber{
		id:       id,
		local:    local,
		forward:  forward,
		readSize: readSize,
		logger:   logger.WithField("component", "absorber"),
	}
}

// enqueue queues a task; the loop starts when nothing runs.
func (a *absorber) enqueue(ctx context.Context, src *Source) *absorbTask {
	t := &absorbTask{ctx: ctx, src: src, done: make(chan error, 1)}

	a.mu.Lock()
	a.tasks = append(a.tasks, t)
	if !a.active {
		a.active = true
		go a.loop()
	}
	a.mu.Unlock()
	return t
}

func (t *absorbTask) wait(ctx context.Context) error {
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *absorber) idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.active && len(a.tasks) == 0
}

func (a *absorber) loop() {
	for {
		a.mu.Lock()
		if len(a.tasks) == 0 {
			a.active = false
			a.mu.Unlock()
			return
		}
		t := a.tasks[0]
		a.tasks = a.tasks[1:]
		a.mu.Unlock()

		var err error
		if t.src == nil {
			err = a.remove(t.ctx)
		} else {
			err = a.save(t.ctx, t.src)
		}
		t.done <- err
	}
}

func (a *absorber) save(ctx context.Context, src *Source) error {
	log := a.logger.WithFields(map[string]interface{}{
		"obj_id":  a.id.String(),
		"version": uint64(src.Version),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := false
	write := func(segs []byte, last bool) error {
		if !started {
			started = true
			return a.local.StartSaving(ctx, a.id, src.Version, src.Diff, src.Header, segs, last)
		}
		return a.local.ContinueSaving(ctx, a.id, src.Version, segs, last)
	}

	// one chunk is held back so the final write can be flagged as last,
	// while the reader already stages the chunk after it
	var pending []byte
	held := false
	var err error
	for res := range readAhead(ctx, src.Segs, a.readSize) {
		if res.err != nil {
			err = fmt.Errorf("read source: %w", res.err)
			break
		}
		if held {
			if err = write(pending, false); err != nil {
				break
			}
		}
		pending, held = res.data, true
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = write(pending, true)
	}

	if err != nil {
		if started {
			if aerr := a.local.AbortSaving(context.WithoutCancel(ctx), a.id, src.Version); aerr != nil {
				log.WithError(aerr).Warn("Failed to drop unfinished version")
			}
		}
		log.WithError(err).Error("Saving version failed")
		return err
	}

	log.Debug("Version absorbed")
	a.forward(Change{Kind: ChangeSave, Version: src.Version})
	return nil
}

func (a *absorber) remove(ctx context.Context) error {
	if err := a.local.RemoveCurrentObjVersion(ctx, a.id); err != nil {
		a.logger.WithError(err).WithField("obj_id", a.id.String()).Error("Removing object failed")
		return err
	}
	a.forward(Change{Kind: ChangeRemove})
	return nil
}

type readResult struct {
	data []byte
	err  error
}

// readAhead reads r in size chunks, keeping one chunk staged ahead of the
// consumer. The channel closes at end of input or when ctx ends.
func readAhead(ctx context.Context, r io.Reader, size int) <-chan readResult {
	out := make(chan readResult, 1)
	go func() {
		defer close(out)
		if r == nil {
			return
		}

		send := func(res readResult) bool {
			select {
			case out <- res:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			buf := make([]byte, size)
			n, err := io.ReadFull(r, buf)
			if n > 0 && !send(readResult{data: buf[:n]}) {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				send(readResult{err: err})
				return
			}
		}
	}()
	return out
}
