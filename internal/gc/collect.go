package gc

import (
	"context"
	"fmt"
	"sort"

	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objfile"
)

// Result reports what one pass deleted.
type Result struct {
	Deleted       []string
	FolderRemoved bool
}

// Collect runs one pass for id under its exclusive queue.
func (c *Collector) Collect(ctx context.Context, id models.ObjectID) (*Result, error) {
	res := &Result{}
	err := c.store.RunExclusive(ctx, id, func(ctx context.Context) error {
		return c.collect(id, res)
	})
	return res, err
}

func (c *Collector) collect(id models.ObjectID, res *Result) error {
	st, err := c.store.GetStatus(id)
	if err != nil {
		if models.IsNotFound(err) {
			return nil
		}
		return err
	}

	archived := st.IsArchived && st.Current == nil
	if st.LatestSynced == 0 && !archived {
		return nil
	}

	w := newWalker(c, id, st.GCWorkInfo, st.LatestSynced)
	reachable, err := w.reachable(st.ReachableRoots())
	if err != nil {
		return err
	}

	// a local current version may build on synced versions
	if st.Current != nil && st.Current.IsLocal {
		base, err := w.baseOf(st.Current.Version)
		if err != nil {
			return err
		}
		if base != 0 {
			chain, err := w.reachable([]models.Version{base})
			if err != nil {
				return err
			}
			for v := range chain {
				reachable[v] = true
			}
		}
	}

	if archived && len(reachable) == 0 {
		p, err := c.store.FilePath(id, models.UnsyncedRemovalFile)
		if err != nil {
			return err
		}
		pending, err := c.blobs.Exists(p)
		if err != nil {
			return err
		}
		if pending || st.IsRemovalUnsynced() {
			return nil
		}
		if err := c.store.RemoveFolder(id); err != nil {
			return err
		}
		res.FolderRemoved = true
		return nil
	}

	entries, err := c.store.ListFolder(id)
	if err != nil {
		if models.IsNotFound(err) {
			return nil
		}
		return err
	}

	synced := make(map[models.Version]bool)
	for _, e := range entries {
		if v, kind, ok := models.ParseVersionFileName(e.Name); ok && kind == models.KindSynced {
			synced[v] = true
		}
	}

	for _, e := range entries {
		v, kind, ok := models.ParseVersionFileName(e.Name)
		if !ok {
			continue
		}
		if !archived && (v > st.LatestSynced || (st.Current != nil && st.Current.IsLocal && v == st.Current.Version)) {
			continue
		}

		var drop bool
		switch kind {
		case models.KindSynced, models.KindDownload:
			drop = !reachable[v]
		case models.KindLocal:
			drop = archived || synced[v] || !reachable[v]
		case models.KindUpload:
			drop = true
		}
		if !drop {
			continue
		}

		p, err := c.store.FilePath(id, e.Name)
		if err != nil {
			return err
		}
		if err := c.blobs.Delete(p); err != nil {
			return fmt.Errorf("delete %s: %w", e.Name, err)
		}
		res.Deleted = append(res.Deleted, e.Name)
		if kind == models.KindSynced {
			delete(synced, v)
		}
	}
	sort.Strings(res.Deleted)

	if info, changed := w.result(synced); changed {
		st.GCWorkInfo = info
		return c.store.SaveStatus(id, st)
	}
	return nil
}

// walker resolves diff bases, memoizing those of synced versions.
type walker struct {
	c        *Collector
	id       models.ObjectID
	bases    map[models.Version]models.Version
	checked  models.Version
	synced   models.Version
	advanced bool
}

func newWalker(c *Collector, id models.ObjectID, info *models.GCWorkInfo, latestSynced models.Version) *walker {
	w := &walker{
		c:      c,
		id:     id,
		bases:  make(map[models.Version]models.Version),
		synced: latestSynced,
	}
	if info != nil {
		w.checked = info.LatestVersionChecked
		for v, b := range info.VersionToBaseVersion {
			w.bases[v] = b
		}
	}
	return w
}

// reachable expands roots over diff bases with an explicit worklist.
func (w *walker) reachable(roots []models.Version) (map[models.Version]bool, error) {
	seen := make(map[models.Version]bool)
	stack := append([]models.Version(nil), roots...)
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if v == 0 || seen[v] {
			continue
		}
		seen[v] = true

		base, err := w.baseOf(v)
		if err != nil {
			return nil, err
		}
		if base != 0 && !seen[base] {
			stack = append(stack, base)
		}
	}
	return seen, nil
}

func (w *walker) baseOf(v models.Version) (models.Version, error) {
	if v <= w.checked {
		if b, ok := w.bases[v]; ok {
			return b, nil
		}
	}

	base, kind, found, err := w.readBase(v)
	if err != nil || !found {
		return 0, err
	}

	// local files may still be rewritten
	if kind == models.KindSynced && v <= w.synced {
		w.bases[v] = base
		if v > w.checked {
			w.checked = v
		}
		w.advanced = true
	}
	return base, nil
}

func (w *walker) readBase(v models.Version) (models.Version, models.VersionFileKind, bool, error) {
	for _, kind := range []models.VersionFileKind{models.KindSynced, models.KindLocal} {
		p, err := w.c.store.VersionPath(w.id, v, kind)
		if err != nil {
			return 0, kind, false, err
		}
		r, err := objfile.Open(w.c.blobs, p)
		if err != nil {
			if models.IsNotFound(err) {
				continue
			}
			return 0, kind, false, err
		}
		d, err := r.Diff()
		r.Close()
		if err != nil {
			return 0, kind, false, err
		}
		if d == nil {
			return 0, kind, true, nil
		}
		return d.BaseVersion, kind, true, nil
	}
	return 0, 0, false, nil
}

// result drops memo entries of versions that no longer exist.
func (w *walker) result(present map[models.Version]bool) (*models.GCWorkInfo, bool) {
	changed := w.advanced
	for v := range w.bases {
		if !present[v] {
			delete(w.bases, v)
			changed = true
		}
	}
	if !changed {
		return nil, false
	}
	return &models.GCWorkInfo{
		LatestVersionChecked: w.checked,
		VersionToBaseVersion: w.bases,
	}, true
}
