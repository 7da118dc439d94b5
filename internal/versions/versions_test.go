package versions_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objstore"
	"github.com/TheMichaelB/objsync/internal/state"
	"github.com/TheMichaelB/objsync/internal/storage"
	"github.com/TheMichaelB/objsync/internal/versions"
)

type recordingScheduler struct {
	mu  sync.Mutex
	ids []models.ObjectID
}

func (r *recordingScheduler) Schedule(id models.ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

type fixture struct {
	store  *objstore.Store
	blobs  *storage.LocalStore
	gc     *recordingScheduler
	local  *versions.LocalManager
	synced *versions.SyncedManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := events.NewNopLogger()

	blobs, err := storage.NewLocalStore(t.TempDir(), logger)
	require.NoError(t, err)
	statuses, err := state.NewJSONStore(blobs, "objs", logger)
	require.NoError(t, err)
	store, err := objstore.Open(blobs, statuses, objstore.Options{Root: "objs"}, logger)
	require.NoError(t, err)

	gc := &recordingScheduler{}
	return &fixture{
		store:  store,
		blobs:  blobs,
		gc:     gc,
		local:  versions.NewLocalManager(store, gc, logger),
		synced: versions.NewSyncedManager(store, gc, logger),
	}
}

func (f *fixture) exists(t *testing.T, id models.ObjectID, name string) bool {
	t.Helper()
	p, err := f.store.FilePath(id, name)
	require.NoError(t, err)
	ok, err := f.blobs.Exists(p)
	require.NoError(t, err)
	return ok
}

func (f *fixture) readVersion(t *testing.T, id models.ObjectID, v models.Version) (models.VersionFileKind, []byte, []byte) {
	t.Helper()
	r, kind, err := versions.OpenVersion(f.store, id, v)
	require.NoError(t, err)
	defer r.Close()

	header, err := r.ReadHeader()
	require.NoError(t, err)
	n, err := r.SegsLength(false)
	require.NoError(t, err)
	segs, err := r.ReadSegs(0, n)
	require.NoError(t, err)
	return kind, header, segs
}

func TestLocalSaveAndPromote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("Doc-1")

	require.NoError(t, f.local.StartSaving(ctx, id, 1, nil, []byte("h1"), []byte("abc"), false))

	// not current until the last chunk lands
	_, err := f.store.GetStatus(id)
	assert.True(t, models.IsNotFound(err))

	require.NoError(t, f.local.ContinueSaving(ctx, id, 1, []byte("def"), true))

	st, err := f.store.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, &models.CurrentVersion{Version: 1, IsLocal: true}, st.Current)
	assert.Equal(t, models.SyncStateUnsynced, st.SyncState)

	kind, header, segs := f.readVersion(t, id, 1)
	assert.Equal(t, models.KindLocal, kind)
	assert.Equal(t, []byte("h1"), header)
	assert.Equal(t, []byte("abcdef"), segs)

	inc, err := f.local.GetIncompleteSync(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, inc)
	assert.Equal(t, []models.Version{1}, inc.Versions)
	assert.False(t, inc.Removal)

	require.NoError(t, f.local.ChangeVersionToSynced(ctx, id, 1))
	assert.False(t, f.exists(t, id, "1.local"))
	assert.True(t, f.exists(t, id, "1."))

	st, err = f.store.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, &models.CurrentVersion{Version: 1}, st.Current)
	assert.Equal(t, models.Version(1), st.LatestSynced)
	assert.Equal(t, models.SyncStateSynced, st.SyncState)

	kind, _, segs = f.readVersion(t, id, 1)
	assert.Equal(t, models.KindSynced, kind)
	assert.Equal(t, []byte("abcdef"), segs)

	inc, err = f.local.GetIncompleteSync(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, inc)
	assert.Equal(t, 1, f.gc.count())

	// retried promotion is a no-op
	require.NoError(t, f.local.ChangeVersionToSynced(ctx, id, 1))
}

func TestLocalDiffVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("diffed")

	diff := &models.DiffInfo{
		ObjVersion:  2,
		BaseVersion: 1,
		SegsSize:    10,
		Sections: []models.DiffSection{
			{IsNew: false, Offset: 0, Length: 6},
			{IsNew: true, Offset: 0, Length: 4},
		},
	}
	require.NoError(t, f.local.StartSaving(ctx, id, 1, nil, []byte("h"), []byte("abcdef"), true))
	require.NoError(t, f.local.StartSaving(ctx, id, 2, diff, []byte("h"), []byte("wxyz"), true))

	r, _, err := versions.OpenVersion(f.store, id, 2)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Diff()
	require.NoError(t, err)
	assert.Equal(t, diff, got)

	full, err := r.SegsLength(true)
	require.NoError(t, err)
	assert.Equal(t, int64(10), full)
	own, err := r.SegsLength(false)
	require.NoError(t, err)
	assert.Equal(t, int64(4), own)
}

func TestIncompleteSyncSkipsUnfinishedWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("partial")

	require.NoError(t, f.local.StartSaving(ctx, id, 1, nil, []byte("h"), []byte("x"), true))
	require.NoError(t, f.local.ChangeVersionToSynced(ctx, id, 1))
	require.NoError(t, f.local.StartSaving(ctx, id, 2, nil, []byte("h"), []byte("y"), false))

	inc, err := f.local.GetIncompleteSync(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, inc)

	inc, err = f.local.GetIncompleteSync(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, inc)
}

func TestUploadInfo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("up")

	require.NoError(t, f.local.StartSaving(ctx, id, 1, nil, []byte("h"), []byte("x"), true))

	info, err := f.local.GetUploadInfo(ctx, id, 1)
	require.NoError(t, err)
	assert.Nil(t, info)

	want := &models.UploadInfo{TransactionID: "tx-1", HeaderUploaded: true, SegsUploaded: 1, SegsTotal: 1}
	require.NoError(t, f.local.SaveUploadInfo(ctx, id, 1, want))

	info, err = f.local.GetUploadInfo(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, want, info)

	f.local.ClearUploadInfo(ctx, id, 1)
	assert.False(t, f.exists(t, id, "1.upload"))
	f.local.ClearUploadInfo(ctx, id, 1)
}

func TestLocalRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("gone")

	err := f.local.RemoveCurrentObjVersion(ctx, id)
	assert.True(t, models.IsNotFound(err))

	require.NoError(t, f.local.StartSaving(ctx, id, 1, nil, []byte("h"), []byte("x"), true))
	require.NoError(t, f.local.ChangeVersionToSynced(ctx, id, 1))
	require.NoError(t, f.local.RemoveCurrentObjVersion(ctx, id))
	assert.True(t, f.exists(t, id, models.UnsyncedRemovalFile))

	st, err := f.store.GetStatus(id)
	require.NoError(t, err)
	assert.Nil(t, st.Current)
	assert.True(t, st.IsRemovalUnsynced())

	inc, err := f.local.GetIncompleteSync(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, inc)
	assert.True(t, inc.Removal)
	assert.Empty(t, inc.Versions)

	// removing again changes nothing
	require.NoError(t, f.local.RemoveCurrentObjVersion(ctx, id))

	require.NoError(t, f.local.SetRemovalAsSynced(ctx, id))
	assert.False(t, f.exists(t, id, models.UnsyncedRemovalFile))

	st, err = f.store.GetStatus(id)
	require.NoError(t, err)
	assert.True(t, st.IsArchived)
	assert.Equal(t, models.SyncStateSynced, st.SyncState)

	inc, err = f.local.GetIncompleteSync(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, inc)
}

func TestSyncedResumableDownload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("remote")
	segs := []byte("0123456789abcdef")

	done, err := f.synced.StartSaving(ctx, id, 3, nil, []byte("hdr"), segs[:4], int64(len(segs)), true)
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, f.exists(t, id, "3.download"))

	info, err := f.synced.GetDownloadInfo(ctx, id, 3)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(16), info.TotalSize)
	assert.Equal(t, models.Ranges{{Start: 0, End: 4}}, info.CoveredRanges)

	// half-written versions are not readable
	_, _, err = versions.OpenVersion(f.store, id, 3)
	assert.True(t, models.IsNotFound(err))

	done, err = f.synced.ContinueSaving(ctx, id, 3, 12, segs[12:])
	require.NoError(t, err)
	assert.False(t, done)

	done, err = f.synced.ContinueSaving(ctx, id, 3, 2, segs[2:10])
	require.NoError(t, err)
	assert.False(t, done)

	info, err = f.synced.GetDownloadInfo(ctx, id, 3)
	require.NoError(t, err)
	assert.Equal(t, models.Ranges{{Start: 0, End: 10}, {Start: 12, End: 16}}, info.CoveredRanges)

	_, err = f.synced.ContinueSaving(ctx, id, 3, 14, segs[8:12])
	assert.Error(t, err)

	done, err = f.synced.ContinueSaving(ctx, id, 3, 8, segs[8:12])
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, f.exists(t, id, "3.download"))

	info, err = f.synced.GetDownloadInfo(ctx, id, 3)
	require.NoError(t, err)
	assert.Nil(t, info)

	kind, header, got := f.readVersion(t, id, 3)
	assert.Equal(t, models.KindSynced, kind)
	assert.Equal(t, []byte("hdr"), header)
	assert.Equal(t, segs, got)

	st, err := f.store.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, &models.CurrentVersion{Version: 3}, st.Current)
	assert.Equal(t, models.Version(3), st.LatestSynced)
	assert.Equal(t, 1, f.gc.count())
}

func TestSyncedSingleChunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("one-shot")

	done, err := f.synced.StartSaving(ctx, id, 1, nil, []byte("h"), []byte("all"), -1, false)
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, f.exists(t, id, "1.download"))

	st, err := f.store.GetStatus(id)
	require.NoError(t, err)
	assert.Nil(t, st.Current)
	assert.Equal(t, []models.Version{1}, st.ArchivedVersions)

	_, err = f.synced.StartSaving(ctx, id, 2, nil, []byte("h"), []byte("toolong"), 3, false)
	assert.Error(t, err)

	require.NoError(t, f.synced.RemoveArchivedVersion(ctx, id, 1))
	st, err = f.store.GetStatus(id)
	require.NoError(t, err)
	assert.Empty(t, st.ArchivedVersions)
}

func TestSyncedRedeliveryKeepsStoredVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("redelivered")

	done, err := f.synced.StartSaving(ctx, id, 4, nil, []byte("hdr"), []byte("abcdef"), 6, true)
	require.NoError(t, err)
	require.True(t, done)

	done, err = f.synced.StartSaving(ctx, id, 4, nil, []byte("hdr"), []byte("ab"), 6, true)
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, f.exists(t, id, "4.download"))

	kind, header, segs := f.readVersion(t, id, 4)
	assert.Equal(t, models.KindSynced, kind)
	assert.Equal(t, []byte("hdr"), header)
	assert.Equal(t, []byte("abcdef"), segs)

	// an unfinished download is restarted from the new first chunk
	done, err = f.synced.StartSaving(ctx, id, 5, nil, []byte("hdr"), []byte("ab"), 4, false)
	require.NoError(t, err)
	require.False(t, done)
	done, err = f.synced.StartSaving(ctx, id, 5, nil, []byte("hdr"), []byte("cd"), 4, false)
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, f.exists(t, id, "5.download"))

	info, err := f.synced.GetDownloadInfo(ctx, id, 5)
	require.NoError(t, err)
	assert.Equal(t, models.Ranges{{Start: 0, End: 2}}, info.CoveredRanges)
}

func TestRemoteVersionConflictsWithLocalChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("contested")

	require.NoError(t, f.local.StartSaving(ctx, id, 1, nil, []byte("h"), []byte("local"), true))

	upd, err := f.synced.SetCurrentRemoteVersion(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, models.RemoteConflict, upd)

	st, err := f.store.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, &models.CurrentVersion{Version: 1, IsLocal: true}, st.Current)
	assert.Equal(t, models.Version(2), st.ConflictingRemoteVersion)
	assert.Equal(t, models.SyncStateConflicting, st.SyncState)
	assert.Equal(t, 0, f.gc.count())
}

func TestRemoteRemovalIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("dropped")

	_, err := f.synced.StartSaving(ctx, id, 1, nil, []byte("h"), []byte("x"), -1, true)
	require.NoError(t, err)
	require.NoError(t, f.local.RemoveCurrentObjVersion(ctx, id))
	require.True(t, f.exists(t, id, models.UnsyncedRemovalFile))

	require.NoError(t, f.synced.RemoveCurrentObjVersion(ctx, id))
	assert.False(t, f.exists(t, id, models.UnsyncedRemovalFile))

	st, err := f.store.GetStatus(id)
	require.NoError(t, err)
	assert.Nil(t, st.Current)
	assert.True(t, st.IsArchived)
	assert.Equal(t, models.SyncStateSynced, st.SyncState)

	require.NoError(t, f.synced.RemoveCurrentObjVersion(ctx, "never-seen"))
}

func TestLocalAbortSaving(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := models.ObjectID("doc")

	require.NoError(t, f.local.StartSaving(ctx, id, 1, nil, []byte("h"), []byte("a"), true))
	require.NoError(t, f.local.StartSaving(ctx, id, 2, nil, []byte("h"), []byte("b"), false))

	require.NoError(t, f.local.AbortSaving(ctx, id, 2))
	assert.False(t, f.exists(t, id, "2.local"))

	// a finished version stays
	require.NoError(t, f.local.AbortSaving(ctx, id, 1))
	assert.True(t, f.exists(t, id, "1.local"))

	require.NoError(t, f.local.StartSaving(ctx, id, 2, nil, []byte("h"), []byte("c"), true))
	_, _, segs := f.readVersion(t, id, 2)
	assert.Equal(t, []byte("c"), segs)
}
