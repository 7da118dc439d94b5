package sync

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objstore"
	"github.com/TheMichaelB/objsync/internal/state"
	"github.com/TheMichaelB/objsync/internal/storage"
	"github.com/TheMichaelB/objsync/internal/versions"
)

func newTestAbsorber(t *testing.T) (*absorber, *objstore.Store, *[]Change) {
	t.Helper()
	logger := events.NewNopLogger()

	blobs, err := storage.NewLocalStore(t.TempDir(), logger)
	require.NoError(t, err)
	statuses, err := state.NewJSONStore(blobs, "objs", logger)
	require.NoError(t, err)
	store, err := objstore.Open(blobs, statuses, objstore.Options{Root: "objs"}, logger)
	require.NoError(t, err)

	var forwarded []Change
	local := versions.NewLocalManager(store, nil, logger)
	a := newAbsorber("doc", local, 2, func(ch Change) { forwarded = append(forwarded, ch) }, logger)
	return a, store, &forwarded
}

func TestReadAhead(t *testing.T) {
	var chunks []string
	for res := range readAhead(context.Background(), strings.NewReader("abcdefg"), 3) {
		require.NoError(t, res.err)
		chunks = append(chunks, string(res.data))
	}
	assert.Equal(t, []string{"abc", "def", "g"}, chunks)
}

func TestReadAheadReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(strings.NewReader("abcd"), iotest.ErrReader(boom))

	var got []readResult
	for res := range readAhead(context.Background(), r, 3) {
		got = append(got, res)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "abc", string(got[0].data))
	assert.Equal(t, "d", string(got[1].data))
	assert.ErrorIs(t, got[2].err, boom)
}

func TestAbsorberSavesInChunks(t *testing.T) {
	ctx := context.Background()
	a, store, forwarded := newTestAbsorber(t)

	task := a.enqueue(ctx, &Source{Version: 1, Header: []byte("h"), Segs: strings.NewReader("abcde")})
	require.NoError(t, task.wait(ctx))
	assert.Equal(t, []Change{{Kind: ChangeSave, Version: 1}}, *forwarded)

	r, kind, err := versions.OpenVersion(store, "doc", 1)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, models.KindLocal, kind)
	segs, err := r.ReadSegs(0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), segs)

	st, err := store.GetStatus("doc")
	require.NoError(t, err)
	assert.Equal(t, &models.CurrentVersion{Version: 1, IsLocal: true}, st.Current)
}

func TestAbsorberAbortsOnSourceError(t *testing.T) {
	ctx := context.Background()
	a, store, forwarded := newTestAbsorber(t)

	boom := errors.New("boom")
	src := &Source{Version: 1, Header: []byte("h"), Segs: io.MultiReader(strings.NewReader("abcde"), iotest.ErrReader(boom))}
	err := a.enqueue(ctx, src).wait(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, *forwarded)

	p, err := store.VersionPath("doc", 1, models.KindLocal)
	require.NoError(t, err)
	exists, err := store.Blobs().Exists(p)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.GetStatus("doc")
	assert.True(t, models.IsNotFound(err))
}

func TestAbsorberRunsTasksInOrder(t *testing.T) {
	ctx := context.Background()
	a, _, forwarded := newTestAbsorber(t)

	first := a.enqueue(ctx, &Source{Version: 1, Header: []byte("h"), Segs: strings.NewReader("one")})
	second := a.enqueue(ctx, &Source{Version: 2, Header: []byte("h"), Segs: strings.NewReader("two")})
	third := a.enqueue(ctx, nil)

	require.NoError(t, first.wait(ctx))
	require.NoError(t, second.wait(ctx))
	require.NoError(t, third.wait(ctx))

	assert.Equal(t, []Change{
		{Kind: ChangeSave, Version: 1},
		{Kind: ChangeSave, Version: 2},
		{Kind: ChangeRemove},
	}, *forwarded)
	assert.Eventually(t, a.idle, time.Second, time.Millisecond)
}
