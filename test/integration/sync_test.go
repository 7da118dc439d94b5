//go:build integration
// +build integration

package integration_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/client"
	"github.com/TheMichaelB/objsync/internal/models"
	syncpkg "github.com/TheMichaelB/objsync/internal/services/sync"
	"github.com/TheMichaelB/objsync/internal/transport"
	"github.com/TheMichaelB/objsync/test/testutil"
)

const waitFor = 10 * time.Second

// runClient starts c.Run and returns a stop function that waits for it.
func runClient(t *testing.T, c *client.Client) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("client did not stop")
		}
	}
}

func status(t *testing.T, c *client.Client, id models.ObjectID) *models.ObjStatus {
	t.Helper()
	st, err := c.Engine.FindObj(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestUploadAndFollowRemote(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	mem := transport.NewMemoryRemote(16)
	server := testutil.NewRemoteServer(t, mem)
	server.Token = "secret"
	cfg := testutil.NewConfig(t, server.URL)
	cfg.Remote.EventsURL = server.EventsURL()
	cfg.Remote.Token = "secret"

	c, err := client.New(ctx, cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	defer c.Close()
	stop := runClient(t, c)
	defer stop()

	require.Eventually(t, func() bool { return server.Subscribers() == 1 }, waitFor, 10*time.Millisecond)

	segs := strings.Repeat("0123456789", 4)
	require.NoError(t, c.Engine.SaveObj(ctx, "notes", &syncpkg.Source{
		Version: 1,
		Header:  []byte(`{"kind":"note"}`),
		Segs:    strings.NewReader(segs),
	}))
	require.Eventually(t, func() bool { return mem.Current("notes") == 1 }, waitFor, 10*time.Millisecond)

	file, ok := mem.Version("notes", 1)
	require.True(t, ok)
	assert.Equal(t, testutil.EncodeFile(t, `{"kind":"note"}`, segs), file)
	require.Eventually(t, func() bool { return !status(t, c, "notes").IsUnsynced() }, waitFor, 10*time.Millisecond)

	// another device moves the object on
	mem.PutVersion("notes", 2, testutil.EncodeFile(t, "h", "theirs"))
	require.NoError(t, server.Publish(transport.RemoteEvent{Kind: transport.RemoteChanged, ObjID: "notes", Version: 2}))
	require.Eventually(t, func() bool {
		st := status(t, c, "notes")
		return st.Current != nil && st.Current.Version == 2 && !st.Current.IsLocal
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, models.Version(2), status(t, c, "notes").LatestSynced)

	require.NoError(t, server.Publish(transport.RemoteEvent{Kind: transport.RemoteRemoved, ObjID: "notes"}))
	require.Eventually(t, func() bool {
		st := status(t, c, "notes")
		return st.Current == nil && st.IsArchived
	}, waitFor, 10*time.Millisecond)
}

func TestResumeAfterOutage(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	mem := transport.NewMemoryRemote(16)
	server := testutil.NewRemoteServer(t, mem)
	cfg := testutil.NewConfig(t, server.URL)
	mem.SetOffline(true)

	first, err := client.New(ctx, cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	stop := runClient(t, first)

	require.NoError(t, first.Engine.SaveObj(ctx, "report", &syncpkg.Source{
		Version: 1,
		Header:  []byte("h"),
		Segs:    strings.NewReader(strings.Repeat("x", 50)),
	}))
	require.Eventually(t, func() bool {
		return first.Engine.Connectivity().State() == syncpkg.Offline
	}, waitFor, 5*time.Millisecond)
	stop()

	var pending []models.ObjectID
	statuses, err := first.State.ListObjects()
	require.NoError(t, err)
	for _, st := range statuses {
		if st.IsUnsynced() {
			pending = append(pending, st.ObjID)
		}
	}
	assert.Equal(t, []models.ObjectID{"report"}, pending)
	require.NoError(t, first.Close())

	mem.SetOffline(false)
	second, err := client.New(ctx, cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	defer second.Close()
	defer runClient(t, second)()

	require.Eventually(t, func() bool { return mem.Current("report") == 1 }, waitFor, 10*time.Millisecond)
	file, ok := mem.Version("report", 1)
	require.True(t, ok)
	assert.Equal(t, testutil.EncodeFile(t, "h", strings.Repeat("x", 50)), file)
}

func TestConflictGoesToResolver(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	mem := transport.NewMemoryRemote(16)
	server := testutil.NewRemoteServer(t, mem)
	cfg := testutil.NewConfig(t, server.URL)

	var c *client.Client
	resolver := &testutil.MockResolver{}
	resolver.On("ResolveConflict", mock.Anything, models.ObjectID("doc"), models.Version(2)).
		Run(func(args mock.Arguments) {
			rctx := args.Get(0).(context.Context)
			err := c.Engine.SaveObj(rctx, "doc", &syncpkg.Source{
				Version: 3,
				Header:  []byte("h"),
				Segs:    strings.NewReader("merged"),
			})
			assert.NoError(t, err)
		}).
		Return(nil).Once()

	var err error
	c, err = client.New(ctx, cfg, testutil.NewTestLogger(), client.WithResolver(resolver))
	require.NoError(t, err)
	defer c.Close()
	defer runClient(t, c)()

	require.NoError(t, c.Engine.SaveObj(ctx, "doc", &syncpkg.Source{Version: 1, Header: []byte("h"), Segs: strings.NewReader("one")}))
	require.Eventually(t, func() bool { return mem.Current("doc") == 1 }, waitFor, 10*time.Millisecond)

	mem.PutVersion("doc", 2, testutil.EncodeFile(t, "h", "theirs"))
	require.NoError(t, c.Engine.SaveObj(ctx, "doc", &syncpkg.Source{Version: 2, Header: []byte("h"), Segs: strings.NewReader("mine")}))

	require.Eventually(t, func() bool { return mem.Current("doc") == 3 }, waitFor, 10*time.Millisecond)
	resolver.AssertExpectations(t)

	file, ok := mem.Version("doc", 3)
	require.True(t, ok)
	assert.Equal(t, testutil.EncodeFile(t, "h", "merged"), file)
}
