package transport_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/transport"
)

func TestMemoryRemoteResendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := transport.NewMemoryRemote(4)

	txID, err := mem.SaveFirstChunk(ctx, "obj", &transport.FirstChunk{
		Version: 1, Header: []byte("h"), Segs: []byte("0123"), SegsTotal: 10,
	})
	require.NoError(t, err)

	chunk := &transport.FollowingChunk{TransactionID: txID, Offset: 4, Segs: []byte("4567")}
	require.NoError(t, mem.SaveFollowingChunk(ctx, "obj", chunk))
	require.NoError(t, mem.SaveFollowingChunk(ctx, "obj", chunk))

	err = mem.SaveFollowingChunk(ctx, "obj", &transport.FollowingChunk{TransactionID: txID, Offset: 9, Segs: []byte("9")})
	assert.Error(t, err)

	require.NoError(t, mem.SaveFollowingChunk(ctx, "obj", &transport.FollowingChunk{
		TransactionID: txID, Offset: 8, Segs: []byte("89"), IsLast: true,
	}))

	file, ok := mem.Version("obj", 1)
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(file[len(file)-10:]))
	assert.Equal(t, 0, mem.OpenTransactions())
}

func TestMemoryRemoteShortUpload(t *testing.T) {
	ctx := context.Background()
	mem := transport.NewMemoryRemote(4)

	_, err := mem.SaveFirstChunk(ctx, "obj", &transport.FirstChunk{
		Version: 1, Header: []byte("h"), Segs: []byte("01"), SegsTotal: 4, IsLast: true,
	})
	assert.Error(t, err)
	assert.Equal(t, models.Version(0), mem.Current("obj"))

	_, err = mem.SaveFirstChunk(ctx, "obj", &transport.FirstChunk{
		Version: 1, Header: []byte("h"), Segs: []byte("01234"), SegsTotal: 5,
	})
	assert.Error(t, err)
}

func TestMemoryRemoteFaults(t *testing.T) {
	ctx := context.Background()
	mem := transport.NewMemoryRemote(4)

	mem.SetOffline(true)
	err := mem.DeleteObj(ctx, "obj")
	assert.True(t, models.IsConnectivity(err))
	mem.SetOffline(false)

	mem.SetFault(func(op string, id models.ObjectID) error {
		if op == "first" {
			return fmt.Errorf("busy: %w", models.ErrConcurrentTransaction)
		}
		return nil
	})
	_, err = mem.SaveFirstChunk(ctx, "obj", &transport.FirstChunk{Version: 1, Header: []byte("h"), IsLast: true})
	assert.ErrorIs(t, err, models.ErrConcurrentTransaction)

	mem.SetFault(nil)
	_, err = mem.SaveFirstChunk(ctx, "obj", &transport.FirstChunk{Version: 1, Header: []byte("h"), IsLast: true})
	require.NoError(t, err)

	_, err = mem.SaveFirstChunk(ctx, "obj", &transport.FirstChunk{Version: 1, Current: 1, Header: []byte("h"), IsLast: true})
	_, ok := models.AsVersionMismatch(err)
	assert.True(t, ok)

	ops := []string{}
	for _, c := range mem.Calls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{"first"}, ops)
}
