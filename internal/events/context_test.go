package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/objsync/internal/events"
)

func TestFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return default logger when none in context
	logger := events.FromContext(ctx)
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	ctx := context.Background()
	logger := events.NewNopLogger()

	ctx = events.WithLogger(ctx, logger)
	retrieved := events.FromContext(ctx)

	assert.Same(t, logger, retrieved)
}

func TestWithTaskID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithTaskID(ctx, "task-123")
	assert.Equal(t, "task-123", events.GetTaskID(ctx))

	events.FromContext(ctx).Info("tagged")
	assert.Contains(t, buf.String(), `"task_id":"task-123"`)
}

func TestWithObjID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithObjID(ctx, "obj-456")
	assert.Equal(t, "obj-456", events.GetObjID(ctx))

	events.FromContext(ctx).Info("tagged")
	assert.Contains(t, buf.String(), `"obj_id":"obj-456"`)
}

func TestGetIDsEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetTaskID(ctx))
	assert.Empty(t, events.GetObjID(ctx))
}

func TestSetDefault(t *testing.T) {
	previous := events.FromContext(context.Background())
	defer events.SetDefault(previous)

	customLogger := events.NewNopLogger()
	events.SetDefault(customLogger)

	retrieved := events.FromContext(context.Background())
	assert.Same(t, customLogger, retrieved)
}
