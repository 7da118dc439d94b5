package events

import (
	"context"
	"os"
	"sync"
)

type contextKey int

const (
	loggerKey contextKey = iota
	taskIDKey
	objIDKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithTaskID tags the context (and its logger) with a sync task id.
func WithTaskID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("task_id", id)
	ctx = context.WithValue(ctx, taskIDKey, id)
	return WithLogger(ctx, logger)
}

// WithObjID tags the context (and its logger) with an object id.
func WithObjID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("obj_id", id)
	ctx = context.WithValue(ctx, objIDKey, id)
	return WithLogger(ctx, logger)
}

// GetTaskID retrieves task ID from context.
func GetTaskID(ctx context.Context) string {
	if id, ok := ctx.Value(taskIDKey).(string); ok {
		return id
	}
	return ""
}

// GetObjID retrieves object ID from context.
func GetObjID(ctx context.Context) string {
	if id, ok := ctx.Value(objIDKey).(string); ok {
		return id
	}
	return ""
}

var defaultLogger = &Logger{
	mu:     &sync.Mutex{},
	level:  InfoLevel,
	format: "text",
	output: os.Stdout,
	fields: make(map[string]interface{}),
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
