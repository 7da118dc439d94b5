package testutil

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/objsync/internal/models"
)

// MockResolver mocks sync.ConflictResolver.
type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) ResolveConflict(ctx context.Context, id models.ObjectID, serverVersion models.Version) error {
	args := m.Called(ctx, id, serverVersion)
	return args.Error(0)
}

// RecordingScheduler counts garbage collection requests per object.
type RecordingScheduler struct {
	mu    sync.Mutex
	calls map[models.ObjectID]int
}

// NewRecordingScheduler creates an empty recorder.
func NewRecordingScheduler() *RecordingScheduler {
	return &RecordingScheduler{calls: make(map[models.ObjectID]int)}
}

func (r *RecordingScheduler) Schedule(id models.ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
}

// Count returns how often id was scheduled.
func (r *RecordingScheduler) Count(id models.ObjectID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}
