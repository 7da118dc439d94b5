package state

import (
	"sort"
	"sync"

	"github.com/TheMichaelB/objsync/internal/models"
)

// MockStore keeps statuses in memory. Useful in tests and for objects that
// should not outlive the process.
type MockStore struct {
	mu       sync.RWMutex
	statuses map[string]*models.ObjStatus

	// SaveErr, when set, is returned by every Save.
	SaveErr error
}

// NewMockStore creates an in-memory status store.
func NewMockStore() *MockStore {
	return &MockStore{
		statuses: make(map[string]*models.ObjStatus),
	}
}

// Load returns a copy of the stored status.
func (m *MockStore) Load(folder string) (*models.ObjStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statuses[folder]
	if !ok {
		return nil, ErrStateNotFound
	}
	return status.Clone(), nil
}

// Save stores a copy of status.
func (m *MockStore) Save(folder string, status *models.ObjStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.statuses[folder] = status.Clone()
	return nil
}

// Reset removes a status.
func (m *MockStore) Reset(folder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, folder)
	return nil
}

// List returns stored folders in order.
func (m *MockStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	folders := make([]string, 0, len(m.statuses))
	for f := range m.statuses {
		folders = append(folders, f)
	}
	sort.Strings(folders)
	return folders, nil
}

// ListUnsynced returns folders whose status is not synced.
func (m *MockStore) ListUnsynced() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var folders []string
	for f, s := range m.statuses {
		if s.IsUnsynced() {
			folders = append(folders, f)
		}
	}
	sort.Strings(folders)
	return folders, nil
}

// Migrate copies all statuses into target.
func (m *MockStore) Migrate(target Store) error {
	return migrate(m, target, func(string, error) {})
}

// Close does nothing.
func (m *MockStore) Close() error {
	return nil
}
