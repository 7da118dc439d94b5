package models_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/models"
)

func TestNewObjStatus(t *testing.T) {
	s := models.NewObjStatus("obj-1")

	assert.Equal(t, models.ObjectID("obj-1"), s.ObjID)
	assert.Equal(t, models.SyncStateSynced, s.SyncState)
	assert.Nil(t, s.Current)
	assert.Zero(t, s.CurrentVersionNum())
	assert.False(t, s.IsUnsynced())
	assert.NoError(t, s.Validate())
}

func TestObjStatus_SetLocalCurrentVersion(t *testing.T) {
	s := models.NewObjStatus("obj-1")

	require.NoError(t, s.SetLocalCurrentVersion(1))
	assert.Equal(t, &models.CurrentVersion{Version: 1, IsLocal: true}, s.Current)
	assert.Equal(t, models.SyncStateUnsynced, s.SyncState)

	err := s.SetLocalCurrentVersion(1)
	assert.ErrorIs(t, err, models.ErrLogicInvariant)

	assert.ErrorIs(t, s.SetLocalCurrentVersion(0), models.ErrLogicInvariant)
}

func TestObjStatus_RemoteVersionOnEmpty(t *testing.T) {
	s := models.NewObjStatus("obj-1")

	assert.Equal(t, models.RemoteAdopted, s.SetRemoteCurrentVersion(3))
	assert.Equal(t, &models.CurrentVersion{Version: 3}, s.Current)
	assert.Equal(t, models.Version(3), s.LatestSynced)
	assert.Equal(t, models.SyncStateSynced, s.SyncState)
}

func TestObjStatus_ConflictPrecedence(t *testing.T) {
	s := models.NewObjStatus("obj-1")
	s.LatestSynced = 6
	s.Current = &models.CurrentVersion{Version: 7, IsLocal: true}
	s.SyncState = models.SyncStateUnsynced

	assert.Equal(t, models.RemoteConflict, s.SetRemoteCurrentVersion(9))
	assert.Equal(t, models.SyncStateConflicting, s.SyncState)
	assert.Equal(t, models.Version(9), s.ConflictingRemoteVersion)
	assert.Equal(t, &models.CurrentVersion{Version: 7, IsLocal: true}, s.Current)

	// an older racing version keeps the max
	assert.Equal(t, models.RemoteIgnored, s.SetRemoteCurrentVersion(8))
	assert.Equal(t, models.Version(9), s.ConflictingRemoteVersion)

	assert.Equal(t, models.RemoteConflict, s.SetRemoteCurrentVersion(11))
	assert.Equal(t, models.Version(11), s.ConflictingRemoteVersion)
}

func TestObjStatus_IdempotentRemoteRedelivery(t *testing.T) {
	s := models.NewObjStatus("obj-1")

	assert.Equal(t, models.RemoteAdopted, s.SetRemoteCurrentVersion(4))
	before := s.Clone()

	assert.Equal(t, models.RemoteIgnored, s.SetRemoteCurrentVersion(4))
	assert.Equal(t, before, s)

	assert.Equal(t, models.RemoteIgnored, s.SetRemoteCurrentVersion(2))
	assert.Equal(t, models.RemoteAdopted, s.SetRemoteCurrentVersion(5))
	assert.Equal(t, models.Version(5), s.LatestSynced)
}

func TestObjStatus_SetLocalVersionSynced(t *testing.T) {
	t.Run("current local version", func(t *testing.T) {
		s := models.NewObjStatus("obj-1")
		require.NoError(t, s.SetLocalCurrentVersion(1))

		s.SetLocalVersionSynced(1)

		assert.Equal(t, &models.CurrentVersion{Version: 1}, s.Current)
		assert.Equal(t, models.Version(1), s.LatestSynced)
		assert.Equal(t, models.SyncStateSynced, s.SyncState)
	})

	t.Run("older version only bumps latest synced", func(t *testing.T) {
		s := models.NewObjStatus("obj-1")
		require.NoError(t, s.SetLocalCurrentVersion(1))
		require.NoError(t, s.SetLocalCurrentVersion(2))

		s.SetLocalVersionSynced(1)

		assert.Equal(t, &models.CurrentVersion{Version: 2, IsLocal: true}, s.Current)
		assert.Equal(t, models.Version(1), s.LatestSynced)
		assert.Equal(t, models.SyncStateUnsynced, s.SyncState)
	})

	t.Run("resolution version clears conflict", func(t *testing.T) {
		s := models.NewObjStatus("obj-1")
		require.NoError(t, s.SetLocalCurrentVersion(7))
		s.SetConflictingRemoteVersion(9)
		require.NoError(t, s.SetLocalCurrentVersion(10))
		assert.Equal(t, models.SyncStateConflicting, s.SyncState)

		s.SetLocalVersionSynced(10)

		assert.Equal(t, models.SyncStateSynced, s.SyncState)
		assert.Zero(t, s.ConflictingRemoteVersion)
		assert.NoError(t, s.Validate())
	})
}

func TestObjStatus_ArchivedVersions(t *testing.T) {
	s := models.NewObjStatus("obj-1")

	assert.True(t, s.AddArchivedVersion(5))
	assert.True(t, s.AddArchivedVersion(1))
	assert.True(t, s.AddArchivedVersion(3))
	assert.False(t, s.AddArchivedVersion(3))
	assert.Equal(t, []models.Version{1, 3, 5}, s.ArchivedVersions)
	assert.True(t, s.IsArchivedVersion(3))
	assert.False(t, s.IsArchivedVersion(4))

	assert.True(t, s.RemoveArchivedVersion(3))
	assert.False(t, s.RemoveArchivedVersion(3))
	assert.Equal(t, []models.Version{1, 5}, s.ArchivedVersions)
}

func TestObjStatus_Removal(t *testing.T) {
	t.Run("local removal", func(t *testing.T) {
		s := models.NewObjStatus("obj-1")
		s.SetRemoteCurrentVersion(2)

		assert.True(t, s.MarkLocalRemoval())
		assert.False(t, s.MarkLocalRemoval())
		assert.Nil(t, s.Current)
		assert.True(t, s.IsArchived)
		assert.True(t, s.IsRemovalUnsynced())

		assert.True(t, s.MarkLocalRemovalSynced())
		assert.False(t, s.IsUnsynced())
		assert.False(t, s.MarkLocalRemovalSynced())
	})

	t.Run("remote version races unsynced removal", func(t *testing.T) {
		s := models.NewObjStatus("obj-1")
		s.SetRemoteCurrentVersion(2)
		s.MarkLocalRemoval()

		assert.Equal(t, models.RemoteConflict, s.SetRemoteCurrentVersion(3))
		assert.Equal(t, models.SyncStateConflicting, s.SyncState)
	})

	t.Run("remote removal wins", func(t *testing.T) {
		s := models.NewObjStatus("obj-1")
		s.SetRemoteCurrentVersion(2)
		require.NoError(t, s.SetLocalCurrentVersion(3))
		s.SetConflictingRemoteVersion(4)

		assert.True(t, s.MarkRemoteRemoval())
		assert.Nil(t, s.Current)
		assert.Equal(t, models.SyncStateSynced, s.SyncState)
		assert.Zero(t, s.ConflictingRemoteVersion)
		assert.False(t, s.MarkRemoteRemoval())
	})
}

func TestObjStatus_ReachableRoots(t *testing.T) {
	s := models.NewObjStatus("obj-1")
	s.SetRemoteCurrentVersion(5)
	s.AddArchivedVersion(1)
	s.AddArchivedVersion(5)

	assert.Equal(t, []models.Version{1, 5}, s.ReachableRoots())

	require.NoError(t, s.SetLocalCurrentVersion(6))
	assert.Equal(t, []models.Version{1, 5}, s.ReachableRoots())
}

func TestObjStatus_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *models.ObjStatus)
		wantErr string
	}{
		{
			name:    "unknown state",
			mutate:  func(s *models.ObjStatus) { s.SyncState = "weird" },
			wantErr: "unknown sync state",
		},
		{
			name: "current older than synced",
			mutate: func(s *models.ObjStatus) {
				s.Current = &models.CurrentVersion{Version: 2}
				s.LatestSynced = 3
			},
			wantErr: "older than latest synced",
		},
		{
			name: "conflict older than synced",
			mutate: func(s *models.ObjStatus) {
				s.LatestSynced = 3
				s.ConflictingRemoteVersion = 2
			},
			wantErr: "conflicting remote version",
		},
		{
			name:    "unsorted archive",
			mutate:  func(s *models.ObjStatus) { s.ArchivedVersions = []models.Version{3, 1} },
			wantErr: "not sorted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := models.NewObjStatus("obj-1")
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestObjStatus_CloneIsDeep(t *testing.T) {
	s := models.NewObjStatus("obj-1")
	s.SetRemoteCurrentVersion(5)
	s.AddArchivedVersion(1)
	s.GCWorkInfo = &models.GCWorkInfo{
		LatestVersionChecked: 5,
		VersionToBaseVersion: map[models.Version]models.Version{5: 3},
	}

	c := s.Clone()
	c.Current.Version = 9
	c.ArchivedVersions[0] = 2
	c.GCWorkInfo.VersionToBaseVersion[5] = 4

	assert.Equal(t, models.Version(5), s.Current.Version)
	assert.Equal(t, models.Version(1), s.ArchivedVersions[0])
	assert.Equal(t, models.Version(3), s.GCWorkInfo.VersionToBaseVersion[5])
}

func TestObjStatus_JSONShape(t *testing.T) {
	s := models.NewObjStatus("Obj-1")
	s.SetRemoteCurrentVersion(5)
	s.GCWorkInfo = &models.GCWorkInfo{
		LatestVersionChecked: 5,
		VersionToBaseVersion: map[models.Version]models.Version{5: 3, 3: 0},
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"objId": "Obj-1",
		"syncState": "synced",
		"current": {"version": 5},
		"latestSynced": 5,
		"gcWorkInfo": {"latestVersionChecked": 5, "versionToBaseVersion": {"3": 0, "5": 3}}
	}`, string(data))

	var back models.ObjStatus
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, &back)
}
