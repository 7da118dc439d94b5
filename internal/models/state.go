package models

import (
	"fmt"
	"sort"
)

// SyncState of an object as a whole.
type SyncState string

const (
	SyncStateSynced      SyncState = "synced"
	SyncStateUnsynced    SyncState = "unsynced"
	SyncStateConflicting SyncState = "conflicting"
)

// CurrentVersion is the version readers see.
type CurrentVersion struct {
	Version Version `json:"version"`
	IsLocal bool    `json:"isLocal,omitempty"`
}

// GCWorkInfo memoizes diff-base lookups between collector passes. A version
// present in VersionToBaseVersion with base 0 has no diff base.
type GCWorkInfo struct {
	LatestVersionChecked Version             `json:"latestVersionChecked"`
	VersionToBaseVersion map[Version]Version `json:"versionToBaseVersion,omitempty"`
}

// ObjStatus is the small per-object record kept next to version files.
type ObjStatus struct {
	ObjID                    ObjectID        `json:"objId"`
	SyncState                SyncState       `json:"syncState"`
	Current                  *CurrentVersion `json:"current,omitempty"`
	LatestSynced             Version         `json:"latestSynced,omitempty"`
	ConflictingRemoteVersion Version         `json:"conflictingRemoteVersion,omitempty"`
	ArchivedVersions         []Version       `json:"archivedVersions,omitempty"`
	IsArchived               bool            `json:"isArchived,omitempty"`
	GCWorkInfo               *GCWorkInfo     `json:"gcWorkInfo,omitempty"`
}

// RemoteUpdate says what a remote-authority version did to a status.
type RemoteUpdate int

const (
	// RemoteIgnored means the version was stale or already known.
	RemoteIgnored RemoteUpdate = iota
	// RemoteAdopted means the version became the synced current version.
	RemoteAdopted
	// RemoteConflict means an unsynced local change kept precedence and the
	// remote version was recorded as conflicting.
	RemoteConflict
)

// NewObjStatus creates an empty, synced status.
func NewObjStatus(id ObjectID) *ObjStatus {
	return &ObjStatus{
		ObjID:     id,
		SyncState: SyncStateSynced,
	}
}

// CurrentVersionNum returns the current version or 0.
func (s *ObjStatus) CurrentVersionNum() Version {
	if s.Current == nil {
		return 0
	}
	return s.Current.Version
}

// IsUnsynced reports whether something still needs the remote's attention.
func (s *ObjStatus) IsUnsynced() bool {
	return s.SyncState != SyncStateSynced
}

// IsRemovalUnsynced reports a local removal that has not reached the remote.
func (s *ObjStatus) IsRemovalUnsynced() bool {
	return s.IsArchived && s.Current == nil && s.SyncState == SyncStateUnsynced
}

// SetLocalCurrentVersion records a freshly written local version as current.
func (s *ObjStatus) SetLocalCurrentVersion(v Version) error {
	if v == 0 {
		return fmt.Errorf("%w: local version must be positive", ErrLogicInvariant)
	}
	if v <= s.LatestSynced || (s.Current != nil && v <= s.Current.Version) {
		return fmt.Errorf("%w: local version %d is not newer than current %d / synced %d",
			ErrLogicInvariant, v, s.CurrentVersionNum(), s.LatestSynced)
	}

	s.Current = &CurrentVersion{Version: v, IsLocal: true}
	s.IsArchived = false
	if s.SyncState != SyncStateConflicting {
		s.SyncState = SyncStateUnsynced
	}
	return nil
}

// SetRemoteCurrentVersion applies a version announced by the remote store.
// An unsynced local change always wins locally: the remote version is only
// recorded as conflicting.
func (s *ObjStatus) SetRemoteCurrentVersion(v Version) RemoteUpdate {
	if v == 0 || v <= s.LatestSynced {
		return RemoteIgnored
	}

	if (s.Current != nil && s.Current.IsLocal) || s.IsRemovalUnsynced() {
		if v <= s.ConflictingRemoteVersion {
			return RemoteIgnored
		}
		s.ConflictingRemoteVersion = v
		s.SyncState = SyncStateConflicting
		return RemoteConflict
	}

	if s.Current != nil && v <= s.Current.Version {
		return RemoteIgnored
	}

	s.Current = &CurrentVersion{Version: v}
	s.LatestSynced = v
	s.IsArchived = false
	s.ConflictingRemoteVersion = 0
	s.SyncState = SyncStateSynced
	return RemoteAdopted
}

// SetConflictingRemoteVersion records the server's version after a rejected
// upload.
func (s *ObjStatus) SetConflictingRemoteVersion(v Version) {
	if v > s.ConflictingRemoteVersion {
		s.ConflictingRemoteVersion = v
	}
	s.SyncState = SyncStateConflicting
}

// SetLocalVersionSynced marks local version v as accepted by the remote.
func (s *ObjStatus) SetLocalVersionSynced(v Version) {
	if s.Current != nil && s.Current.IsLocal && s.Current.Version == v {
		s.Current.IsLocal = false
		if s.ConflictingRemoteVersion < v {
			s.ConflictingRemoteVersion = 0
			s.SyncState = SyncStateSynced
		}
	}
	if v > s.LatestSynced {
		s.LatestSynced = v
	}
}

// AddArchivedVersion keeps v as a named history entry.
func (s *ObjStatus) AddArchivedVersion(v Version) bool {
	i := sort.Search(len(s.ArchivedVersions), func(i int) bool { return s.ArchivedVersions[i] >= v })
	if i < len(s.ArchivedVersions) && s.ArchivedVersions[i] == v {
		return false
	}
	s.ArchivedVersions = append(s.ArchivedVersions, 0)
	copy(s.ArchivedVersions[i+1:], s.ArchivedVersions[i:])
	s.ArchivedVersions[i] = v
	return true
}

// RemoveArchivedVersion drops v from history entries.
func (s *ObjStatus) RemoveArchivedVersion(v Version) bool {
	for i, a := range s.ArchivedVersions {
		if a == v {
			s.ArchivedVersions = append(s.ArchivedVersions[:i], s.ArchivedVersions[i+1:]...)
			return true
		}
	}
	return false
}

// IsArchivedVersion reports whether v is kept as history.
func (s *ObjStatus) IsArchivedVersion(v Version) bool {
	i := sort.Search(len(s.ArchivedVersions), func(i int) bool { return s.ArchivedVersions[i] >= v })
	return i < len(s.ArchivedVersions) && s.ArchivedVersions[i] == v
}

// MarkLocalRemoval clears the current version after a local delete. The
// removal itself stays unsynced until MarkLocalRemovalSynced.
func (s *ObjStatus) MarkLocalRemoval() bool {
	if s.Current == nil && s.IsArchived {
		return false
	}
	s.Current = nil
	s.IsArchived = true
	if s.SyncState != SyncStateConflicting {
		s.SyncState = SyncStateUnsynced
	}
	return true
}

// MarkLocalRemovalSynced flips an unsynced local removal to synced.
func (s *ObjStatus) MarkLocalRemovalSynced() bool {
	if !s.IsRemovalUnsynced() {
		return false
	}
	s.SyncState = SyncStateSynced
	return true
}

// MarkRemoteRemoval applies a removal decided by the remote store. Remote
// removal is authoritative; unsynced local versions become garbage.
func (s *ObjStatus) MarkRemoteRemoval() bool {
	if s.Current == nil && s.IsArchived && s.SyncState == SyncStateSynced {
		return false
	}
	s.Current = nil
	s.IsArchived = true
	s.ConflictingRemoteVersion = 0
	s.SyncState = SyncStateSynced
	return true
}

// ReachableRoots returns the versions GC must keep before diff-base
// expansion: the synced current version and every archived version.
func (s *ObjStatus) ReachableRoots() []Version {
	roots := make([]Version, 0, len(s.ArchivedVersions)+1)
	if s.Current != nil && !s.Current.IsLocal {
		roots = append(roots, s.Current.Version)
	}
	for _, v := range s.ArchivedVersions {
		if s.Current == nil || v != s.Current.Version || s.Current.IsLocal {
			roots = append(roots, v)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	return roots
}

// Validate checks the status invariants.
func (s *ObjStatus) Validate() error {
	switch s.SyncState {
	case SyncStateSynced, SyncStateUnsynced, SyncStateConflicting:
	default:
		return fmt.Errorf("unknown sync state %q", s.SyncState)
	}

	if s.Current != nil && s.Current.Version < s.LatestSynced {
		return fmt.Errorf("current version %d is older than latest synced %d", s.Current.Version, s.LatestSynced)
	}

	if s.ConflictingRemoteVersion != 0 && s.ConflictingRemoteVersion < s.LatestSynced {
		return fmt.Errorf("conflicting remote version %d is older than latest synced %d",
			s.ConflictingRemoteVersion, s.LatestSynced)
	}

	if !sort.SliceIsSorted(s.ArchivedVersions, func(i, j int) bool { return s.ArchivedVersions[i] < s.ArchivedVersions[j] }) {
		return fmt.Errorf("archived versions are not sorted")
	}

	return nil
}

// Clone creates a deep copy of the status.
func (s *ObjStatus) Clone() *ObjStatus {
	clone := *s

	if s.Current != nil {
		cur := *s.Current
		clone.Current = &cur
	}

	if s.ArchivedVersions != nil {
		clone.ArchivedVersions = append([]Version(nil), s.ArchivedVersions...)
	}

	if s.GCWorkInfo != nil {
		info := GCWorkInfo{LatestVersionChecked: s.GCWorkInfo.LatestVersionChecked}
		if s.GCWorkInfo.VersionToBaseVersion != nil {
			info.VersionToBaseVersion = make(map[Version]Version, len(s.GCWorkInfo.VersionToBaseVersion))
			for k, v := range s.GCWorkInfo.VersionToBaseVersion {
				info.VersionToBaseVersion[k] = v
			}
		}
		clone.GCWorkInfo = &info
	}

	return &clone
}
