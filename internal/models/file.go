package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ObjectID identifies an object. The empty id is the root object.
type ObjectID string

// RootObjID is the sentinel id of the root folder object.
const RootObjID ObjectID = ""

// IsRoot reports whether id is the root sentinel.
func (id ObjectID) IsRoot() bool {
	return id == RootObjID
}

// String renders the id for logs; root shows as "=root=".
func (id ObjectID) String() string {
	if id.IsRoot() {
		return RootFolderName
	}
	return string(id)
}

// Version numbers start at 1; 0 means "no version".
type Version uint64

// RootFolderName is the fixed folder key of the root object.
const RootFolderName = "=root="

// VersionFileKind distinguishes files in an object folder by name suffix.
type VersionFileKind int

const (
	KindSynced VersionFileKind = iota
	KindLocal
	KindUpload
	KindDownload
)

// Fixed names and suffixes within an object folder.
const (
	StatusFileName      = "status"
	UnsyncedRemovalFile = "unsynced-removal"
	syncedSuffix        = "."
	localSuffix         = ".local"
	uploadSuffix        = ".upload"
	downloadSuffix      = ".download"
)

var kindSuffixes = map[VersionFileKind]string{
	KindSynced:   syncedSuffix,
	KindLocal:    localSuffix,
	KindUpload:   uploadSuffix,
	KindDownload: downloadSuffix,
}

// VersionFileName returns the file name for a version of the given kind.
func VersionFileName(v Version, kind VersionFileKind) string {
	return strconv.FormatUint(uint64(v), 10) + kindSuffixes[kind]
}

// ParseVersionFileName splits a folder entry into version and kind. Entries
// that are not version files (status, sentinels, temp files) return ok=false.
func ParseVersionFileName(name string) (v Version, kind VersionFileKind, ok bool) {
	dot := strings.IndexByte(name, '.')
	if dot <= 0 {
		return 0, 0, false
	}

	n, err := strconv.ParseUint(name[:dot], 10, 64)
	if err != nil || n == 0 {
		return 0, 0, false
	}

	switch name[dot:] {
	case syncedSuffix:
		kind = KindSynced
	case localSuffix:
		kind = KindLocal
	case uploadSuffix:
		kind = KindUpload
	case downloadSuffix:
		kind = KindDownload
	default:
		return 0, 0, false
	}

	return Version(n), kind, true
}

func (k VersionFileKind) String() string {
	switch k {
	case KindSynced:
		return "synced"
	case KindLocal:
		return "local"
	case KindUpload:
		return "upload"
	case KindDownload:
		return "download"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
