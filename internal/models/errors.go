package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeCorrupt      = "CORRUPT_OBJ_FILE"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "VERSION_MISMATCH"
	ErrCodeNetwork      = "NETWORK_ERROR"
	ErrCodeTransaction  = "TRANSACTION_CONFLICT"
	ErrCodeLogic        = "LOGIC_INVARIANT"
	ErrCodeStorage      = "STORAGE_ERROR"
	ErrCodeAlreadyExist = "OBJ_EXISTS"
	ErrCodeUnknownTx    = "UNKNOWN_TRANSACTION"
)

// Sentinel errors
var (
	ErrNotFound              = errors.New("not found")
	ErrConnectivity          = errors.New("remote store unreachable")
	ErrConcurrentTransaction = errors.New("concurrent transaction on remote object")
	ErrObjAlreadyExists      = errors.New("object already exists on remote")
	ErrLogicInvariant        = errors.New("logic invariant violated")
	ErrUnknownTransaction    = errors.New("unknown transaction")
)

// CorruptObjectFileError reports an object file whose offsets or lengths do
// not add up. It is never retried.
type CorruptObjectFileError struct {
	Path   string
	Reason string
}

func (e *CorruptObjectFileError) Error() string {
	return fmt.Sprintf("corrupt object file %s: %s", e.Path, e.Reason)
}

// VersionMismatchError is returned by the remote store when the version the
// client builds on is not the one the server holds.
type VersionMismatchError struct {
	ObjID   ObjectID
	Current Version
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch on %s: server has version %d", e.ObjID.String(), e.Current)
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Code    string
	Phase   string
	ObjID   ObjectID
	Version Version
	Err     error
}

func (e *SyncError) Error() string {
	if e.Version != 0 {
		return fmt.Sprintf("sync %s [%s]: obj %s: version %d: %v", e.Phase, e.Code, e.ObjID.String(), e.Version, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: obj %s: %v", e.Phase, e.Code, e.ObjID.String(), e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NotFoundError names what was missing while still matching ErrNotFound.
type NotFoundError struct {
	What string
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Path)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound reports whether err means something was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConnectivity reports whether err is a transport-level connect failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// AsVersionMismatch extracts a version mismatch, if err carries one.
func AsVersionMismatch(err error) (*VersionMismatchError, bool) {
	var mm *VersionMismatchError
	if errors.As(err, &mm) {
		return mm, true
	}
	return nil, false
}

// IsCorrupt reports whether err is an object file corruption.
func IsCorrupt(err error) bool {
	var c *CorruptObjectFileError
	return errors.As(err, &c)
}
