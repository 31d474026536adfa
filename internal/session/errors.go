package session

import "errors"

// Precondition errors. These indicate API misuse and are returned to the
// caller; record corruption is never reported as an error.
var (
	// ErrNoActiveSession is returned when an operation needs a session and none exists.
	ErrNoActiveSession = errors.New("no active session")

	// ErrForkParentMismatch is returned when merging a fork into a session that is not its parent.
	ErrForkParentMismatch = errors.New("fork does not belong to this session")

	// ErrForkNotFound is returned when a fork id has no record.
	ErrForkNotFound = errors.New("fork not found")

	// ErrBackupNotFound is returned when restoring a backup index that does not exist.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrInvalidID is returned for ids that cannot name a record file.
	ErrInvalidID = errors.New("invalid session id")
)
