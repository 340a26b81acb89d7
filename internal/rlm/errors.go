package rlm

import "errors"

var (
	// ErrMaxSnapshotsReached is returned when a session already holds
	// its configured maximum number of snapshots. Checked before any
	// backend work is done.
	ErrMaxSnapshotsReached = errors.New("maximum snapshots per session reached")

	// ErrInternal wraps failures that indicate a bug rather than a
	// caller mistake.
	ErrInternal = errors.New("internal error")
)
