package commit

import "errors"

var (
	// ErrEmptyCommit is returned when Args requests nothing.
	ErrEmptyCommit = errors.New("commit has no changes")

	// ErrCommitRejected is returned when the kernel refuses a commit.
	ErrCommitRejected = errors.New("atomic commit rejected")

	// ErrInactive is returned for a plan with layers on a stopped crtc.
	ErrInactive = errors.New("crtc is not active")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("commit manager closed")
)
