package configsync

import (
	"errors"
	"fmt"
)

var (
	// ErrApplyFailed wraps failures reported by an Applier.
	ErrApplyFailed = errors.New("config apply failed")

	// ErrClosed is reported for requests made after Close.
	ErrClosed = errors.New("syncer closed")
)

// Sync stages reported by SyncError.
const (
	StageRender = "render"
	StageApply  = "apply"
)

// SyncError is a failed sync with the trigger and the stage that failed.
type SyncError struct {
	Trigger string
	Stage   string
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %q failed at %s: %v", e.Trigger, e.Stage, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
