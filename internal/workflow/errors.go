// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrBuildFatal is wrapped by every BuildError.
	ErrBuildFatal = errors.New("build aborted")

	// ErrCancelled is returned when a build stops at a chapter boundary
	// because its context was cancelled. The build stays resumable.
	ErrCancelled = errors.New("build cancelled")

	// ErrNotReady is returned by Assemble while chapters are still pending.
	ErrNotReady = errors.New("build not ready for assembly")
)

// BuildError reports an aborted build. The partial state is checkpointed
// with status ABORTED and Reason in its build log.
type BuildError struct {
	BookID string
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("build %s aborted: %s", e.BookID, e.Reason)
	}
	return fmt.Sprintf("build %s aborted: %s: %v", e.BookID, e.Reason, e.Err)
}

func (e *BuildError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBuildFatal}
	}
	return []error{ErrBuildFatal, e.Err}
}
