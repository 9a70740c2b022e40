// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/pdiddy/book-engine/pkg/types"
)

var (
	// ErrAgentTaskFailed is wrapped by every TaskError.
	ErrAgentTaskFailed = errors.New("agent task failed")

	// ErrValidation marks output that stayed empty or too short after the
	// corrective call.
	ErrValidation = errors.New("output failed validation")
)

// Failure classes recorded on retries and task errors.
const (
	ClassTransient  = "transient"
	ClassPermanent  = "permanent"
	ClassValidation = "validation"
)

// RetryRecord describes one retried call.
type RetryRecord struct {
	Attempt int           `json:"attempt"`
	Class   string        `json:"class"`
	Err     string        `json:"error"`
	Delay   time.Duration `json:"delay"`
}

// TaskError is returned when a role call cannot produce usable output.
type TaskError struct {
	Role         types.AgentRole
	ChapterIndex int
	Attempts     int
	Class        string
	Err          error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s task for chapter %d failed after %d attempts (%s): %v",
		e.Role, e.ChapterIndex, e.Attempts, e.Class, e.Err)
}

func (e *TaskError) Unwrap() []error {
	return []error{ErrAgentTaskFailed, e.Err}
}
