// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// AgentRole selects the behavior of a generation call.
type AgentRole string

const (
	RoleOutline  AgentRole = "outline"
	RoleResearch AgentRole = "research"
	RoleWrite    AgentRole = "write"
	RoleEdit     AgentRole = "edit"
	RoleExtract  AgentRole = "extract"
)

// TaskStatus tracks an AgentTask through execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// AgentTask is one role invocation for one chapter.
type AgentTask struct {
	ID           string     `json:"task_id" yaml:"task_id"`
	Role         AgentRole  `json:"role" yaml:"role"`
	ChapterIndex int        `json:"chapter_index" yaml:"chapter_index"`
	Status       TaskStatus `json:"status" yaml:"status"`
	AttemptCount int        `json:"attempt_count" yaml:"attempt_count"`

	// InputContext is the rendered prompt; omitted from checkpoints when large.
	InputContext string `json:"input_context,omitempty" yaml:"input_context,omitempty"`
	OutputText   string `json:"output_text,omitempty" yaml:"output_text,omitempty"`
	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Terminal reports whether the task has finished.
func (t AgentTask) Terminal() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed
}
