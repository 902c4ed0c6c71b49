package models

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionStatus represents the lifecycle state of a SCAR command execution
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "QUEUED"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether no further transitions are expected
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// CommandType identifies a SCAR command
type CommandType string

const (
	CommandPrime             CommandType = "PRIME"
	CommandPlanFeature       CommandType = "PLAN_FEATURE"
	CommandPlanFeatureGitHub CommandType = "PLAN_FEATURE_GITHUB"
	CommandExecute           CommandType = "EXECUTE"
	CommandExecuteGitHub     CommandType = "EXECUTE_GITHUB"
	CommandValidate          CommandType = "VALIDATE"
)

var commandNames = map[CommandType]string{
	CommandPrime:             "prime",
	CommandPlanFeature:       "plan-feature",
	CommandPlanFeatureGitHub: "plan-feature-github",
	CommandExecute:           "execute",
	CommandExecuteGitHub:     "execute-github",
	CommandValidate:          "validate",
}

// Name returns the name SCAR expects after /command-invoke
func (c CommandType) Name() string {
	return commandNames[c]
}

// ParseCommandType accepts either the wire name ("plan-feature-github") or the
// stored enum value ("PLAN_FEATURE_GITHUB").
func ParseCommandType(s string) (CommandType, error) {
	for kind, name := range commandNames {
		if strings.EqualFold(s, name) || strings.EqualFold(s, string(kind)) {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown command: %q", s)
}

// Execution is one invocation of a SCAR command for a project
type Execution struct {
	ID          string          `json:"id" db:"id"`
	ProjectID   string          `json:"project_id" db:"project_id"`
	CommandType CommandType     `json:"command_type" db:"command_type"`
	CommandArgs string          `json:"command_args" db:"command_args"`
	Status      ExecutionStatus `json:"status" db:"status"`
	Output      string          `json:"output,omitempty" db:"output"`
	Error       string          `json:"error,omitempty" db:"error"`
	StartedAt   time.Time       `json:"started_at" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// CommandResult is returned to the caller of an execution
type CommandResult struct {
	ExecutionID     string  `json:"execution_id,omitempty"`
	Success         bool    `json:"success"`
	Output          string  `json:"output"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}
