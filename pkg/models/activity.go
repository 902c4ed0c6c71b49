package models

import "time"

// ActivityKind classifies a single activity entry
type ActivityKind string

const (
	ActivityStatus    ActivityKind = "status"
	ActivityShell     ActivityKind = "shell"
	ActivityFileRead  ActivityKind = "file_read"
	ActivityFileWrite ActivityKind = "file_write"
	ActivityFileEdit  ActivityKind = "file_edit"
	ActivitySearch    ActivityKind = "search"
	ActivityMessage   ActivityKind = "message"
	ActivityOutput    ActivityKind = "output"
)

// Activity sources as shown in the browser feed
const (
	SourceOrchestrator = "po"
	SourceSCAR         = "scar"
	SourceClaude       = "claude"
)

// Verbosity levels. A feed at level v includes every activity with
// Verbosity <= v.
const (
	VerbosityLow    = 1
	VerbosityMedium = 2
	VerbosityHigh   = 3
)

// ValidVerbosity reports whether v is one of the supported levels
func ValidVerbosity(v int) bool {
	return v >= VerbosityLow && v <= VerbosityHigh
}

// Activity is an append-only record of something that happened during an
// execution. Seq is assigned by the store and is strictly increasing across
// all appends.
type Activity struct {
	Seq         int64                  `json:"seq" db:"seq"`
	ID          string                 `json:"id" db:"id"`
	ExecutionID string                 `json:"execution_id" db:"execution_id"`
	ProjectID   string                 `json:"project_id" db:"project_id"`
	Kind        ActivityKind           `json:"kind" db:"kind"`
	Source      string                 `json:"source" db:"source"`
	Verbosity   int                    `json:"verbosity" db:"verbosity"`
	Message     string                 `json:"message" db:"message"`
	Params      map[string]interface{} `json:"params,omitempty" db:"-"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}
