// Package storage provides interfaces for persistent storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tcmartin/scarfeed/pkg/models"
)

// Errors returned by storage providers
var (
	ErrProjectNotFound   = errors.New("project not found")
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionFinished is returned when updating an execution that has
	// already reached a terminal status
	ErrExecutionFinished = errors.New("execution already finished")
)

// StorageProvider defines the interface for persistence backends
type StorageProvider interface {
	// Initialize sets up the storage backend
	Initialize() error

	// Close cleans up resources
	Close() error

	// GetProjectStore returns a store for projects
	GetProjectStore() ProjectStore

	// GetExecutionStore returns a store for execution records
	GetExecutionStore() ExecutionStore

	// GetActivityStore returns a store for activity records
	GetActivityStore() ActivityStore
}

// ProjectStore manages project persistence
type ProjectStore interface {
	// CreateProject persists a new project, filling in ID and timestamps when empty
	CreateProject(ctx context.Context, project models.Project) (models.Project, error)

	// GetProject retrieves a project
	GetProject(ctx context.Context, projectID string) (models.Project, error)

	// ListProjects returns all projects, newest first
	ListProjects(ctx context.Context) ([]models.Project, error)

	// DeleteProject removes a project with its executions and activities
	DeleteProject(ctx context.Context, projectID string) error
}

// ExecutionStore manages execution record persistence. Every write is
// committed before the call returns.
type ExecutionStore interface {
	// CreateExecution persists a new execution record
	CreateExecution(ctx context.Context, execution models.Execution) (models.Execution, error)

	// UpdateExecution overwrites status, output, error and completion time.
	// Only queued or running executions can be updated; a completed or failed
	// one yields ErrExecutionFinished.
	UpdateExecution(ctx context.Context, execution models.Execution) error

	// GetExecution retrieves an execution record
	GetExecution(ctx context.Context, executionID string) (models.Execution, error)

	// ListExecutions returns up to limit executions for a project, newest first
	ListExecutions(ctx context.Context, projectID string, limit int) ([]models.Execution, error)

	// LastSuccessful returns the most recently completed execution of a command
	LastSuccessful(ctx context.Context, projectID string, command models.CommandType) (models.Execution, error)

	// ListStale returns queued or running executions started before cutoff
	ListStale(ctx context.Context, cutoff time.Time) ([]models.Execution, error)
}

// ActivityStore manages activity persistence. Activities are append-only.
type ActivityStore interface {
	// AppendActivity persists an activity and returns it with Seq, ID and
	// CreatedAt assigned. Within a project, CreatedAt never decreases as Seq grows.
	AppendActivity(ctx context.Context, activity models.Activity) (models.Activity, error)

	// RecentActivities returns the latest limit activities of a project in
	// ascending (CreatedAt, Seq) order
	RecentActivities(ctx context.Context, projectID string, limit, maxVerbosity int) ([]models.Activity, error)

	// ActivitiesAfter returns activities positioned after the cursor in
	// ascending order. limit <= 0 means no limit.
	ActivitiesAfter(ctx context.Context, projectID string, after Cursor, maxVerbosity, limit int) ([]models.Activity, error)

	// ListActivities returns all activities of an execution in ascending order
	ListActivities(ctx context.Context, executionID string) ([]models.Activity, error)
}

// Cursor is a position in a project's activity stream. Ordering is by
// timestamp, then by sequence number for equal timestamps.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

// IsZero reports whether nothing has been delivered yet
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.Seq == 0
}

// Before reports whether a is positioned strictly after c
func (c Cursor) Before(a models.Activity) bool {
	if a.CreatedAt.After(c.Timestamp) {
		return true
	}
	return a.CreatedAt.Equal(c.Timestamp) && a.Seq > c.Seq
}

// CursorAt returns the cursor positioned on a
func CursorAt(a models.Activity) Cursor {
	return Cursor{Timestamp: a.CreatedAt, Seq: a.Seq}
}
