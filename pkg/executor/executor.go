// Package executor runs SCAR commands for projects and records every step.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tcmartin/scarfeed/pkg/feed"
	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/models"
	"github.com/tcmartin/scarfeed/pkg/scar"
	"github.com/tcmartin/scarfeed/pkg/storage"
)

var (
	// ErrTimeout is returned when a command does not finish in time
	ErrTimeout = errors.New("command timed out")

	// ErrNoRepository is returned when the project is missing or has no repository
	ErrNoRepository = errors.New("project not found or no GitHub repo configured")

	// ErrSuperseded is returned when the execution was finished by someone
	// else, typically the reaper, while the command was still running
	ErrSuperseded = errors.New("execution was finished elsewhere")
)

// DefaultHistoryLimit is used when History is called without a limit
const DefaultHistoryLimit = 10

// Options configures an Executor
type Options struct {
	// Timeout bounds a single command run. Zero means no bound beyond the
	// runner's own.
	Timeout time.Duration
}

// Executor invokes SCAR and persists one execution record per invocation.
// Every status transition and every activity is committed before the next
// step starts, and is announced through the notifier.
type Executor struct {
	projects   storage.ProjectStore
	executions storage.ExecutionStore
	activities storage.ActivityStore
	runner     scar.Runner
	notifier   feed.Notifier
	logger     logging.Logger
	timeout    time.Duration
	now        func() time.Time
}

// New creates an executor
func New(provider storage.StorageProvider, runner scar.Runner, notifier feed.Notifier, logger logging.Logger, opts Options) *Executor {
	if notifier == nil {
		notifier = feed.NopNotifier{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		projects:   provider.GetProjectStore(),
		executions: provider.GetExecutionStore(),
		activities: provider.GetActivityStore(),
		runner:     runner,
		notifier:   notifier,
		logger:     logger.WithFields(logging.F("component", "executor")),
		timeout:    opts.Timeout,
		now:        time.Now,
	}
}

// Execute runs command for a project and waits for it to finish.
//
// The returned CommandResult is always populated. The error is ErrNoRepository
// when no record could be created, wraps ErrTimeout when the run timed out,
// and is otherwise only set for storage failures. A command that ran and
// failed is reported through CommandResult.Success.
//
// The run is detached from ctx cancellation so that a caller going away
// cannot leave the record half written.
func (e *Executor) Execute(ctx context.Context, projectID string, command models.CommandType, args []string) (models.CommandResult, error) {
	ctx = context.WithoutCancel(ctx)

	project, err := e.projects.GetProject(ctx, projectID)
	if err != nil && !errors.Is(err, storage.ErrProjectNotFound) {
		return models.CommandResult{Error: err.Error()}, fmt.Errorf("failed to load project: %w", err)
	}
	if err != nil || project.GitHubRepoURL == "" {
		return models.CommandResult{Success: false, Error: "Project not found or no GitHub repo configured"}, ErrNoRepository
	}

	execution, err := e.executions.CreateExecution(ctx, models.Execution{
		ProjectID:   projectID,
		CommandType: command,
		CommandArgs: strings.Join(args, " "),
		Status:      models.ExecutionQueued,
		StartedAt:   e.now(),
	})
	if err != nil {
		return models.CommandResult{Error: err.Error()}, fmt.Errorf("failed to create execution: %w", err)
	}
	log := e.logger.WithFields(logging.F("project_id", projectID), logging.F("execution_id", execution.ID))
	e.logger.LogExecution(projectID, execution.ID, "queued", map[string]interface{}{"command": command.Name()})

	if err := e.recordStatus(ctx, execution, nil); err != nil {
		return e.abort(execution, err)
	}

	start := e.now()
	execution.Status = models.ExecutionRunning
	if err := e.executions.UpdateExecution(ctx, execution); err != nil {
		if errors.Is(err, storage.ErrExecutionFinished) {
			return e.superseded(ctx, execution, 0)
		}
		return e.abort(execution, fmt.Errorf("failed to mark execution running: %w", err))
	}
	if err := e.recordStatus(ctx, execution, nil); err != nil {
		return e.abort(execution, err)
	}
	e.logger.LogExecution(projectID, execution.ID, "running", nil)

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	output, runErr := e.runner.Run(runCtx, scar.Request{
		ProjectID: projectID,
		Command:   command,
		Args:      args,
		RepoURL:   project.GitHubRepoURL,
	}, func(m scar.Message) error {
		return e.recordMessage(ctx, execution, m)
	})

	completedAt := e.now()
	duration := completedAt.Sub(start).Seconds()
	execution.CompletedAt = &completedAt
	execution.Output = output

	timedOut := errors.Is(runErr, scar.ErrTimeout) || errors.Is(runErr, context.DeadlineExceeded)
	switch {
	case runErr == nil:
		execution.Status = models.ExecutionCompleted
	case timedOut:
		execution.Status = models.ExecutionFailed
		execution.Error = fmt.Sprintf("timed out after %.1fs: %v", duration, runErr)
	default:
		execution.Status = models.ExecutionFailed
		execution.Error = runErr.Error()
	}

	if err := e.executions.UpdateExecution(ctx, execution); err != nil {
		if errors.Is(err, storage.ErrExecutionFinished) {
			return e.superseded(ctx, execution, duration)
		}
		log.Error("Failed to record execution result", logging.Err(err))
		return models.CommandResult{ExecutionID: execution.ID, Error: err.Error(), DurationSeconds: duration},
			fmt.Errorf("failed to update execution: %w", err)
	}
	if err := e.recordStatus(ctx, execution, nil); err != nil {
		log.Warn("Failed to record final status activity", logging.Err(err))
	}
	if execution.Status == models.ExecutionCompleted && output != "" {
		if err := e.append(ctx, models.Activity{
			ExecutionID: execution.ID,
			Kind:        models.ActivityOutput,
			Source:      models.SourceSCAR,
			Verbosity:   models.VerbosityHigh,
			Message:     output,
		}); err != nil {
			log.Warn("Failed to record output activity", logging.Err(err))
		}
	}

	e.logger.LogExecution(projectID, execution.ID, strings.ToLower(string(execution.Status)), map[string]interface{}{
		"duration_seconds": duration,
		"error":            execution.Error,
	})

	result := models.CommandResult{
		ExecutionID:     execution.ID,
		Success:         execution.Status == models.ExecutionCompleted,
		Output:          output,
		Error:           execution.Error,
		DurationSeconds: duration,
	}
	if timedOut {
		return result, fmt.Errorf("%w: %v", ErrTimeout, runErr)
	}
	return result, nil
}

// History returns the most recent executions of a project, newest first
func (e *Executor) History(ctx context.Context, projectID string, limit int) ([]models.Execution, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return e.executions.ListExecutions(ctx, projectID, limit)
}

// LastSuccessful returns the most recent completed execution of command
func (e *Executor) LastSuccessful(ctx context.Context, projectID string, command models.CommandType) (models.Execution, error) {
	return e.executions.LastSuccessful(ctx, projectID, command)
}

// Abandon marks an unfinished execution as failed with reason. It is a no-op
// for executions that already reached a terminal state.
func (e *Executor) Abandon(ctx context.Context, execution models.Execution, reason string) error {
	current, err := e.executions.GetExecution(ctx, execution.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}

	now := e.now()
	current.Status = models.ExecutionFailed
	current.Error = reason
	current.CompletedAt = &now
	if err := e.executions.UpdateExecution(ctx, current); err != nil {
		if errors.Is(err, storage.ErrExecutionFinished) {
			return nil
		}
		return fmt.Errorf("failed to abandon execution: %w", err)
	}
	e.logger.LogExecution(current.ProjectID, current.ID, "abandoned", map[string]interface{}{"reason": reason})
	return e.recordStatus(ctx, current, map[string]interface{}{"reason": reason})
}

// recordStatus appends a status transition as a low-verbosity orchestrator
// activity, e.g. "PRIME: RUNNING"
func (e *Executor) recordStatus(ctx context.Context, execution models.Execution, extra map[string]interface{}) error {
	params := map[string]interface{}{
		"command": execution.CommandType.Name(),
		"status":  string(execution.Status),
	}
	if execution.CommandArgs != "" {
		params["args"] = execution.CommandArgs
	}
	if execution.Error != "" {
		params["error"] = execution.Error
	}
	for k, v := range extra {
		params[k] = v
	}

	return e.append(ctx, models.Activity{
		ExecutionID: execution.ID,
		Kind:        models.ActivityStatus,
		Source:      models.SourceOrchestrator,
		Verbosity:   models.VerbosityLow,
		Message:     fmt.Sprintf("%s: %s", execution.CommandType, execution.Status),
		Params:      params,
	})
}

func (e *Executor) recordMessage(ctx context.Context, execution models.Execution, m scar.Message) error {
	c := scar.ClassifyMessage(m.Message)
	var params map[string]interface{}
	if c.Tool != "" {
		params = map[string]interface{}{"tool": c.Tool, "detail": c.Detail}
	}
	return e.append(ctx, models.Activity{
		ExecutionID: execution.ID,
		Kind:        c.Kind,
		Source:      c.Source,
		Verbosity:   models.VerbosityMedium,
		Message:     m.Message,
		Params:      params,
	})
}

func (e *Executor) append(ctx context.Context, activity models.Activity) error {
	stored, err := e.activities.AppendActivity(ctx, activity)
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	if err := e.notifier.Notify(ctx, stored.ProjectID); err != nil {
		e.logger.Warn("Failed to notify feed", logging.F("project_id", stored.ProjectID), logging.Err(err))
	}
	return nil
}

// superseded reports the stored outcome of an execution that another writer
// already moved to a terminal status. The local result is dropped so the
// record keeps a single terminal status.
func (e *Executor) superseded(ctx context.Context, execution models.Execution, duration float64) (models.CommandResult, error) {
	current, err := e.executions.GetExecution(ctx, execution.ID)
	if err != nil {
		current = execution
		current.Status = models.ExecutionFailed
		current.Error = ErrSuperseded.Error()
	}
	e.logger.Warn("Execution finished elsewhere, dropping result",
		logging.F("project_id", execution.ProjectID),
		logging.F("execution_id", execution.ID),
		logging.F("status", string(current.Status)),
		logging.F("stored_error", current.Error))

	return models.CommandResult{
		ExecutionID:     execution.ID,
		Success:         current.Status == models.ExecutionCompleted,
		Output:          current.Output,
		Error:           current.Error,
		DurationSeconds: duration,
	}, ErrSuperseded
}

// abort marks an execution failed after a storage error in the middle of
// the lifecycle
func (e *Executor) abort(execution models.Execution, cause error) (models.CommandResult, error) {
	ctx := context.Background()
	now := e.now()
	execution.Status = models.ExecutionFailed
	execution.Error = cause.Error()
	execution.CompletedAt = &now
	if err := e.executions.UpdateExecution(ctx, execution); err != nil && !errors.Is(err, storage.ErrExecutionFinished) {
		e.logger.Error("Failed to mark execution failed",
			logging.F("execution_id", execution.ID), logging.Err(err))
	}
	return models.CommandResult{ExecutionID: execution.ID, Error: cause.Error()}, cause
}
