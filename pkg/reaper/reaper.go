// Package reaper fails executions that were left queued or running, e.g.
// because the process running them died.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/models"
	"github.com/tcmartin/scarfeed/pkg/storage"
)

// AbandonedReason is recorded as the error of reaped executions
const AbandonedReason = "execution abandoned"

// Abandoner marks a single execution as failed
type Abandoner interface {
	Abandon(ctx context.Context, execution models.Execution, reason string) error
}

// Config configures a Reaper
type Config struct {
	// Schedule is a cron spec, e.g. "@every 1m" or "0 */5 * * * *"
	Schedule string

	// StaleAfter is how long an execution may stay unfinished
	StaleAfter time.Duration
}

// Reaper periodically sweeps stale executions
type Reaper struct {
	executions storage.ExecutionStore
	abandoner  Abandoner
	config     Config
	scheduler  *cron.Cron
	logger     logging.Logger
	now        func() time.Time
}

// New creates a reaper. It does nothing until Start is called.
func New(executions storage.ExecutionStore, abandoner Abandoner, config Config, logger logging.Logger) *Reaper {
	if config.Schedule == "" {
		config.Schedule = "@every 1m"
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reaper{
		executions: executions,
		abandoner:  abandoner,
		config:     config,
		scheduler:  cron.New(cron.WithSeconds()),
		logger:     logger.WithFields(logging.F("component", "reaper")),
		now:        time.Now,
	}
}

// Start schedules the sweep
func (r *Reaper) Start() error {
	_, err := r.scheduler.AddFunc(r.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("Sweep failed", logging.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.config.Schedule, err)
	}
	r.scheduler.Start()
	r.logger.LogSystemEvent("reaper_started", map[string]interface{}{
		"schedule":    r.config.Schedule,
		"stale_after": r.config.StaleAfter.String(),
	})
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish
func (r *Reaper) Stop() {
	<-r.scheduler.Stop().Done()
}

// Sweep fails every execution that has been unfinished for longer than
// StaleAfter and returns how many were reaped
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.config.StaleAfter)
	stale, err := r.executions.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale executions: %w", err)
	}

	reaped := 0
	for _, execution := range stale {
		if err := r.abandoner.Abandon(ctx, execution, AbandonedReason); err != nil {
			r.logger.Warn("Failed to abandon execution",
				logging.F("execution_id", execution.ID), logging.Err(err))
			continue
		}
		reaped++
	}

	if reaped > 0 {
		r.logger.Info("Reaped stale executions", logging.F("count", reaped))
	}
	return reaped, nil
}
