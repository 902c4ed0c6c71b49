package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/tcmartin/scarfeed/pkg/models"
)

// PostgreSQLProvider implements the StorageProvider interface using PostgreSQL
type PostgreSQLProvider struct {
	db             *sqlx.DB
	dsn            string
	projectStore   *PostgreSQLProjectStore
	executionStore *PostgreSQLExecutionStore
	activityStore  *PostgreSQLActivityStore
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the connection URL for the configuration
func (c PostgreSQLProviderConfig) DSN() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, port, c.Database, sslMode)
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*PostgreSQLProvider, error) {
	dsn := config.DSN()

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return newPostgreSQLProvider(db, dsn), nil
}

func newPostgreSQLProvider(db *sqlx.DB, dsn string) *PostgreSQLProvider {
	return &PostgreSQLProvider{
		db:             db,
		dsn:            dsn,
		projectStore:   &PostgreSQLProjectStore{db: db},
		executionStore: &PostgreSQLExecutionStore{db: db},
		activityStore:  &PostgreSQLActivityStore{db: db},
	}
}

// Initialize applies pending schema migrations
func (p *PostgreSQLProvider) Initialize() error {
	if err := Migrate(p.dsn); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *PostgreSQLProvider) Close() error {
	return p.db.Close()
}

// GetProjectStore returns a store for projects
func (p *PostgreSQLProvider) GetProjectStore() ProjectStore {
	return p.projectStore
}

// GetExecutionStore returns a store for execution records
func (p *PostgreSQLProvider) GetExecutionStore() ExecutionStore {
	return p.executionStore
}

// GetActivityStore returns a store for activity records
func (p *PostgreSQLProvider) GetActivityStore() ActivityStore {
	return p.activityStore
}

// PostgreSQLProjectStore implements the ProjectStore interface using PostgreSQL
type PostgreSQLProjectStore struct {
	db *sqlx.DB
}

const projectColumns = `id, name, description, github_repo_url, status, created_at, updated_at`

// CreateProject persists a new project
func (s *PostgreSQLProjectStore) CreateProject(ctx context.Context, project models.Project) (models.Project, error) {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if project.Status == "" {
		project.Status = models.ProjectBrainstorming
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`)
		VALUES (:id, :name, :description, :github_repo_url, :status, :created_at, :updated_at)`,
		project,
	)
	if err != nil {
		return models.Project{}, fmt.Errorf("failed to insert project: %w", err)
	}
	return project, nil
}

// GetProject retrieves a project
func (s *PostgreSQLProjectStore) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return models.Project{}, ErrProjectNotFound
	}

	var project models.Project
	err := s.db.GetContext(ctx, &project, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, ErrProjectNotFound
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

// ListProjects returns all projects, newest first
func (s *PostgreSQLProjectStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	projects := []models.Project{}
	err := s.db.SelectContext(ctx, &projects, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// DeleteProject removes a project; executions and activities cascade
func (s *PostgreSQLProjectStore) DeleteProject(ctx context.Context, projectID string) error {
	if _, err := uuid.Parse(projectID); err != nil {
		return ErrProjectNotFound
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// PostgreSQLExecutionStore implements the ExecutionStore interface using PostgreSQL
type PostgreSQLExecutionStore struct {
	db *sqlx.DB
}

const executionColumns = `id, project_id, command_type, command_args, status, output, error, started_at, completed_at`

// CreateExecution persists a new execution record
func (s *PostgreSQLExecutionStore) CreateExecution(ctx context.Context, execution models.Execution) (models.Execution, error) {
	if execution.ID == "" {
		execution.ID = uuid.NewString()
	}
	if execution.StartedAt.IsZero() {
		execution.StartedAt = time.Now()
	}
	execution.StartedAt = execution.StartedAt.UTC().Truncate(time.Microsecond)

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO scar_executions (`+executionColumns+`)
		VALUES (:id, :project_id, :command_type, :command_args, :status, :output, :error, :started_at, :completed_at)`,
		execution,
	)
	if err != nil {
		return models.Execution{}, fmt.Errorf("failed to insert execution: %w", err)
	}
	return execution, nil
}

// UpdateExecution overwrites status, output, error and completion time
func (s *PostgreSQLExecutionStore) UpdateExecution(ctx context.Context, execution models.Execution) error {
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE scar_executions SET
			status = :status,
			output = :output,
			error = :error,
			completed_at = :completed_at
		WHERE id = :id AND status IN (:queued, :running)`,
		map[string]interface{}{
			"id":           execution.ID,
			"status":       execution.Status,
			"output":       execution.Output,
			"error":        execution.Error,
			"completed_at": execution.CompletedAt,
			"queued":       models.ExecutionQueued,
			"running":      models.ExecutionRunning,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return nil
	}

	// nothing matched: either the row is gone or it is already terminal
	if _, err := s.GetExecution(ctx, execution.ID); err != nil {
		return err
	}
	return ErrExecutionFinished
}

// GetExecution retrieves an execution record
func (s *PostgreSQLExecutionStore) GetExecution(ctx context.Context, executionID string) (models.Execution, error) {
	if _, err := uuid.Parse(executionID); err != nil {
		return models.Execution{}, ErrExecutionNotFound
	}

	var execution models.Execution
	err := s.db.GetContext(ctx, &execution, `SELECT `+executionColumns+` FROM scar_executions WHERE id = $1`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Execution{}, ErrExecutionNotFound
	}
	if err != nil {
		return models.Execution{}, fmt.Errorf("failed to get execution: %w", err)
	}
	return execution, nil
}

// ListExecutions returns up to limit executions for a project, newest first
func (s *PostgreSQLExecutionStore) ListExecutions(ctx context.Context, projectID string, limit int) ([]models.Execution, error) {
	executions := []models.Execution{}
	if _, err := uuid.Parse(projectID); err != nil {
		return executions, nil
	}

	query := `SELECT ` + executionColumns + ` FROM scar_executions WHERE project_id = $1 ORDER BY started_at DESC`
	args := []interface{}{projectID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	if err := s.db.SelectContext(ctx, &executions, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, nil
}

// LastSuccessful returns the most recently completed execution of a command
func (s *PostgreSQLExecutionStore) LastSuccessful(ctx context.Context, projectID string, command models.CommandType) (models.Execution, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return models.Execution{}, ErrExecutionNotFound
	}

	var execution models.Execution
	err := s.db.GetContext(ctx, &execution,
		`SELECT `+executionColumns+` FROM scar_executions
		WHERE project_id = $1 AND command_type = $2 AND status = $3
		ORDER BY completed_at DESC LIMIT 1`,
		projectID, command, models.ExecutionCompleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Execution{}, ErrExecutionNotFound
	}
	if err != nil {
		return models.Execution{}, fmt.Errorf("failed to get last successful execution: %w", err)
	}
	return execution, nil
}

// ListStale returns queued or running executions started before cutoff
func (s *PostgreSQLExecutionStore) ListStale(ctx context.Context, cutoff time.Time) ([]models.Execution, error) {
	executions := []models.Execution{}
	err := s.db.SelectContext(ctx, &executions,
		`SELECT `+executionColumns+` FROM scar_executions
		WHERE status IN ($1, $2) AND started_at < $3
		ORDER BY started_at ASC`,
		models.ExecutionQueued, models.ExecutionRunning, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executions: %w", err)
	}
	return executions, nil
}

// PostgreSQLActivityStore implements the ActivityStore interface using PostgreSQL
type PostgreSQLActivityStore struct {
	db *sqlx.DB
}

const activityColumns = `seq, id, execution_id, project_id, kind, source, verbosity, message, params, created_at`

type activityRow struct {
	models.Activity
	ParamsJSON []byte `db:"params"`
}

func (r activityRow) toActivity() (models.Activity, error) {
	a := r.Activity
	if len(r.ParamsJSON) > 0 {
		if err := json.Unmarshal(r.ParamsJSON, &a.Params); err != nil {
			return models.Activity{}, fmt.Errorf("failed to unmarshal activity params: %w", err)
		}
	}
	return a, nil
}

func toActivities(rows []activityRow) ([]models.Activity, error) {
	activities := make([]models.Activity, 0, len(rows))
	for _, r := range rows {
		a, err := r.toActivity()
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, nil
}

// AppendActivity persists an activity. Appends for one project are serialised
// with a transaction-scoped advisory lock, so seq order matches commit order
// and created_at never goes backwards within the project.
func (s *PostgreSQLActivityStore) AppendActivity(ctx context.Context, activity models.Activity) (models.Activity, error) {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}

	var params interface{}
	if activity.Params != nil {
		data, err := json.Marshal(activity.Params)
		if err != nil {
			return models.Activity{}, fmt.Errorf("failed to marshal activity params: %w", err)
		}
		params = data
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Activity{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, &activity.ProjectID,
		`SELECT project_id FROM scar_executions WHERE id = $1`, activity.ExecutionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Activity{}, ErrExecutionNotFound
	}
	if err != nil {
		return models.Activity{}, fmt.Errorf("failed to resolve execution project: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, activity.ProjectID); err != nil {
		return models.Activity{}, fmt.Errorf("failed to lock project feed: %w", err)
	}

	err = tx.QueryRowxContext(ctx,
		`INSERT INTO scar_activities (id, execution_id, project_id, kind, source, verbosity, message, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, GREATEST(
			clock_timestamp(),
			COALESCE((SELECT max(created_at) FROM scar_activities WHERE project_id = $3), '-infinity'::timestamptz)
		))
		RETURNING seq, created_at`,
		activity.ID, activity.ExecutionID, activity.ProjectID, activity.Kind, activity.Source,
		activity.Verbosity, activity.Message, params,
	).Scan(&activity.Seq, &activity.CreatedAt)
	if err != nil {
		return models.Activity{}, fmt.Errorf("failed to insert activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Activity{}, fmt.Errorf("failed to commit activity: %w", err)
	}
	activity.CreatedAt = activity.CreatedAt.UTC()
	return activity, nil
}

// RecentActivities returns the latest limit activities in ascending order
func (s *PostgreSQLActivityStore) RecentActivities(ctx context.Context, projectID string, limit, maxVerbosity int) ([]models.Activity, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return []models.Activity{}, nil
	}

	var lim interface{}
	if limit > 0 {
		lim = limit
	}

	var rows []activityRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+activityColumns+` FROM (
			SELECT `+activityColumns+` FROM scar_activities
			WHERE project_id = $1 AND verbosity <= $2
			ORDER BY created_at DESC, seq DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC, seq ASC`,
		projectID, maxVerbosity, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent activities: %w", err)
	}
	return toActivities(rows)
}

// ActivitiesAfter returns activities after the cursor in ascending order
func (s *PostgreSQLActivityStore) ActivitiesAfter(ctx context.Context, projectID string, after Cursor, maxVerbosity, limit int) ([]models.Activity, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return []models.Activity{}, nil
	}

	query := `SELECT ` + activityColumns + ` FROM scar_activities
		WHERE project_id = $1 AND verbosity <= $2
		AND (created_at > $3 OR (created_at = $3 AND seq > $4))
		ORDER BY created_at ASC, seq ASC`
	args := []interface{}{projectID, maxVerbosity, after.Timestamp, after.Seq}
	if limit > 0 {
		query += ` LIMIT $5`
		args = append(args, limit)
	}

	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get activities after cursor: %w", err)
	}
	return toActivities(rows)
}

// ListActivities returns all activities of an execution in ascending order
func (s *PostgreSQLActivityStore) ListActivities(ctx context.Context, executionID string) ([]models.Activity, error) {
	if _, err := uuid.Parse(executionID); err != nil {
		return []models.Activity{}, nil
	}

	var rows []activityRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+activityColumns+` FROM scar_activities WHERE execution_id = $1 ORDER BY seq ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	return toActivities(rows)
}
