package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tcmartin/scarfeed/pkg/models"
)

// MemoryProvider implements the StorageProvider interface using in-memory
// storage. The three stores share one lock so that a project delete cascades
// atomically.
type MemoryProvider struct {
	data           *memoryData
	projectStore   *MemoryProjectStore
	executionStore *MemoryExecutionStore
	activityStore  *MemoryActivityStore
}

type memoryData struct {
	mu         sync.RWMutex
	projects   map[string]models.Project
	executions map[string]models.Execution
	activities []models.Activity
	lastSeq    int64
	lastTime   map[string]time.Time
	now        func() time.Time
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	data := &memoryData{
		projects:   make(map[string]models.Project),
		executions: make(map[string]models.Execution),
		lastTime:   make(map[string]time.Time),
		now:        time.Now,
	}
	return &MemoryProvider{
		data:           data,
		projectStore:   &MemoryProjectStore{data: data},
		executionStore: &MemoryExecutionStore{data: data},
		activityStore:  &MemoryActivityStore{data: data},
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize() error {
	// Nothing to initialize for in-memory storage
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	return nil
}

// GetProjectStore returns a store for projects
func (p *MemoryProvider) GetProjectStore() ProjectStore {
	return p.projectStore
}

// GetExecutionStore returns a store for execution records
func (p *MemoryProvider) GetExecutionStore() ExecutionStore {
	return p.executionStore
}

// GetActivityStore returns a store for activity records
func (p *MemoryProvider) GetActivityStore() ActivityStore {
	return p.activityStore
}

// MemoryProjectStore implements the ProjectStore interface using in-memory storage
type MemoryProjectStore struct {
	data *memoryData
}

// CreateProject persists a new project
func (s *MemoryProjectStore) CreateProject(_ context.Context, project models.Project) (models.Project, error) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if project.Status == "" {
		project.Status = models.ProjectBrainstorming
	}
	now := s.data.now().UTC().Truncate(time.Microsecond)
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	s.data.projects[project.ID] = project
	return project, nil
}

// GetProject retrieves a project
func (s *MemoryProjectStore) GetProject(_ context.Context, projectID string) (models.Project, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	project, ok := s.data.projects[projectID]
	if !ok {
		return models.Project{}, ErrProjectNotFound
	}
	return project, nil
}

// ListProjects returns all projects, newest first
func (s *MemoryProjectStore) ListProjects(_ context.Context) ([]models.Project, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	projects := make([]models.Project, 0, len(s.data.projects))
	for _, p := range s.data.projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

// DeleteProject removes a project with its executions and activities
func (s *MemoryProjectStore) DeleteProject(_ context.Context, projectID string) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.projects[projectID]; !ok {
		return ErrProjectNotFound
	}
	delete(s.data.projects, projectID)
	delete(s.data.lastTime, projectID)

	for id, e := range s.data.executions {
		if e.ProjectID == projectID {
			delete(s.data.executions, id)
		}
	}

	kept := s.data.activities[:0]
	for _, a := range s.data.activities {
		if a.ProjectID != projectID {
			kept = append(kept, a)
		}
	}
	s.data.activities = kept
	return nil
}

// MemoryExecutionStore implements the ExecutionStore interface using in-memory storage
type MemoryExecutionStore struct {
	data *memoryData
}

// CreateExecution persists a new execution record
func (s *MemoryExecutionStore) CreateExecution(_ context.Context, execution models.Execution) (models.Execution, error) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.projects[execution.ProjectID]; !ok {
		return models.Execution{}, ErrProjectNotFound
	}
	if execution.ID == "" {
		execution.ID = uuid.NewString()
	}
	if execution.StartedAt.IsZero() {
		execution.StartedAt = s.data.now()
	}
	execution.StartedAt = execution.StartedAt.UTC().Truncate(time.Microsecond)

	s.data.executions[execution.ID] = execution
	return execution, nil
}

// UpdateExecution overwrites the mutable fields of an execution
func (s *MemoryExecutionStore) UpdateExecution(_ context.Context, execution models.Execution) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	existing, ok := s.data.executions[execution.ID]
	if !ok {
		return ErrExecutionNotFound
	}
	if existing.Status.Terminal() {
		return ErrExecutionFinished
	}
	existing.Status = execution.Status
	existing.Output = execution.Output
	existing.Error = execution.Error
	if execution.CompletedAt != nil {
		t := execution.CompletedAt.UTC().Truncate(time.Microsecond)
		existing.CompletedAt = &t
	} else {
		existing.CompletedAt = nil
	}
	s.data.executions[execution.ID] = existing
	return nil
}

// GetExecution retrieves an execution record
func (s *MemoryExecutionStore) GetExecution(_ context.Context, executionID string) (models.Execution, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	execution, ok := s.data.executions[executionID]
	if !ok {
		return models.Execution{}, ErrExecutionNotFound
	}
	return execution, nil
}

// ListExecutions returns up to limit executions for a project, newest first
func (s *MemoryExecutionStore) ListExecutions(_ context.Context, projectID string, limit int) ([]models.Execution, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	executions := s.filter(func(e models.Execution) bool { return e.ProjectID == projectID })
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})
	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}
	return executions, nil
}

// LastSuccessful returns the most recently completed execution of a command
func (s *MemoryExecutionStore) LastSuccessful(_ context.Context, projectID string, command models.CommandType) (models.Execution, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	var (
		best  models.Execution
		found bool
	)
	for _, e := range s.data.executions {
		if e.ProjectID != projectID || e.CommandType != command || e.Status != models.ExecutionCompleted || e.CompletedAt == nil {
			continue
		}
		if !found || e.CompletedAt.After(*best.CompletedAt) {
			best, found = e, true
		}
	}
	if !found {
		return models.Execution{}, ErrExecutionNotFound
	}
	return best, nil
}

// ListStale returns unfinished executions started before cutoff
func (s *MemoryExecutionStore) ListStale(_ context.Context, cutoff time.Time) ([]models.Execution, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	stale := s.filter(func(e models.Execution) bool {
		return !e.Status.Terminal() && e.StartedAt.Before(cutoff)
	})
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].StartedAt.Before(stale[j].StartedAt)
	})
	return stale, nil
}

func (s *MemoryExecutionStore) filter(keep func(models.Execution) bool) []models.Execution {
	var out []models.Execution
	for _, e := range s.data.executions {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// MemoryActivityStore implements the ActivityStore interface using in-memory storage
type MemoryActivityStore struct {
	data *memoryData
}

// AppendActivity persists an activity. Activities are kept in Seq order and
// timestamps are clamped so they never go backwards within a project.
func (s *MemoryActivityStore) AppendActivity(_ context.Context, activity models.Activity) (models.Activity, error) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	execution, ok := s.data.executions[activity.ExecutionID]
	if !ok {
		return models.Activity{}, ErrExecutionNotFound
	}
	activity.ProjectID = execution.ProjectID

	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	ts := s.data.now().UTC().Truncate(time.Microsecond)
	if last := s.data.lastTime[activity.ProjectID]; ts.Before(last) {
		ts = last
	}
	activity.CreatedAt = ts
	s.data.lastTime[activity.ProjectID] = ts

	s.data.lastSeq++
	activity.Seq = s.data.lastSeq
	activity.Params = copyParams(activity.Params)

	s.data.activities = append(s.data.activities, activity)
	return activity, nil
}

// RecentActivities returns the latest limit activities in ascending order
func (s *MemoryActivityStore) RecentActivities(_ context.Context, projectID string, limit, maxVerbosity int) ([]models.Activity, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	var matched []models.Activity
	for _, a := range s.data.activities {
		if a.ProjectID == projectID && a.Verbosity <= maxVerbosity {
			matched = append(matched, a)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return cloneActivities(matched), nil
}

// ActivitiesAfter returns activities after the cursor in ascending order
func (s *MemoryActivityStore) ActivitiesAfter(_ context.Context, projectID string, after Cursor, maxVerbosity, limit int) ([]models.Activity, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	var matched []models.Activity
	for _, a := range s.data.activities {
		if a.ProjectID != projectID || a.Verbosity > maxVerbosity || !after.Before(a) {
			continue
		}
		matched = append(matched, a)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return cloneActivities(matched), nil
}

// ListActivities returns all activities of an execution
func (s *MemoryActivityStore) ListActivities(_ context.Context, executionID string) ([]models.Activity, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	var matched []models.Activity
	for _, a := range s.data.activities {
		if a.ExecutionID == executionID {
			matched = append(matched, a)
		}
	}
	return cloneActivities(matched), nil
}

func cloneActivities(in []models.Activity) []models.Activity {
	out := make([]models.Activity, len(in))
	for i, a := range in {
		a.Params = copyParams(a.Params)
		out[i] = a
	}
	return out
}

func copyParams(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
