package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/scarfeed/pkg/models"
)

// runStoreSuite exercises a provider through its public interfaces. It is
// shared by the memory and PostgreSQL tests.
func runStoreSuite(t *testing.T, provider StorageProvider) {
	t.Run("Projects", func(t *testing.T) { testProjectStore(t, provider) })
	t.Run("Executions", func(t *testing.T) { testExecutionStore(t, provider) })
	t.Run("ActivityCursor", func(t *testing.T) { testActivityCursor(t, provider) })
	t.Run("ActivityVerbosity", func(t *testing.T) { testActivityVerbosity(t, provider) })
	t.Run("CascadeDelete", func(t *testing.T) { testCascadeDelete(t, provider) })
}

func createProject(t *testing.T, provider StorageProvider, name string) models.Project {
	t.Helper()
	project, err := provider.GetProjectStore().CreateProject(context.Background(), models.Project{
		Name:          name,
		GitHubRepoURL: "https://github.com/test/repo",
		Status:        models.ProjectPlanning,
	})
	require.NoError(t, err)
	return project
}

func createExecution(t *testing.T, provider StorageProvider, projectID string, command models.CommandType) models.Execution {
	t.Helper()
	execution, err := provider.GetExecutionStore().CreateExecution(context.Background(), models.Execution{
		ProjectID:   projectID,
		CommandType: command,
		Status:      models.ExecutionQueued,
	})
	require.NoError(t, err)
	return execution
}

func appendActivity(t *testing.T, provider StorageProvider, executionID, message string, verbosity int) models.Activity {
	t.Helper()
	activity, err := provider.GetActivityStore().AppendActivity(context.Background(), models.Activity{
		ExecutionID: executionID,
		Kind:        models.ActivityMessage,
		Source:      models.SourceSCAR,
		Verbosity:   verbosity,
		Message:     message,
		Params:      map[string]interface{}{"n": message},
	})
	require.NoError(t, err)
	return activity
}

func testProjectStore(t *testing.T, provider StorageProvider) {
	ctx := context.Background()
	store := provider.GetProjectStore()

	project := createProject(t, provider, "Projects")
	assert.NotEmpty(t, project.ID)
	assert.False(t, project.CreatedAt.IsZero())

	got, err := store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, project.Name, got.Name)
	assert.Equal(t, "repo", got.RepoName())

	projects, err := store.ListProjects(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	assert.Contains(t, ids, project.ID)

	_, err = store.GetProject(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrProjectNotFound)
	_, err = store.GetProject(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func testExecutionStore(t *testing.T, provider StorageProvider) {
	ctx := context.Background()
	store := provider.GetExecutionStore()
	project := createProject(t, provider, "Executions")

	execution := createExecution(t, provider, project.ID, models.CommandPrime)
	assert.NotEmpty(t, execution.ID)
	assert.Nil(t, execution.CompletedAt)

	done := time.Now().UTC()
	execution.Status = models.ExecutionCompleted
	execution.Output = "Primed project context successfully."
	execution.CompletedAt = &done
	require.NoError(t, store.UpdateExecution(ctx, execution))

	got, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)
	assert.Equal(t, execution.Output, got.Output)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, done, *got.CompletedAt, time.Millisecond)

	// terminal records are frozen
	execution.Status = models.ExecutionFailed
	execution.Error = "late writer"
	assert.ErrorIs(t, store.UpdateExecution(ctx, execution), ErrExecutionFinished)
	got, err = store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)
	assert.Empty(t, got.Error)

	second := createExecution(t, provider, project.ID, models.CommandValidate)

	history, err := store.ListExecutions(ctx, project.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	limited, err := store.ListExecutions(ctx, project.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	last, err := store.LastSuccessful(ctx, project.ID, models.CommandPrime)
	require.NoError(t, err)
	assert.Equal(t, execution.ID, last.ID)

	_, err = store.LastSuccessful(ctx, project.ID, models.CommandValidate)
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	stale, err := store.ListStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	staleIDs := make([]string, 0, len(stale))
	for _, e := range stale {
		staleIDs = append(staleIDs, e.ID)
	}
	assert.Contains(t, staleIDs, second.ID)
	assert.NotContains(t, staleIDs, execution.ID)

	err = store.UpdateExecution(ctx, models.Execution{ID: "00000000-0000-0000-0000-000000000000"})
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func testActivityCursor(t *testing.T, provider StorageProvider) {
	ctx := context.Background()
	store := provider.GetActivityStore()
	project := createProject(t, provider, "Cursor")
	execution := createExecution(t, provider, project.ID, models.CommandPrime)

	var appended []models.Activity
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		appended = append(appended, appendActivity(t, provider, execution.ID, msg, models.VerbosityMedium))
	}
	for i := 1; i < len(appended); i++ {
		assert.Greater(t, appended[i].Seq, appended[i-1].Seq)
		assert.False(t, appended[i].CreatedAt.Before(appended[i-1].CreatedAt))
	}

	recent, err := store.RecentActivities(ctx, project.ID, 3, models.VerbosityHigh)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"c", "d", "e"}, messages(recent))
	assert.Equal(t, map[string]interface{}{"n": "e"}, recent[2].Params)

	cursor := CursorAt(recent[0])
	after, err := store.ActivitiesAfter(ctx, project.ID, cursor, models.VerbosityHigh, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, messages(after))

	cursor = CursorAt(after[len(after)-1])
	none, err := store.ActivitiesAfter(ctx, project.ID, cursor, models.VerbosityHigh, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	appendActivity(t, provider, execution.ID, "f", models.VerbosityMedium)
	next, err := store.ActivitiesAfter(ctx, project.ID, cursor, models.VerbosityHigh, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, messages(next))

	all, err := store.ActivitiesAfter(ctx, project.ID, Cursor{}, models.VerbosityHigh, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, messages(all))

	listed, err := store.ListActivities(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, messages(listed))

	_, err = store.AppendActivity(ctx, models.Activity{ExecutionID: "00000000-0000-0000-0000-000000000000"})
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func testActivityVerbosity(t *testing.T, provider StorageProvider) {
	ctx := context.Background()
	store := provider.GetActivityStore()
	project := createProject(t, provider, "Verbosity")
	execution := createExecution(t, provider, project.ID, models.CommandPrime)

	appendActivity(t, provider, execution.ID, "low", models.VerbosityLow)
	appendActivity(t, provider, execution.ID, "medium", models.VerbosityMedium)
	appendActivity(t, provider, execution.ID, "high", models.VerbosityHigh)

	low, err := store.RecentActivities(ctx, project.ID, 10, models.VerbosityLow)
	require.NoError(t, err)
	assert.Equal(t, []string{"low"}, messages(low))

	medium, err := store.ActivitiesAfter(ctx, project.ID, Cursor{}, models.VerbosityMedium, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"low", "medium"}, messages(medium))
}

func testCascadeDelete(t *testing.T, provider StorageProvider) {
	ctx := context.Background()
	project := createProject(t, provider, "Cascade")
	execution := createExecution(t, provider, project.ID, models.CommandPrime)
	appendActivity(t, provider, execution.ID, "gone", models.VerbosityLow)

	require.NoError(t, provider.GetProjectStore().DeleteProject(ctx, project.ID))

	_, err := provider.GetExecutionStore().GetExecution(ctx, execution.ID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	activities, err := provider.GetActivityStore().ListActivities(ctx, execution.ID)
	require.NoError(t, err)
	assert.Empty(t, activities)

	assert.ErrorIs(t, provider.GetProjectStore().DeleteProject(ctx, project.ID), ErrProjectNotFound)
}

func messages(activities []models.Activity) []string {
	out := make([]string, 0, len(activities))
	for _, a := range activities {
		out = append(out, a.Message)
	}
	return out
}
