package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/scarfeed/pkg/models"
)

func TestMemoryProvider(t *testing.T) {
	provider := NewMemoryProvider()
	require.NoError(t, provider.Initialize())
	defer provider.Close()

	assert.NotNil(t, provider.GetProjectStore())
	assert.NotNil(t, provider.GetExecutionStore())
	assert.NotNil(t, provider.GetActivityStore())

	runStoreSuite(t, provider)
}

func TestMemoryActivityStore_EqualTimestampsOrderedBySeq(t *testing.T) {
	provider := NewMemoryProvider()
	frozen := time.Date(2026, 1, 7, 11, 31, 0, 0, time.UTC)
	provider.data.now = func() time.Time { return frozen }

	project := createProject(t, provider, "Ties")
	execution := createExecution(t, provider, project.ID, models.CommandPrime)

	first := appendActivity(t, provider, execution.ID, "first", models.VerbosityLow)
	second := appendActivity(t, provider, execution.ID, "second", models.VerbosityLow)
	require.True(t, first.CreatedAt.Equal(second.CreatedAt))

	after, err := provider.GetActivityStore().ActivitiesAfter(context.Background(), project.ID, CursorAt(first), models.VerbosityHigh, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, messages(after))
}

func TestMemoryActivityStore_ClockNeverGoesBackwards(t *testing.T) {
	provider := NewMemoryProvider()
	now := time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)
	provider.data.now = func() time.Time { return now }

	project := createProject(t, provider, "Clock")
	execution := createExecution(t, provider, project.ID, models.CommandPrime)

	first := appendActivity(t, provider, execution.ID, "first", models.VerbosityLow)

	now = now.Add(-time.Hour)
	second := appendActivity(t, provider, execution.ID, "second", models.VerbosityLow)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestMemoryExecutionStore_UnknownProject(t *testing.T) {
	provider := NewMemoryProvider()
	_, err := provider.GetExecutionStore().CreateExecution(context.Background(), models.Execution{
		ProjectID:   "missing",
		CommandType: models.CommandPrime,
	})
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestMemoryActivityStore_ParamsAreCopied(t *testing.T) {
	provider := NewMemoryProvider()
	project := createProject(t, provider, "Copies")
	execution := createExecution(t, provider, project.ID, models.CommandPrime)

	params := map[string]interface{}{"path": "a.go"}
	_, err := provider.GetActivityStore().AppendActivity(context.Background(), models.Activity{
		ExecutionID: execution.ID,
		Verbosity:   models.VerbosityHigh,
		Params:      params,
	})
	require.NoError(t, err)
	params["path"] = "mutated.go"

	stored, err := provider.GetActivityStore().ListActivities(context.Background(), execution.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "a.go", stored[0].Params["path"])
}
