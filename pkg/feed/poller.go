// Package feed turns the activity store into an ordered live feed.
//
// A Poller owns a cursor into one project's activity stream. A Stream drives
// a Poller on a ticker, wakes early on notifications and interleaves
// heartbeats. Delivery order is (timestamp, seq) ascending and nothing is
// delivered twice to the same consumer.
package feed

import (
	"context"

	"github.com/tcmartin/scarfeed/pkg/models"
	"github.com/tcmartin/scarfeed/pkg/storage"
)

// DefaultInitialLimit is how many recent activities a new consumer receives
const DefaultInitialLimit = 10

// Poller reads a project's activities incrementally
type Poller struct {
	store        storage.ActivityStore
	projectID    string
	verbosity    int
	initialLimit int
	cursor       storage.Cursor
}

// NewPoller creates a poller for projectID that includes activities up to
// the given verbosity
func NewPoller(store storage.ActivityStore, projectID string, verbosity, initialLimit int) *Poller {
	if !models.ValidVerbosity(verbosity) {
		verbosity = models.VerbosityMedium
	}
	if initialLimit <= 0 {
		initialLimit = DefaultInitialLimit
	}
	return &Poller{
		store:        store,
		projectID:    projectID,
		verbosity:    verbosity,
		initialLimit: initialLimit,
	}
}

// Initial returns the most recent activities in ascending order and moves
// the cursor past them
func (p *Poller) Initial(ctx context.Context) ([]models.Activity, error) {
	activities, err := p.store.RecentActivities(ctx, p.projectID, p.initialLimit, p.verbosity)
	if err != nil {
		return nil, err
	}
	return p.advance(activities), nil
}

// Poll returns every activity after the cursor in ascending order and moves
// the cursor past them
func (p *Poller) Poll(ctx context.Context) ([]models.Activity, error) {
	activities, err := p.store.ActivitiesAfter(ctx, p.projectID, p.cursor, p.verbosity, 0)
	if err != nil {
		return nil, err
	}
	return p.advance(activities), nil
}

// Cursor returns the position of the last delivered activity
func (p *Poller) Cursor() storage.Cursor {
	return p.cursor
}

func (p *Poller) advance(activities []models.Activity) []models.Activity {
	out := activities[:0]
	for _, a := range activities {
		if !p.cursor.IsZero() && !p.cursor.Before(a) {
			continue
		}
		out = append(out, a)
		p.cursor = storage.CursorAt(a)
	}
	return out
}
