package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/tcmartin/scarfeed/pkg/models"
	"github.com/tcmartin/scarfeed/pkg/storage"
)

// Event names as they appear on the wire
const (
	EventActivity  = "activity"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
)

// CodeStreamError is the code carried by error events
const CodeStreamError = "STREAM_ERROR"

// Defaults used when Options leave a field unset
const (
	DefaultPollInterval      = 2 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// Event is one message of a feed
type Event struct {
	Type      string
	Activity  *models.FeedItem
	Heartbeat *models.Heartbeat
	Error     *models.StreamError
}

// Payload returns the JSON body of the event
func (e Event) Payload() interface{} {
	switch e.Type {
	case EventActivity:
		return e.Activity
	case EventHeartbeat:
		return e.Heartbeat
	default:
		return e.Error
	}
}

// Options configures a Stream
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	InitialLimit      int
	Verbosity         int
}

// Stream binds a Poller to one consumer
type Stream struct {
	poller   *Poller
	notifier Notifier
	opts     Options
	project  string
	now      func() time.Time
}

// NewStream creates a stream for projectID
func NewStream(store storage.ActivityStore, notifier Notifier, projectID string, opts Options) *Stream {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Stream{
		poller:   NewPoller(store, projectID, opts.Verbosity, opts.InitialLimit),
		notifier: notifier,
		opts:     opts,
		project:  projectID,
		now:      time.Now,
	}
}

// Run emits the initial activities, then polls until ctx is done. Heartbeats
// are emitted every heartbeat interval regardless of traffic.
//
// Run returns nil when ctx is cancelled. An error from emit (the consumer went
// away) is returned as is. A store error is reported to the consumer as an
// error event and then returned wrapped.
func (s *Stream) Run(ctx context.Context, emit func(Event) error) error {
	wakeups, unsubscribe := s.notifier.Subscribe(ctx, s.project)
	defer unsubscribe()

	initial, err := s.poller.Initial(ctx)
	if err != nil {
		return s.fail(ctx, emit, CodeStreamError, fmt.Errorf("failed to load recent activities: %w", err))
	}
	if err := s.emitActivities(emit, initial); err != nil {
		return err
	}

	pollTicker := time.NewTicker(s.opts.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-heartbeatTicker.C:
			hb := models.NewHeartbeat(s.now())
			if err := emit(Event{Type: EventHeartbeat, Heartbeat: &hb}); err != nil {
				return err
			}
			continue

		case <-pollTicker.C:
		case <-wakeups:
		}

		activities, err := s.poller.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.fail(ctx, emit, CodeStreamError, fmt.Errorf("failed to poll activities: %w", err))
		}
		if err := s.emitActivities(emit, activities); err != nil {
			return err
		}
	}
}

// Cursor returns the position of the last emitted activity
func (s *Stream) Cursor() storage.Cursor {
	return s.poller.Cursor()
}

func (s *Stream) emitActivities(emit func(Event) error, activities []models.Activity) error {
	for _, a := range activities {
		item := models.NewFeedItem(a)
		if err := emit(Event{Type: EventActivity, Activity: &item}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) fail(ctx context.Context, emit func(Event) error, code string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	// best effort: the consumer may already be gone
	_ = emit(Event{Type: EventError, Error: &models.StreamError{Code: code, Message: err.Error()}})
	return err
}
