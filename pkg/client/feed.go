// Package client consumes a project's activity feed over Server-Sent Events.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/models"
	"gopkg.in/cenkalti/backoff.v1"
)

// State is the connection state shown next to the feed
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Event names sent by the server
const (
	eventActivity  = "activity"
	eventHeartbeat = "heartbeat"
	eventError     = "error"
)

// maxEventSize bounds a single event; full command output can exceed the
// 64KB default
const maxEventSize = 1 << 20

// StreamError is returned by Run when the server ended the stream with an
// error event
type StreamError struct {
	models.StreamError
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error %s: %s", e.Code, e.Message)
}

// FeedClient keeps a display list of activities for one project. The server
// delivers a project's activities in increasing Seq order, so anything at or
// below the highest Seq seen is a replay from a reconnect and is dropped.
//
// A FeedClient may be built as a literal with only URL set.
type FeedClient struct {
	// URL of the SSE endpoint, including the verbosity query; see StreamURL
	URL string

	// Token is sent as a bearer token when set
	Token string

	// MaxItems caps the display list; zero keeps everything
	MaxItems int

	// MaxRetryTime bounds reconnect attempts; zero retries until ctx is done
	MaxRetryTime time.Duration

	// OnItem, OnState and OnHeartbeat are optional observers. They are called
	// from the stream goroutine.
	OnItem      func(models.FeedItem)
	OnState     func(State)
	OnHeartbeat func(models.Heartbeat)

	logger logging.Logger

	mu            sync.RWMutex
	state         State
	items         []models.FeedItem
	lastSeq       int64
	lastHeartbeat time.Time
	lastError     *models.StreamError
}

// StreamURL builds the SSE endpoint for a project
func StreamURL(baseURL, projectID string, verbosity int) string {
	u := strings.TrimRight(baseURL, "/") + "/api/v1/sse/scar/" + url.PathEscape(projectID)
	if verbosity > 0 {
		u += "?verbosity=" + strconv.Itoa(verbosity)
	}
	return u
}

// NewFeedClient creates a client for projectID's feed on the server at baseURL
func NewFeedClient(baseURL, projectID string, verbosity int, logger logging.Logger) *FeedClient {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FeedClient{
		URL:    StreamURL(baseURL, projectID, verbosity),
		logger: logger.WithFields(logging.F("component", "feed-client"), logging.F("project_id", projectID)),
		state:  StateDisconnected,
	}
}

// Run subscribes and dispatches events until ctx is done or the server ends
// the stream. Dropped connections are retried with exponential backoff.
// It returns nil when ctx is cancelled, and a *StreamError when the server
// sent an error event.
func (c *FeedClient) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.logger == nil {
		c.logger = logging.NewNop()
	}
	c.lastError = nil
	c.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.MaxRetryTime

	stream := sse.NewClient(c.URL, sse.ClientMaxBufferSize(maxEventSize))
	stream.ReconnectStrategy = backoff.WithContext(policy, ctx)
	stream.ResponseValidator = validateResponse
	stream.ReconnectNotify = func(err error, next time.Duration) {
		c.setState(StateConnecting)
		c.logger.Warn("Feed connection lost, retrying", logging.Err(err), logging.F("retry_in", next.String()))
	}
	stream.OnConnect(func(*sse.Client) { c.setState(StateConnected) })
	stream.OnDisconnect(func(*sse.Client) { c.setState(StateDisconnected) })
	if c.Token != "" {
		stream.Headers["Authorization"] = "Bearer " + c.Token
	}

	c.setState(StateConnecting)
	err := stream.SubscribeRawWithContext(ctx, c.handle)
	// a clean end of stream does not trigger the disconnect callback
	c.setState(StateDisconnected)

	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("feed subscription failed: %w", err)
	}
	if streamErr := c.LastError(); streamErr != nil {
		return &StreamError{StreamError: *streamErr}
	}
	return nil
}

// validateResponse fails fast on client errors; 5xx is retried
func validateResponse(_ *sse.Client, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	err := fmt.Errorf("could not connect to stream: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

func (c *FeedClient) handle(e *sse.Event) {
	switch string(e.Event) {
	case eventActivity:
		var item models.FeedItem
		if err := json.Unmarshal(e.Data, &item); err != nil {
			c.logger.Warn("Discarding malformed activity", logging.Err(err))
			return
		}
		if c.add(item) && c.OnItem != nil {
			c.OnItem(item)
		}

	case eventHeartbeat:
		var hb models.Heartbeat
		if err := json.Unmarshal(e.Data, &hb); err != nil {
			c.logger.Warn("Discarding malformed heartbeat", logging.Err(err))
			return
		}
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		if c.OnHeartbeat != nil {
			c.OnHeartbeat(hb)
		}

	case eventError:
		var streamErr models.StreamError
		if err := json.Unmarshal(e.Data, &streamErr); err != nil {
			streamErr = models.StreamError{Code: "UNKNOWN", Message: string(e.Data)}
		}
		c.mu.Lock()
		c.lastError = &streamErr
		c.mu.Unlock()
		c.logger.Error("Feed stream error", logging.F("code", streamErr.Code), logging.F("message", streamErr.Message))

	default:
		c.logger.Debug("Ignoring unknown event", logging.F("event", string(e.Event)))
	}
}

// add appends item unless its Seq was already delivered
func (c *FeedClient) add(item models.FeedItem) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item.Seq <= c.lastSeq {
		return false
	}
	c.lastSeq = item.Seq
	c.items = append(c.items, item)

	if c.MaxItems > 0 && len(c.items) > c.MaxItems {
		drop := len(c.items) - c.MaxItems
		c.items = append([]models.FeedItem(nil), c.items[drop:]...)
	}
	return true
}

func (c *FeedClient) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.logger.Debug("Feed state changed", logging.F("state", string(s)))
		if c.OnState != nil {
			c.OnState(s)
		}
	}
}

// State returns the current connection state
func (c *FeedClient) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == "" {
		return StateDisconnected
	}
	return c.state
}

// Items returns a copy of the display list in arrival order
func (c *FeedClient) Items() []models.FeedItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.FeedItem(nil), c.items...)
}

// LastHeartbeat returns when the last heartbeat arrived
func (c *FeedClient) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// LastError returns the last error event, if any
func (c *FeedClient) LastError() *models.StreamError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}
