package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/scarfeed/pkg/models"
)

func writeFrame(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

func activityJSON(id string, seq int) string {
	return fmt.Sprintf(`{"id":%q,"seq":%d,"execution_id":"e1","timestamp":"2026-01-01T00:00:00Z","source":"po","kind":"status","message":"msg %s","verbosity":1}`, id, seq, id)
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	w.(http.Flusher).Flush()
}

func runClient(t *testing.T, c *FeedClient) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestFeedClientDeliversAndDeduplicatesAcrossReconnect(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connections, 1)
		startStream(w)
		writeFrame(w, "activity", activityJSON("a", 1))
		writeFrame(w, "activity", activityJSON("b", 2))
		if n == 1 {
			// drop the connection mid-stream
			panic(http.ErrAbortHandler)
		}
		writeFrame(w, "activity", activityJSON("c", 3))
		writeFrame(w, "heartbeat", `{"status":"alive","timestamp":"2026-01-01T00:00:30Z"}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	var mu sync.Mutex
	var states []State
	c := NewFeedClient(server.URL, "p1", 2, nil)
	c.URL = server.URL
	c.OnState = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	cancel, done := runClient(t, c)

	require.Eventually(t, func() bool { return len(c.Items()) == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !c.LastHeartbeat().IsZero() }, 5*time.Second, 10*time.Millisecond)

	ids := make([]string, 0, 3)
	for _, item := range c.Items() {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, StateConnected, c.State())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&connections), int32(2))

	cancel()
	assert.NoError(t, waitRun(t, done))
	assert.Equal(t, StateDisconnected, c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateConnecting, states[0])
	assert.Contains(t, states, StateConnected)
}

func TestFeedClientStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		writeFrame(w, "activity", activityJSON("a", 1))
		writeFrame(w, "error", `{"code":"STREAM_ERROR","message":"database unavailable"}`)
	}))
	defer server.Close()

	c := NewFeedClient(server.URL, "p1", 0, nil)
	c.URL = server.URL
	_, done := runClient(t, c)

	err := waitRun(t, done)
	var streamErr *StreamError
	require.True(t, errors.As(err, &streamErr), "got %v", err)
	assert.Equal(t, "STREAM_ERROR", streamErr.Code)
	assert.Equal(t, "database unavailable", streamErr.Message)
	assert.Len(t, c.Items(), 1)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestFeedClientClientErrorIsNotRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewFeedClient(server.URL, "p1", 2, nil)
	c.URL = server.URL
	c.Token = "secret-token"
	_, done := runClient(t, c)

	err := waitRun(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestFeedClientGivesUpAfterMaxRetryTime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewFeedClient(server.URL, "p1", 2, nil)
	c.URL = server.URL
	c.MaxRetryTime = 200 * time.Millisecond
	_, done := runClient(t, c)

	err := waitRun(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestFeedClientMaxItems(t *testing.T) {
	c := NewFeedClient("http://localhost", "p1", 2, nil)
	c.MaxItems = 2

	for i, id := range []string{"a", "b", "c"} {
		assert.True(t, c.add(models.FeedItem{ID: id, Seq: int64(i + 1)}))
	}
	assert.False(t, c.add(models.FeedItem{ID: "c", Seq: 3}))

	items := c.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].ID)
	assert.Equal(t, "c", items[1].ID)
}

func TestFeedClientReplayAfterTrimIsDropped(t *testing.T) {
	c := NewFeedClient("http://localhost", "p1", 2, nil)
	c.MaxItems = 2

	for i, id := range []string{"a", "b", "c"} {
		require.True(t, c.add(models.FeedItem{ID: id, Seq: int64(i + 1)}))
	}

	// a reconnect replays the most recent three, including the trimmed "a"
	for i, id := range []string{"a", "b", "c"} {
		assert.False(t, c.add(models.FeedItem{ID: id, Seq: int64(i + 1)}), id)
	}
	assert.True(t, c.add(models.FeedItem{ID: "d", Seq: 4}))

	ids := []string{}
	for _, item := range c.Items() {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"c", "d"}, ids)
}

func TestFeedClientLiteral(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		writeFrame(w, "activity", activityJSON("a", 1))
		writeFrame(w, "activity", activityJSON("a", 1))
		writeFrame(w, "heartbeat", `{"status":"alive","timestamp":"2026-01-01T00:00:30Z"}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	c := &FeedClient{URL: server.URL}
	assert.Equal(t, StateDisconnected, c.State())

	cancel, done := runClient(t, c)
	require.Eventually(t, func() bool { return !c.LastHeartbeat().IsZero() }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, c.Items(), 1)
	assert.Equal(t, StateConnected, c.State())

	cancel()
	assert.NoError(t, waitRun(t, done))
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "http://host:8000/api/v1/sse/scar/p1?verbosity=3", StreamURL("http://host:8000/", "p1", 3))
	assert.Equal(t, "http://host/api/v1/sse/scar/p1", StreamURL("http://host", "p1", 0))
}
