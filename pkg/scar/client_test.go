package scar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter mimics the SCAR test adapter. Each GET releases one more
// scripted reply into the conversation until the script runs out.
type fakeAdapter struct {
	mu       sync.Mutex
	received []MessageRequest
	script   []string
	released int
	grow     bool
	deleted  []string
}

func (f *fakeAdapter) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/test/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.received = append(f.received, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("/test/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/test/messages/")
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodDelete:
			f.deleted = append(f.deleted, id)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if f.grow {
				f.script = append(f.script, fmt.Sprintf("line %d", len(f.script)))
			}
			if f.released < len(f.script) {
				f.released++
			}
			resp := MessagesResponse{ConversationID: id}
			for _, req := range f.received {
				resp.Messages = append(resp.Messages, Message{Message: req.Message, Direction: DirectionReceived, Timestamp: time.Now()})
			}
			for _, line := range f.script[:f.released] {
				resp.Messages = append(resp.Messages, Message{Message: line, Direction: DirectionSent, Timestamp: time.Now()})
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func newTestClient(t *testing.T, adapter *fakeAdapter, timeout time.Duration) *Client {
	t.Helper()
	server := httptest.NewServer(adapter.handler())
	t.Cleanup(server.Close)

	return NewClient(Config{
		BaseURL:      server.URL + "/",
		Timeout:      timeout,
		PollInterval: 5 * time.Millisecond,
	}, nil)
}

func TestFormatCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		want    string
	}{
		{"no args", "prime", nil, "/command-invoke prime"},
		{"plain args", "execute-github", []string{"plan.md", "main"}, "/command-invoke execute-github plan.md main"},
		{"quoted args", "plan-feature-github", []string{"Add user auth"}, `/command-invoke plan-feature-github "Add user auth"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatCommand(tt.command, tt.args))
		})
	}
}

func TestClient_SendCommand(t *testing.T) {
	adapter := &fakeAdapter{}
	client := newTestClient(t, adapter, time.Second)

	conversationID, err := client.SendCommand(context.Background(), "abc", "prime", nil, "https://github.com/owner/repo.git")
	require.NoError(t, err)
	assert.Equal(t, "pm-project-abc", conversationID)

	require.Len(t, adapter.received, 2)
	assert.Equal(t, MessageRequest{ConversationID: "pm-project-abc", Message: "/repo repo"}, adapter.received[0])
	assert.Equal(t, MessageRequest{ConversationID: "pm-project-abc", Message: "/command-invoke prime"}, adapter.received[1])
}

func TestClient_SendCommandWithoutRepo(t *testing.T) {
	adapter := &fakeAdapter{}
	client := newTestClient(t, adapter, time.Second)

	_, err := client.SendCommand(context.Background(), "abc", "validate", nil, "")
	require.NoError(t, err)
	require.Len(t, adapter.received, 1)
	assert.Equal(t, "/command-invoke validate", adapter.received[0].Message)
}

func TestClient_GetMessagesFiltersSent(t *testing.T) {
	adapter := &fakeAdapter{script: []string{"Working..."}}
	client := newTestClient(t, adapter, time.Second)

	_, err := client.SendCommand(context.Background(), "abc", "prime", nil, "")
	require.NoError(t, err)

	messages, err := client.GetMessages(context.Background(), "pm-project-abc")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Working...", messages[0].Message)
	assert.Equal(t, DirectionSent, messages[0].Direction)
}

func TestClient_WaitForCompletion(t *testing.T) {
	adapter := &fakeAdapter{script: []string{"Bash: go test ./...", "Read: main.go", "Done."}}
	client := newTestClient(t, adapter, time.Second)

	var streamed []string
	messages, err := client.WaitForCompletion(context.Background(), "pm-project-abc", func(m Message) error {
		streamed = append(streamed, m.Message)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, messages, 3)
	assert.Equal(t, []string{"Bash: go test ./...", "Read: main.go", "Done."}, streamed)
	assert.Equal(t, "Bash: go test ./...\nRead: main.go\nDone.", JoinMessages(messages))
}

func TestClient_WaitForCompletionTimeout(t *testing.T) {
	adapter := &fakeAdapter{grow: true}
	client := newTestClient(t, adapter, 50*time.Millisecond)

	_, err := client.WaitForCompletion(context.Background(), "pm-project-abc", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_WaitForCompletionCancelled(t *testing.T) {
	adapter := &fakeAdapter{grow: true}
	client := newTestClient(t, adapter, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.WaitForCompletion(ctx, "pm-project-abc", nil)
	assert.Error(t, err)
}

func TestClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "adapter down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, nil)
	_, err := client.GetMessages(context.Background(), "pm-project-abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
