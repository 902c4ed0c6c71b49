package scar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/models"
)

// Config configures a Client
type Config struct {
	BaseURL            string
	Timeout            time.Duration
	ConversationPrefix string
	PollInterval       time.Duration

	// RequestTimeout bounds each individual HTTP call
	RequestTimeout time.Duration
}

// Client is an HTTP client for the SCAR test adapter
type Client struct {
	baseURL      string
	timeout      time.Duration
	prefix       string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       logging.Logger
}

// NewClient creates a new SCAR client
func NewClient(cfg Config, logger logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ConversationPrefix == "" {
		cfg.ConversationPrefix = "pm-project-"
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		timeout:      cfg.Timeout,
		prefix:       cfg.ConversationPrefix,
		pollInterval: cfg.PollInterval,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:       logger.WithFields(logging.F("component", "scar")),
	}
}

// ConversationID returns the SCAR conversation used for a project
func (c *Client) ConversationID(projectID string) string {
	return c.prefix + projectID
}

// SendCommand switches SCAR to the project's repository when repoURL is set
// and then invokes command. It returns the conversation id to poll.
func (c *Client) SendCommand(ctx context.Context, projectID, command string, args []string, repoURL string) (string, error) {
	conversationID := c.ConversationID(projectID)

	if repoURL != "" {
		repo := models.RepoNameFromURL(repoURL)
		c.logger.Info("Switching SCAR codebase",
			logging.F("conversation_id", conversationID),
			logging.F("repo", repo))
		if err := c.post(ctx, conversationID, "/repo "+repo); err != nil {
			return "", fmt.Errorf("failed to switch codebase: %w", err)
		}
	}

	message := FormatCommand(command, args)
	c.logger.Info("Sending SCAR command",
		logging.F("conversation_id", conversationID),
		logging.F("command", message))
	if err := c.post(ctx, conversationID, message); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}
	return conversationID, nil
}

// FormatCommand builds the /command-invoke message. Arguments containing
// spaces are quoted.
func FormatCommand(command string, args []string) string {
	var b strings.Builder
	b.WriteString("/command-invoke ")
	b.WriteString(command)
	for _, arg := range args {
		b.WriteByte(' ')
		if strings.Contains(arg, " ") {
			b.WriteString(`"` + arg + `"`)
		} else {
			b.WriteString(arg)
		}
	}
	return b.String()
}

// GetMessages returns the messages SCAR sent in a conversation
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var resp MessagesResponse
	if err := c.do(ctx, http.MethodGet, "/test/messages/"+url.PathEscape(conversationID), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	sent := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.Direction == DirectionSent {
			sent = append(sent, m)
		}
	}
	return sent, nil
}

// ClearMessages deletes every message of a conversation
func (c *Client) ClearMessages(ctx context.Context, conversationID string) error {
	if err := c.do(ctx, http.MethodDelete, "/test/messages/"+url.PathEscape(conversationID), nil, nil); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

// WaitForCompletion polls a conversation until two consecutive polls bring
// no new messages. onMessage, when set, is called once for every new message
// in arrival order. ErrTimeout is returned once the client timeout elapses.
func (c *Client) WaitForCompletion(ctx context.Context, conversationID string, onMessage func(Message) error) ([]Message, error) {
	start := time.Now()
	deadline := start.Add(c.timeout)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var (
		seen   int
		stable int
	)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s (conversation %s)", ErrTimeout, time.Since(start).Round(time.Millisecond), conversationID)
		}

		messages, err := c.GetMessages(ctx, conversationID)
		if err != nil {
			return nil, err
		}

		if len(messages) > seen {
			if onMessage != nil {
				for _, m := range messages[seen:] {
					if err := onMessage(m); err != nil {
						return nil, err
					}
				}
			}
			seen = len(messages)
			stable = 0
		} else {
			stable++
		}

		c.logger.Debug("Polled SCAR conversation",
			logging.F("conversation_id", conversationID),
			logging.F("message_count", len(messages)),
			logging.F("stable_polls", stable))

		if stable >= 2 {
			c.logger.Info("SCAR command completed",
				logging.F("conversation_id", conversationID),
				logging.F("message_count", len(messages)),
				logging.F("duration", time.Since(start).String()))
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, conversationID, message string) error {
	return c.do(ctx, http.MethodPost, "/test/message", MessageRequest{
		ConversationID: conversationID,
		Message:        message,
	}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s %s: %s", resp.StatusCode, method, path, strings.TrimSpace(string(data)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
