package models

import "time"

// FeedItem is the JSON payload of an "activity" event
type FeedItem struct {
	ID          string                 `json:"id"`
	Seq         int64                  `json:"seq"`
	ExecutionID string                 `json:"execution_id"`
	Timestamp   string                 `json:"timestamp"`
	Source      string                 `json:"source"`
	Kind        ActivityKind           `json:"kind"`
	Message     string                 `json:"message"`
	Verbosity   int                    `json:"verbosity"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// NewFeedItem converts a stored activity into its streamed form
func NewFeedItem(a Activity) FeedItem {
	return FeedItem{
		ID:          a.ID,
		Seq:         a.Seq,
		ExecutionID: a.ExecutionID,
		Timestamp:   a.CreatedAt.UTC().Format(time.RFC3339Nano),
		Source:      a.Source,
		Kind:        a.Kind,
		Message:     a.Message,
		Verbosity:   a.Verbosity,
		Params:      a.Params,
	}
}

// Heartbeat is the JSON payload of a "heartbeat" event
type Heartbeat struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NewHeartbeat returns an "alive" heartbeat stamped with now
func NewHeartbeat(now time.Time) Heartbeat {
	return Heartbeat{Status: "alive", Timestamp: now.UTC().Format(time.RFC3339Nano)}
}

// StreamError is the JSON payload of an "error" event
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
