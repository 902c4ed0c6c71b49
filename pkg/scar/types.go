// Package scar talks to the SCAR test adapter over HTTP.
//
// SCAR exposes three endpoints: POST /test/message sends a message into a
// conversation, GET /test/messages/{id} returns every message of the
// conversation and DELETE /test/messages/{id} clears it. A command is
// complete once the conversation stops growing.
package scar

import (
	"errors"
	"time"
)

// Message directions reported by the adapter
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

var (
	// ErrTimeout is returned when a command does not settle before the deadline
	ErrTimeout = errors.New("scar command timed out")

	// ErrUnknownCommand is returned for commands SCAR does not recognise
	ErrUnknownCommand = errors.New("command not recognized")
)

// MessageRequest is the body of POST /test/message
type MessageRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// Message is a single entry of a SCAR conversation
type Message struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
}

// MessagesResponse is the body of GET /test/messages/{id}
type MessagesResponse struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}
