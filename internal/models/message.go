// Package models holds the message types shared by the sync engine components.
package models

import (
	"encoding/json"
	"time"
)

// Kind distinguishes the marketplace message variants.
type Kind string

const (
	KindNormal        Kind = "normal"
	KindImage         Kind = "image"
	KindCustomRequest Kind = "custom_request"
	KindTip           Kind = "tip"
)

// Valid reports whether k is a known kind. The empty kind counts as normal.
func (k Kind) Valid() bool {
	switch k {
	case "", KindNormal, KindImage, KindCustomRequest, KindTip:
		return true
	}
	return false
}

// Message is a server-confirmed message. Only Read may change after creation.
type Message struct {
	ID        string          `json:"id" validate:"required"`
	Sender    string          `json:"sender" validate:"required"`
	Receiver  string          `json:"receiver" validate:"required"`
	Content   string          `json:"content" validate:"required"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Read      bool            `json:"read"`
	Kind      Kind            `json:"kind,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`

	// ClientTempID is echoed by servers that support exact correlation of optimistic sends.
	ClientTempID string `json:"client_temp_id,omitempty"`
}

// OptimisticMessage is a locally created message that the server has not confirmed yet.
// Its ID is always empty.
type OptimisticMessage struct {
	Message
	TempID string `json:"temp_id"`
}

// Entry is one row of a materialized thread.
type Entry struct {
	Message
	TempID     string `json:"temp_id,omitempty"`
	Optimistic bool   `json:"optimistic"`
}

// Attachment references an already uploaded file.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// ReadReceipt names confirmed messages that the reader has seen.
type ReadReceipt struct {
	Reader     string
	MessageIDs []string
}

// TypingEvent reports the typing state of From in its conversation with To.
type TypingEvent struct {
	From     string
	To       string
	IsTyping bool
}

func cloneMeta(meta json.RawMessage) json.RawMessage {
	if meta == nil {
		return nil
	}
	return append(json.RawMessage(nil), meta...)
}

// Clone returns a copy that shares no memory with m.
func (m Message) Clone() Message {
	m.Meta = cloneMeta(m.Meta)
	return m
}

// Outbound is a send request for the durable store.
type Outbound struct {
	Receiver     string          `json:"receiver_id" binding:"required"`
	Content      string          `json:"content" binding:"required,max=5000"`
	Kind         Kind            `json:"kind,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
	ClientTempID string          `json:"client_temp_id,omitempty"`
}

// Conversation is one inbox row: a thread, its peer, its latest activity and how many messages
// the owner has not read yet.
type Conversation struct {
	Key    string    `json:"key"`
	Peer   string    `json:"peer"`
	LastAt time.Time `json:"last_at"`
	Unread int       `json:"unread"`
}
