// Package wire defines the JSON frames exchanged between the relay and its clients.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
)

const (
	TypeMessage     = "message"
	TypeReadReceipt = "read_receipt"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
)

var ErrBadTimestamp = errors.New("wire: bad sent_at")

type Message struct {
	Type            string          `json:"type"`
	ConversationKey string          `json:"conversation_key,omitempty"`
	MessageID       string          `json:"message_id,omitempty"`
	MessageIDs      []string        `json:"message_ids,omitempty"`
	SenderID        string          `json:"sender_id,omitempty"`
	ReceiverID      string          `json:"receiver_id,omitempty"`
	Content         string          `json:"content,omitempty"`
	Kind            string          `json:"kind,omitempty"`
	Meta            json.RawMessage `json:"meta,omitempty"`
	ClientTempID    string          `json:"client_temp_id,omitempty"`
	Read            bool            `json:"read,omitempty"`
	SentAt          string          `json:"sent_at,omitempty"` // RFC3339 with nanoseconds
}

// FromMessage builds the "message" frame of a confirmed message.
func FromMessage(key string, m models.Message) Message {
	return Message{
		Type:            TypeMessage,
		ConversationKey: key,
		MessageID:       m.ID,
		SenderID:        m.Sender,
		ReceiverID:      m.Receiver,
		Content:         m.Content,
		Kind:            string(m.Kind),
		Meta:            m.Meta,
		ClientTempID:    m.ClientTempID,
		Read:            m.Read,
		SentAt:          m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// ToMessage converts a "message" frame. Missing fields are left for the caller to validate; only an
// unparsable timestamp fails here.
func (w Message) ToMessage() (models.Message, error) {
	var ts time.Time
	if w.SentAt != "" {
		var err error
		ts, err = time.Parse(time.RFC3339Nano, w.SentAt)
		if err != nil {
			return models.Message{}, fmt.Errorf("%w: %q", ErrBadTimestamp, w.SentAt)
		}
	}
	return models.Message{
		ID:           w.MessageID,
		Sender:       w.SenderID,
		Receiver:     w.ReceiverID,
		Content:      w.Content,
		Timestamp:    ts,
		Read:         w.Read,
		Kind:         models.Kind(w.Kind),
		Meta:         w.Meta,
		ClientTempID: w.ClientTempID,
	}, nil
}

// ReadReceipt builds the frame telling receiver that reader has read ids.
func ReadReceipt(reader, receiver string, ids []string) Message {
	return Message{
		Type:       TypeReadReceipt,
		SenderID:   reader,
		ReceiverID: receiver,
		MessageIDs: ids,
	}
}

func (w Message) ToReadReceipt() models.ReadReceipt {
	ids := w.MessageIDs
	if len(ids) == 0 && w.MessageID != "" {
		ids = []string{w.MessageID}
	}
	return models.ReadReceipt{Reader: w.SenderID, MessageIDs: ids}
}

func Typing(from, to string, typing bool) Message {
	t := TypeTypingStop
	if typing {
		t = TypeTypingStart
	}
	return Message{Type: t, SenderID: from, ReceiverID: to}
}

func (w Message) ToTyping() models.TypingEvent {
	return models.TypingEvent{From: w.SenderID, To: w.ReceiverID, IsTyping: w.Type == TypeTypingStart}
}
