package engine

import (
	"errors"
	"fmt"

	"github.com/ageniuscoder/mmchat/msgsync/internal/convkey"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
	"github.com/ageniuscoder/mmchat/msgsync/internal/wire"
)

var errMalformed = errors.New("malformed message")

func (e *Engine) subscribe() {
	on := func(eventType string, fn func(wire.Message)) {
		unsub := e.tr.Subscribe(eventType, func(m wire.Message) {
			e.post(func() { fn(m) })
		})
		e.unsubs = append(e.unsubs, unsub)
	}
	on(wire.TypeMessage, e.onMessageFrame)
	on(wire.TypeReadReceipt, e.onReadReceiptFrame)
	on(wire.TypeTypingStart, e.onTypingFrame)
	on(wire.TypeTypingStop, e.onTypingFrame)
}

func (e *Engine) onMessageFrame(w wire.Message) {
	msg, err := w.ToMessage()
	if err == nil {
		msg, err = e.accept(msg)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("message_id", w.MessageID).Msg("dropping inbound message")
		return
	}
	if msg.Sender != e.local && msg.Receiver != e.local {
		e.log.Warn().Str("message_id", msg.ID).Msg("dropping message addressed to someone else")
		return
	}
	key, err := convkey.Key(msg.Sender, msg.Receiver)
	if err != nil {
		e.log.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping inbound message")
		return
	}
	e.ingest(key, msg, true)
}

// accept validates a confirmed message and normalizes its participants.
func (e *Engine) accept(m models.Message) (models.Message, error) {
	if err := e.validate.Struct(m); err != nil {
		return m, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if m.Timestamp.IsZero() {
		return m, fmt.Errorf("%w: no timestamp", errMalformed)
	}
	if !m.Kind.Valid() {
		return m, fmt.Errorf("%w: unknown kind %q", errMalformed, m.Kind)
	}
	for _, id := range []string{m.Sender, m.Receiver} {
		if err := convkey.Valid(id); err != nil {
			return m, fmt.Errorf("%w: %w", errMalformed, err)
		}
	}
	m.Sender = convkey.Normalize(m.Sender)
	m.Receiver = convkey.Normalize(m.Receiver)
	return m, nil
}

// ingest merges a validated confirmed message into the state of key. live is false for history
// pages; only live peer messages hide the typing indicator.
func (e *Engine) ingest(key string, msg models.Message, live bool) {
	if e.history.Has(msg.ID) {
		if _, changed := e.history.Upsert(key, msg); changed {
			e.changed(key)
		}
		return
	}
	if m, ok := e.pending.Reconcile(msg); ok {
		e.log.Debug().Str("key", m.Key).Str("temp_id", m.TempID).Str("message_id", msg.ID).Msg("reconciled")
	}
	e.history.Upsert(key, msg)
	e.keys[key] = true
	e.receipts.OnIncoming(key, msg)
	if live && msg.Sender != e.local {
		e.typing.Get(key).Remote.OnPeerMessage()
	}
	e.changed(key)
}

func (e *Engine) onReadReceiptFrame(w wire.Message) {
	r := w.ToReadReceipt()
	if len(r.MessageIDs) == 0 {
		return
	}
	e.receipts.OnReadConfirmation(r)
}

func (e *Engine) onTypingFrame(w wire.Message) {
	ev := w.ToTyping()
	from := convkey.Normalize(ev.From)
	if from == "" || from == e.local {
		return
	}
	if to := convkey.Normalize(ev.To); to != "" && to != e.local {
		return
	}
	key, err := convkey.Key(e.local, from)
	if err != nil || !e.keys[key] {
		return
	}
	e.typing.Get(key).Remote.OnTyping(ev.IsTyping)
}
