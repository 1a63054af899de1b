// Package timeline merges confirmed and optimistic messages into ordered per-conversation threads.
package timeline

import (
	"sort"
	"time"

	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
)

// History holds confirmed messages per conversation key, deduplicated by id, together with the
// ledger of conversations the user already viewed this session.
type History struct {
	byKey  map[string]map[string]*models.Message
	keyOf  map[string]string
	viewed map[string]bool
}

func NewHistory() *History {
	return &History{
		byKey:  make(map[string]map[string]*models.Message),
		keyOf:  make(map[string]string),
		viewed: make(map[string]bool),
	}
}

// Upsert stores msg under key. A message id seen before keeps its original content and key; only
// its read flag can change, and only towards read. isNew reports a first delivery, changed
// whether anything visible changed.
func (h *History) Upsert(key string, msg models.Message) (isNew, changed bool) {
	if msg.ID == "" {
		return false, false
	}
	if k, ok := h.keyOf[msg.ID]; ok {
		cur := h.byKey[k][msg.ID]
		if msg.Read && !cur.Read {
			cur.Read = true
			return false, true
		}
		return false, false
	}
	clone := msg.Clone()
	clone.ClientTempID = ""
	if h.byKey[key] == nil {
		h.byKey[key] = make(map[string]*models.Message)
	}
	h.byKey[key][msg.ID] = &clone
	h.keyOf[msg.ID] = key
	return true, true
}

// Has reports whether a confirmed message with id is known.
func (h *History) Has(id string) bool {
	_, ok := h.keyOf[id]
	return ok
}

// Get returns the confirmed message with id and its conversation key.
func (h *History) Get(id string) (models.Message, string, bool) {
	key, ok := h.keyOf[id]
	if !ok {
		return models.Message{}, "", false
	}
	return h.byKey[key][id].Clone(), key, true
}

// Find returns the confirmed message of key sent by sender to receiver at ts. When several share
// that triple the lowest id wins, so callers always get the same one.
func (h *History) Find(key, sender, receiver string, ts time.Time) (models.Message, bool) {
	var found *models.Message
	for _, m := range h.byKey[key] {
		if m.Sender != sender || m.Receiver != receiver || !m.Timestamp.Equal(ts) {
			continue
		}
		if found == nil || m.ID < found.ID {
			found = m
		}
	}
	if found == nil {
		return models.Message{}, false
	}
	return found.Clone(), true
}

// MarkRead flips the read flag of the named messages and returns the keys that changed.
func (h *History) MarkRead(ids []string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, id := range ids {
		key, ok := h.keyOf[id]
		if !ok {
			continue
		}
		m := h.byKey[key][id]
		if m.Read {
			continue
		}
		m.Read = true
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// MarkIncomingRead flips every unread message of key addressed to local and returns their ids.
func (h *History) MarkIncomingRead(key, local string) []string {
	var ids []string
	for id, m := range h.byKey[key] {
		if m.Receiver == local && m.Sender != local && !m.Read {
			m.Read = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Confirmed returns the confirmed messages of key ordered by timestamp, then id. The order does
// not depend on the order in which messages were delivered.
func (h *History) Confirmed(key string) []models.Message {
	msgs := h.byKey[key]
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Materialize returns the thread of key: confirmed history plus the still pending optimistic
// entries, stable-sorted by timestamp. On equal timestamps confirmed messages come first and
// optimistic entries keep their insertion order. Nothing is cached.
func (h *History) Materialize(key string, pending []models.OptimisticMessage) []models.Entry {
	return Merge(h.Confirmed(key), pending)
}

// Merge is the pure merge step of Materialize. confirmed must already be in history order.
func Merge(confirmed []models.Message, pending []models.OptimisticMessage) []models.Entry {
	out := make([]models.Entry, 0, len(confirmed)+len(pending))
	for _, m := range confirmed {
		out = append(out, models.Entry{Message: m})
	}
	for _, p := range pending {
		out = append(out, models.Entry{Message: p.Message, TempID: p.TempID, Optimistic: true})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Unread counts confirmed messages of key addressed to local by the other party that are still
// unread. Conversations viewed this session count as zero.
func (h *History) Unread(key, local string) int {
	if h.viewed[key] {
		return 0
	}
	return h.UnreadRaw(key, local)
}

// UnreadRaw is Unread without the viewed ledger.
func (h *History) UnreadRaw(key, local string) int {
	n := 0
	for _, m := range h.byKey[key] {
		if m.Receiver == local && m.Sender != local && !m.Read {
			n++
		}
	}
	return n
}

func (h *History) MarkViewed(key string)  { h.viewed[key] = true }
func (h *History) ClearViewed(key string) { delete(h.viewed, key) }
func (h *History) Viewed(key string) bool { return h.viewed[key] }
func (h *History) Len(key string) int     { return len(h.byKey[key]) }
