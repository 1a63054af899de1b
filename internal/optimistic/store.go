// Package optimistic keeps locally sent messages until the server confirms them.
package optimistic

import (
	"sort"
	"time"

	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
)

const (
	// Tolerance bounds the timestamp distance between an optimistic entry and its echo.
	Tolerance = 5 * time.Second
	// StaleAfter is how long an unconfirmed entry survives before Sweep drops it.
	StaleAfter = 30 * time.Second
	// SweepInterval is the cadence at which the engine runs Sweep.
	SweepInterval = 10 * time.Second
	// MaxMappings caps the tempID -> confirmed id table; Sweep clears it past this size.
	MaxMappings = 500
)

type entry struct {
	key string
	msg models.OptimisticMessage
}

// Store is not safe for concurrent use; the engine confines it to its event loop.
type Store struct {
	byKey  map[string][]*entry
	byTemp map[string]*entry

	// tempID -> confirmed id, and its inverse.
	resolved  map[string]string
	confirmed map[string]string
}

func NewStore() *Store {
	return &Store{
		byKey:     make(map[string][]*entry),
		byTemp:    make(map[string]*entry),
		resolved:  make(map[string]string),
		confirmed: make(map[string]string),
	}
}

// Insert appends msg to the entries of key. It reports false, and stores nothing, when msg has
// no TempID, carries a server id, or reuses a TempID that is already pending.
func (s *Store) Insert(key string, msg models.OptimisticMessage) bool {
	if msg.TempID == "" || msg.ID != "" {
		return false
	}
	if _, dup := s.byTemp[msg.TempID]; dup {
		return false
	}
	msg.Message = msg.Message.Clone()
	e := &entry{key: key, msg: msg}
	s.byKey[key] = append(s.byKey[key], e)
	s.byTemp[msg.TempID] = e
	return true
}

// Rollback removes a pending entry immediately, returning it so its content can be restored.
func (s *Store) Rollback(tempID string) (models.OptimisticMessage, string, bool) {
	e, ok := s.byTemp[tempID]
	if !ok {
		return models.OptimisticMessage{}, "", false
	}
	s.remove(e)
	return e.msg, e.key, true
}

// Bind records that tempID was acknowledged as confirmedID without retiring the entry. The entry
// stays visible until the echo carrying the full message arrives and Reconcile retires it.
func (s *Store) Bind(tempID, confirmedID string) bool {
	if tempID == "" || confirmedID == "" {
		return false
	}
	if _, ok := s.byTemp[tempID]; !ok {
		return false
	}
	s.resolved[tempID] = confirmedID
	s.confirmed[confirmedID] = tempID
	return true
}

// Pending returns a copy of the entries of key in insertion order.
func (s *Store) Pending(key string) []models.OptimisticMessage {
	list := s.byKey[key]
	if len(list) == 0 {
		return nil
	}
	out := make([]models.OptimisticMessage, 0, len(list))
	for _, e := range list {
		msg := e.msg
		msg.Message = msg.Message.Clone()
		out = append(out, msg)
	}
	return out
}

// Resolved returns the confirmed id recorded for tempID.
func (s *Store) Resolved(tempID string) (string, bool) {
	id, ok := s.resolved[tempID]
	return id, ok
}

// MarkRead flips Read on pending entries whose resolved id is in ids and returns the keys that
// changed. Entries without a resolved id have no remote identity and are never touched.
func (s *Store) MarkRead(ids []string) []string {
	var keys []string
	for _, id := range ids {
		tempID, ok := s.confirmed[id]
		if !ok {
			continue
		}
		e, ok := s.byTemp[tempID]
		if !ok || e.msg.Read {
			continue
		}
		e.msg.Read = true
		keys = append(keys, e.key)
	}
	return uniqueSorted(keys)
}

// Sweep drops entries older than StaleAfter and clears the mapping table once it outgrows
// MaxMappings. It returns the keys whose pending entries changed.
func (s *Store) Sweep(now time.Time) []string {
	var keys []string
	for _, e := range s.byTemp {
		if now.Sub(e.msg.Timestamp) > StaleAfter {
			keys = append(keys, e.key)
			s.remove(e)
		}
	}
	if len(s.resolved) > MaxMappings {
		s.resolved = make(map[string]string)
		s.confirmed = make(map[string]string)
	}
	return uniqueSorted(keys)
}

// Len returns the number of pending entries across all conversations.
func (s *Store) Len() int { return len(s.byTemp) }

// Mappings returns the size of the tempID -> confirmed id table.
func (s *Store) Mappings() int { return len(s.resolved) }

func (s *Store) remove(e *entry) {
	delete(s.byTemp, e.msg.TempID)
	list := s.byKey[e.key]
	for i, cur := range list {
		if cur == e {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.byKey, e.key)
		return
	}
	s.byKey[e.key] = list
}

func uniqueSorted(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
