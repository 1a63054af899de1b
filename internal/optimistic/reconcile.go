package optimistic

import (
	"time"

	"github.com/ageniuscoder/mmchat/msgsync/internal/convkey"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
)

// Match describes the optimistic entry retired by Reconcile.
type Match struct {
	Key    string
	TempID string
}

// Reconcile retires the optimistic entry that confirmed echoes, if any, and records the
// tempID -> confirmed id mapping. Delivering the same confirmed message again is a no-op.
//
// Matching order: an id already bound by Bind, then the echoed ClientTempID, then the first
// inserted entry of the conversation with the same sender, receiver and content whose timestamp
// lies within Tolerance of the echo.
func (s *Store) Reconcile(confirmed models.Message) (Match, bool) {
	if confirmed.ID == "" {
		return Match{}, false
	}
	if tempID, seen := s.confirmed[confirmed.ID]; seen {
		e, pending := s.byTemp[tempID]
		if !pending {
			return Match{}, false
		}
		return s.retire(e, confirmed.ID), true
	}

	if e := s.byTemp[confirmed.ClientTempID]; e != nil && s.unbound(e) && sameParties(e.msg.Message, confirmed) {
		return s.retire(e, confirmed.ID), true
	}

	key, err := convkey.Key(confirmed.Sender, confirmed.Receiver)
	if err != nil {
		return Match{}, false
	}
	for _, e := range s.byKey[key] {
		if !s.unbound(e) {
			continue
		}
		if !sameParties(e.msg.Message, confirmed) || e.msg.Content != confirmed.Content {
			continue
		}
		if !withinTolerance(e.msg.Timestamp.Sub(confirmed.Timestamp)) {
			continue
		}
		return s.retire(e, confirmed.ID), true
	}
	return Match{}, false
}

func (s *Store) retire(e *entry, confirmedID string) Match {
	s.remove(e)
	s.resolved[e.msg.TempID] = confirmedID
	s.confirmed[confirmedID] = e.msg.TempID
	return Match{Key: e.key, TempID: e.msg.TempID}
}

// unbound reports whether no confirmed id has been recorded for e yet.
func (s *Store) unbound(e *entry) bool {
	_, bound := s.resolved[e.msg.TempID]
	return !bound
}

func sameParties(a, b models.Message) bool {
	return convkey.Normalize(a.Sender) == convkey.Normalize(b.Sender) &&
		convkey.Normalize(a.Receiver) == convkey.Normalize(b.Receiver)
}

func withinTolerance(d time.Duration) bool {
	return d.Abs() <= Tolerance
}
