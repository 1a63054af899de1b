// Package receipts propagates read state between the local view, remote read confirmations and
// per-message visibility.
package receipts

import (
	"strconv"
	"time"

	"github.com/ageniuscoder/mmchat/msgsync/internal/clock"
	"github.com/ageniuscoder/mmchat/msgsync/internal/convkey"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
	"github.com/ageniuscoder/mmchat/msgsync/internal/optimistic"
	"github.com/ageniuscoder/mmchat/msgsync/internal/timeline"
)

const (
	// ViewDebounce delays the mark-as-read of a focused thread so a transient focus does not count.
	ViewDebounce = 100 * time.Millisecond
	// MaxEarlyReads bounds the ids remembered from read confirmations that beat their message.
	MaxEarlyReads = 1000
)

// Actions are the side effects the propagator asks for. The engine runs the remote calls in the
// background.
type Actions interface {
	MarkConversationRead(key, peer string)
	MarkMessagesRead(key string, ids []string)
	Changed(key string)
}

// Propagator is not safe for concurrent use.
type Propagator struct {
	local   string
	history *timeline.History
	pending *optimistic.Store
	clk     clock.Clock
	actions Actions

	focused  string
	debounce clock.Timer
	gen      int

	observed   map[string]struct{}
	early      map[string]struct{}
	earlyOrder []string
}

func New(local string, history *timeline.History, pending *optimistic.Store, clk clock.Clock, actions Actions) *Propagator {
	return &Propagator{
		local:    convkey.Normalize(local),
		history:  history,
		pending:  pending,
		clk:      clk,
		actions:  actions,
		observed: make(map[string]struct{}),
		early:    make(map[string]struct{}),
	}
}

// Focused returns the key of the thread the user is looking at, if any.
func (p *Propagator) Focused() string { return p.focused }

// Focus records that the user opened key. Unread messages are marked read once the focus has
// lasted ViewDebounce. Focusing another thread cancels a pending mark for the previous one.
func (p *Propagator) Focus(key string) {
	if key != p.focused {
		p.cancel()
		p.focused = key
	}
	if key == "" {
		return
	}
	p.schedule()
}

// Blur records that no thread is focused.
func (p *Propagator) Blur() { p.Focus("") }

// Stop cancels the pending debounce.
func (p *Propagator) Stop() {
	p.cancel()
	p.focused = ""
}

func (p *Propagator) schedule() {
	if p.debounce != nil || p.history.UnreadRaw(p.focused, p.local) == 0 {
		return
	}
	p.gen++
	gen, key := p.gen, p.focused
	p.debounce = p.clk.AfterFunc(ViewDebounce, func() {
		if gen != p.gen {
			return
		}
		p.debounce = nil
		p.markViewed(key)
	})
}

func (p *Propagator) cancel() {
	p.gen++
	if p.debounce != nil {
		p.debounce.Stop()
		p.debounce = nil
	}
}

func (p *Propagator) markViewed(key string) {
	if key != p.focused {
		return
	}
	ids := p.history.MarkIncomingRead(key, p.local)
	p.history.MarkViewed(key)
	if len(ids) == 0 {
		return
	}
	if peer, err := convkey.Peer(key, p.local); err == nil {
		p.actions.MarkConversationRead(key, peer)
	}
	p.actions.Changed(key)
}

// OnReadConfirmation applies a remote read event. Confirmed messages with a listed id become
// read, as do pending optimistic entries already bound to a listed id. Ids not known yet are kept
// and applied when their message arrives.
func (p *Propagator) OnReadConfirmation(r models.ReadReceipt) {
	changed := map[string]struct{}{}
	for _, key := range p.history.MarkRead(r.MessageIDs) {
		changed[key] = struct{}{}
	}
	for _, key := range p.pending.MarkRead(r.MessageIDs) {
		changed[key] = struct{}{}
	}
	for _, id := range r.MessageIDs {
		if id != "" && !p.history.Has(id) {
			p.rememberEarly(id)
		}
	}
	for key := range changed {
		p.actions.Changed(key)
	}
}

func (p *Propagator) rememberEarly(id string) {
	if _, ok := p.early[id]; ok {
		return
	}
	p.early[id] = struct{}{}
	p.earlyOrder = append(p.earlyOrder, id)
	for len(p.earlyOrder) > MaxEarlyReads {
		delete(p.early, p.earlyOrder[0])
		p.earlyOrder = p.earlyOrder[1:]
	}
}

// OnIncoming is called after a confirmed message was stored for the first time.
func (p *Propagator) OnIncoming(key string, msg models.Message) {
	if _, ok := p.early[msg.ID]; ok {
		delete(p.early, msg.ID)
		p.history.MarkRead([]string{msg.ID})
		return
	}
	if msg.Read || msg.Receiver != p.local || msg.Sender == p.local {
		return
	}
	if key == p.focused {
		p.schedule()
		return
	}
	p.history.ClearViewed(key)
}

// OnVisible marks the confirmed message identified by sender, receiver and timestamp read the
// first time it scrolls into view. Self-authored, optimistic and already read messages are
// ignored. It reports whether the message was marked.
func (p *Propagator) OnVisible(key, sender, receiver string, ts time.Time) bool {
	sender, receiver = convkey.Normalize(sender), convkey.Normalize(receiver)
	ref := sender + "|" + receiver + "|" + strconv.FormatInt(ts.UnixNano(), 10)
	if _, ok := p.observed[ref]; ok {
		return false
	}
	msg, ok := p.history.Find(key, sender, receiver, ts)
	if !ok {
		// Optimistic or unknown; it may be confirmed later.
		return false
	}
	p.observed[ref] = struct{}{}
	if msg.Sender == p.local || msg.Read {
		return false
	}
	p.history.MarkRead([]string{msg.ID})
	p.actions.MarkMessagesRead(key, []string{msg.ID})
	if p.history.UnreadRaw(key, p.local) == 0 {
		p.history.MarkViewed(key)
	}
	p.actions.Changed(key)
	return true
}
