package receipts

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ageniuscoder/mmchat/msgsync/internal/clock"
	"github.com/ageniuscoder/mmchat/msgsync/internal/convkey"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
	"github.com/ageniuscoder/mmchat/msgsync/internal/optimistic"
	"github.com/ageniuscoder/mmchat/msgsync/internal/timeline"
)

var (
	base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key  = convkey.MustKey("alice", "bob")
)

type recorder struct {
	conversations []string
	messages      [][]string
	changed       []string
}

func (r *recorder) MarkConversationRead(key, peer string) {
	r.conversations = append(r.conversations, key+"/"+peer)
}

func (r *recorder) MarkMessagesRead(key string, ids []string) {
	r.messages = append(r.messages, ids)
}

func (r *recorder) Changed(key string) { r.changed = append(r.changed, key) }

type fixture struct {
	clk     *clock.Fake
	history *timeline.History
	pending *optimistic.Store
	rec     *recorder
	p       *Propagator
}

func newFixture() *fixture {
	f := &fixture{
		clk:     clock.NewFake(base),
		history: timeline.NewHistory(),
		pending: optimistic.NewStore(),
		rec:     &recorder{},
	}
	f.p = New("alice", f.history, f.pending, f.clk, f.rec)
	return f
}

func incoming(id string, sec int) models.Message {
	return models.Message{
		ID: id, Sender: "bob", Receiver: "alice", Content: id,
		Timestamp: base.Add(time.Duration(sec) * time.Second),
	}
}

func (f *fixture) deliver(m models.Message) {
	if isNew, _ := f.history.Upsert(key, m); isNew {
		f.p.OnIncoming(key, m)
	}
}

func (f *fixture) read(id string) bool {
	m, _, ok := f.history.Get(id)
	return ok && m.Read
}

func TestFocus_MarksReadAfterDebounce(t *testing.T) {
	f := newFixture()
	f.deliver(incoming("M1", 1))
	f.deliver(incoming("M2", 2))
	require.Equal(t, 2, f.history.Unread(key, "alice"))

	f.p.Focus(key)
	f.clk.Advance(ViewDebounce - time.Millisecond)
	require.False(t, f.read("M1"))

	f.clk.Advance(time.Millisecond)
	require.True(t, f.read("M1"))
	require.True(t, f.read("M2"))
	require.True(t, f.history.Viewed(key))
	require.Equal(t, []string{key + "/bob"}, f.rec.conversations)
	require.Zero(t, f.history.Unread(key, "alice"))
}

func TestFocus_TransientFocusDoesNotMarkRead(t *testing.T) {
	f := newFixture()
	other := convkey.MustKey("alice", "carol")
	f.deliver(incoming("M1", 1))

	f.p.Focus(key)
	f.clk.Advance(50 * time.Millisecond)
	f.p.Focus(other)
	f.clk.Advance(time.Second)

	require.False(t, f.read("M1"))
	require.Empty(t, f.rec.conversations)
	require.Zero(t, f.clk.Pending())
}

func TestFocus_WithoutUnreadSchedulesNothing(t *testing.T) {
	f := newFixture()
	f.p.Focus(key)
	require.Zero(t, f.clk.Pending())
}

func TestOnIncoming_WhileFocusedMarksRead(t *testing.T) {
	f := newFixture()
	f.p.Focus(key)
	f.deliver(incoming("M1", 1))
	f.clk.Advance(ViewDebounce)
	require.True(t, f.read("M1"))
}

func TestOnIncoming_ClearsViewedWhenNotFocused(t *testing.T) {
	f := newFixture()
	f.deliver(incoming("M1", 1))
	f.p.Focus(key)
	f.clk.Advance(ViewDebounce)
	require.True(t, f.history.Viewed(key))

	f.p.Blur()
	f.deliver(incoming("M2", 2))
	require.False(t, f.history.Viewed(key))
	require.Equal(t, 1, f.history.Unread(key, "alice"))
}

func TestOnReadConfirmation_FlipsConfirmedAndBoundPending(t *testing.T) {
	f := newFixture()
	own := models.Message{ID: "M1", Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: base}
	f.history.Upsert(key, own)

	f.pending.Insert(key, models.OptimisticMessage{TempID: "T2", Message: models.Message{
		Sender: "alice", Receiver: "bob", Content: "yo", Timestamp: base,
	}})
	f.pending.Insert(key, models.OptimisticMessage{TempID: "T3", Message: models.Message{
		Sender: "alice", Receiver: "bob", Content: "unbound", Timestamp: base,
	}})
	f.pending.Bind("T2", "M2")

	f.p.OnReadConfirmation(models.ReadReceipt{Reader: "bob", MessageIDs: []string{"M1", "M2"}})

	require.True(t, f.read("M1"))
	left := f.pending.Pending(key)
	require.True(t, left[0].Read)
	require.False(t, left[1].Read, "an unbound optimistic entry has no remote identity")
	require.Contains(t, f.rec.changed, key)
}

func TestOnReadConfirmation_BeforeMessageArrives(t *testing.T) {
	f := newFixture()
	f.p.OnReadConfirmation(models.ReadReceipt{Reader: "alice", MessageIDs: []string{"M1"}})
	f.deliver(incoming("M1", 1))
	require.True(t, f.read("M1"))
	require.Zero(t, f.history.Unread(key, "alice"))
}

func TestEarlyReadsAreBounded(t *testing.T) {
	f := newFixture()
	for i := 0; i < MaxEarlyReads+10; i++ {
		f.p.OnReadConfirmation(models.ReadReceipt{MessageIDs: []string{fmt.Sprintf("X%d", i)}})
	}
	require.Len(t, f.p.early, MaxEarlyReads)
	require.Len(t, f.p.earlyOrder, MaxEarlyReads)
}

func TestOnVisible_MarksOnce(t *testing.T) {
	f := newFixture()
	m1 := incoming("M1", 1)
	m2 := incoming("M2", 2)
	f.deliver(m1)
	f.deliver(m2)

	require.True(t, f.p.OnVisible(key, "bob", "alice", m1.Timestamp))
	require.False(t, f.p.OnVisible(key, "bob", "alice", m1.Timestamp))
	require.True(t, f.read("M1"))
	require.False(t, f.history.Viewed(key))
	require.Equal(t, [][]string{{"M1"}}, f.rec.messages)

	require.True(t, f.p.OnVisible(key, "bob", "alice", m2.Timestamp))
	require.True(t, f.history.Viewed(key), "thread joins the viewed set once nothing is unread")
}

func TestOnVisible_IgnoresOwnOptimisticAndRead(t *testing.T) {
	f := newFixture()
	own := models.Message{ID: "M1", Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: base}
	f.history.Upsert(key, own)
	require.False(t, f.p.OnVisible(key, "alice", "bob", base))

	// optimistic entries are not in history
	require.False(t, f.p.OnVisible(key, "alice", "bob", base.Add(time.Second)))

	read := incoming("M2", 3)
	read.Read = true
	f.deliver(read)
	require.False(t, f.p.OnVisible(key, "bob", "alice", read.Timestamp))
	require.Empty(t, f.rec.messages)
}

func TestReadIsMonotonic(t *testing.T) {
	f := newFixture()
	m := incoming("M1", 1)
	f.deliver(m)
	f.p.OnVisible(key, "bob", "alice", m.Timestamp)
	require.True(t, f.read("M1"))

	// a stale redelivery with read=false cannot revert it
	f.deliver(m)
	f.history.Upsert(key, m)
	f.p.OnReadConfirmation(models.ReadReceipt{MessageIDs: []string{"M1"}})
	f.p.Focus(key)
	f.clk.Advance(time.Second)
	require.True(t, f.read("M1"))
}
