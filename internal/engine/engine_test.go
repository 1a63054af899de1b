package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ageniuscoder/mmchat/msgsync/internal/clock"
	"github.com/ageniuscoder/mmchat/msgsync/internal/convkey"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
	"github.com/ageniuscoder/mmchat/msgsync/internal/optimistic"
	"github.com/ageniuscoder/mmchat/msgsync/internal/receipts"
	"github.com/ageniuscoder/mmchat/msgsync/internal/transport"
	"github.com/ageniuscoder/mmchat/msgsync/internal/typing"
	"github.com/ageniuscoder/mmchat/msgsync/internal/wire"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeStore stands in for the relay. It confirms sends with sequential ids and, when echo is set,
// fans the confirmed message out on the bus like the relay does.
type fakeStore struct {
	mu      sync.Mutex
	local   string
	bus     *transport.Bus
	clk     clock.Clock
	seq     int
	echo    bool
	fail    error
	block   bool
	journal *journal

	sent     []models.Outbound
	readConv []string
	readMsgs [][]string
	history  []models.Message
}

func (s *fakeStore) SendMessage(ctx context.Context, out models.Outbound) (models.Message, error) {
	s.mu.Lock()
	s.sent = append(s.sent, out)
	s.seq++
	id := fmt.Sprintf("M%d", s.seq)
	fail, block, echo := s.fail, s.block, s.echo
	s.mu.Unlock()
	s.journal.add("send " + out.Content)

	if block {
		<-ctx.Done()
		return models.Message{}, ctx.Err()
	}
	if fail != nil {
		return models.Message{}, fail
	}
	msg := models.Message{
		ID: id, Sender: s.local, Receiver: out.Receiver, Content: out.Content,
		Timestamp: s.clk.Now(), Kind: out.Kind, Meta: out.Meta, ClientTempID: out.ClientTempID,
	}
	if echo {
		frame := wire.FromMessage(convkey.MustKey(msg.Sender, msg.Receiver), msg)
		s.bus.Publish(msg.Sender, frame)
		s.bus.Publish(msg.Receiver, frame)
	}
	return msg, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, local, peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readConv = append(s.readConv, local+"->"+peer)
	return nil
}

func (s *fakeStore) MarkMessagesRead(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readMsgs = append(s.readMsgs, ids)
	return nil
}

func (s *fakeStore) History(ctx context.Context, key string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.history...), nil
}

func (s *fakeStore) snapshot() (sent []models.Outbound, readConv []string, readMsgs [][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(sent, s.sent...), append(readConv, s.readConv...), append(readMsgs, s.readMsgs...)
}

// journal records events from several goroutines in order.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(ev string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type harness struct {
	t     *testing.T
	clk   *clock.Fake
	bus   *transport.Bus
	store *fakeStore
	log   *journal
	e     *Engine
	key   string
}

func newHarness(t *testing.T, configure func(*fakeStore)) *harness {
	t.Helper()
	clk := clock.NewFake(base)
	bus := transport.NewBus()
	log := &journal{}
	store := &fakeStore{local: "alice", bus: bus, clk: clk, echo: true, journal: log}
	if configure != nil {
		configure(store)
	}

	// bob's side of the bus, recording the typing frames alice emits
	peer := bus.Join("bob")
	peer.Subscribe(wire.TypeTypingStart, func(wire.Message) { log.add("typing_start") })
	peer.Subscribe(wire.TypeTypingStop, func(wire.Message) { log.add("typing_stop") })

	seq := 0
	e, err := New(Options{
		Local:     "alice",
		Store:     store,
		Transport: bus.Join("alice"),
		Clock:     clk,
		NewID: func() string {
			seq++
			return fmt.Sprintf("T%d", seq)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	key, err := e.Open("bob")
	require.NoError(t, err)
	return &harness{t: t, clk: clk, bus: bus, store: store, log: log, e: e, key: key}
}

func (h *harness) sync() {
	require.NoError(h.t, h.e.call(func() {}))
}

// advance moves the fake clock and waits until the loop ran the fired callbacks.
func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	require.NoError(h.t, h.e.call(func() {}))
}

func (h *harness) deliver(m models.Message) {
	h.bus.Publish("alice", wire.FromMessage(h.key, m))
	require.NoError(h.t, h.e.call(func() {}))
}

func (h *harness) ids() []string {
	var out []string
	for _, entry := range h.e.Materialize(h.key) {
		if entry.Optimistic {
			out = append(out, entry.TempID)
			continue
		}
		out = append(out, entry.ID)
	}
	return out
}

func (h *harness) waitFor(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func fromBob(id string, at time.Duration) models.Message {
	return models.Message{ID: id, Sender: "bob", Receiver: "alice", Content: "from bob " + id, Timestamp: base.Add(at)}
}

func TestSubmit_EchoAndResponseYieldOneMessage(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.Submit(h.key, "hello"))

	h.waitFor(func() bool {
		thread := h.e.Materialize(h.key)
		return len(thread) == 1 && !thread[0].Optimistic
	}, "optimistic entry never reconciled")

	thread := h.e.Materialize(h.key)
	assert.Equal(t, "M1", thread[0].ID)
	assert.Equal(t, "hello", thread[0].Content)
	assert.Empty(t, thread[0].ClientTempID)
}

func TestSubmit_ShowsOptimisticEntryRightAway(t *testing.T) {
	h := newHarness(t, func(s *fakeStore) { s.block = true })
	require.NoError(t, h.e.Submit(h.key, "hello"))
	thread := h.e.Materialize(h.key)
	require.Len(t, thread, 1)
	assert.True(t, thread[0].Optimistic)
	assert.Equal(t, "T1", thread[0].TempID)
	assert.Zero(t, h.e.UnreadCount(h.key), "optimistic entries never count as unread")
}

func TestReconcile_DuplicateEchoIsIdempotent(t *testing.T) {
	h := newHarness(t, func(s *fakeStore) { s.block = true })
	require.NoError(t, h.e.Submit(h.key, "hi"))
	require.NoError(t, h.e.Submit(h.key, "hi"))

	echo := models.Message{ID: "M1", Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: base}
	h.deliver(echo)
	h.deliver(echo)
	h.deliver(echo)

	assert.Equal(t, []string{"M1", "T2"}, h.ids(), "one echo retires exactly one entry")
}

func TestReconcile_ConcreteScenarioWithinTolerance(t *testing.T) {
	h := newHarness(t, func(s *fakeStore) { s.block = true })
	h.advance(100 * time.Second)
	require.NoError(t, h.e.Submit(h.key, "hi"))

	h.deliver(models.Message{ID: "M1", Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: base.Add(100500 * time.Millisecond)})
	assert.Equal(t, []string{"M1"}, h.ids())
}

func TestSweep_DropsEntriesWhoseEchoWasLost(t *testing.T) {
	h := newHarness(t, func(s *fakeStore) { s.block = true })
	require.NoError(t, h.e.Submit(h.key, "lost"))

	for i := 0; i < 3; i++ {
		h.advance(optimistic.SweepInterval)
		require.Equal(t, []string{"T1"}, h.ids(), "still fresh after %d sweeps", i+1)
	}
	h.advance(optimistic.SweepInterval)
	assert.Empty(t, h.ids())
}

func TestOrderIsIndependentOfDelivery(t *testing.T) {
	msgs := []models.Message{fromBob("M1", time.Second), fromBob("M2", 2*time.Second), fromBob("M3", 2*time.Second), fromBob("M4", 3*time.Second)}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}}

	for _, order := range orders {
		h := newHarness(t, nil)
		for _, i := range order {
			h.deliver(msgs[i])
			h.deliver(msgs[order[0]])
		}
		assert.Equal(t, []string{"M1", "M2", "M3", "M4"}, h.ids(), "order %v", order)
	}
}

func TestReadNeverReverts(t *testing.T) {
	h := newHarness(t, nil)
	read := fromBob("M1", time.Second)
	read.Read = true
	h.deliver(read)
	h.deliver(fromBob("M1", time.Second))

	thread := h.e.Materialize(h.key)
	require.Len(t, thread, 1)
	assert.True(t, thread[0].Read)
	assert.Zero(t, h.e.UnreadCount(h.key))
}

func TestSendFailureRollsBackAndRestoresContent(t *testing.T) {
	boom := errors.New("relay down")
	h := newHarness(t, func(s *fakeStore) { s.fail = boom })
	require.NoError(t, h.e.Submit(h.key, "draft"))

	var failed Update
	h.waitFor(func() bool {
		for {
			select {
			case u := <-h.e.Updates():
				if u.Kind == UpdateSendFailed {
					failed = u
					return true
				}
			default:
				return false
			}
		}
	}, "no send failure reported")

	assert.Equal(t, "draft", failed.Content)
	assert.Equal(t, h.key, failed.Key)
	assert.ErrorIs(t, failed.Err, boom)
	assert.Empty(t, h.ids())
}

func TestSubmit_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.e.Submit(h.key, "   "), ErrEmptyContent)
	assert.ErrorIs(t, h.e.Submit(convkey.MustKey("alice", "carol"), "hi"), ErrUnknownConversation)

	_, err := h.e.Open("alice")
	assert.ErrorIs(t, err, ErrSelfConversation)
	_, err = h.e.Open("\u200b")
	assert.ErrorIs(t, err, convkey.ErrEmptyParticipant)
	_, err = h.e.Open("b:ob")
	assert.ErrorIs(t, err, convkey.ErrInvalidParticipant)

	h.e.Close()
	assert.ErrorIs(t, h.e.Submit(h.key, "hi"), ErrClosed)
}

func TestSubmit_WithAttachments(t *testing.T) {
	h := newHarness(t, func(s *fakeStore) { s.block = true })
	require.NoError(t, h.e.Submit(h.key, "", models.Attachment{URL: "https://cdn/x.png", Name: "x.png"}))

	thread := h.e.Materialize(h.key)
	require.Len(t, thread, 1)
	assert.Equal(t, models.KindImage, thread[0].Kind)
	assert.Equal(t, "https://cdn/x.png", thread[0].Content)
	assert.JSONEq(t, `{"attachments":[{"url":"https://cdn/x.png","name":"x.png"}]}`, string(thread[0].Meta))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	frames := []wire.Message{
		{Type: wire.TypeMessage, SenderID: "bob", ReceiverID: "alice", Content: "no id", SentAt: base.Format(time.RFC3339)},
		{Type: wire.TypeMessage, MessageID: "M2", ReceiverID: "alice", Content: "no sender", SentAt: base.Format(time.RFC3339)},
		{Type: wire.TypeMessage, MessageID: "M3", SenderID: "bob", ReceiverID: "alice", SentAt: base.Format(time.RFC3339)},
		{Type: wire.TypeMessage, MessageID: "M4", SenderID: "bob", ReceiverID: "alice", Content: "bad time", SentAt: "noon"},
		{Type: wire.TypeMessage, MessageID: "M5", SenderID: "bob", ReceiverID: "alice", Content: "no time"},
		{Type: wire.TypeMessage, MessageID: "M6", SenderID: "bob", ReceiverID: "carol", Content: "not ours", SentAt: base.Format(time.RFC3339)},
		{Type: wire.TypeMessage, MessageID: "M7", SenderID: "b:ob", ReceiverID: "alice", Content: "bad sender", SentAt: base.Format(time.RFC3339)},
	}
	for _, f := range frames {
		h.bus.Publish("alice", f)
	}
	assert.Empty(t, h.ids())
}

func TestInboundParticipantsAreNormalized(t *testing.T) {
	h := newHarness(t, nil)
	m := fromBob("M1", time.Second)
	m.Sender = "  bob\u200b"
	h.deliver(m)
	assert.Equal(t, []string{"M1"}, h.ids())
	assert.Equal(t, 1, h.e.UnreadCount(h.key))
}

func TestFocusMarksConversationRead(t *testing.T) {
	h := newHarness(t, nil)
	h.deliver(fromBob("M1", time.Second))
	h.deliver(fromBob("M2", 2*time.Second))
	require.Equal(t, 2, h.e.UnreadCount(h.key))

	h.e.Focus(h.key)
	h.advance(receipts.ViewDebounce)
	assert.Zero(t, h.e.UnreadCount(h.key))

	h.waitFor(func() bool {
		_, readConv, _ := h.store.snapshot()
		return len(readConv) == 1
	}, "store never told")
	_, readConv, _ := h.store.snapshot()
	assert.Equal(t, []string{"alice->bob"}, readConv)
}

func TestMessageVisibleMarksOnce(t *testing.T) {
	h := newHarness(t, nil)
	m := fromBob("M1", time.Second)
	h.deliver(m)

	ref := MessageRef{Sender: "bob", Receiver: "alice", Timestamp: m.Timestamp}
	assert.True(t, h.e.MessageVisible(h.key, ref))
	assert.False(t, h.e.MessageVisible(h.key, ref))
	assert.Zero(t, h.e.UnreadCount(h.key))

	h.waitFor(func() bool {
		_, _, readMsgs := h.store.snapshot()
		return len(readMsgs) == 1
	}, "store never told")
}

func TestReadReceiptFlipsOwnMessages(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.Submit(h.key, "ping"))
	h.waitFor(func() bool { return len(h.ids()) == 1 && h.ids()[0] == "M1" }, "not confirmed")

	h.bus.Publish("alice", wire.ReadReceipt("bob", "alice", []string{"M1"}))
	thread := h.e.Materialize(h.key)
	require.Len(t, thread, 1)
	assert.True(t, thread[0].Read)
}

func TestReadReceiptBeforeMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.Publish("alice", wire.ReadReceipt("alice", "alice", []string{"M1"}))
	h.deliver(fromBob("M1", time.Second))
	assert.Zero(t, h.e.UnreadCount(h.key))
}

func TestTyping_TwoRapidInputsEmitOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.e.OnLocalInputChange(h.key, "h")
	h.sync()
	h.advance(300 * time.Millisecond)
	h.e.OnLocalInputChange(h.key, "he")
	h.sync()

	assert.Equal(t, []string{"typing_start"}, h.log.list())

	h.advance(typing.StopAfter)
	assert.Equal(t, []string{"typing_start", "typing_stop"}, h.log.list())
}

func TestTyping_StopIsSentBeforeTheMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.e.OnLocalInputChange(h.key, "hello")
	require.NoError(t, h.e.Submit(h.key, "hello"))

	h.waitFor(func() bool { return len(h.log.list()) == 3 }, "send never reached the store")
	assert.Equal(t, []string{"typing_start", "typing_stop", "send hello"}, h.log.list())

	h.advance(typing.StopAfter)
	assert.Len(t, h.log.list(), 3, "no second stop after the send")
}

func TestTyping_PeerIndicatorAutoHides(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.Publish("alice", wire.Typing("bob", "alice", true))
	h.bus.Publish("alice", wire.Typing("bob", "alice", true))
	assert.True(t, h.e.IsPeerTyping(h.key))

	h.advance(typing.HideAfter - time.Millisecond)
	assert.True(t, h.e.IsPeerTyping(h.key))
	h.advance(time.Millisecond)
	assert.False(t, h.e.IsPeerTyping(h.key))

	var scrolls, shows int
	for {
		select {
		case u := <-h.e.Updates():
			switch {
			case u.Kind == UpdateScroll:
				scrolls++
			case u.Kind == UpdateTyping && u.Typing:
				shows++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, scrolls)
	assert.Equal(t, 1, shows)
}

func TestTyping_IgnoresSelfAndOtherPeers(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.Publish("alice", wire.Typing("alice", "bob", true))
	h.bus.Publish("alice", wire.Typing("bob", "carol", true))
	assert.False(t, h.e.IsPeerTyping(h.key))
}

func TestTyping_PeerMessageHidesIndicator(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.Publish("alice", wire.Typing("bob", "alice", true))
	h.deliver(fromBob("M1", time.Second))
	assert.False(t, h.e.IsPeerTyping(h.key))
}

func TestTyping_HistoryDoesNotHideIndicator(t *testing.T) {
	h := newHarness(t, func(s *fakeStore) {
		s.history = []models.Message{fromBob("OLD", -time.Hour)}
	})
	h.bus.Publish("alice", wire.Typing("bob", "alice", true))
	require.True(t, h.e.IsPeerTyping(h.key))

	require.NoError(t, h.e.Load(context.Background(), h.key))
	assert.Equal(t, []string{"OLD"}, h.ids())
	assert.True(t, h.e.IsPeerTyping(h.key))
}

func TestTyping_UnknownConversationIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.Publish("alice", wire.Typing("mallory", "alice", true))
	h.bus.Publish("alice", wire.Typing("eve", "alice", true))
	h.sync()

	stranger, err := convkey.Key("alice", "mallory")
	require.NoError(t, err)
	assert.False(t, h.e.IsPeerTyping(stranger))
	var sessions int
	require.NoError(t, h.e.call(func() { sessions = h.e.typing.Len() }))
	assert.Zero(t, sessions)
}

func TestFocusSwitchStopsTyping(t *testing.T) {
	h := newHarness(t, nil)
	other, err := h.e.Open("carol")
	require.NoError(t, err)

	h.e.Focus(h.key)
	h.e.OnLocalInputChange(h.key, "hel")
	h.bus.Publish("alice", wire.Typing("bob", "alice", true))
	require.True(t, h.e.IsPeerTyping(h.key))

	h.e.Focus(other)
	assert.Equal(t, []string{"typing_start", "typing_stop"}, h.log.list())
	assert.False(t, h.e.IsPeerTyping(h.key))
}

func TestLoadMergesHistory(t *testing.T) {
	h := newHarness(t, func(s *fakeStore) {
		s.history = []models.Message{
			fromBob("M2", 2*time.Second),
			fromBob("M1", time.Second),
			{ID: "X", Sender: "carol", Receiver: "alice", Content: "elsewhere", Timestamp: base},
		}
	})
	require.NoError(t, h.e.Load(context.Background(), h.key))
	require.NoError(t, h.e.Load(context.Background(), h.key))
	assert.Equal(t, []string{"M1", "M2"}, h.ids())
	assert.ErrorIs(t, h.e.Load(context.Background(), "nobody:else"), ErrUnknownConversation)
}

func TestCloseUnsubscribesAndClosesUpdates(t *testing.T) {
	h := newHarness(t, nil)
	h.e.Close()
	h.e.Close()

	for range h.e.Updates() {
	}
	assert.Zero(t, h.bus.Publish("alice", wire.Typing("bob", "alice", true)))
	assert.Empty(t, h.e.Materialize(h.key))
	assert.Zero(t, h.clk.Pending())
}
