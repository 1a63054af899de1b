package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
	"github.com/ageniuscoder/mmchat/msgsync/internal/wire"
)

func TestBus_RoutesToReceiver(t *testing.T) {
	bus := NewBus()
	alice := bus.Join("alice")
	bob := bus.Join("bob")

	var got []wire.Message
	bob.Subscribe(wire.TypeTypingStart, func(m wire.Message) { got = append(got, m) })
	alice.Subscribe(wire.TypeTypingStart, func(m wire.Message) { t.Fatal("sender must not receive its own frame") })

	require.NoError(t, alice.Send(context.Background(), wire.Message{Type: wire.TypeTypingStart, ReceiverID: "bob"}))
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].SenderID)

	require.ErrorIs(t, alice.Send(context.Background(), wire.Message{Type: wire.TypeTypingStart}), ErrNoRecipient)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	ep := bus.Join("bob")
	calls := 0
	unsub := ep.Subscribe(wire.TypeMessage, func(wire.Message) { calls++ })
	other := ep.Subscribe(wire.TypeMessage, func(wire.Message) { calls += 10 })

	require.Equal(t, 2, bus.Publish("bob", wire.Message{Type: wire.TypeMessage}))
	unsub()
	unsub()
	require.Equal(t, 1, bus.Publish("bob", wire.Message{Type: wire.TypeMessage}))
	other()
	require.Zero(t, bus.Publish("bob", wire.Message{Type: wire.TypeMessage}))
	require.Equal(t, 21, calls)
}

func TestBus_HonoursCancelledContext(t *testing.T) {
	ep := NewBus().Join("alice")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, ep.Send(ctx, wire.Message{ReceiverID: "bob"}), context.Canceled)
}

func TestWSClient_SendAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := make(chan wire.Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var in wire.Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		frames <- in
		_ = conn.WriteJSON(wire.Message{Type: wire.TypeMessage, MessageID: "M1", SenderID: in.SenderID})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := DialWS(context.Background(), url, "tok")
	require.NoError(t, err)

	received := make(chan wire.Message, 1)
	c.Subscribe(wire.TypeMessage, func(m wire.Message) { received <- m })

	require.NoError(t, c.Send(context.Background(), wire.Typing("alice", "bob", true)))
	select {
	case in := <-frames:
		assert.Equal(t, wire.TypeTypingStart, in.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("server never got the frame")
	}
	select {
	case m := <-received:
		assert.Equal(t, "M1", m.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("client never got the frame")
	}

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	<-c.Done()
	require.ErrorIs(t, c.Send(context.Background(), wire.Typing("alice", "bob", false)), ErrClosed)
}

func TestNATS_DecodesAndDispatches(t *testing.T) {
	n := &NATS{self: "bob", log: logging.Component("transport")}
	var got []wire.Message
	n.Subscribe(wire.TypeReadReceipt, func(m wire.Message) { got = append(got, m) })

	data, err := json.Marshal(wire.ReadReceipt("alice", "bob", []string{"M1"}))
	require.NoError(t, err)
	n.onMsg(&nats.Msg{Subject: Subject("bob"), Data: data})
	n.onMsg(&nats.Msg{Subject: Subject("bob"), Data: []byte("{broken")})

	require.Len(t, got, 1)
	assert.Equal(t, []string{"M1"}, got[0].MessageIDs)
	assert.NoError(t, n.Close())
}

func TestNATS_SendRequiresReceiver(t *testing.T) {
	n := &NATS{self: "bob"}
	require.ErrorIs(t, n.Send(context.Background(), wire.Message{Type: wire.TypeTypingStart}), ErrNoRecipient)
	assert.Equal(t, "mmchat.user.alice", Subject("alice"))
}
