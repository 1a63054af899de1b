package chat

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
	"github.com/ageniuscoder/mmchat/msgsync/internal/transport"
	"github.com/ageniuscoder/mmchat/msgsync/internal/wire"
)

// Mirror republishes deliveries on a broker. *nats.Conn satisfies it.
type Mirror interface {
	Publish(subject string, data []byte) error
}

type delivery struct {
	userID  string
	payload []byte
}

type onlineQuery struct {
	userID string
	reply  chan int
}

type Hub struct {
	register   chan *Client
	unregister chan *Client
	deliver    chan delivery
	online     chan onlineQuery
	done       chan struct{}

	// userID -> set of client connections (multi-tab / multi-device)
	clients map[string]map[*Client]bool
	mirror  Mirror
	log     zerolog.Logger
}

// NewHub creates a hub. mirror may be nil.
func NewHub(mirror Mirror) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan delivery, 256),
		online:     make(chan onlineQuery),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
		mirror:     mirror,
		log:        logging.Component("hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for _, set := range h.clients {
			for client := range set {
				close(client.Send)
			}
		}
		h.clients = nil
	}()
	for {
		select {
		case client := <-h.register:
			if h.clients[client.UserID] == nil {
				h.clients[client.UserID] = make(map[*Client]bool)
			}
			h.clients[client.UserID][client] = true
			h.log.Debug().Str("user", client.UserID).Msg("client connected")
		case client := <-h.unregister:
			h.drop(client)
		case d := <-h.deliver:
			h.fanout(d)
		case q := <-h.online:
			q.reply <- len(h.clients[q.userID])
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) drop(client *Client) {
	set, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.Send)
	if len(set) == 0 {
		delete(h.clients, client.UserID)
	}
	h.log.Debug().Str("user", client.UserID).Msg("client disconnected")
}

func (h *Hub) fanout(d delivery) {
	if h.mirror != nil {
		if err := h.mirror.Publish(transport.Subject(d.userID), d.payload); err != nil {
			h.log.Warn().Err(err).Str("user", d.userID).Msg("mirror publish failed")
		}
	}
	for client := range h.clients[d.userID] {
		select {
		case client.Send <- d.payload:
		default:
			// slow/broken client -> drop
			h.log.Warn().Str("user", d.userID).Msg("dropped slow client")
			h.drop(client)
		}
	}
}

// Online reports how many connections userID has.
func (h *Hub) Online(userID string) int {
	q := onlineQuery{userID: userID, reply: make(chan int, 1)}
	select {
	case h.online <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}

func (h *Hub) send(userID string, msg wire.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal wire message")
		return
	}
	select {
	case h.deliver <- delivery{userID: userID, payload: payload}:
	case <-h.done:
	}
}

// BroadcastMessage delivers a confirmed message to both participants. The sender's copy is the
// echo its optimistic entry is reconciled against.
func (h *Hub) BroadcastMessage(key string, m models.Message) {
	frame := wire.FromMessage(key, m)
	h.send(m.Sender, frame)
	if m.Receiver != m.Sender {
		h.send(m.Receiver, frame)
	}
}

// BroadcastReadReceipt tells to that reader has read ids.
func (h *Hub) BroadcastReadReceipt(reader, to string, ids []string) {
	if len(ids) == 0 {
		return
	}
	h.send(to, wire.ReadReceipt(reader, to, ids))
}

// BroadcastTyping relays a typing_start / typing_stop frame from one user to another.
func (h *Hub) BroadcastTyping(from, to, eventType string) {
	h.send(to, wire.Message{Type: eventType, SenderID: from, ReceiverID: to})
}
