package transport

import (
	"context"
	"sync"

	"github.com/ageniuscoder/mmchat/msgsync/internal/wire"
)

// Bus is an in-process relay. Every user joins through an Endpoint; frames are delivered
// synchronously on the sending goroutine.
type Bus struct {
	mu        sync.Mutex
	endpoints map[string][]*Endpoint
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[string][]*Endpoint)}
}

// Endpoint is the Transport of one user on a Bus.
type Endpoint struct {
	bus  *Bus
	user string
	reg  registry
}

// Join returns a new endpoint for user. A user may join several times (several devices).
func (b *Bus) Join(user string) *Endpoint {
	ep := &Endpoint{bus: b, user: user}
	b.mu.Lock()
	b.endpoints[user] = append(b.endpoints[user], ep)
	b.mu.Unlock()
	return ep
}

// Publish delivers msg to every endpoint of user and returns how many handlers ran.
func (b *Bus) Publish(user string, msg wire.Message) int {
	b.mu.Lock()
	eps := append([]*Endpoint(nil), b.endpoints[user]...)
	b.mu.Unlock()

	n := 0
	for _, ep := range eps {
		n += ep.reg.dispatch(msg)
	}
	return n
}

func (e *Endpoint) Subscribe(eventType string, h Handler) func() {
	return e.reg.subscribe(eventType, h)
}

// Send relays msg to its receiver, the way the relay forwards typing frames.
func (e *Endpoint) Send(ctx context.Context, msg wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ReceiverID == "" {
		return ErrNoRecipient
	}
	if msg.SenderID == "" {
		msg.SenderID = e.user
	}
	e.bus.Publish(msg.ReceiverID, msg)
	return nil
}
