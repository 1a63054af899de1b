// Package transport delivers relay events to the sync engine. Implementations dispatch inbound
// frames to the handlers subscribed for their type.
package transport

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ageniuscoder/mmchat/msgsync/internal/wire"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrNoRecipient = errors.New("transport: frame has no receiver")
)

type Handler func(wire.Message)

type Transport interface {
	// Subscribe registers h for frames of eventType. The returned function removes it and may be
	// called any number of times.
	Subscribe(eventType string, h Handler) (unsubscribe func())
	Send(ctx context.Context, msg wire.Message) error
}

// registry is the handler table shared by the implementations.
type registry struct {
	mu       sync.RWMutex
	seq      int
	handlers map[string]map[int]Handler
}

func (r *registry) subscribe(eventType string, h Handler) func() {
	r.mu.Lock()
	if r.handlers == nil {
		r.handlers = make(map[string]map[int]Handler)
	}
	if r.handlers[eventType] == nil {
		r.handlers[eventType] = make(map[int]Handler)
	}
	r.seq++
	id := r.seq
	r.handlers[eventType][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers[eventType], id)
			r.mu.Unlock()
		})
	}
}

// dispatch calls the handlers of msg.Type in subscription order and returns how many ran.
func (r *registry) dispatch(msg wire.Message) int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.handlers[msg.Type]))
	for id := range r.handlers[msg.Type] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, r.handlers[msg.Type][id])
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(msg)
	}
	return len(hs)
}
