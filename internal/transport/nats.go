package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
	"github.com/ageniuscoder/mmchat/msgsync/internal/wire"
)

// SubjectPrefix prefixes the per-user delivery subjects. The relay mirrors every frame it delivers
// to a user onto Subject(user).
const SubjectPrefix = "mmchat.user."

func Subject(user string) string { return SubjectPrefix + user }

// NATS is a Transport over per-user NATS subjects.
type NATS struct {
	nc   *nats.Conn
	self string
	sub  *nats.Subscription
	reg  registry
	log  zerolog.Logger

	closeOnce sync.Once
}

// NewNATS subscribes to the subject of self on nc.
func NewNATS(nc *nats.Conn, self string) (*NATS, error) {
	n := &NATS{nc: nc, self: self, log: logging.WithUser("transport", self)}
	sub, err := nc.Subscribe(Subject(self), n.onMsg)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", Subject(self), err)
	}
	n.sub = sub
	return n, nil
}

func (n *NATS) onMsg(m *nats.Msg) {
	var msg wire.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		n.log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping undecodable frame")
		return
	}
	n.reg.dispatch(msg)
}

func (n *NATS) Subscribe(eventType string, h Handler) func() {
	return n.reg.subscribe(eventType, h)
}

// Send publishes msg on the subject of its receiver.
func (n *NATS) Send(ctx context.Context, msg wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ReceiverID == "" {
		return ErrNoRecipient
	}
	if msg.SenderID == "" {
		msg.SenderID = n.self
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	return n.nc.Publish(Subject(msg.ReceiverID), data)
}

// Close drops the subscription. The connection belongs to the caller.
func (n *NATS) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.sub != nil {
			err = n.sub.Unsubscribe()
		}
	})
	return err
}
