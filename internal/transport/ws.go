package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
	"github.com/ageniuscoder/mmchat/msgsync/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// WSClient is a Transport over a relay websocket connection.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	reg  registry
	log  zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to the relay websocket endpoint at url, authenticating with token.
func DialWS(ctx context.Context, url, token string) (*WSClient, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSClient(conn), nil
}

func newWSClient(conn *websocket.Conn) *WSClient {
	c := &WSClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  logging.Component("transport"),
		done: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *WSClient) Subscribe(eventType string, h Handler) func() {
	return c.reg.subscribe(eventType, h)
}

// Send queues msg for the write pump.
func (c *WSClient) Send(ctx context.Context, msg wire.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the connection is gone.
func (c *WSClient) Done() <-chan struct{} { return c.done }

// Close shuts the connection down. It is safe to call more than once.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if c.reg.dispatch(msg) == 0 {
			c.log.Debug().Str("type", msg.Type).Msg("no handler for frame")
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
