// Package storeapi is the HTTP client of the relay's REST API. *Client satisfies engine.Store.
package storeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/msgsync/internal/convkey"
	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
)

// APIError is a non-2xx answer of the relay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay answered %d: %s", e.Status, e.Message)
}

type Client struct {
	base  string
	token string
	http  *http.Client
	log   zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after 15s.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   logging.Component("storeapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage posts out and returns the message as the relay stored it.
func (c *Client) SendMessage(ctx context.Context, out models.Outbound) (models.Message, error) {
	var resp struct {
		Message models.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/messages", out, &resp); err != nil {
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}
	return resp.Message, nil
}

// MarkRead marks every message that peer sent to local read.
func (c *Client) MarkRead(ctx context.Context, local, peer string) error {
	key, err := convkey.Key(local, peer)
	if err != nil {
		return err
	}
	path := "/api/conversations/" + url.PathEscape(key) + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	return nil
}

func (c *Client) MarkMessagesRead(ctx context.Context, ids []string) error {
	body := struct {
		MessageIDs []string `json:"message_ids"`
	}{ids}
	if err := c.do(ctx, http.MethodPost, "/api/messages/read", body, nil); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

// History returns up to limit of the most recent messages of key.
func (c *Client) History(ctx context.Context, key string, limit int) ([]models.Message, error) {
	path := "/api/conversations/" + url.PathEscape(key) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return resp.Messages, nil
}

// Conversations lists the caller's inbox, most recently active first.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return resp.Conversations, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return err
	}
	if res.StatusCode/100 != 2 {
		c.log.Debug().Str("method", method).Str("path", path).Int("status", res.StatusCode).Msg("request failed")
		return &APIError{Status: res.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// errorMessage extracts the "error" field of a relay error body. Validation errors are lists and
// are returned as raw JSON.
func errorMessage(data []byte) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil || len(env.Error) == 0 {
		return strings.TrimSpace(string(data))
	}
	var s string
	if err := json.Unmarshal(env.Error, &s); err == nil {
		return s
	}
	return string(env.Error)
}
