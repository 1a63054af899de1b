// Package engine is the client-side message sync engine. One goroutine (Run) owns every piece of
// conversation state; public methods, transport callbacks and timer callbacks are posted to it as
// closures.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/msgsync/internal/clock"
	"github.com/ageniuscoder/mmchat/msgsync/internal/convkey"
	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
	"github.com/ageniuscoder/mmchat/msgsync/internal/optimistic"
	"github.com/ageniuscoder/mmchat/msgsync/internal/receipts"
	"github.com/ageniuscoder/mmchat/msgsync/internal/timeline"
	"github.com/ageniuscoder/mmchat/msgsync/internal/transport"
	"github.com/ageniuscoder/mmchat/msgsync/internal/typing"
	"github.com/ageniuscoder/mmchat/msgsync/internal/wire"
)

var (
	ErrEmptyContent        = errors.New("engine: empty message")
	ErrUnknownConversation = errors.New("engine: unknown conversation")
	ErrSelfConversation    = errors.New("engine: conversation with oneself")
	ErrClosed              = errors.New("engine: closed")
)

const (
	DefaultHistoryLimit = 50
	updateBuffer        = 256
	actionBuffer        = 1024
)

// Store is the durable message store behind the relay.
type Store interface {
	SendMessage(ctx context.Context, out models.Outbound) (models.Message, error)
	MarkRead(ctx context.Context, local, peer string) error
	MarkMessagesRead(ctx context.Context, ids []string) error
	History(ctx context.Context, key string, limit int) ([]models.Message, error)
}

type Options struct {
	Local     string
	Store     Store
	Transport transport.Transport
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// NewID generates optimistic temp ids. Defaults to random UUIDs.
	NewID func() string
	// HistoryLimit is the page size of Load. Defaults to DefaultHistoryLimit.
	HistoryLimit int
}

type Engine struct {
	local        string
	store        Store
	tr           transport.Transport
	clk          clock.Clock
	newID        func() string
	historyLimit int
	log          zerolog.Logger
	validate     *validator.Validate

	actions chan func()
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
	updates chan Update

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	// Owned by the loop.
	keys     map[string]bool
	history  *timeline.History
	pending  *optimistic.Store
	receipts *receipts.Propagator
	typing   *typing.Sessions
	sweep    clock.Timer
	unsubs   []func()
}

// New builds an engine for the local user. It subscribes to the transport right away; frames that
// arrive before Run starts are queued.
func New(opts Options) (*Engine, error) {
	if err := convkey.Valid(opts.Local); err != nil {
		return nil, err
	}
	local := convkey.Normalize(opts.Local)
	if opts.Store == nil || opts.Transport == nil {
		return nil, errors.New("engine: store and transport are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}

	e := &Engine{
		local:        local,
		store:        opts.Store,
		tr:           opts.Transport,
		newID:        opts.NewID,
		historyLimit: opts.HistoryLimit,
		log:          logging.WithUser("engine", local),
		validate:     validator.New(),
		actions:      make(chan func(), actionBuffer),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		updates:      make(chan Update, updateBuffer),
		keys:         make(map[string]bool),
		history:      timeline.NewHistory(),
		pending:      optimistic.NewStore(),
	}
	e.clk = loopClock{Clock: opts.Clock, post: e.post}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	e.receipts = receipts.New(local, e.history, e.pending, e.clk, receiptActions{e})
	e.typing = typing.NewSessions(e.clk, typing.Callbacks{
		Emit:    e.emitTyping,
		Changed: func(key string, visible bool) { e.notify(Update{Kind: UpdateTyping, Key: key, Typing: visible}) },
		Scroll:  func(key string) { e.notify(Update{Kind: UpdateScroll, Key: key}) },
	})
	e.subscribe()
	e.armSweep()
	return e, nil
}

// Run processes posted work until ctx is cancelled or Close is called, then releases every
// subscription and timer. It may only be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrClosed
	}
	defer e.shutdown()
	e.log.Info().Msg("engine started")
	for {
		select {
		case fn := <-e.actions:
			fn()
		case <-e.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops Run. It is safe to call more than once.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.stop) })
	if e.started.CompareAndSwap(false, true) {
		e.shutdown()
	}
}

func (e *Engine) shutdown() {
	close(e.done)
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	if e.sweep != nil {
		e.sweep.Stop()
	}
	e.receipts.Stop()
	e.typing.Close()
	e.bgCancel()
	e.bg.Wait()
	close(e.updates)
	e.log.Info().Msg("engine stopped")
}

// Updates delivers change notifications. The channel is closed after shutdown. Updates are dropped
// when the consumer falls behind by more than the buffer.
func (e *Engine) Updates() <-chan Update { return e.updates }

// Local returns the normalized id of the local user.
func (e *Engine) Local() string { return e.local }

func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.actions <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(fn func()) error {
	ran := make(chan struct{})
	if !e.post(func() { fn(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (e *Engine) background(fn func(ctx context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn(e.bgCtx)
	}()
}

func (e *Engine) notify(u Update) {
	select {
	case e.updates <- u:
	default:
		e.log.Warn().Str("kind", u.Kind.String()).Str("key", u.Key).Msg("update dropped, consumer too slow")
	}
}

func (e *Engine) changed(key string) { e.notify(Update{Kind: UpdateThread, Key: key}) }

func (e *Engine) armSweep() {
	e.sweep = e.clk.AfterFunc(optimistic.SweepInterval, func() {
		for _, key := range e.pending.Sweep(e.clk.Now()) {
			e.log.Debug().Str("key", key).Msg("dropped unconfirmed messages")
			e.changed(key)
		}
		e.armSweep()
	})
}

// Open registers the conversation with peer and returns its key.
func (e *Engine) Open(peer string) (string, error) {
	key, err := convkey.Key(e.local, peer)
	if err != nil {
		return "", err
	}
	if convkey.Normalize(peer) == e.local {
		return "", ErrSelfConversation
	}
	if err := e.call(func() { e.keys[key] = true }); err != nil {
		return "", err
	}
	return key, nil
}

// Load fetches the most recent history of key from the store and merges it.
func (e *Engine) Load(ctx context.Context, key string) error {
	if !e.known(key) {
		return ErrUnknownConversation
	}
	msgs, err := e.store.History(ctx, key, e.historyLimit)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	return e.call(func() {
		for _, m := range msgs {
			m, err := e.accept(m)
			if err != nil {
				e.log.Warn().Err(err).Str("key", key).Msg("dropping history entry")
				continue
			}
			if k, _ := convkey.Key(m.Sender, m.Receiver); k != key {
				e.log.Warn().Str("key", key).Str("id", m.ID).Msg("history entry belongs to another conversation")
				continue
			}
			e.ingest(key, m, false)
		}
	})
}

func (e *Engine) known(key string) bool {
	var ok bool
	_ = e.call(func() { ok = e.keys[key] })
	return ok
}

// Materialize returns the current thread of key.
func (e *Engine) Materialize(key string) []models.Entry {
	var out []models.Entry
	_ = e.call(func() { out = e.history.Materialize(key, e.pending.Pending(key)) })
	return out
}

// UnreadCount returns the number of unread messages from the peer of key.
func (e *Engine) UnreadCount(key string) int {
	var n int
	_ = e.call(func() { n = e.history.Unread(key, e.local) })
	return n
}

// Submit sends content to the peer of key. The message shows up immediately as an optimistic
// entry; a failed send removes it again and reports UpdateSendFailed with the original content.
func (e *Engine) Submit(key, content string, attachments ...models.Attachment) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return ErrEmptyContent
	}
	var err error
	if cerr := e.call(func() { err = e.submit(key, content, attachments) }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) submit(key, content string, attachments []models.Attachment) error {
	if !e.keys[key] {
		return ErrUnknownConversation
	}
	peer, err := convkey.Peer(key, e.local)
	if err != nil {
		return err
	}

	// The peer must see typing stop before the message.
	e.typing.Get(key).Local.Stop()

	msg := models.Message{
		Sender:    e.local,
		Receiver:  peer,
		Content:   content,
		Timestamp: e.clk.Now(),
		Kind:      models.KindNormal,
	}
	if len(attachments) > 0 {
		meta, err := json.Marshal(struct {
			Attachments []models.Attachment `json:"attachments"`
		}{attachments})
		if err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
		msg.Kind = models.KindImage
		msg.Meta = meta
		if strings.TrimSpace(content) == "" {
			msg.Content = attachments[0].URL
		}
	}

	tempID := e.newID()
	if !e.pending.Insert(key, models.OptimisticMessage{Message: msg, TempID: tempID}) {
		return fmt.Errorf("engine: temp id %q already pending", tempID)
	}
	e.changed(key)

	out := models.Outbound{
		Receiver:     peer,
		Content:      msg.Content,
		Kind:         msg.Kind,
		Meta:         msg.Meta,
		ClientTempID: tempID,
	}
	e.background(func(ctx context.Context) {
		sent, err := e.store.SendMessage(ctx, out)
		e.post(func() { e.onSent(key, tempID, content, attachments, sent, err) })
	})
	return nil
}

func (e *Engine) onSent(key, tempID, content string, attachments []models.Attachment, sent models.Message, err error) {
	log := e.log.With().Str("key", key).Str("temp_id", tempID).Logger()
	if err != nil {
		if _, resolved := e.pending.Resolved(tempID); resolved {
			log.Warn().Err(err).Msg("send failed after the message was confirmed")
			return
		}
		e.pending.Rollback(tempID)
		log.Warn().Err(err).Msg("send failed, message rolled back")
		e.changed(key)
		e.notify(Update{Kind: UpdateSendFailed, Key: key, Content: content, Attachments: attachments, Err: err})
		return
	}
	if sent.ID == "" {
		log.Warn().Msg("store confirmed a send without an id")
		return
	}

	sent.ClientTempID = tempID
	if m, err := e.accept(sent); err == nil {
		e.ingest(key, m, true)
	}
	if _, resolved := e.pending.Resolved(tempID); resolved {
		return
	}
	e.pending.Bind(tempID, sent.ID)
	if e.history.Has(sent.ID) {
		if _, ok := e.pending.Reconcile(models.Message{ID: sent.ID}); ok {
			e.changed(key)
		}
	}
}

// OnLocalInputChange reports the content of the input box of key.
func (e *Engine) OnLocalInputChange(key, text string) {
	e.post(func() {
		if !e.keys[key] {
			return
		}
		e.typing.Get(key).Local.OnInput(text)
	})
}

func (e *Engine) emitTyping(key string, typing bool) {
	peer, err := convkey.Peer(key, e.local)
	if err != nil {
		return
	}
	if err := e.tr.Send(e.bgCtx, wire.Typing(e.local, peer, typing)); err != nil {
		e.log.Warn().Err(err).Str("key", key).Bool("typing", typing).Msg("typing event not sent")
	}
}

// IsPeerTyping reports whether the typing indicator of key is shown.
func (e *Engine) IsPeerTyping(key string) bool {
	var ok bool
	_ = e.call(func() { ok = e.typing.PeerTyping(key) })
	return ok
}

// Focus records that key is the conversation on screen. An empty key means none is.
func (e *Engine) Focus(key string) {
	_ = e.call(func() {
		if prev := e.receipts.Focused(); prev != "" && prev != key {
			e.typing.StopKey(prev)
		}
		e.receipts.Focus(key)
	})
}

// MessageRef identifies a rendered message by author, addressee and timestamp.
type MessageRef struct {
	Sender    string
	Receiver  string
	Timestamp time.Time
}

// MessageVisible reports that the message ref of key scrolled into view. It returns whether the
// message was marked read.
func (e *Engine) MessageVisible(key string, ref MessageRef) bool {
	var marked bool
	_ = e.call(func() { marked = e.receipts.OnVisible(key, ref.Sender, ref.Receiver, ref.Timestamp) })
	return marked
}

type receiptActions struct{ e *Engine }

func (a receiptActions) MarkConversationRead(key, peer string) {
	e := a.e
	e.background(func(ctx context.Context) {
		if err := e.store.MarkRead(ctx, e.local, peer); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("mark conversation read failed")
		}
	})
}

func (a receiptActions) MarkMessagesRead(key string, ids []string) {
	e := a.e
	e.background(func(ctx context.Context) {
		if err := e.store.MarkMessagesRead(ctx, ids); err != nil {
			e.log.Warn().Err(err).Str("key", key).Strs("ids", ids).Msg("mark messages read failed")
		}
	})
}

func (a receiptActions) Changed(key string) { a.e.changed(key) }

// loopClock runs timer callbacks on the engine loop.
type loopClock struct {
	clock.Clock
	post func(func()) bool
}

func (c loopClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return c.Clock.AfterFunc(d, func() { c.post(fn) })
}
