// Package typing implements the typing indicator protocol: a debounced local emitter and an
// auto-expiring remote observer per conversation.
package typing

import (
	"strings"
	"time"

	"github.com/ageniuscoder/mmchat/msgsync/internal/clock"
)

const (
	// EmitInterval is the minimum gap between two typing=true emissions.
	EmitInterval = time.Second
	// StopAfter is the idle period after which the emitter reports typing=false.
	StopAfter = 3 * time.Second
	// HideAfter is how long a remote typing=true stays visible without a refresh.
	HideAfter = 5 * time.Second
)

// Emitter turns local input changes into typing start/stop events.
type Emitter struct {
	clk  clock.Clock
	emit func(typing bool)

	typing   bool
	lastEmit time.Time
	stop     clock.Timer
	gen      int
}

func NewEmitter(clk clock.Clock, emit func(typing bool)) *Emitter {
	return &Emitter{clk: clk, emit: emit}
}

// OnInput reports the current content of the input box.
func (e *Emitter) OnInput(text string) {
	if strings.TrimSpace(text) == "" {
		e.Stop()
		return
	}
	now := e.clk.Now()
	if !e.typing || now.Sub(e.lastEmit) > EmitInterval {
		e.typing = true
		e.lastEmit = now
		e.emit(true)
	}
	e.arm()
}

func (e *Emitter) arm() {
	e.cancel()
	gen := e.gen
	e.stop = e.clk.AfterFunc(StopAfter, func() {
		if gen != e.gen {
			return
		}
		e.stop = nil
		e.Stop()
	})
}

func (e *Emitter) cancel() {
	e.gen++
	if e.stop != nil {
		e.stop.Stop()
		e.stop = nil
	}
}

// Stop emits typing=false right away if a start was emitted, and cancels the stop timer.
func (e *Emitter) Stop() {
	e.cancel()
	if !e.typing {
		return
	}
	e.typing = false
	e.emit(false)
}

// Typing reports whether the last emission was typing=true.
func (e *Emitter) Typing() bool { return e.typing }

// Observer tracks whether the peer is typing.
type Observer struct {
	clk     clock.Clock
	changed func(visible bool)
	scroll  func()

	visible  bool
	scrolled bool
	hide     clock.Timer
	gen      int
}

func NewObserver(clk clock.Clock, changed func(visible bool), scroll func()) *Observer {
	return &Observer{clk: clk, changed: changed, scroll: scroll}
}

// OnTyping applies a typing event from the peer.
func (o *Observer) OnTyping(typing bool) {
	if !typing {
		o.Hide()
		return
	}
	o.cancel()
	if !o.visible {
		o.visible = true
		o.changed(true)
	}
	if !o.scrolled {
		o.scrolled = true
		o.scroll()
	}
	gen := o.gen
	o.hide = o.clk.AfterFunc(HideAfter, func() {
		if gen != o.gen {
			return
		}
		o.hide = nil
		o.Hide()
	})
}

// OnPeerMessage hides the indicator: the peer finished typing.
func (o *Observer) OnPeerMessage() { o.Hide() }

// Hide clears the indicator and re-arms the one-shot scroll.
func (o *Observer) Hide() {
	o.cancel()
	o.scrolled = false
	if o.visible {
		o.visible = false
		o.changed(false)
	}
}

func (o *Observer) cancel() {
	o.gen++
	if o.hide != nil {
		o.hide.Stop()
		o.hide = nil
	}
}

func (o *Observer) Visible() bool { return o.visible }
