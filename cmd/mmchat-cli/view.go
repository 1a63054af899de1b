package main

import (
	"fmt"
	"io"

	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
)

// view prints a thread incrementally. Every confirmed message is printed once; own messages are
// printed first as "sending" and again as "sent" once the relay confirmed them.
type view struct {
	local   string
	out     io.Writer
	printed map[string]bool
	pending map[string]bool
	shown   bool
}

func newView(local string, out io.Writer) *view {
	return &view{local: local, out: out, printed: make(map[string]bool), pending: make(map[string]bool)}
}

func (v *view) render(thread []models.Entry) {
	live := make(map[string]bool)
	for _, e := range thread {
		if e.Optimistic {
			live[e.TempID] = true
			if !v.pending[e.TempID] {
				v.pending[e.TempID] = true
				v.line(e, "sending")
			}
			continue
		}
		if v.printed[e.ID] {
			continue
		}
		v.printed[e.ID] = true
		status := ""
		if e.Sender == v.local {
			status = "sent"
		}
		v.line(e, status)
	}
	for id := range v.pending {
		if !live[id] {
			delete(v.pending, id)
		}
	}
}

func (v *view) line(e models.Entry, status string) {
	who := e.Sender
	if who == v.local {
		who = "you"
	}
	text := e.Content
	if e.Kind == models.KindImage && text == "" {
		text = "[image]"
	}
	if status != "" {
		fmt.Fprintf(v.out, "%s %s: %s (%s)\n", e.Timestamp.Local().Format("15:04"), who, text, status)
		return
	}
	fmt.Fprintf(v.out, "%s %s: %s\n", e.Timestamp.Local().Format("15:04"), who, text)
}

func (v *view) typing(peer string, on bool) {
	if on == v.shown {
		return
	}
	v.shown = on
	if on {
		fmt.Fprintf(v.out, "%s is typing...\n", peer)
	}
}

func (v *view) failed(content string, err error) {
	fmt.Fprintf(v.out, "failed to send %q: %v\n", content, err)
}

func (v *view) notice(format string, args ...any) {
	fmt.Fprintf(v.out, format+"\n", args...)
}
