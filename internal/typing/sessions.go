package typing

import "github.com/ageniuscoder/mmchat/msgsync/internal/clock"

// Session is the typing state of one conversation in both directions.
type Session struct {
	Local  *Emitter
	Remote *Observer
}

// Callbacks receive the events of every session, tagged with the conversation key.
type Callbacks struct {
	Emit    func(key string, typing bool)
	Changed func(key string, visible bool)
	Scroll  func(key string)
}

// Sessions creates sessions lazily per conversation key. It is not safe for concurrent use.
type Sessions struct {
	clk   clock.Clock
	cb    Callbacks
	byKey map[string]*Session
}

func NewSessions(clk clock.Clock, cb Callbacks) *Sessions {
	return &Sessions{clk: clk, cb: cb, byKey: make(map[string]*Session)}
}

// Get returns the session of key, creating it on first use.
func (s *Sessions) Get(key string) *Session {
	if sess, ok := s.byKey[key]; ok {
		return sess
	}
	sess := &Session{
		Local: NewEmitter(s.clk, func(typing bool) { s.cb.Emit(key, typing) }),
		Remote: NewObserver(s.clk,
			func(visible bool) { s.cb.Changed(key, visible) },
			func() { s.cb.Scroll(key) },
		),
	}
	s.byKey[key] = sess
	return sess
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int { return len(s.byKey) }

// PeerTyping reports whether the indicator of key is shown.
func (s *Sessions) PeerTyping(key string) bool {
	sess, ok := s.byKey[key]
	return ok && sess.Remote.Visible()
}

// StopKey ends local typing and hides the indicator of key.
func (s *Sessions) StopKey(key string) {
	sess, ok := s.byKey[key]
	if !ok {
		return
	}
	sess.Local.Stop()
	sess.Remote.Hide()
}

// Close stops every session and forgets them.
func (s *Sessions) Close() {
	for key := range s.byKey {
		s.StopKey(key)
	}
	clear(s.byKey)
}
