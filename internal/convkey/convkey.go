// Package convkey derives the identifier shared by both sides of a two-party conversation.
package convkey

import (
	"errors"
	"strings"
	"unicode"
)

// Separator joins the two participant ids of a key.
const Separator = ":"

var (
	ErrEmptyParticipant = errors.New("convkey: empty participant id")
	ErrInvalidKey       = errors.New("convkey: malformed conversation key")
	// ErrInvalidParticipant is returned for ids that contain Separator.
	ErrInvalidParticipant = errors.New("convkey: participant id contains the separator")
)

// Normalize cleans a free-text participant id so that visually identical ids compare equal.
// Control and zero-width characters are dropped, whitespace runs collapse to one space and the
// result is trimmed. The separator is kept; Valid and Key reject ids that contain it.
func Normalize(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	space := false
	for _, r := range id {
		switch {
		case isInvisible(r):
			continue
		case unicode.IsSpace(r):
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

func isInvisible(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return unicode.IsControl(r) && !unicode.IsSpace(r)
}

// Valid reports why the normalized id cannot take part in a conversation, if it cannot.
func Valid(id string) error {
	id = Normalize(id)
	if id == "" {
		return ErrEmptyParticipant
	}
	if strings.Contains(id, Separator) {
		return ErrInvalidParticipant
	}
	return nil
}

// Key returns the conversation key for a and b. Key(a, b) == Key(b, a).
func Key(a, b string) (string, error) {
	if err := Valid(a); err != nil {
		return "", err
	}
	if err := Valid(b); err != nil {
		return "", err
	}
	a, b = Normalize(a), Normalize(b)
	if b < a {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// MustKey is Key for ids already validated by the caller.
func MustKey(a, b string) string {
	k, err := Key(a, b)
	if err != nil {
		panic(err)
	}
	return k
}

// Split returns the two participants of key in sorted order.
func Split(key string) (string, string, error) {
	a, b, ok := strings.Cut(key, Separator)
	if !ok || a == "" || b == "" || strings.Contains(b, Separator) {
		return "", "", ErrInvalidKey
	}
	return a, b, nil
}

// Peer returns the participant of key that is not self.
func Peer(key, self string) (string, error) {
	a, b, err := Split(key)
	if err != nil {
		return "", err
	}
	self = Normalize(self)
	switch self {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", ErrInvalidKey
}

// Has reports whether id takes part in the conversation.
func Has(key, id string) bool {
	a, b, err := Split(key)
	if err != nil {
		return false
	}
	id = Normalize(id)
	return id == a || id == b
}
