// Package cache remembers how much of a transcript has already been rendered so
// appended messages can be told apart from a transcript replaced by a reload.
package cache

import (
	"crypto/sha256"
	"fmt"

	"AnalystChat/internal/session"
)

// Key fingerprints the role and content of messages
func Key(messages []session.Message) string {
	h := sha256.New()
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Transcript tracks the rendered prefix of one session's transcript
type Transcript struct {
	sessionID string
	count     int
	key       string
}

// Diff returns the messages not rendered yet. replaced is true when the
// rendered prefix no longer matches, in which case all messages are returned.
// A transcript that gains its session id keeps its rendered prefix.
func (t *Transcript) Diff(sessionID string, messages []session.Message) (fresh []session.Message, replaced bool) {
	sameSession := t.sessionID == "" || sessionID == t.sessionID
	switch {
	case !sameSession:
		replaced = true
	case len(messages) < t.count:
		replaced = true
	case t.count > 0 && Key(messages[:t.count]) != t.key:
		replaced = true
	}

	if replaced {
		fresh = messages
	} else {
		fresh = messages[t.count:]
	}

	t.sessionID = sessionID
	t.count = len(messages)
	t.key = Key(messages)
	return fresh, replaced
}

// Reset forgets what has been rendered
func (t *Transcript) Reset() {
	*t = Transcript{}
}
