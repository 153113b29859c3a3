// Package transcript accumulates finalized utterances from a realtime session
// into an ordered, duplicate-free message log.
//
// The realtime provider may deliver the same finalized transcript more than
// once (retransmission, or a final event repeated with a new identifier).
// [Accumulator] suppresses both shapes of duplicate:
//
//   - an event identifier that was already applied in this session, and
//   - a message whose role and trimmed content equal the most recent entry.
//
// The second rule means a user who genuinely says the same thing twice in a
// row is recorded once. That trade-off is accepted.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/types"
)

// Option is a functional option for configuring an [Accumulator].
type Option func(*Accumulator)

// WithClock overrides the timestamp source. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) {
		a.now = now
	}
}

// Accumulator is the ordered transcript of a single session.
//
// The controller's event loop is the only writer; readers may call
// [Accumulator.Snapshot] from any goroutine. All methods are safe for
// concurrent use.
type Accumulator struct {
	mu       sync.Mutex
	messages []types.Message
	seen     map[string]struct{}
	now      func() time.Time
}

// New creates an empty [Accumulator].
func New(opts ...Option) *Accumulator {
	a := &Accumulator{
		seen: make(map[string]struct{}),
		now:  time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append records a finalized utterance and reports whether it was added.
//
// Content is trimmed first and blank content is dropped. A non-empty eventID
// that was already seen drops the message; otherwise the id is remembered
// before the adjacency check, so a retransmission of an event that was itself
// dropped as an adjacent repeat is also ignored. Finally, a message with the
// same role and content as the last entry is dropped.
func (a *Accumulator) Append(role types.Role, content, eventID string) bool {
	content = strings.TrimSpace(content)
	if content == "" || !role.Valid() {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if eventID != "" {
		if _, dup := a.seen[eventID]; dup {
			return false
		}
		a.seen[eventID] = struct{}{}
	}

	if n := len(a.messages); n > 0 {
		last := a.messages[n-1]
		if last.Role == role && last.Content == content {
			return false
		}
	}

	a.messages = append(a.messages, types.Message{
		Role:      role,
		Content:   content,
		Timestamp: a.now(),
	})
	return true
}

// Snapshot returns a copy of the log in append order. It does not clear state.
func (a *Accumulator) Snapshot() []types.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// Len returns the number of accumulated messages.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

// Reset clears the log and the set of seen event identifiers.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
	clear(a.seen)
}
