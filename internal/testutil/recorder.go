package testutil

import (
	"sync"

	"github.com/roach88/reactor/internal/message"
)

// Recorder collects messages for assertions.
type Recorder struct {
	mu       sync.Mutex
	messages []message.Message
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends msg. Its signature matches actor.Subscriber and
// bus.Handler.
func (r *Recorder) Record(msg message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

// Messages returns a copy of everything recorded.
func (r *Recorder) Messages() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.messages...)
}

// Types returns the type of every recorded message in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Type()
	}
	return out
}

// Count returns how many messages of typ were recorded.
func (r *Recorder) Count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Type() == typ {
			n++
		}
	}
	return n
}

// OfType returns the recorded messages of typ.
func (r *Recorder) OfType(typ string) []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.Message
	for _, m := range r.messages {
		if m.Type() == typ {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of recorded messages.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

// Of returns the recorded messages of type T.
func Of[T message.Message](r *Recorder) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, m := range r.messages {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
