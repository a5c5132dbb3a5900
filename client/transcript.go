package client

import (
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ChatMessage struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
	// Streaming is set while the message is being built from deltas.
	Streaming bool `json:"streaming,omitempty"`
}

// Transcript is the ordered conversation shown to the user. It is safe for
// concurrent use; Changed lets a UI wait for updates without polling.
type Transcript struct {
	mu       sync.Mutex
	messages []ChatMessage
	changed  chan struct{}
	now      func() time.Time
}

func NewTranscript() *Transcript {
	return &Transcript{changed: make(chan struct{}), now: time.Now}
}

func (t *Transcript) AppendUser(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeStreamLocked()
	t.messages = append(t.messages, ChatMessage{Role: RoleUser, Text: text, At: t.now()})
	t.notifyLocked()
}

func (t *Transcript) AppendAssistant(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeStreamLocked()
	t.messages = append(t.messages, ChatMessage{Role: RoleAssistant, Text: text, At: t.now()})
	t.notifyLocked()
}

// AppendDelta extends the last message when it came from the assistant,
// otherwise it starts a new assistant message.
func (t *Transcript) AppendDelta(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.messages); n > 0 && t.messages[n-1].Role == RoleAssistant {
		t.messages[n-1].Text += delta
		t.messages[n-1].Streaming = true
	} else {
		t.messages = append(t.messages, ChatMessage{Role: RoleAssistant, Text: delta, At: t.now(), Streaming: true})
	}
	t.notifyLocked()
}

func (t *Transcript) closeStreamLocked() {
	if n := len(t.messages); n > 0 {
		t.messages[n-1].Streaming = false
	}
}

func (t *Transcript) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Messages returns a copy of the conversation so far.
func (t *Transcript) Messages() []ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *Transcript) Last() (ChatMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messages) == 0 {
		return ChatMessage{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Changed returns a channel that is closed on the next mutation.
func (t *Transcript) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}
