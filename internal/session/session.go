package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a chat message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message represents a single chat message
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session holds the state of one chat client for the lifetime of the process.
// It is owned by the chat controller and never shared.
type Session struct {
	ID            string    `json:"id"`
	StartTime     time.Time `json:"start_time"`
	SelectedModel string    `json:"selected_model"`
	Streaming     bool      `json:"streaming"`
	History       []Message `json:"history"`
}

// New creates an empty session
func New(streaming bool) *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
		Streaming: streaming,
		History:   []Message{},
	}
}

// HasModel reports whether a model is selected
func (s *Session) HasModel() bool {
	return s.SelectedModel != ""
}

// Append adds a turn to the history
func (s *Session) Append(role Role, content string) Message {
	msg := Message{Role: role, Content: content, Timestamp: time.Now()}
	s.History = append(s.History, msg)
	return msg
}

// Prior returns a copy of every turn before the latest one. The latest turn is
// sent separately as the request message.
func (s *Session) Prior() []Message {
	if len(s.History) == 0 {
		return []Message{}
	}
	prior := make([]Message, len(s.History)-1)
	copy(prior, s.History[:len(s.History)-1])
	return prior
}

// Latest returns the most recent turn
func (s *Session) Latest() (Message, bool) {
	if len(s.History) == 0 {
		return Message{}, false
	}
	return s.History[len(s.History)-1], true
}

// Reset drops the whole history
func (s *Session) Reset() {
	s.History = []Message{}
}

// Recording is the state of one voice capture. It exists from the moment
// recording starts until the captured audio is handed off for transcription.
type Recording struct {
	Active         bool
	ElapsedSeconds int
	Chunks         [][]byte
}

// Size returns the number of captured bytes
func (r *Recording) Size() int {
	n := 0
	for _, c := range r.Chunks {
		n += len(c)
	}
	return n
}

// Assemble concatenates the captured chunks in order
func (r *Recording) Assemble() []byte {
	blob := make([]byte, 0, r.Size())
	for _, c := range r.Chunks {
		blob = append(blob, c...)
	}
	return blob
}
