package chat

import (
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"VoiceChat/internal/api"
	"VoiceChat/internal/session"
)

// Entry is one rendered message in the transcript. Content is already
// escaped for display.
type Entry struct {
	ID        int
	Role      session.Role
	Content   string
	Timestamp time.Time
}

// Transcript is the user-visible sequence of messages, including system
// notices that never reach the history.
type Transcript struct {
	Entries        []Entry
	WelcomeVisible bool
	Typing         bool
}

// Banner is the connection status line
type Banner struct {
	OK   bool
	Text string
}

// Preview holds a finished transcription waiting to be used or discarded
type Preview struct {
	Visible  bool
	Text     string
	Language string
}

// Controls is the state of every input the user can act on
type Controls struct {
	Composer         string
	ComposerEnabled  bool
	SendEnabled      bool
	VoiceEnabled     bool
	RecordEnabled    bool
	RefreshEnabled   bool
	Streaming        bool
	VoiceSupported   bool
	ModelLabel       string
	SelectedModel    string
	Models           []api.Model
	Connection       Banner
	Recording        bool
	RecordingSeconds int
	QuickListening   bool
	Preview          Preview
}

// Renderer observes view changes. Calls arrive in the order the changes
// were made, possibly from background goroutines, and must not call back
// into the controller.
type Renderer interface {
	EntryAdded(e Entry)
	EntryUpdated(e Entry)
	EntryRemoved(id int)
	TranscriptCleared()
	TypingChanged(typing bool)
	ControlsChanged(c Controls)
}

// NopRenderer discards every change
type NopRenderer struct{}

func (NopRenderer) EntryAdded(Entry)         {}
func (NopRenderer) EntryUpdated(Entry)       {}
func (NopRenderer) EntryRemoved(int)         {}
func (NopRenderer) TranscriptCleared()       {}
func (NopRenderer) TypingChanged(bool)       {}
func (NopRenderer) ControlsChanged(Controls) {}

// Escape makes backend or user text safe to print on a terminal: escape
// sequences are stripped and control characters other than newline and tab
// are dropped.
func Escape(s string) string {
	s = ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0):
			return -1
		}
		return r
	}, s)
}

func (c Controls) clone() Controls {
	if c.Models != nil {
		models := make([]api.Model, len(c.Models))
		copy(models, c.Models)
		c.Models = models
	}
	return c
}

func (t Transcript) clone() Transcript {
	entries := make([]Entry, len(t.Entries))
	copy(entries, t.Entries)
	t.Entries = entries
	return t
}
