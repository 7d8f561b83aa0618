// Package terminal is the line-oriented front end of the chat client: a
// renderer that prints view changes and a REPL that turns input lines into
// controller actions.
package terminal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"VoiceChat/internal/chat"
	"VoiceChat/internal/session"
)

const welcome = "Select a model with /model, then type a message. /help lists commands."

// Renderer prints transcript and control changes. Streamed replies are
// printed incrementally on one open line.
type Renderer struct {
	mu  sync.Mutex
	out io.Writer

	live     int
	printed  string
	lineOpen bool
	typing   bool
	last     chat.Controls
}

// NewRenderer creates a renderer writing to out
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out}
}

// Prime sets the controls the next change is compared against
func (r *Renderer) Prime(c chat.Controls) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = c
}

func (r *Renderer) EntryAdded(e chat.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLineLocked()
	switch e.Role {
	case session.RoleUser:
		// Already on screen as the prompt line
	case session.RoleAssistant:
		fmt.Fprint(r.out, assistantStyle.Render("Assistant:")+" "+e.Content)
		r.live = e.ID
		r.printed = e.Content
		r.lineOpen = true
	default:
		fmt.Fprintln(r.out, noticeStyle(e.Content).Render("• "+e.Content))
	}
}

func (r *Renderer) EntryUpdated(e chat.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID != r.live {
		return
	}
	if strings.HasPrefix(e.Content, r.printed) {
		fmt.Fprint(r.out, e.Content[len(r.printed):])
	} else {
		fmt.Fprint(r.out, "\r"+ansi.EraseEntireLine+assistantStyle.Render("Assistant:")+" "+e.Content)
	}
	r.printed = e.Content
}

func (r *Renderer) EntryRemoved(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == r.live {
		r.closeLineLocked()
	}
}

func (r *Renderer) TranscriptCleared() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLineLocked()
	fmt.Fprintln(r.out, systemStyle.Render("Chat cleared."))
	fmt.Fprintln(r.out, dimStyle.Render(welcome))
}

func (r *Renderer) TypingChanged(typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if typing {
		r.closeLineLocked()
		fmt.Fprint(r.out, dimStyle.Render("Assistant is typing..."))
	} else if r.typing {
		fmt.Fprint(r.out, "\r"+ansi.EraseEntireLine)
	}
	r.typing = typing
}

func (r *Renderer) ControlsChanged(c chat.Controls) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.last
	r.last = c

	if c.Connection != prev.Connection && c.Connection.Text != "" {
		r.closeLineLocked()
		r.bannerLocked(c.Connection)
	}
	if c.Streaming != prev.Streaming {
		r.closeLineLocked()
		mode := "off"
		if c.Streaming {
			mode = "on"
		}
		fmt.Fprintln(r.out, systemStyle.Render("Streaming "+mode))
	}
	if prev.VoiceSupported && !c.VoiceSupported {
		r.closeLineLocked()
		fmt.Fprintln(r.out, warnStyle.Render("Voice input unavailable: the microphone could not be opened"))
	}
	switch {
	case c.Recording && !prev.Recording:
		r.closeLineLocked()
		fmt.Fprintln(r.out, errorStyle.Render("●")+" Recording... type /record to stop")
	case !c.Recording && prev.Recording:
		r.closeLineLocked()
		fmt.Fprintln(r.out, systemStyle.Render(fmt.Sprintf("■ Recording stopped after %ds", prev.RecordingSeconds)))
	}
	if c.Preview.Visible && (!prev.Preview.Visible || c.Preview.Text != prev.Preview.Text) {
		r.closeLineLocked()
		body := chat.Escape(c.Preview.Text) + "\n" + dimStyle.Render(fmt.Sprintf("(%s) /use to edit and send, /discard to drop", c.Preview.Language))
		fmt.Fprintln(r.out, previewStyle.Render(body))
	}
}

// Banner prints a connection banner
func (r *Renderer) Banner(b chat.Banner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLineLocked()
	r.bannerLocked(b)
}

// Info prints a plain line
func (r *Renderer) Info(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLineLocked()
	fmt.Fprintln(r.out, text)
}

// Warn prints a highlighted line
func (r *Renderer) Warn(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLineLocked()
	fmt.Fprintln(r.out, warnStyle.Render(text))
}

// Flush ends an open reply line
func (r *Renderer) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLineLocked()
}

func (r *Renderer) bannerLocked(b chat.Banner) {
	if b.OK {
		fmt.Fprintln(r.out, okStyle.Render("● "+b.Text))
	} else {
		fmt.Fprintln(r.out, errorStyle.Render("● "+b.Text))
	}
}

func (r *Renderer) closeLineLocked() {
	if r.lineOpen {
		fmt.Fprintln(r.out)
		r.lineOpen = false
	}
	if r.typing {
		fmt.Fprint(r.out, "\r"+ansi.EraseEntireLine)
		r.typing = false
	}
	r.live = 0
	r.printed = ""
}

func noticeStyle(text string) lipgloss.Style {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		return errorStyle
	}
	return systemStyle
}
