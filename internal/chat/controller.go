// Package chat implements the chat session controller: model selection,
// message dispatch in complete or streaming mode, voice capture and the
// connection check. It keeps a toolkit-independent view model that a
// Renderer observes.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"VoiceChat/internal/api"
	"VoiceChat/internal/client"
	"VoiceChat/internal/session"
	"VoiceChat/internal/stream"
	"VoiceChat/internal/voice"
)

// Backend is the subset of the backend API the controller uses.
// *client.Client implements it.
type Backend interface {
	Health(ctx context.Context) (*api.HealthResponse, error)
	ListModels(ctx context.Context) ([]api.Model, error)
	Chat(ctx context.Context, req api.ChatRequest) (string, error)
	ChatStream(ctx context.Context, req api.ChatRequest, onFragment stream.FragmentFunc) (stream.Result, error)
	Transcribe(ctx context.Context, filename string, audio []byte) (*api.TranscribeResponse, error)
}

// Options configures a Controller
type Options struct {
	Backend      Backend
	Microphone   voice.Microphone
	Constraints  voice.Constraints
	QuickLimit   time.Duration
	Streaming    bool
	DefaultModel string
	Renderer     Renderer
	Logger       *slog.Logger
}

// Controller owns one chat session and its view model
type Controller struct {
	backend      Backend
	mic          voice.Microphone
	constraints  voice.Constraints
	quickLimit   time.Duration
	defaultModel string
	renderer     Renderer
	logger       *slog.Logger
	recorder     *voice.Recorder

	mu         sync.Mutex
	session    *session.Session
	transcript Transcript
	controls   Controls
	nextID     int
	sending    bool
	quickStop  chan struct{}
	// quickBusy stays set from quick capture start until its upload is done
	quickBusy bool
	pending    []func(Renderer)

	// emitMu keeps renderer calls in mutation order
	emitMu sync.Mutex
	wg     conc.WaitGroup
}

// New creates a controller with an empty session and no model selected
func New(opts Options) *Controller {
	if opts.Renderer == nil {
		opts.Renderer = NopRenderer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QuickLimit <= 0 {
		opts.QuickLimit = 10 * time.Second
	}
	if opts.Constraints == (voice.Constraints{}) {
		opts.Constraints = voice.DefaultConstraints()
	}

	sess := session.New(opts.Streaming)
	c := &Controller{
		backend:      opts.Backend,
		mic:          opts.Microphone,
		constraints:  opts.Constraints,
		quickLimit:   opts.QuickLimit,
		defaultModel: opts.DefaultModel,
		renderer:     opts.Renderer,
		logger:       opts.Logger.With("session_id", sess.ID),
		session:      sess,
		transcript:   Transcript{WelcomeVisible: true},
		controls: Controls{
			RefreshEnabled: true,
			Streaming:      opts.Streaming,
			VoiceSupported: opts.Microphone != nil,
			RecordEnabled:  opts.Microphone != nil,
			ModelLabel:     "No model selected",
			Connection:     Banner{Text: "Checking connection..."},
		},
	}
	c.recorder = voice.NewRecorder(opts.Microphone, opts.Constraints, c.recordingTick)

	c.logger.Info("chat session started", "streaming", opts.Streaming)
	return c
}

// Wait blocks until background work (quick voice capture) has finished
func (c *Controller) Wait() {
	c.wg.Wait()
}

// SessionID returns the session identifier used in logs
func (c *Controller) SessionID() string {
	return c.session.ID
}

// Transcript returns a snapshot of the transcript
func (c *Controller) Transcript() Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.clone()
}

// Controls returns a snapshot of the controls
func (c *Controller) Controls() Controls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controls.clone()
}

// History returns a copy of the conversation sent to the backend
func (c *Controller) History() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := make([]session.Message, len(c.session.History))
	copy(history, c.session.History)
	return history
}

// SelectedModel returns the selected model, or "" when none is
func (c *Controller) SelectedModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.SelectedModel
}

// SetComposer replaces the composer text
func (c *Controller) SetComposer(text string) {
	c.update(func() {
		c.controls.Composer = text
		c.controlsChangedLocked()
	})
}

// SelectModel selects name, or clears the selection when name is empty
func (c *Controller) SelectModel(name string) {
	c.update(func() {
		c.selectModelLocked(name)
	})
}

func (c *Controller) selectModelLocked(name string) {
	c.session.SelectedModel = name
	if name == "" {
		c.controls.ModelLabel = "No model selected"
	} else {
		c.controls.ModelLabel = "Using: " + name
		c.addEntryLocked(session.RoleSystem, "Selected model: "+name)
	}
	c.syncInputsLocked()
	c.controlsChangedLocked()
	c.logger.Info("model selected", "model", name)
}

// LoadModels fills the model list without reporting to the transcript and
// selects the configured default model when the backend offers it
func (c *Controller) LoadModels(ctx context.Context) error {
	models, err := c.backend.ListModels(ctx)
	if err != nil {
		c.logger.Error("failed to load models", "error", err)
		return err
	}

	c.update(func() {
		c.controls.Models = models
		if c.defaultModel != "" && !c.session.HasModel() && hasModel(models, c.defaultModel) {
			c.selectModelLocked(c.defaultModel)
		}
		c.controlsChangedLocked()
	})
	c.logger.Info("models loaded", "count", len(models))
	return nil
}

// RefreshModels reloads the model list. The selection survives when the new
// list still contains it and is cleared otherwise.
func (c *Controller) RefreshModels(ctx context.Context) {
	c.update(func() {
		c.controls.RefreshEnabled = false
		c.controlsChangedLocked()
	})
	defer c.update(func() {
		c.controls.RefreshEnabled = true
		c.controlsChangedLocked()
	})

	models, err := c.backend.ListModels(ctx)
	if err != nil {
		c.logger.Error("failed to refresh models", "error", err)
		c.addSystemMessage("Error refreshing models: " + err.Error())
		return
	}

	c.update(func() {
		c.controls.Models = models
		if c.session.HasModel() && !hasModel(models, c.session.SelectedModel) {
			c.selectModelLocked("")
		}
		c.addEntryLocked(session.RoleSystem, fmt.Sprintf("Refreshed models. Found %d models.", len(models)))
		c.controlsChangedLocked()
	})
	c.logger.Info("models refreshed", "count", len(models))
}

// SendMessage sends the composer text to the selected model. Nothing happens
// without a model or with a blank composer.
func (c *Controller) SendMessage(ctx context.Context) {
	var (
		req       api.ChatRequest
		streaming bool
		ok        bool
	)
	c.update(func() {
		text := strings.TrimSpace(c.controls.Composer)
		if text == "" || !c.session.HasModel() || c.sending {
			return
		}
		ok = true
		c.sending = true

		c.controls.Composer = ""
		c.syncInputsLocked()
		c.controlsChangedLocked()

		c.addEntryLocked(session.RoleUser, text)
		c.session.Append(session.RoleUser, text)

		req = api.ChatRequest{
			Model:   c.session.SelectedModel,
			Message: text,
			History: api.TurnsFromHistory(c.session.Prior()),
		}
		streaming = c.session.Streaming
	})
	if !ok {
		return
	}

	defer c.update(func() {
		c.sending = false
		c.syncInputsLocked()
		c.controlsChangedLocked()
	})

	c.logger.Info("sending message",
		"model", req.Model,
		"streaming", streaming,
		"history_len", len(req.History))

	if streaming {
		c.sendStreaming(ctx, req)
	} else {
		c.sendComplete(ctx, req)
	}
}

func (c *Controller) sendComplete(ctx context.Context, req api.ChatRequest) {
	c.setTyping(true)
	reply, err := c.backend.Chat(ctx, req)
	c.setTyping(false)

	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			c.logger.Error("backend rejected chat", "status", apiErr.StatusCode, "error", err)
			c.addSystemMessage("Error: " + apiErr.Error())
		} else {
			c.logger.Error("chat request failed", "error", err)
			c.addSystemMessage("Network error: " + err.Error())
		}
		return
	}

	c.update(func() {
		c.addEntryLocked(session.RoleAssistant, reply)
		c.session.Append(session.RoleAssistant, reply)
	})
}

func (c *Controller) sendStreaming(ctx context.Context, req api.ChatRequest) {
	var placeholder Entry
	c.update(func() {
		placeholder = c.addEntryLocked(session.RoleAssistant, "")
	})

	res, err := c.backend.ChatStream(ctx, req, func(accumulated string) {
		c.update(func() {
			c.updateEntryLocked(placeholder.ID, accumulated)
		})
	})

	switch {
	case err == nil:
		c.update(func() {
			c.session.Append(session.RoleAssistant, res.Text)
		})
	case errors.Is(err, stream.ErrUnterminated):
		// The partial reply stays visible but never joins the history
		c.logger.Warn("stream ended without done frame", "fragments", res.Fragments)
		if res.Text == "" {
			c.update(func() {
				c.removeEntryLocked(placeholder.ID)
			})
		}
	default:
		c.logger.Error("streaming chat failed", "fragments", res.Fragments, "error", err)
		c.update(func() {
			c.removeEntryLocked(placeholder.ID)
			c.addEntryLocked(session.RoleSystem, "Error: "+err.Error())
		})
	}
}

// ClearChat empties the transcript, the history and the transcription preview
func (c *Controller) ClearChat() {
	c.update(func() {
		c.transcript.Entries = nil
		c.transcript.WelcomeVisible = true
		c.session.Reset()
		c.controls.Preview = Preview{}
		c.pending = append(c.pending, func(r Renderer) { r.TranscriptCleared() })
		c.controlsChangedLocked()
	})
	c.logger.Info("chat cleared")
}

// SetStreaming chooses between streaming and complete replies
func (c *Controller) SetStreaming(enabled bool) {
	c.update(func() {
		c.session.Streaming = enabled
		c.controls.Streaming = enabled
		c.controlsChangedLocked()
	})
}

// Streaming reports whether replies are streamed
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Streaming
}

// CheckConnection queries the backend health endpoint and updates the banner
func (c *Controller) CheckConnection(ctx context.Context) {
	banner := Banner{}
	health, err := c.backend.Health(ctx)

	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr):
		banner.Text = "Connection failed: Ollama not responding"
	case err != nil:
		banner.Text = "Connection failed: " + err.Error()
	case health.Status != api.StatusHealthy || !health.OllamaConnected:
		banner.Text = "Connection failed: Ollama not responding"
	default:
		banner.OK = true
		banner.Text = fmt.Sprintf("Connected to Ollama (%d models)", health.ModelsCount)
		if health.GPUAvailable {
			banner.Text += " | GPU available"
		}
	}

	if banner.OK {
		c.logger.Info("backend healthy", "models", health.ModelsCount, "gpu", health.GPUAvailable)
	} else {
		c.logger.Warn("backend unhealthy", "error", err, "banner", banner.Text)
	}

	c.update(func() {
		c.controls.Connection = banner
		c.controlsChangedLocked()
	})
}

func (c *Controller) setTyping(typing bool) {
	c.update(func() {
		c.transcript.Typing = typing
		c.pending = append(c.pending, func(r Renderer) { r.TypingChanged(typing) })
	})
}

func (c *Controller) addSystemMessage(text string) {
	c.update(func() {
		c.addEntryLocked(session.RoleSystem, text)
	})
}

// update runs fn under the lock and then hands the changes it queued to the
// renderer, outside the lock
func (c *Controller) update(fn func()) {
	c.mu.Lock()
	fn()
	events := c.pending
	c.pending = nil
	c.emitMu.Lock()
	c.mu.Unlock()

	defer c.emitMu.Unlock()
	for _, ev := range events {
		ev(c.renderer)
	}
}

func (c *Controller) addEntryLocked(role session.Role, content string) Entry {
	c.nextID++
	e := Entry{ID: c.nextID, Role: role, Content: Escape(content), Timestamp: time.Now()}
	c.transcript.Entries = append(c.transcript.Entries, e)
	c.transcript.WelcomeVisible = false
	c.pending = append(c.pending, func(r Renderer) { r.EntryAdded(e) })
	return e
}

func (c *Controller) updateEntryLocked(id int, content string) {
	for i := range c.transcript.Entries {
		if c.transcript.Entries[i].ID == id {
			c.transcript.Entries[i].Content = Escape(content)
			e := c.transcript.Entries[i]
			c.pending = append(c.pending, func(r Renderer) { r.EntryUpdated(e) })
			return
		}
	}
}

func (c *Controller) removeEntryLocked(id int) {
	for i := range c.transcript.Entries {
		if c.transcript.Entries[i].ID == id {
			c.transcript.Entries = append(c.transcript.Entries[:i], c.transcript.Entries[i+1:]...)
			c.pending = append(c.pending, func(r Renderer) { r.EntryRemoved(id) })
			return
		}
	}
}

// syncInputsLocked derives the enabled flags of the composer, send and voice
// controls from the current state
func (c *Controller) syncInputsLocked() {
	ready := c.session.HasModel() && !c.sending
	c.controls.ComposerEnabled = ready
	c.controls.SendEnabled = ready
	c.controls.VoiceEnabled = ready && c.controls.VoiceSupported && !c.quickBusy
	c.controls.RecordEnabled = c.controls.VoiceSupported
}

func (c *Controller) controlsChangedLocked() {
	c.controls.SelectedModel = c.session.SelectedModel
	snap := c.controls.clone()
	c.pending = append(c.pending, func(r Renderer) { r.ControlsChanged(snap) })
}

func hasModel(models []api.Model, name string) bool {
	for _, m := range models {
		if m.Name == name {
			return true
		}
	}
	return false
}
