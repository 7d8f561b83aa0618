package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceChat/internal/api"
	"VoiceChat/internal/client"
	"VoiceChat/internal/session"
)

// fakeBackend serves the backend endpoints from canned values
type fakeBackend struct {
	mu sync.Mutex

	health       api.HealthResponse
	healthStatus int

	models []api.Model

	chatStatus int
	chatReply  string
	chatError  string

	streamStatus int
	streamLines  []string

	transcribeStatus int
	transcribeError  string
	transcription    api.TranscribeResponse
	// transcribeGate, when set, holds transcription replies until closed
	transcribeGate chan struct{}

	chatRequests []api.ChatRequest
	uploads      []string
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+api.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, statusOr(f.healthStatus), f.health)
	})

	mux.HandleFunc("GET "+api.PathModels, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, http.StatusOK, api.ModelsResponse{Models: f.models})
	})

	mux.HandleFunc("POST "+api.PathChat, func(w http.ResponseWriter, r *http.Request) {
		var req api.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.chatRequests = append(f.chatRequests, req)
		if f.chatError != "" {
			writeJSON(w, statusOr(f.chatStatus), api.ErrorResponse{Error: f.chatError})
			return
		}
		writeJSON(w, http.StatusOK, api.ChatResponse{Response: f.chatReply, Model: req.Model})
	})

	mux.HandleFunc("POST "+api.PathChatStream, func(w http.ResponseWriter, r *http.Request) {
		var req api.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		f.chatRequests = append(f.chatRequests, req)
		status := statusOr(f.streamStatus)
		lines := f.streamLines
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		flusher := w.(http.Flusher)
		for _, line := range lines {
			_, _ = io.WriteString(w, line+"\n\n")
			flusher.Flush()
		}
	})

	mux.HandleFunc("POST "+api.PathTranscribe, func(w http.ResponseWriter, r *http.Request) {
		_, header, err := r.FormFile(api.AudioField)
		f.mu.Lock()
		if err == nil {
			f.uploads = append(f.uploads, header.Filename)
		}
		f.mu.Unlock()

		if f.transcribeGate != nil {
			<-f.transcribeGate
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.transcribeError != "" {
			writeJSON(w, statusOr(f.transcribeStatus), api.ErrorResponse{Error: f.transcribeError})
			return
		}
		writeJSON(w, http.StatusOK, f.transcription)
	})

	return mux
}

func (f *fakeBackend) requests() []api.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ChatRequest(nil), f.chatRequests...)
}

func (f *fakeBackend) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

func statusOr(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(t *testing.T, fb *fakeBackend, opts ...func(*Options)) *Controller {
	t.Helper()
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)

	o := Options{
		Backend:   client.New(srv.URL, 5*time.Second, client.WithLogger(quietLogger())),
		Streaming: true,
		Logger:    quietLogger(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

func complete(o *Options) { o.Streaming = false }

func entriesWithRole(c *Controller, role session.Role) []Entry {
	var out []Entry
	for _, e := range c.Transcript().Entries {
		if e.Role == role {
			out = append(out, e)
		}
	}
	return out
}

func lastEntry(t *testing.T, c *Controller) Entry {
	t.Helper()
	entries := c.Transcript().Entries
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func send(c *Controller, text string) {
	c.SetComposer(text)
	c.SendMessage(context.Background())
}

func TestSelectModel(t *testing.T) {
	c := newController(t, &fakeBackend{})

	ctl := c.Controls()
	assert.False(t, ctl.ComposerEnabled)
	assert.False(t, ctl.SendEnabled)
	assert.Equal(t, "No model selected", ctl.ModelLabel)

	c.SelectModel("llama3")
	ctl = c.Controls()
	assert.True(t, ctl.ComposerEnabled)
	assert.True(t, ctl.SendEnabled)
	assert.Equal(t, "Using: llama3", ctl.ModelLabel)
	assert.Equal(t, "Selected model: llama3", lastEntry(t, c).Content)

	c.SelectModel("")
	ctl = c.Controls()
	assert.False(t, ctl.ComposerEnabled)
	assert.Equal(t, "No model selected", ctl.ModelLabel)
	assert.Empty(t, c.SelectedModel())
}

func TestSendMessageAppendsOneUserTurn(t *testing.T) {
	fb := &fakeBackend{chatReply: "hi there"}
	c := newController(t, fb, complete)
	c.SelectModel("llama3")

	send(c, "  hello  ")

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	assert.Equal(t, "hi there", history[1].Content)

	reqs := fb.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hello", reqs[0].Message)
	assert.Empty(t, reqs[0].History)

	ctl := c.Controls()
	assert.Empty(t, ctl.Composer)
	assert.True(t, ctl.ComposerEnabled)
	assert.True(t, ctl.SendEnabled)
	assert.False(t, c.Transcript().Typing)
}

func TestSendMessageSendsPriorTurnsAsHistory(t *testing.T) {
	fb := &fakeBackend{chatReply: "ok"}
	c := newController(t, fb, complete)
	c.SelectModel("llama3")

	send(c, "first")
	send(c, "second")

	reqs := fb.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "second", reqs[1].Message)
	assert.Equal(t, []api.Turn{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "ok"},
	}, reqs[1].History)
}

func TestSendMessagePreconditions(t *testing.T) {
	fb := &fakeBackend{chatReply: "ok"}
	c := newController(t, fb, complete)

	send(c, "no model yet")
	assert.Empty(t, c.History())

	c.SelectModel("llama3")
	send(c, "   ")
	assert.Empty(t, c.History())
	assert.Empty(t, fb.requests())
}

func TestCompleteModeBackendError(t *testing.T) {
	fb := &fakeBackend{chatStatus: http.StatusBadGateway, chatError: "model not found"}
	c := newController(t, fb, complete)
	c.SelectModel("llama3")

	send(c, "hello")

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, session.RoleUser, history[0].Role)

	assert.Empty(t, entriesWithRole(c, session.RoleAssistant))
	last := lastEntry(t, c)
	assert.Equal(t, session.RoleSystem, last.Role)
	assert.Equal(t, "Error: model not found", last.Content)
}

func TestCompleteModeNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := New(Options{
		Backend: client.New(srv.URL, time.Second, client.WithLogger(quietLogger())),
		Logger:  quietLogger(),
	})
	c.SelectModel("llama3")

	send(c, "hello")

	last := lastEntry(t, c)
	assert.Equal(t, session.RoleSystem, last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "Network error: "), last.Content)
	assert.True(t, c.Controls().ComposerEnabled)
}

func TestStreamingCommitsAccumulatedText(t *testing.T) {
	fb := &fakeBackend{streamLines: []string{
		`data: {"content":"a"}`,
		`data: {"content":"b"}`,
		`data: {"done":true}`,
	}}
	rec := &updateRecorder{}
	c := newController(t, fb, func(o *Options) { o.Renderer = rec })
	c.SelectModel("llama3")

	send(c, "hello")

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	assert.Equal(t, "ab", history[1].Content)

	assistants := entriesWithRole(c, session.RoleAssistant)
	require.Len(t, assistants, 1)
	assert.Equal(t, "ab", assistants[0].Content)
	assert.Equal(t, []string{"a", "ab"}, rec.contents())
}

func TestStreamingErrorFrame(t *testing.T) {
	fb := &fakeBackend{streamLines: []string{
		`data: {"content":"partial"}`,
		`data: {"error":"x"}`,
	}}
	c := newController(t, fb)
	c.SelectModel("llama3")

	send(c, "hello")

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, session.RoleUser, history[0].Role)

	assert.Empty(t, entriesWithRole(c, session.RoleAssistant))
	last := lastEntry(t, c)
	assert.Equal(t, session.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "x")
}

func TestStreamingSkipsMalformedFrames(t *testing.T) {
	fb := &fakeBackend{streamLines: []string{
		`data: {"content":"a"}`,
		`data: {"content":`,
		`event: ping`,
		`data: {"content":"b"}`,
		`data: {"done":true}`,
		`data: {"content":"ignored"}`,
	}}
	c := newController(t, fb)
	c.SelectModel("llama3")

	send(c, "hello")

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, "ab", history[1].Content)
}

func TestStreamingHTTPError(t *testing.T) {
	fb := &fakeBackend{streamStatus: http.StatusInternalServerError}
	c := newController(t, fb)
	c.SelectModel("llama3")

	send(c, "hello")

	assert.Empty(t, entriesWithRole(c, session.RoleAssistant))
	assert.Equal(t, "Error: HTTP error! status: 500", lastEntry(t, c).Content)
	assert.Len(t, c.History(), 1)
}

func TestStreamingUnterminatedKeepsPartialReply(t *testing.T) {
	fb := &fakeBackend{streamLines: []string{`data: {"content":"half"}`}}
	c := newController(t, fb)
	c.SelectModel("llama3")

	send(c, "hello")

	assistants := entriesWithRole(c, session.RoleAssistant)
	require.Len(t, assistants, 1)
	assert.Equal(t, "half", assistants[0].Content)
	assert.Len(t, c.History(), 1)
}

func TestStreamingEscapesDisplayText(t *testing.T) {
	fb := &fakeBackend{streamLines: []string{
		`data: {"content":"\u001b[31mred\u001b[0m\u0007 text"}`,
		`data: {"done":true}`,
	}}
	c := newController(t, fb)
	c.SelectModel("llama3")

	send(c, "hello")

	assistants := entriesWithRole(c, session.RoleAssistant)
	require.Len(t, assistants, 1)
	assert.Equal(t, "red text", assistants[0].Content)

	history := c.History()
	assert.Equal(t, "\x1b[31mred\x1b[0m\a text", history[1].Content)
}

func TestRefreshModelsKeepsSelection(t *testing.T) {
	fb := &fakeBackend{models: []api.Model{{Name: "llama3"}, {Name: "phi3"}}}
	c := newController(t, fb)
	c.SelectModel("phi3")

	c.RefreshModels(context.Background())

	assert.Equal(t, "phi3", c.SelectedModel())
	assert.Equal(t, "Refreshed models. Found 2 models.", lastEntry(t, c).Content)
	ctl := c.Controls()
	assert.True(t, ctl.RefreshEnabled)
	assert.Len(t, ctl.Models, 2)
}

func TestRefreshModelsClearsMissingSelection(t *testing.T) {
	fb := &fakeBackend{models: []api.Model{{Name: "llama3"}}}
	c := newController(t, fb)
	c.SelectModel("gone")

	c.RefreshModels(context.Background())

	assert.Empty(t, c.SelectedModel())
	ctl := c.Controls()
	assert.False(t, ctl.ComposerEnabled)
	assert.Equal(t, "No model selected", ctl.ModelLabel)
}

func TestRefreshModelsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "Ollama down"})
	}))
	defer srv.Close()

	c := New(Options{Backend: client.New(srv.URL, time.Second, client.WithLogger(quietLogger())), Logger: quietLogger()})
	c.RefreshModels(context.Background())

	assert.Equal(t, "Error refreshing models: Ollama down", lastEntry(t, c).Content)
	assert.True(t, c.Controls().RefreshEnabled)
}

func TestLoadModelsSelectsDefault(t *testing.T) {
	fb := &fakeBackend{models: []api.Model{{Name: "llama3"}, {Name: "phi3"}}}
	c := newController(t, fb, func(o *Options) { o.DefaultModel = "phi3" })

	require.NoError(t, c.LoadModels(context.Background()))
	assert.Equal(t, "phi3", c.SelectedModel())
	assert.Len(t, c.Controls().Models, 2)
}

func TestLoadModelsIgnoresUnknownDefault(t *testing.T) {
	fb := &fakeBackend{models: []api.Model{{Name: "llama3"}}}
	c := newController(t, fb, func(o *Options) { o.DefaultModel = "phi3" })

	require.NoError(t, c.LoadModels(context.Background()))
	assert.Empty(t, c.SelectedModel())
	assert.True(t, c.Transcript().WelcomeVisible)
}

func TestClearChat(t *testing.T) {
	fb := &fakeBackend{chatReply: "ok"}
	c := newController(t, fb, complete)
	c.SelectModel("llama3")
	send(c, "hello")
	require.False(t, c.Transcript().WelcomeVisible)

	c.ClearChat()

	tr := c.Transcript()
	assert.Empty(t, tr.Entries)
	assert.True(t, tr.WelcomeVisible)
	assert.Empty(t, c.History())
	assert.False(t, c.Controls().Preview.Visible)
	assert.Equal(t, "llama3", c.SelectedModel())
}

func TestCheckConnection(t *testing.T) {
	tests := []struct {
		name   string
		health api.HealthResponse
		status int
		wantOK bool
		want   string
	}{
		{
			name:   "healthy",
			health: api.HealthResponse{Status: "healthy", OllamaConnected: true, ModelsCount: 4},
			wantOK: true,
			want:   "Connected to Ollama (4 models)",
		},
		{
			name:   "healthy with gpu",
			health: api.HealthResponse{Status: "healthy", OllamaConnected: true, ModelsCount: 1, GPUAvailable: true},
			wantOK: true,
			want:   "Connected to Ollama (1 models) | GPU available",
		},
		{
			name:   "ollama down",
			health: api.HealthResponse{Status: "healthy", OllamaConnected: false},
			want:   "Connection failed: Ollama not responding",
		},
		{
			name:   "server error",
			health: api.HealthResponse{Status: "error", Error: "boom"},
			status: http.StatusInternalServerError,
			want:   "Connection failed: Ollama not responding",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(t, &fakeBackend{health: tt.health, healthStatus: tt.status})
			c.CheckConnection(context.Background())

			banner := c.Controls().Connection
			assert.Equal(t, tt.wantOK, banner.OK)
			assert.Equal(t, tt.want, banner.Text)
		})
	}
}

func TestCheckConnectionUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := New(Options{Backend: client.New(srv.URL, time.Second, client.WithLogger(quietLogger())), Logger: quietLogger()})
	c.CheckConnection(context.Background())

	banner := c.Controls().Connection
	assert.False(t, banner.OK)
	assert.True(t, strings.HasPrefix(banner.Text, "Connection failed: "))
}

func TestDispatch(t *testing.T) {
	fb := &fakeBackend{chatReply: "pong", models: []api.Model{{Name: "llama3"}}}
	c := newController(t, fb, complete)
	ctx := context.Background()

	require.NoError(t, c.Dispatch(ctx, ActionRefreshModels, ""))
	require.NoError(t, c.Dispatch(ctx, ActionSelectModel, "llama3"))
	require.NoError(t, c.Dispatch(ctx, ActionSend, "ping"))
	assert.Len(t, c.History(), 2)

	require.NoError(t, c.Dispatch(ctx, ActionToggleStreaming, ""))
	assert.True(t, c.Streaming())
	require.NoError(t, c.Dispatch(ctx, ActionToggleStreaming, "off"))
	assert.False(t, c.Streaming())
	assert.Error(t, c.Dispatch(ctx, ActionToggleStreaming, "maybe"))

	require.NoError(t, c.Dispatch(ctx, ActionClear, ""))
	assert.Empty(t, c.History())

	assert.Error(t, c.Dispatch(ctx, Action(99), ""))
	assert.Equal(t, "action(99)", Action(99).String())
	assert.Equal(t, "quick_voice", ActionQuickVoice.String())
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "plain\ttext\nline", Escape("plain\ttext\nline"))
	assert.Equal(t, "bold", Escape("\x1b[1mbold\x1b[0m"))
	assert.Equal(t, "ab", Escape("a\rb\x00"))
	assert.Equal(t, "<b>&amp;</b>", Escape("<b>&amp;</b>"))
}

type updateRecorder struct {
	NopRenderer

	mu      sync.Mutex
	updates []string
}

func (r *updateRecorder) EntryUpdated(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, e.Content)
}

func (r *updateRecorder) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.updates...)
}
