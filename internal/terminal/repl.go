package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/sourcegraph/conc"

	"VoiceChat/internal/chat"
	"VoiceChat/internal/voice"
)

// Input reads lines from the user. *Line implements it.
type Input interface {
	Prompt(prompt string) (string, error)
	PromptWithSuggestion(prompt, text string, pos int) (string, error)
	AppendHistory(item string)
}

// REPL reads commands and messages and dispatches them to the controller
type REPL struct {
	ctrl     *chat.Controller
	input    Input
	renderer *Renderer
	logger   *slog.Logger

	// interrupt scopes a running request; replaced in tests
	interrupt func(ctx context.Context) (context.Context, context.CancelFunc)
}

// NewREPL creates a REPL. The renderer must be the one the controller was
// created with.
func NewREPL(ctrl *chat.Controller, input Input, renderer *Renderer, logger *slog.Logger) *REPL {
	if logger == nil {
		logger = slog.Default()
	}
	return &REPL{
		ctrl:     ctrl,
		input:    input,
		renderer: renderer,
		logger:   logger,
		interrupt: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt)
		},
	}
}

// Start checks the backend, loads the model list and probes the microphone
func (r *REPL) Start(ctx context.Context, backendURL string) {
	r.renderer.Prime(r.ctrl.Controls())

	r.renderer.Info(titleStyle.Render("=== VoiceChat ==="))
	r.renderer.Info(dimStyle.Render(fmt.Sprintf("Session: %s", r.ctrl.SessionID())))
	r.renderer.Info(dimStyle.Render(fmt.Sprintf("Backend: %s", backendURL)))

	var wg conc.WaitGroup
	wg.Go(func() {
		r.ctrl.CheckConnection(ctx)
	})
	wg.Go(func() {
		if err := r.ctrl.LoadModels(ctx); err != nil {
			r.renderer.Warn("Could not load models: " + err.Error())
		}
	})
	wg.Go(func() {
		r.ctrl.CheckVoiceSupport(ctx)
	})
	wg.Wait()

	r.renderer.Info(dimStyle.Render(welcome))
	r.renderer.Info("")
}

// Run reads input until /quit, Ctrl-C at the prompt or end of input
func (r *REPL) Run(ctx context.Context) error {
	for {
		input, err := r.input.PromptWithSuggestion(r.prompt(), r.ctrl.Controls().Composer, -1)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				r.renderer.Info("")
				r.renderer.Info("Goodbye!")
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		// The edited line replaces whatever was pre-filled
		r.ctrl.SetComposer("")
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.input.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := r.handleCommand(ctx, input); quit {
				r.renderer.Info("Goodbye!")
				return nil
			}
			continue
		}

		if r.ctrl.SelectedModel() == "" {
			r.ctrl.SetComposer(input)
			r.renderer.Warn("No model selected. Use /models to list them and /model <name> to pick one.")
			continue
		}
		r.dispatch(ctx, chat.ActionSend, input)
	}
}

func (r *REPL) prompt() string {
	if model := r.ctrl.SelectedModel(); model != "" {
		return model + "> "
	}
	return "voicechat> "
}

// handleCommand runs one slash command and reports whether to quit
func (r *REPL) handleCommand(ctx context.Context, input string) bool {
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	arg := strings.TrimSpace(strings.TrimPrefix(input, parts[0]))

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/model":
		r.selectModel(ctx, arg)
	case "/models":
		r.listModels()
	case "/refresh":
		r.dispatch(ctx, chat.ActionRefreshModels, "")
	case "/clear":
		r.dispatch(ctx, chat.ActionClear, "")
	case "/stream":
		r.dispatch(ctx, chat.ActionToggleStreaming, arg)
	case "/record":
		r.dispatch(ctx, chat.ActionToggleRecording, "")
	case "/quick":
		r.quickVoice(ctx)
	case "/use":
		r.dispatch(ctx, chat.ActionUseTranscription, "")
	case "/discard":
		r.dispatch(ctx, chat.ActionClearTranscription, "")
	case "/health":
		before := r.ctrl.Controls().Connection
		r.dispatch(ctx, chat.ActionCheckConnection, "")
		// An unchanged banner is not re-rendered by the controller
		if after := r.ctrl.Controls().Connection; after == before {
			r.renderer.Banner(after)
		}
	case "/help":
		r.printHelp()
	default:
		r.renderer.Warn(fmt.Sprintf("Unknown command: %s (try /help)", cmd))
	}
	return false
}

func (r *REPL) dispatch(ctx context.Context, action chat.Action, arg string) {
	reqCtx, stop := r.interrupt(ctx)
	defer stop()

	err := r.ctrl.Dispatch(reqCtx, action, arg)
	r.renderer.Flush()

	switch {
	case err == nil:
	case errors.Is(err, voice.ErrUnavailable):
		r.renderer.Warn("Voice input is not available")
	case action == chat.ActionToggleRecording:
		// Already reported in the transcript
		r.logger.Debug("recording toggle failed", "error", err)
	default:
		r.renderer.Warn(err.Error())
	}
}

func (r *REPL) selectModel(ctx context.Context, arg string) {
	switch arg {
	case "":
		r.renderer.Info(r.ctrl.Controls().ModelLabel)
		return
	case "none", "-":
		r.dispatch(ctx, chat.ActionSelectModel, "")
		r.renderer.Info(r.ctrl.Controls().ModelLabel)
		return
	}

	name := arg
	if n, err := strconv.Atoi(arg); err == nil {
		models := r.ctrl.Controls().Models
		if n < 1 || n > len(models) {
			r.renderer.Warn(fmt.Sprintf("No model #%d. Use /models to list them.", n))
			return
		}
		name = models[n-1].Name
	}
	r.dispatch(ctx, chat.ActionSelectModel, name)
}

func (r *REPL) listModels() {
	ctl := r.ctrl.Controls()
	if len(ctl.Models) == 0 {
		r.renderer.Info("No models loaded. Try /refresh.")
		return
	}

	var b strings.Builder
	b.WriteString("Available models:\n")
	for i, m := range ctl.Models {
		marker := " "
		if m.Name == ctl.SelectedModel {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %d. %s\n", marker, i+1, m.Label())
	}
	r.renderer.Info(strings.TrimRight(b.String(), "\n"))
}

// quickVoice listens until Enter or the quick limit, then waits for the
// transcription so the next prompt can be pre-filled with it
func (r *REPL) quickVoice(ctx context.Context) {
	ctl := r.ctrl.Controls()
	switch {
	case !ctl.VoiceSupported:
		r.renderer.Warn("Voice input is not available")
		return
	case !ctl.VoiceEnabled:
		r.renderer.Warn("Select a model before using voice input")
		return
	}

	// The capture outlives this call, so it gets ctx rather than a
	// request-scoped context
	r.ctrl.QuickVoiceInput(ctx)
	if !r.ctrl.QuickListening() {
		return
	}

	_, _ = r.input.Prompt("Listening... press Enter to stop ")
	if r.ctrl.QuickListening() {
		r.ctrl.QuickVoiceInput(ctx)
	}
	r.ctrl.Wait()
	r.renderer.Flush()
}

func (r *REPL) printHelp() {
	r.renderer.Info(strings.Join([]string{
		"Available commands:",
		"  /models              - List available models",
		"  /model <name|number> - Select a model (/model none clears it)",
		"  /refresh             - Reload the model list",
		"  /stream [on|off]     - Toggle streaming replies",
		"  /record              - Start or stop a voice recording",
		"  /quick               - Quick voice input into the prompt",
		"  /use                 - Put the last transcription into the prompt",
		"  /discard             - Drop the last transcription",
		"  /clear               - Clear the conversation",
		"  /health              - Check the backend connection",
		"  /help                - Show this help message",
		"  /quit, /exit         - Exit",
	}, "\n"))
}
