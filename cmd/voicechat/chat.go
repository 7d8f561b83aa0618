package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"VoiceChat/internal/chat"
	"VoiceChat/internal/client"
	"VoiceChat/internal/config"
	"VoiceChat/internal/telemetry"
	"VoiceChat/internal/terminal"
	"VoiceChat/internal/voice"
)

var chatFlags struct {
	backendURL string
	model      string
	noStream   bool
	micCommand string
	micDevice  string
	quickLimit time.Duration
}

func addChatFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&chatFlags.backendURL, "backend-url", "", "Backend base URL (default http://localhost:5000)")
	f.StringVarP(&chatFlags.model, "model", "m", "", "Model to select at startup")
	f.BoolVar(&chatFlags.noStream, "no-stream", false, "Wait for complete replies instead of streaming")
	f.StringVar(&chatFlags.micCommand, "mic-command", "", "Capture program: arecord or ffmpeg")
	f.StringVar(&chatFlags.micDevice, "mic-device", "", "Capture device name")
	f.DurationVar(&chatFlags.quickLimit, "quick-limit", 0, "Maximum length of a quick voice capture")
}

// applyChatFlags overrides loaded values with the flags the user set
func applyChatFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("backend-url") {
		cfg.Client.BackendURL = chatFlags.backendURL
	}
	if f.Changed("model") {
		cfg.Client.DefaultModel = chatFlags.model
	}
	if f.Changed("no-stream") {
		cfg.Client.Streaming = !chatFlags.noStream
	}
	if f.Changed("mic-command") {
		cfg.Client.Voice.Command = chatFlags.micCommand
	}
	if f.Changed("mic-device") {
		cfg.Client.Voice.Device = chatFlags.micDevice
	}
	if f.Changed("quick-limit") {
		cfg.Client.Voice.QuickLimit = chatFlags.quickLimit
	}
	return cfg.Validate()
}

func runChat(cmd *cobra.Command, args []string) error {
	if err := applyChatFlags(cmd, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	logger, cleanupLog, err := telemetry.InitLogger(cfg.Log, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer cleanupLog()

	providers, cleanupTel, err := telemetry.InitTelemetry(ctx, cfg.Telemetry, cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanupTel()

	backend := client.New(cfg.Client.BackendURL, cfg.Client.RequestTimeout,
		client.WithLogger(logger),
		client.WithTelemetry(providers))

	voiceCfg := cfg.Client.Voice
	mic := voice.NewCommandMicrophone(voiceCfg.Command, voiceCfg.Device, logger)

	renderer := terminal.NewRenderer(os.Stdout)
	ctrl := chat.New(chat.Options{
		Backend:    backend,
		Microphone: mic,
		Constraints: voice.Constraints{
			SampleRate:       voiceCfg.SampleRate,
			Channels:         voiceCfg.Channels,
			EchoCancellation: voiceCfg.EchoCancellation,
			NoiseSuppression: voiceCfg.NoiseSuppression,
			FlushInterval:    voiceCfg.FlushInterval,
		},
		QuickLimit:   voiceCfg.QuickLimit,
		Streaming:    cfg.Client.Streaming,
		DefaultModel: cfg.Client.DefaultModel,
		Renderer:     renderer,
		Logger:       logger,
	})
	logger.Info("chat client started",
		"session_id", ctrl.SessionID(),
		"backend", backend.BaseURL(),
		"streaming", cfg.Client.Streaming)

	line := terminal.NewLine(historyFile(cfg.Client.HistoryFile))
	defer line.Close()

	repl := terminal.NewREPL(ctrl, line, renderer, logger)
	repl.Start(ctx, backend.BaseURL())
	err = repl.Run(ctx)
	ctrl.Wait()

	logger.Info("chat client stopped", "session_id", ctrl.SessionID(), "messages", len(ctrl.History()))
	return err
}

// historyFile defaults the prompt history to ~/.voicechat_history
func historyFile(configured string) string {
	if configured != "" {
		return configured
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".voicechat_history")
}
