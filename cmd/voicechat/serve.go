package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"VoiceChat/internal/backend"
	"VoiceChat/internal/cache"
	"VoiceChat/internal/config"
	"VoiceChat/internal/detect"
	"VoiceChat/internal/server"
	"VoiceChat/internal/telemetry"
)

var serveFlags struct {
	addr           string
	upstream       string
	ollamaURL      string
	openAIBaseURL  string
	whisperURL     string
	whisperModel   string
	redisAddr      string
	cacheResponses bool
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&serveFlags.addr, "addr", "a", "", "Listen address (default :5000)")
	f.StringVar(&serveFlags.upstream, "upstream", "", "Chat upstream (ollama|openai)")
	f.StringVar(&serveFlags.ollamaURL, "ollama-url", "", "Ollama base URL")
	f.StringVar(&serveFlags.openAIBaseURL, "openai-base-url", "", "OpenAI-compatible base URL")
	f.StringVar(&serveFlags.whisperURL, "whisper-url", "", "Whisper-compatible base URL (empty disables transcription)")
	f.StringVar(&serveFlags.whisperModel, "whisper-model", "", "Transcription model name")
	f.StringVar(&serveFlags.redisAddr, "redis-addr", "", "Redis address for the shared cache (default: in-process cache)")
	f.BoolVar(&serveFlags.cacheResponses, "cache-responses", false, "Cache complete chat replies")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Addr = serveFlags.addr
	}
	if f.Changed("upstream") {
		cfg.Server.Backend = serveFlags.upstream
	}
	if f.Changed("ollama-url") {
		cfg.Server.OllamaURL = serveFlags.ollamaURL
	}
	if f.Changed("openai-base-url") {
		cfg.Server.OpenAIBaseURL = serveFlags.openAIBaseURL
	}
	if f.Changed("whisper-url") {
		cfg.Server.Whisper.BaseURL = serveFlags.whisperURL
	}
	if f.Changed("whisper-model") {
		cfg.Server.Whisper.Model = serveFlags.whisperModel
	}
	if f.Changed("redis-addr") {
		cfg.Server.Cache.RedisAddr = serveFlags.redisAddr
	}
	if f.Changed("cache-responses") {
		cfg.Server.Cache.Responses = serveFlags.cacheResponses
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
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

	sc := cfg.Server
	opts := []backend.Option{
		backend.WithHTTPClient(&http.Client{Timeout: sc.UpstreamTimeout}),
		backend.WithLogger(logger),
		backend.WithTelemetry(providers),
	}

	var upstream backend.Upstream
	switch sc.Backend {
	case config.BackendOpenAI:
		upstream = backend.NewOpenAI(sc.OpenAIBaseURL, sc.OpenAIAPIKey, opts...)
	default:
		upstream = backend.NewOllama(sc.OllamaURL, opts...)
	}

	var transcriber backend.Transcriber
	if sc.Whisper.BaseURL != "" {
		transcriber = backend.NewWhisper(sc.Whisper.BaseURL, sc.Whisper.APIKey, sc.Whisper.Model, opts...)
	} else {
		logger.Warn("no whisper endpoint configured, transcription disabled")
	}

	store, closeCache, err := openCache(cmd, sc.Cache, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	var limiter *server.RateLimiter
	if sc.Limit.RPS > 0 {
		limiter = server.NewRateLimiter(sc.Limit.RPS, sc.Limit.Burst)
	}

	srv := server.New(server.Options{
		Upstream:       upstream,
		Transcriber:    transcriber,
		GPU:            detect.NewDetector(),
		Cache:          store,
		ModelsTTL:      sc.Cache.ModelsTTL,
		CacheResponses: sc.Cache.Responses,
		ResponseTTL:    sc.Cache.ResponseTTL,
		MaxUploadSize:  sc.MaxUploadSize,
		RateLimit:      limiter,
		Logger:         logger,
		Telemetry:      providers,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "VoiceChat backend listening on %s (upstream: %s)\n", sc.Addr, upstream.Name())
	return srv.Run(ctx, sc.Addr)
}

// openCache connects to Redis when an address is configured and falls back
// to the in-process cache otherwise
func openCache(cmd *cobra.Command, cc config.CacheConfig, logger *slog.Logger) (cache.Cache, func(), error) {
	if cc.RedisAddr == "" {
		return cache.NewMemory(), func() {}, nil
	}

	rdb, err := cache.DialRedis(cmd.Context(), cc.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis cache", "addr", cc.RedisAddr)
	return rdb, func() {
		if err := rdb.Close(); err != nil {
			logger.Error("failed to close redis", "error", err)
		}
	}, nil
}
