// Package server is the backend service the chat client talks to. It proxies
// chat to an upstream model provider, streams replies as "data: <json>"
// lines and transcribes uploaded audio.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"VoiceChat/internal/api"
	"VoiceChat/internal/backend"
	"VoiceChat/internal/cache"
	"VoiceChat/internal/telemetry"
)

// DefaultMaxUploadSize bounds an audio upload
const DefaultMaxUploadSize = 16 * 1024 * 1024

const shutdownTimeout = 10 * time.Second

// GPUProbe reports accelerator availability. *detect.Detector implements it.
type GPUProbe interface {
	Available(ctx context.Context) bool
}

// Options configures a Server
type Options struct {
	Upstream backend.Upstream
	// Transcriber is nil when no transcription endpoint is configured
	Transcriber backend.Transcriber
	GPU         GPUProbe

	// Cache is nil to disable caching
	Cache          cache.Cache
	ModelsTTL      time.Duration
	CacheResponses bool
	ResponseTTL    time.Duration

	MaxUploadSize int64
	// RateLimit is nil to disable rate limiting
	RateLimit *RateLimiter

	Logger    *slog.Logger
	Telemetry telemetry.Providers
}

// Server serves the chat API
type Server struct {
	opts   Options
	logger *slog.Logger
	tel    telemetry.Providers
	router *http.ServeMux
}

// New creates a server. Upstream is required.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Telemetry.Tracer == nil || opts.Telemetry.Meter == nil {
		opts.Telemetry = telemetry.Noop()
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		tel:    opts.Telemetry,
		router: http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET "+api.PathHealth, s.handleHealth)
	s.router.HandleFunc("GET "+api.PathModels, s.handleModels)
	s.router.HandleFunc("POST "+api.PathChat, s.handleChat)
	s.router.HandleFunc("POST "+api.PathChatStream, s.handleChatStream)
	s.router.HandleFunc("POST "+api.PathTranscribe, s.handleTranscribe)
}

// Handler returns the routes wrapped in the middleware chain
func (s *Server) Handler() http.Handler {
	return Chain(
		RequestID(s.logger),
		Logging(s.logger, s.tel),
		Recovery(s.logger),
		RateLimit(s.opts.RateLimit, s.logger),
	)(s.router)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("server started",
		"addr", ln.Addr().String(),
		"upstream", s.opts.Upstream.Name(),
		"transcription", s.opts.Transcriber != nil,
		"version", telemetry.Version)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message})
}

// truncate shortens s to n runes for log previews
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
