package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"VoiceChat/internal/api"
	"VoiceChat/internal/cache"
	"VoiceChat/internal/session"
	"VoiceChat/internal/stream"
	"VoiceChat/internal/telemetry"
)

// handleHealth reports upstream reachability, the model count and the
// optional capabilities
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tel.Tracer.Start(r.Context(), "health_check")
	defer span.End()

	var (
		wg        conc.WaitGroup
		models    []api.Model
		modelsErr error
		gpu       bool
	)
	wg.Go(func() {
		models, modelsErr = s.opts.Upstream.Models(ctx)
	})
	if s.opts.GPU != nil {
		wg.Go(func() {
			gpu = s.opts.GPU.Available(ctx)
		})
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		err := recovered.AsError()
		span.SetStatus(codes.Error, err.Error())
		loggerFrom(ctx, s.logger).Error("health check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, api.HealthResponse{Status: "error", Error: err.Error()})
		return
	}

	health := api.HealthResponse{
		Status:           api.StatusHealthy,
		OllamaConnected:  modelsErr == nil,
		ModelsCount:      len(models),
		WhisperAvailable: s.opts.Transcriber != nil,
		GPUAvailable:     gpu,
	}
	if modelsErr != nil {
		health.Error = modelsErr.Error()
		loggerFrom(ctx, s.logger).Warn("upstream unreachable", "upstream", s.opts.Upstream.Name(), "error", modelsErr)
	}
	writeJSON(w, http.StatusOK, health)
}

// handleModels lists the upstream models, cached for ModelsTTL
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := loggerFrom(ctx, s.logger)

	if s.opts.Cache != nil {
		var cached api.ModelsResponse
		ok, err := cache.GetJSON(ctx, s.opts.Cache, cache.ModelsKey, &cached)
		if err != nil {
			logger.Warn("failed to read models cache", "error", err)
		}
		if ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	models, err := s.opts.Upstream.Models(ctx)
	if err != nil {
		logger.Error("error fetching models", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := api.ModelsResponse{Models: models}
	if s.opts.Cache != nil && s.opts.ModelsTTL > 0 {
		if err := cache.SetJSON(ctx, s.opts.Cache, cache.ModelsKey, resp, s.opts.ModelsTTL); err != nil {
			logger.Warn("failed to cache models", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChat returns the complete reply in one JSON body
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, turns, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	ctx, span := s.tel.Tracer.Start(r.Context(), "handle_chat", trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()
	logger := loggerFrom(ctx, s.logger)

	key := cache.GenerateCacheKey(req.Model, turns)
	if reply, hit := s.cachedReply(ctx, key); hit {
		logger.Info("cache hit", "key", key[len(key)-16:])
		writeJSON(w, http.StatusOK, api.ChatResponse{Response: reply, Model: req.Model})
		return
	}

	start := time.Now()
	reply, err := s.opts.Upstream.Chat(ctx, req.Model, turns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("error in chat", "model", req.Model, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.storeReply(ctx, key, req.Model, reply)
	logger.Info("chat completed",
		"model", req.Model,
		"history", len(req.History),
		"duration_ms", time.Since(start).Milliseconds())
	writeJSON(w, http.StatusOK, api.ChatResponse{Response: reply, Model: req.Model})
}

// handleChatStream relays the upstream reply as content frames followed by
// a done frame, or an error frame when the upstream fails
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, turns, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	ctx, span := s.tel.Tracer.Start(r.Context(), "handle_chat_stream", trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()
	logger := loggerFrom(ctx, s.logger)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(frame api.Frame) error {
		if err := stream.Encode(w, frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	key := cache.GenerateCacheKey(req.Model, turns)
	if reply, hit := s.cachedReply(ctx, key); hit {
		logger.Info("cache hit", "key", key[len(key)-16:])
		_ = send(api.Frame{Content: reply})
		_ = send(api.Frame{Done: true})
		return
	}

	start := time.Now()
	var acc strings.Builder
	fragments := 0
	err := s.opts.Upstream.ChatStream(ctx, req.Model, turns, func(fragment string) error {
		acc.WriteString(fragment)
		fragments++
		return send(api.Frame{Content: fragment})
	})
	telemetry.Count(ctx, s.tel.Meter, "chat.stream.fragments", "Content fragments relayed", int64(fragments))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			logger.Info("client disconnected during stream", "model", req.Model, "fragments", fragments)
			return
		}
		logger.Error("error in chat stream", "model", req.Model, "error", err)
		_ = send(api.Frame{Error: err.Error()})
		return
	}

	if err := send(api.Frame{Done: true}); err != nil {
		logger.Warn("failed to send done frame", "error", err)
		return
	}
	s.storeReply(ctx, key, req.Model, acc.String())
	logger.Info("chat stream completed",
		"model", req.Model,
		"fragments", fragments,
		"duration_ms", time.Since(start).Milliseconds())
}

// handleTranscribe transcribes the uploaded "audio" file
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tel.Tracer.Start(r.Context(), "handle_transcribe")
	defer span.End()
	logger := loggerFrom(ctx, s.logger)

	if s.opts.Transcriber == nil {
		writeError(w, http.StatusInternalServerError, "Whisper model not available")
		return
	}

	if r.ContentLength > s.opts.MaxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)

	file, header, err := r.FormFile(api.AudioField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		logger.Warn("no audio in upload", "error", err)
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file selected")
		return
	}

	logger.Info("transcribing audio file", "file", header.Filename, "bytes", header.Size)
	result, err := s.opts.Transcriber.Transcribe(ctx, header.Filename, file)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("error in transcription", "error", err)
		writeError(w, http.StatusInternalServerError, "Transcription failed: "+err.Error())
		return
	}
	if result.Segments == nil {
		result.Segments = []api.Segment{}
	}

	telemetry.Count(ctx, s.tel.Meter, "voice.transcriptions", "Completed transcriptions", 1)
	logger.Info("transcription completed", "preview", truncate(result.Transcription, 50), "language", result.Language)
	writeJSON(w, http.StatusOK, result)
}

// decodeChat validates a chat body and builds the upstream conversation:
// the prior history followed by the new user message
func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (api.ChatRequest, []api.Turn, bool) {
	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if !errors.Is(err, io.EOF) {
			loggerFrom(r.Context(), s.logger).Warn("invalid chat body", "error", err)
		}
		writeError(w, http.StatusBadRequest, "No data provided")
		return req, nil, false
	}
	if req.Model == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "Model and message are required")
		return req, nil, false
	}

	turns := make([]api.Turn, 0, len(req.History)+1)
	turns = append(turns, req.History...)
	turns = append(turns, api.Turn{Role: string(session.RoleUser), Content: req.Message})
	return req, turns, true
}

func (s *Server) cachedReply(ctx context.Context, key string) (string, bool) {
	if s.opts.Cache == nil || !s.opts.CacheResponses {
		return "", false
	}
	var cached cache.CachedResponse
	ok, err := cache.GetJSON(ctx, s.opts.Cache, key, &cached)
	if err != nil {
		loggerFrom(ctx, s.logger).Warn("failed to read response cache", "error", err)
		return "", false
	}
	return cached.Response, ok
}

func (s *Server) storeReply(ctx context.Context, key, model, reply string) {
	if s.opts.Cache == nil || !s.opts.CacheResponses {
		return
	}
	err := cache.SetJSON(ctx, s.opts.Cache, key, cache.CachedResponse{
		Response:  reply,
		Model:     model,
		Timestamp: time.Now(),
	}, s.opts.ResponseTTL)
	if err != nil {
		loggerFrom(ctx, s.logger).Warn("failed to cache response", "error", err)
		return
	}
	loggerFrom(ctx, s.logger).Info("cached response", "key", key[len(key)-16:])
}
