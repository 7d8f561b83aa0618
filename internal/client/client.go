// Package client talks to the chat backend over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"VoiceChat/internal/api"
	"VoiceChat/internal/stream"
	"VoiceChat/internal/telemetry"
)

// APIError is an error reported by the backend: a non-2xx status, optionally
// with the message from the JSON error body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
}

// Client is a typed client for the backend endpoints
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTelemetry sets the tracer and meter
func WithTelemetry(p telemetry.Providers) Option {
	return func(c *Client) {
		c.tracer = p.Tracer
		c.meter = p.Meter
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the backend at baseURL. Timeout bounds the
// non-streaming calls; streaming calls are bounded by their context only.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	noop := telemetry.Noop()
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
		tracer:     noop.Tracer,
		meter:      noop.Meter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health calls GET /health
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var health api.HealthResponse
	if err := c.getJSON(ctx, "health_check", api.PathHealth, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ListModels calls GET /api/models
func (c *Client) ListModels(ctx context.Context) ([]api.Model, error) {
	var resp api.ModelsResponse
	if err := c.getJSON(ctx, "list_models", api.PathModels, &resp); err != nil {
		return nil, err
	}
	if resp.Models == nil {
		return nil, errors.New("malformed models response")
	}
	return resp.Models, nil
}

// Chat calls POST /api/chat and returns the complete reply
func (c *Client) Chat(ctx context.Context, req api.ChatRequest) (string, error) {
	ctx, span := c.tracer.Start(ctx, "chat_complete", trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()

	start := time.Now()
	resp, err := c.postJSON(ctx, api.PathChat, req, c.httpClient)
	if err != nil {
		recordError(span, err)
		return "", err
	}
	defer resp.Body.Close()

	telemetry.RequestDuration(ctx, c.meter, start)

	var chatResp api.ChatResponse
	if err := decodeResponse(resp, &chatResp); err != nil {
		recordError(span, err)
		return "", err
	}

	c.logger.Info("chat completed", "model", req.Model, "duration_ms", time.Since(start).Milliseconds())
	return chatResp.Response, nil
}

// ChatStream calls POST /api/chat/stream and consumes the feed until a
// terminal frame. onFragment receives the accumulated text after every
// content fragment.
func (c *Client) ChatStream(ctx context.Context, req api.ChatRequest, onFragment stream.FragmentFunc) (stream.Result, error) {
	ctx, span := c.tracer.Start(ctx, "chat_stream", trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()

	start := time.Now()

	// The stream can outlive the request timeout, so only the context bounds it
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := c.postJSON(ctx, api.PathChatStream, req, streamClient)
	if err != nil {
		recordError(span, err)
		return stream.Result{}, err
	}
	// Closing the body discards anything after the terminal frame
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &APIError{StatusCode: resp.StatusCode}
		recordError(span, err)
		return stream.Result{}, err
	}

	res, err := stream.Consume(ctx, resp.Body, onFragment)
	telemetry.RequestDuration(ctx, c.meter, start)
	telemetry.Count(ctx, c.meter, "chat.stream.fragments", "Content fragments received", int64(res.Fragments))
	if err != nil {
		recordError(span, err)
		return res, err
	}

	c.logger.Info("chat stream completed",
		"model", req.Model,
		"fragments", res.Fragments,
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// Transcribe uploads audio as multipart field "audio" to POST /api/transcribe
func (c *Client) Transcribe(ctx context.Context, filename string, audio []byte) (*api.TranscribeResponse, error) {
	ctx, span := c.tracer.Start(ctx, "transcribe", trace.WithAttributes(attribute.Int("audio.bytes", len(audio))))
	defer span.End()

	start := time.Now()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(api.AudioField, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to write audio: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+api.PathTranscribe, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	telemetry.RequestDuration(ctx, c.meter, start)

	var result api.TranscribeResponse
	if err := decodeResponse(resp, &result); err != nil {
		recordError(span, err)
		return nil, err
	}

	telemetry.Count(ctx, c.meter, "voice.transcriptions", "Completed transcriptions", 1)
	c.logger.Info("transcription completed", "file", filename, "bytes", len(audio), "language", result.Language)
	return &result, nil
}

func (c *Client) getJSON(ctx context.Context, spanName, path string, out any) error {
	ctx, span := c.tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	telemetry.RequestDuration(ctx, c.meter, start)

	if err := decodeResponse(resp, out); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, hc *http.Client) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// decodeResponse decodes a 2xx body into out, or turns a non-2xx reply into
// an *APIError carrying the JSON error message when there is one.
func decodeResponse(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp api.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil {
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
