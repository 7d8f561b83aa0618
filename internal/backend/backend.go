// Package backend talks to the upstream inference services: a chat provider
// (Ollama's native API or any OpenAI-compatible endpoint) and a
// Whisper-compatible transcription endpoint.
package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"VoiceChat/internal/api"
	"VoiceChat/internal/telemetry"
)

// ContentFunc receives each content fragment of a streamed reply. A non-nil
// return stops the stream with that error.
type ContentFunc func(fragment string) error

// Upstream is a chat provider
type Upstream interface {
	Name() string
	Models(ctx context.Context) ([]api.Model, error)
	Chat(ctx context.Context, model string, turns []api.Turn) (string, error)
	ChatStream(ctx context.Context, model string, turns []api.Turn, onContent ContentFunc) error
}

// Transcriber turns recorded audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (*api.TranscribeResponse, error)
}

// UpstreamError is a non-2xx reply from an upstream service
type UpstreamError struct {
	Status  string
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("API error: %s - %s", e.Status, e.Message)
}

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

// Option configures an upstream client
type Option func(*options)

// WithHTTPClient replaces the HTTP client used for non-streaming calls
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithTelemetry sets the tracer and meter
func WithTelemetry(p telemetry.Providers) Option {
	return func(o *options) {
		o.tracer = p.Tracer
		o.meter = p.Meter
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func newOptions(opts []Option) options {
	noop := telemetry.Noop()
	o := options{
		httpClient: &http.Client{},
		logger:     slog.Default(),
		tracer:     noop.Tracer,
		meter:      noop.Meter,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// streamingClient shares the transport of hc without its timeout, so a long
// reply is bounded by its context only
func streamingClient(hc *http.Client) *http.Client {
	return &http.Client{Transport: hc.Transport}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
