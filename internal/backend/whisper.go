package backend

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"VoiceChat/internal/api"
	"VoiceChat/internal/telemetry"
)

// unknownLanguage is reported when the endpoint does not detect a language
const unknownLanguage = "unknown"

// Whisper transcribes audio through an OpenAI-compatible
// /audio/transcriptions endpoint
type Whisper struct {
	options
	client *openai.Client
	model  string
}

// NewWhisper creates a transcriber for the endpoint at baseURL
func NewWhisper(baseURL, apiKey, model string, opts ...Option) *Whisper {
	o := newOptions(opts)
	return &Whisper{
		options: o,
		client:  newOpenAIClient(baseURL, apiKey, o.httpClient),
		model:   model,
	}
}

// Transcribe uploads audio as-is and returns the text, the detected language
// and the timed segments
func (w *Whisper) Transcribe(ctx context.Context, filename string, audio io.Reader) (*api.TranscribeResponse, error) {
	ctx, span := w.tracer.Start(ctx, "whisper_transcribe", trace.WithAttributes(
		attribute.String("model", w.model),
		attribute.String("file", filename),
	))
	defer span.End()

	start := time.Now()
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   audio,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to transcribe: %w", err)
	}
	telemetry.RequestDuration(ctx, w.meter, start)

	result := &api.TranscribeResponse{
		Transcription: strings.TrimSpace(resp.Text),
		Language:      resp.Language,
		Segments:      make([]api.Segment, 0, len(resp.Segments)),
	}
	if result.Language == "" {
		result.Language = unknownLanguage
	}
	for _, seg := range resp.Segments {
		result.Segments = append(result.Segments, api.Segment{
			ID:    seg.ID,
			Start: seg.Start,
			End:   seg.End,
			Text:  seg.Text,
		})
	}

	w.logger.Info("transcription completed",
		"file", filename,
		"language", result.Language,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
