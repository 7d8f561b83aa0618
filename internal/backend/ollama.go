package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"VoiceChat/internal/api"
	"VoiceChat/internal/telemetry"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string     `json:"model"`
	Messages []api.Turn `json:"messages"`
	Stream   bool       `json:"stream"`
}

// OllamaResponse represents the response from Ollama API. When streaming,
// every NDJSON line is one of these.
type OllamaResponse struct {
	Model     string   `json:"model"`
	CreatedAt string   `json:"created_at"`
	Message   api.Turn `json:"message"`
	Done      bool     `json:"done"`
	Error     string   `json:"error,omitempty"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []api.Model `json:"models"`
}

const maxLineSize = 1024 * 1024

// Ollama is an upstream speaking Ollama's native API
type Ollama struct {
	options
	baseURL string
}

// NewOllama creates an upstream for the Ollama server at baseURL
func NewOllama(baseURL string, opts ...Option) *Ollama {
	return &Ollama{
		options: newOptions(opts),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (o *Ollama) Name() string {
	return "ollama"
}

// Models lists the locally installed models
func (o *Ollama) Models(ctx context.Context) ([]api.Model, error) {
	ctx, span := o.tracer.Start(ctx, "ollama_list_models")
	defer span.End()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	defer resp.Body.Close()

	telemetry.RequestDuration(ctx, o.meter, start)

	var tagsResp OllamaTagsResponse
	if err := decodeOllama(resp, &tagsResp); err != nil {
		recordError(span, err)
		return nil, err
	}
	if tagsResp.Models == nil {
		tagsResp.Models = []api.Model{}
	}
	return tagsResp.Models, nil
}

// Chat returns the complete reply to the conversation
func (o *Ollama) Chat(ctx context.Context, model string, turns []api.Turn) (string, error) {
	ctx, span := o.tracer.Start(ctx, "ollama_api_call", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	start := time.Now()

	resp, err := o.post(ctx, o.httpClient, OllamaRequest{Model: model, Messages: turns, Stream: false})
	if err != nil {
		recordError(span, err)
		return "", err
	}
	defer resp.Body.Close()

	var apiResp OllamaResponse
	if err := decodeOllama(resp, &apiResp); err != nil {
		recordError(span, err)
		return "", err
	}
	if apiResp.Error != "" {
		err := fmt.Errorf("ollama: %s", apiResp.Error)
		recordError(span, err)
		return "", err
	}

	telemetry.RequestDuration(ctx, o.meter, start)
	o.logger.Info("ollama chat completed", "model", model, "duration_ms", time.Since(start).Milliseconds())
	return apiResp.Message.Content, nil
}

// ChatStream streams the reply line by line. Lines that do not parse are
// skipped; the stream ends at the done line or the end of the body.
func (o *Ollama) ChatStream(ctx context.Context, model string, turns []api.Turn, onContent ContentFunc) error {
	ctx, span := o.tracer.Start(ctx, "ollama_stream", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	start := time.Now()

	resp, err := o.post(ctx, streamingClient(o.httpClient), OllamaRequest{Model: model, Messages: turns, Stream: true})
	if err != nil {
		recordError(span, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := upstreamError(resp)
		recordError(span, err)
		return err
	}

	fragments := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk OllamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			o.logger.Debug("skipping malformed stream line", "error", err)
			continue
		}
		if chunk.Error != "" {
			err := fmt.Errorf("ollama: %s", chunk.Error)
			recordError(span, err)
			return err
		}
		if chunk.Message.Content != "" {
			fragments++
			if err := onContent(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		recordError(span, err)
		return fmt.Errorf("failed to read stream: %w", err)
	}

	telemetry.RequestDuration(ctx, o.meter, start)
	o.logger.Info("ollama stream completed",
		"model", model,
		"fragments", fragments,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (o *Ollama) post(ctx context.Context, hc *http.Client, body OllamaRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func decodeOllama(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		return upstreamError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// upstreamError builds an *UpstreamError, preferring Ollama's JSON error
// message over the raw body
func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))

	var errResp api.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}
	return &UpstreamError{Status: resp.Status, Message: msg}
}
