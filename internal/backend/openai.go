package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"VoiceChat/internal/api"
	"VoiceChat/internal/telemetry"
)

// ErrNoChoices is returned when a completion carries no choices
var ErrNoChoices = errors.New("no choices in completion response")

// OpenAI is an upstream speaking the OpenAI chat completions API, e.g. a
// vLLM or llama.cpp server or api.openai.com itself
type OpenAI struct {
	options
	client       *openai.Client
	streamClient *openai.Client
}

// NewOpenAI creates an upstream for the OpenAI-compatible API at baseURL
func NewOpenAI(baseURL, apiKey string, opts ...Option) *OpenAI {
	o := newOptions(opts)
	return &OpenAI{
		options:      o,
		client:       newOpenAIClient(baseURL, apiKey, o.httpClient),
		streamClient: newOpenAIClient(baseURL, apiKey, streamingClient(o.httpClient)),
	}
}

func newOpenAIClient(baseURL, apiKey string, hc *http.Client) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = hc
	return openai.NewClientWithConfig(cfg)
}

func (o *OpenAI) Name() string {
	return "openai"
}

// Models lists the models the endpoint serves
func (o *OpenAI) Models(ctx context.Context) ([]api.Model, error) {
	ctx, span := o.tracer.Start(ctx, "openai_list_models")
	defer span.End()

	start := time.Now()
	list, err := o.client.ListModels(ctx)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	telemetry.RequestDuration(ctx, o.meter, start)

	models := make([]api.Model, 0, len(list.Models))
	for _, m := range list.Models {
		model := api.Model{Name: m.ID}
		if m.CreatedAt > 0 {
			model.ModifiedAt = time.Unix(m.CreatedAt, 0).UTC().Format(time.RFC3339)
		}
		models = append(models, model)
	}
	return models, nil
}

// Chat returns the complete reply to the conversation
func (o *OpenAI) Chat(ctx context.Context, model string, turns []api.Turn) (string, error) {
	ctx, span := o.tracer.Start(ctx, "openai_api_call", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: chatMessages(turns),
	})
	if err != nil {
		recordError(span, err)
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		recordError(span, ErrNoChoices)
		return "", ErrNoChoices
	}

	telemetry.RequestDuration(ctx, o.meter, start)
	telemetry.Count(ctx, o.meter, "llm.usage.total_tokens", "LLM usage metric: total_tokens", int64(resp.Usage.TotalTokens))

	o.logger.Info("openai chat completed", "model", model, "duration_ms", time.Since(start).Milliseconds())
	return resp.Choices[0].Message.Content, nil
}

// ChatStream streams the reply until the endpoint sends [DONE]
func (o *OpenAI) ChatStream(ctx context.Context, model string, turns []api.Turn, onContent ContentFunc) error {
	ctx, span := o.tracer.Start(ctx, "openai_stream", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	start := time.Now()
	stream, err := o.streamClient.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: chatMessages(turns),
		Stream:   true,
	})
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("failed to create chat completion stream: %w", err)
	}
	defer stream.Close()

	fragments := 0
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			recordError(span, err)
			return fmt.Errorf("failed to receive stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}

		if content := response.Choices[0].Delta.Content; content != "" {
			fragments++
			if err := onContent(content); err != nil {
				return err
			}
		}
	}

	telemetry.RequestDuration(ctx, o.meter, start)
	o.logger.Info("openai stream completed",
		"model", model,
		"fragments", fragments,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func chatMessages(turns []api.Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, len(turns))
	for i, turn := range turns {
		messages[i] = openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		}
	}
	return messages
}
