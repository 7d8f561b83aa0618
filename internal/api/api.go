// Package api holds the JSON wire types exchanged between the chat client and
// the backend service.
package api

import "VoiceChat/internal/session"

// Endpoint paths
const (
	PathHealth     = "/health"
	PathModels     = "/api/models"
	PathChat       = "/api/chat"
	PathChatStream = "/api/chat/stream"
	PathTranscribe = "/api/transcribe"
)

// AudioField is the multipart field carrying uploaded audio
const AudioField = "audio"

// StatusHealthy is the status reported by a working backend
const StatusHealthy = "healthy"

// HealthResponse represents the response from /health
type HealthResponse struct {
	Status           string `json:"status"`
	OllamaConnected  bool   `json:"ollama_connected"`
	ModelsCount      int    `json:"models_count"`
	WhisperAvailable bool   `json:"whisper_available"`
	GPUAvailable     bool   `json:"gpu_available"`
	Error            string `json:"error,omitempty"`
}

// ModelsResponse represents the response from /api/models
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// Model represents a single model in the models listing
type Model struct {
	Name       string        `json:"name"`
	ModifiedAt string        `json:"modified_at,omitempty"`
	Size       int64         `json:"size,omitempty"`
	Digest     string        `json:"digest,omitempty"`
	Details    *ModelDetails `json:"details,omitempty"`
}

// ModelDetails carries the optional model metadata reported by Ollama
type ModelDetails struct {
	Format            string `json:"format,omitempty"`
	Family            string `json:"family,omitempty"`
	ParameterSize     string `json:"parameter_size,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
}

// Label returns the display label for a model, e.g. "llama3:latest (8B)"
func (m Model) Label() string {
	if m.Details != nil && m.Details.ParameterSize != "" {
		return m.Name + " (" + m.Details.ParameterSize + ")"
	}
	return m.Name
}

// Turn is one history entry as sent over the wire
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents the body of /api/chat and /api/chat/stream
type ChatRequest struct {
	Model   string `json:"model"`
	Message string `json:"message"`
	History []Turn `json:"history"`
}

// ChatResponse represents the response from /api/chat
type ChatResponse struct {
	Response string `json:"response"`
	Model    string `json:"model,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// TranscribeResponse represents the response from /api/transcribe
type TranscribeResponse struct {
	Transcription string    `json:"transcription"`
	Language      string    `json:"language"`
	Segments      []Segment `json:"segments,omitempty"`
}

// Segment is one timed span of a transcription
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Frame is the JSON payload of one streamed "data: " line
type Frame struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TurnsFromHistory converts session messages to wire turns
func TurnsFromHistory(history []session.Message) []Turn {
	turns := make([]Turn, len(history))
	for i, msg := range history {
		turns[i] = Turn{Role: string(msg.Role), Content: msg.Content}
	}
	return turns
}
