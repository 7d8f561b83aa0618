package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceChat/internal/api"
	"VoiceChat/internal/stream"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", 5*time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, api.PathHealth, r.URL.Path)
		writeJSON(w, http.StatusOK, api.HealthResponse{Status: "healthy", OllamaConnected: true, ModelsCount: 3, GPUAvailable: true})
	}))

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 3, health.ModelsCount)
	assert.True(t, health.GPUAvailable)
}

func TestListModels(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.ModelsResponse{Models: []api.Model{
			{Name: "llama3:latest", Details: &api.ModelDetails{ParameterSize: "8B"}},
			{Name: "phi3"},
		}})
	}))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3:latest (8B)", models[0].Label())
	assert.Equal(t, "phi3", models[1].Label())
}

func TestListModelsMalformed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"unexpected": "shape"})
	}))

	_, err := c.ListModels(context.Background())
	assert.Error(t, err)
}

func TestChatSendsHistoryAndMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req api.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.Equal(t, "second", req.Message)
		require.Len(t, req.History, 2)

		writeJSON(w, http.StatusOK, api.ChatResponse{Response: "reply", Model: req.Model})
	}))

	reply, err := c.Chat(context.Background(), api.ChatRequest{
		Model:   "llama3",
		Message: "second",
		History: []api.Turn{{Role: "user", Content: "first"}, {Role: "assistant", Content: "ok"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "reply", reply)
}

func TestChatBackendError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Model and message are required"})
	}))

	_, err := c.Chat(context.Background(), api.ChatRequest{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Model and message are required", apiErr.Error())
}

func TestAPIErrorWithoutMessage(t *testing.T) {
	err := &APIError{StatusCode: 503}
	assert.Equal(t, "HTTP error! status: 503", err.Error())
}

func TestChatStream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, api.PathChatStream, r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range []string{"Hel", "lo"} {
			_ = stream.Encode(w, api.Frame{Content: part})
			flusher.Flush()
		}
		_ = stream.Encode(w, api.Frame{Done: true})
	}))

	var updates []string
	res, err := c.ChatStream(context.Background(), api.ChatRequest{Model: "m", Message: "hi"}, func(acc string) {
		updates = append(updates, acc)
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, []string{"Hel", "Hello"}, updates)
}

func TestChatStreamHTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.ChatStream(context.Background(), api.ChatRequest{Model: "m", Message: "hi"}, nil)
	assert.EqualError(t, err, "HTTP error! status: 500")
}

func TestTranscribeUploadsMultipart(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile(api.AudioField)
		require.NoError(t, err)
		defer file.Close()

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "recording.wav", header.Filename)
		assert.Equal(t, []byte("audio-bytes"), data)

		writeJSON(w, http.StatusOK, api.TranscribeResponse{Transcription: "hello world", Language: "en"})
	}))

	res, err := c.Transcribe(context.Background(), "recording.wav", []byte("audio-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Transcription)
	assert.Equal(t, "en", res.Language)
}

func TestTranscribeError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "Whisper model not available"})
	}))

	_, err := c.Transcribe(context.Background(), "recording.wav", []byte("x"))
	assert.EqualError(t, err, "Whisper model not available")
}
