package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceChat/internal/api"
	"VoiceChat/internal/session"
	"VoiceChat/internal/voice"
	"VoiceChat/internal/voice/voicetest"
)

func withMic(mic voice.Microphone) func(*Options) {
	return func(o *Options) { o.Microphone = mic }
}

func TestProcessRecordingWithoutAudio(t *testing.T) {
	fb := &fakeBackend{}
	mic := &voicetest.Microphone{}
	c := newController(t, fb, withMic(mic))
	ctx := context.Background()

	require.NoError(t, c.StartRecording(ctx))
	assert.True(t, c.Controls().Recording)
	require.NoError(t, c.StopRecording(ctx))

	assert.Equal(t, "No audio recorded", lastEntry(t, c).Content)
	assert.Empty(t, fb.uploaded())
	assert.False(t, mic.Held())
	assert.False(t, c.Controls().Recording)
}

func TestRecordingTranscription(t *testing.T) {
	text := strings.Repeat("abcdefghij", 6)
	fb := &fakeBackend{transcription: api.TranscribeResponse{Transcription: text, Language: "en"}}
	mic := &voicetest.Microphone{Chunks: [][]byte{[]byte("RIFF"), []byte("data")}}
	c := newController(t, fb, withMic(mic))
	ctx := context.Background()

	require.NoError(t, c.ToggleRecording(ctx))
	require.NoError(t, c.ToggleRecording(ctx))

	assert.Equal(t, []string{"recording.wav"}, fb.uploaded())
	assert.False(t, mic.Held())

	entries := c.Transcript().Entries
	require.Len(t, entries, 2)
	assert.Equal(t, "Transcribing audio...", entries[0].Content)
	assert.Equal(t, `Voice input transcribed (en): "`+text[:50]+`..."`, entries[1].Content)

	preview := c.Controls().Preview
	assert.True(t, preview.Visible)
	assert.Equal(t, text, preview.Text)
	assert.Equal(t, "en", preview.Language)

	c.UseTranscription()
	ctl := c.Controls()
	assert.Equal(t, text, ctl.Composer)
	assert.False(t, ctl.Preview.Visible)
	assert.Empty(t, c.History())
}

func TestTranscriptionErrors(t *testing.T) {
	fb := &fakeBackend{transcribeStatus: http.StatusInternalServerError, transcribeError: "Whisper model not available"}
	mic := &voicetest.Microphone{Chunks: [][]byte{[]byte("x")}}
	c := newController(t, fb, withMic(mic))
	ctx := context.Background()

	require.NoError(t, c.StartRecording(ctx))
	require.NoError(t, c.StopRecording(ctx))

	assert.Equal(t, "Transcription error: Whisper model not available", lastEntry(t, c).Content)
	assert.False(t, c.Controls().Preview.Visible)
}

func TestSecondStartRecordingRejected(t *testing.T) {
	mic := &voicetest.Microphone{}
	c := newController(t, &fakeBackend{}, withMic(mic))
	ctx := context.Background()

	require.NoError(t, c.StartRecording(ctx))
	assert.ErrorIs(t, c.StartRecording(ctx), voice.ErrAlreadyRecording)
	assert.Equal(t, 1, mic.Opened())

	require.NoError(t, c.StopRecording(ctx))
	assert.ErrorIs(t, c.StopRecording(ctx), voice.ErrNotRecording)
}

func TestMicrophoneError(t *testing.T) {
	mic := &voicetest.Microphone{OpenErr: errors.New("device busy")}
	c := newController(t, &fakeBackend{}, withMic(mic))

	assert.Error(t, c.StartRecording(context.Background()))
	assert.Equal(t, "Microphone error: device busy", lastEntry(t, c).Content)
	assert.False(t, c.Controls().Recording)
}

func TestClearTranscription(t *testing.T) {
	fb := &fakeBackend{transcription: api.TranscribeResponse{Transcription: "short", Language: "de"}}
	mic := &voicetest.Microphone{Chunks: [][]byte{[]byte("x")}}
	c := newController(t, fb, withMic(mic))
	ctx := context.Background()

	require.NoError(t, c.StartRecording(ctx))
	require.NoError(t, c.StopRecording(ctx))
	assert.Equal(t, `Voice input transcribed (de): "short"`, lastEntry(t, c).Content)

	c.ClearTranscription()
	assert.Equal(t, Preview{}, c.Controls().Preview)

	c.UseTranscription()
	assert.Empty(t, c.Controls().Composer)
}

func TestQuickVoiceInput(t *testing.T) {
	fb := &fakeBackend{transcription: api.TranscribeResponse{Transcription: "what time is it", Language: "en"}}
	mic := &voicetest.Microphone{Chunks: [][]byte{[]byte("audio")}}
	c := newController(t, fb, withMic(mic))
	c.SelectModel("llama3")
	ctx := context.Background()

	c.QuickVoiceInput(ctx)
	assert.True(t, c.QuickListening())
	assert.False(t, c.Controls().VoiceEnabled)

	c.QuickVoiceInput(ctx)
	c.Wait()

	ctl := c.Controls()
	assert.Equal(t, "what time is it", ctl.Composer)
	assert.True(t, ctl.VoiceEnabled)
	assert.False(t, ctl.QuickListening)
	assert.False(t, mic.Held())
	assert.Equal(t, []string{"quick_recording.wav"}, fb.uploaded())
	assert.False(t, mic.LastConstraints().NoiseSuppression)
}

func TestQuickVoiceInputStaysBusyDuringUpload(t *testing.T) {
	gate := make(chan struct{})
	fb := &fakeBackend{
		transcription:  api.TranscribeResponse{Transcription: "later", Language: "en"},
		transcribeGate: gate,
	}
	mic := &voicetest.Microphone{Chunks: [][]byte{[]byte("audio")}}
	c := newController(t, fb, withMic(mic))
	var release sync.Once
	t.Cleanup(func() { release.Do(func() { close(gate) }) })
	c.SelectModel("llama3")
	ctx := context.Background()

	c.QuickVoiceInput(ctx)
	c.QuickVoiceInput(ctx)
	require.Eventually(t, func() bool { return len(fb.uploaded()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.QuickListening())

	// Re-deriving the controls while the upload is pending keeps voice off
	c.SelectModel("llama3")
	assert.False(t, c.Controls().VoiceEnabled)
	c.QuickVoiceInput(ctx)
	assert.False(t, c.QuickListening())
	assert.Equal(t, 1, mic.Opened())

	release.Do(func() { close(gate) })
	c.Wait()

	ctl := c.Controls()
	assert.True(t, ctl.VoiceEnabled)
	assert.Equal(t, "later", ctl.Composer)
}

func TestQuickVoiceInputStopsAtLimit(t *testing.T) {
	fb := &fakeBackend{transcription: api.TranscribeResponse{Transcription: "hi"}}
	mic := &voicetest.Microphone{Chunks: [][]byte{[]byte("audio")}}
	c := newController(t, fb, withMic(mic), func(o *Options) { o.QuickLimit = 10 * time.Millisecond })
	c.SelectModel("llama3")

	c.QuickVoiceInput(context.Background())
	c.Wait()

	assert.False(t, c.QuickListening())
	assert.Equal(t, "hi", c.Controls().Composer)
	assert.False(t, mic.Held())
}

func TestQuickVoiceInputErrors(t *testing.T) {
	t.Run("microphone", func(t *testing.T) {
		mic := &voicetest.Microphone{OpenErr: errors.New("denied")}
		c := newController(t, &fakeBackend{}, withMic(mic))
		c.SelectModel("llama3")

		c.QuickVoiceInput(context.Background())
		c.Wait()

		assert.Equal(t, "Voice input error: denied", lastEntry(t, c).Content)
		assert.False(t, c.QuickListening())
	})

	t.Run("backend", func(t *testing.T) {
		fb := &fakeBackend{transcribeStatus: http.StatusBadRequest, transcribeError: "No audio file provided"}
		mic := &voicetest.Microphone{Chunks: [][]byte{[]byte("audio")}}
		c := newController(t, fb, withMic(mic))
		c.SelectModel("llama3")

		c.QuickVoiceInput(context.Background())
		c.QuickVoiceInput(context.Background())
		c.Wait()

		assert.Equal(t, "Quick transcription error: No audio file provided", lastEntry(t, c).Content)
		assert.Empty(t, c.Controls().Composer)
		assert.False(t, mic.Held())
	})

	t.Run("no audio", func(t *testing.T) {
		fb := &fakeBackend{}
		mic := &voicetest.Microphone{}
		c := newController(t, fb, withMic(mic))
		c.SelectModel("llama3")

		c.QuickVoiceInput(context.Background())
		c.QuickVoiceInput(context.Background())
		c.Wait()

		assert.Equal(t, "Quick transcription failed: no audio recorded", lastEntry(t, c).Content)
		assert.Empty(t, fb.uploaded())
	})
}

func TestQuickVoiceInputNeedsModel(t *testing.T) {
	mic := &voicetest.Microphone{Chunks: [][]byte{[]byte("audio")}}
	c := newController(t, &fakeBackend{}, withMic(mic))

	c.QuickVoiceInput(context.Background())
	assert.False(t, c.QuickListening())
	assert.Zero(t, mic.Opened())
}

func TestCheckVoiceSupport(t *testing.T) {
	mic := &voicetest.Microphone{OpenErr: errors.New("no device")}
	c := newController(t, &fakeBackend{}, withMic(mic))
	c.SelectModel("llama3")
	require.True(t, c.Controls().RecordEnabled)

	assert.False(t, c.CheckVoiceSupport(context.Background()))

	ctl := c.Controls()
	assert.False(t, ctl.VoiceSupported)
	assert.False(t, ctl.RecordEnabled)
	assert.False(t, ctl.VoiceEnabled)

	assert.ErrorIs(t, c.ToggleRecording(context.Background()), voice.ErrUnavailable)
	c.QuickVoiceInput(context.Background())
	assert.False(t, c.QuickListening())
	assert.Equal(t, 1, len(entriesWithRole(c, session.RoleSystem)))
}

func TestCheckVoiceSupportAvailable(t *testing.T) {
	mic := &voicetest.Microphone{}
	c := newController(t, &fakeBackend{}, withMic(mic))

	assert.True(t, c.CheckVoiceSupport(context.Background()))
	assert.True(t, c.Controls().VoiceSupported)
	assert.False(t, mic.Held())
}

func TestSummarize(t *testing.T) {
	long := strings.Repeat("x", 60)
	assert.Equal(t, strings.Repeat("x", 50)+"...", summarize(long))

	short := strings.Repeat("y", 40)
	assert.Equal(t, short, summarize(short))

	exact := strings.Repeat("z", 50)
	assert.Equal(t, exact, summarize(exact))

	assert.Equal(t, strings.Repeat("é", 50)+"...", summarize(strings.Repeat("é", 51)))
}
