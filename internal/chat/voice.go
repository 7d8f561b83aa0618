package chat

import (
	"context"
	"errors"
	"fmt"

	"VoiceChat/internal/client"
	"VoiceChat/internal/session"
	"VoiceChat/internal/voice"
)

const (
	recordingFile = "recording.wav"
	quickFile     = "quick_recording.wav"

	// summaryLen is how much of a transcription the transcript notice quotes
	summaryLen = 50
)

// CheckVoiceSupport probes the microphone once. When it cannot be opened the
// voice controls stay disabled for the rest of the session.
func (c *Controller) CheckVoiceSupport(ctx context.Context) bool {
	err := voice.Probe(ctx, c.mic)
	if err == nil {
		c.logger.Info("microphone available")
		return true
	}

	c.logger.Warn("voice input not supported", "error", err)
	c.update(func() {
		c.controls.VoiceSupported = false
		c.syncInputsLocked()
		c.controlsChangedLocked()
	})
	return false
}

// ToggleRecording starts a recording when idle and stops it when recording
func (c *Controller) ToggleRecording(ctx context.Context) error {
	if c.recorder.Active() {
		return c.StopRecording(ctx)
	}
	return c.StartRecording(ctx)
}

// StartRecording opens the microphone and starts collecting audio
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	supported := c.controls.VoiceSupported
	c.mu.Unlock()
	if !supported {
		return voice.ErrUnavailable
	}

	if err := c.recorder.Start(ctx); err != nil {
		if errors.Is(err, voice.ErrAlreadyRecording) {
			return err
		}
		c.logger.Error("failed to start recording", "error", err)
		c.addSystemMessage("Microphone error: " + err.Error())
		return err
	}

	c.update(func() {
		c.controls.Recording = true
		c.controls.RecordingSeconds = 0
		c.controlsChangedLocked()
	})
	c.logger.Info("recording started")
	return nil
}

// StopRecording releases the microphone and sends what was captured for
// transcription
func (c *Controller) StopRecording(ctx context.Context) error {
	rec, err := c.recorder.Stop()
	if errors.Is(err, voice.ErrNotRecording) {
		return err
	}

	c.update(func() {
		c.controls.Recording = false
		c.controls.RecordingSeconds = 0
		c.controlsChangedLocked()
	})
	if err != nil {
		c.logger.Warn("microphone release failed", "error", err)
	}

	c.logger.Info("recording stopped", "chunks", len(rec.Chunks), "bytes", rec.Size(), "seconds", rec.ElapsedSeconds)
	c.processRecording(ctx, rec)
	return nil
}

func (c *Controller) recordingTick(seconds int) {
	c.update(func() {
		if !c.controls.Recording {
			return
		}
		c.controls.RecordingSeconds = seconds
		c.controlsChangedLocked()
	})
}

func (c *Controller) processRecording(ctx context.Context, rec session.Recording) {
	if len(rec.Chunks) == 0 {
		c.addSystemMessage("No audio recorded")
		return
	}

	audio := rec.Assemble()
	c.addSystemMessage("Transcribing audio...")

	res, err := c.backend.Transcribe(ctx, recordingFile, audio)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			c.logger.Error("transcription rejected", "status", apiErr.StatusCode, "error", err)
			c.addSystemMessage("Transcription error: " + apiErr.Error())
		} else {
			c.logger.Error("transcription request failed", "error", err)
			c.addSystemMessage("Processing error: " + err.Error())
		}
		return
	}

	c.update(func() {
		c.controls.Preview = Preview{Visible: true, Text: res.Transcription, Language: res.Language}
		c.controlsChangedLocked()
		c.addEntryLocked(session.RoleSystem,
			fmt.Sprintf(`Voice input transcribed (%s): "%s"`, res.Language, summarize(res.Transcription)))
	})
}

// UseTranscription moves the previewed transcription into the composer
func (c *Controller) UseTranscription() {
	c.update(func() {
		if !c.controls.Preview.Visible {
			return
		}
		c.controls.Composer = c.controls.Preview.Text
		c.controls.Preview.Visible = false
		c.controlsChangedLocked()
	})
}

// ClearTranscription hides and forgets the previewed transcription
func (c *Controller) ClearTranscription() {
	c.update(func() {
		c.controls.Preview = Preview{}
		c.controlsChangedLocked()
	})
}

// QuickListening reports whether a quick voice capture is running
func (c *Controller) QuickListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quickStop != nil
}

// QuickVoiceInput starts a short capture whose transcription goes straight
// into the composer. It needs a selected model, like sending does. Calling it
// again while listening ends the capture early; otherwise it ends after the
// quick limit. The capture and upload run in the background and Wait joins
// them.
func (c *Controller) QuickVoiceInput(ctx context.Context) {
	var stop chan struct{}
	c.update(func() {
		if c.quickStop != nil {
			close(c.quickStop)
			c.quickStop = nil
			return
		}
		if c.quickBusy || !c.controls.VoiceEnabled {
			return
		}
		stop = make(chan struct{})
		c.quickStop = stop
		c.quickBusy = true
		c.controls.QuickListening = true
		c.syncInputsLocked()
		c.controlsChangedLocked()
	})
	if stop == nil {
		return
	}

	c.logger.Info("quick voice input started", "limit", c.quickLimit)
	c.wg.Go(func() {
		c.quickCapture(ctx, stop)
	})
}

func (c *Controller) quickCapture(ctx context.Context, stop chan struct{}) {
	defer c.update(func() {
		if c.quickStop == stop {
			c.quickStop = nil
		}
		c.quickBusy = false
		c.controls.QuickListening = false
		c.syncInputsLocked()
		c.controlsChangedLocked()
	})

	audio, err := voice.CaptureUntil(ctx, c.mic, c.constraints.Plain(), stop, c.quickLimit)
	if err != nil {
		var openErr *voice.OpenError
		if errors.As(err, &openErr) {
			c.logger.Error("quick voice input could not open microphone", "error", err)
			c.addSystemMessage("Voice input error: " + err.Error())
		} else {
			c.logger.Error("quick voice capture failed", "error", err)
			c.addSystemMessage("Quick transcription failed: " + err.Error())
		}
		return
	}

	res, err := c.backend.Transcribe(ctx, quickFile, audio)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			c.logger.Error("quick transcription rejected", "status", apiErr.StatusCode, "error", err)
			c.addSystemMessage("Quick transcription error: " + apiErr.Error())
		} else {
			c.logger.Error("quick transcription request failed", "error", err)
			c.addSystemMessage("Quick transcription failed: " + err.Error())
		}
		return
	}

	c.update(func() {
		c.controls.Composer = res.Transcription
		c.controlsChangedLocked()
	})
	c.logger.Info("quick voice input transcribed", "language", res.Language, "bytes", len(audio))
}

// summarize shortens a transcription for the transcript notice
func summarize(text string) string {
	runes := []rune(text)
	if len(runes) <= summaryLen {
		return text
	}
	return string(runes[:summaryLen]) + "..."
}
