package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"VoiceChat/internal/session"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// OpenError reports a microphone that could not be opened
type OpenError struct {
	Err error
}

func (e *OpenError) Error() string {
	return e.Err.Error()
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// TickFunc receives the elapsed recording time in whole seconds
type TickFunc func(seconds int)

// Recorder is the Idle/Recording state machine behind the record control.
// Only one capture is open at a time.
type Recorder struct {
	mic         Microphone
	constraints Constraints
	onTick      TickFunc

	mu       sync.Mutex
	state    session.Recording
	capture  Capture
	stopTick chan struct{}
	wg       conc.WaitGroup
}

// NewRecorder creates an idle recorder
func NewRecorder(mic Microphone, c Constraints, onTick TickFunc) *Recorder {
	return &Recorder{mic: mic, constraints: c, onTick: onTick}
}

// Active reports whether a recording is in progress
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Active
}

// Elapsed returns the elapsed seconds of the current recording
func (r *Recorder) Elapsed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ElapsedSeconds
}

// Start opens the microphone and begins collecting chunks
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Active {
		return ErrAlreadyRecording
	}
	if r.mic == nil {
		return &OpenError{Err: ErrUnavailable}
	}

	capture, err := r.mic.Open(ctx, r.constraints)
	if err != nil {
		return &OpenError{Err: err}
	}

	r.state = session.Recording{Active: true, Chunks: [][]byte{}}
	r.capture = capture
	r.stopTick = make(chan struct{})

	chunks := capture.Chunks()
	r.wg.Go(func() {
		for chunk := range chunks {
			if len(chunk) == 0 {
				continue
			}
			r.mu.Lock()
			r.state.Chunks = append(r.state.Chunks, chunk)
			r.mu.Unlock()
		}
	})

	stop := r.stopTick
	r.wg.Go(func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.mu.Lock()
				r.state.ElapsedSeconds++
				seconds := r.state.ElapsedSeconds
				r.mu.Unlock()
				if r.onTick != nil {
					r.onTick(seconds)
				}
			}
		}
	})

	return nil
}

// Stop ends the capture, releases the microphone and returns everything
// captured. The recorder is Idle afterwards even when releasing fails.
func (r *Recorder) Stop() (session.Recording, error) {
	r.mu.Lock()
	if !r.state.Active {
		r.mu.Unlock()
		return session.Recording{}, ErrNotRecording
	}
	capture := r.capture
	r.state.Active = false
	close(r.stopTick)
	r.mu.Unlock()

	stopErr := capture.Stop()
	r.wg.Wait()

	r.mu.Lock()
	rec := r.state
	r.state = session.Recording{}
	r.capture = nil
	r.stopTick = nil
	r.mu.Unlock()

	if stopErr != nil {
		return rec, fmt.Errorf("failed to release microphone: %w", stopErr)
	}
	return rec, nil
}

// CaptureUntil records on its own capture until stop is closed, limit elapses
// or ctx is done, whichever comes first. The microphone is released on every
// path.
func CaptureUntil(ctx context.Context, mic Microphone, c Constraints, stop <-chan struct{}, limit time.Duration) ([]byte, error) {
	if mic == nil {
		return nil, &OpenError{Err: ErrUnavailable}
	}
	capture, err := mic.Open(ctx, c)
	if err != nil {
		return nil, &OpenError{Err: err}
	}

	rec := session.Recording{Active: true}
	var wg conc.WaitGroup
	wg.Go(func() {
		for chunk := range capture.Chunks() {
			rec.Chunks = append(rec.Chunks, chunk)
		}
	})

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-stop:
	case <-timer.C:
	case <-ctx.Done():
	}

	stopErr := capture.Stop()
	wg.Wait()

	if stopErr != nil {
		return nil, fmt.Errorf("failed to release microphone: %w", stopErr)
	}
	if rec.Size() == 0 {
		return nil, ErrNoAudio
	}
	return rec.Assemble(), nil
}
