// Package voice captures audio from a microphone for transcription.
//
// A Microphone hands out Captures. A Capture delivers the recorded audio as an
// ordered sequence of chunks, flushed at a fixed interval, and owns the device
// until Stop is called. Audio is passed through in whatever container the
// device produces; nothing here decodes or converts it.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnavailable is returned when no capture device can be used
	ErrUnavailable = errors.New("microphone unavailable")
	// ErrNoAudio is returned when a capture produced no data
	ErrNoAudio = errors.New("no audio recorded")
)

// Constraints are the capture parameters requested from the device. Echo
// cancellation and noise suppression are requests; devices that cannot
// honor them record without.
type Constraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	FlushInterval    time.Duration
}

// DefaultConstraints returns mono 16 kHz capture with processing requested
// and a 100ms flush interval
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       16000,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		FlushInterval:    100 * time.Millisecond,
	}
}

// Plain returns c without audio processing and with a single flush at the end
func (c Constraints) Plain() Constraints {
	c.EchoCancellation = false
	c.NoiseSuppression = false
	c.FlushInterval = 0
	return c
}

// Microphone opens capture sessions
type Microphone interface {
	Open(ctx context.Context, c Constraints) (Capture, error)
}

// Capture is one open capture session
type Capture interface {
	// Chunks delivers captured audio in order. It is closed after Stop once
	// everything captured has been delivered.
	Chunks() <-chan []byte
	// Stop ends the capture and releases the device. Safe to call twice.
	Stop() error
}

// Probe checks that the microphone can be opened, releasing it immediately
func Probe(ctx context.Context, mic Microphone) error {
	if mic == nil {
		return ErrUnavailable
	}
	capture, err := mic.Open(ctx, DefaultConstraints())
	if err != nil {
		return err
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range capture.Chunks() {
		}
	}()
	err = capture.Stop()
	<-drained
	return err
}

// CommandMicrophone records through an external capture program writing
// audio to stdout. arecord (ALSA) and ffmpeg are supported.
type CommandMicrophone struct {
	Command string
	Device  string
	Logger  *slog.Logger
}

// NewCommandMicrophone creates a microphone backed by command
func NewCommandMicrophone(command, device string, logger *slog.Logger) *CommandMicrophone {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandMicrophone{Command: command, Device: device, Logger: logger}
}

// Args returns the capture program arguments for c
func (m *CommandMicrophone) Args(c Constraints) []string {
	rate := strconv.Itoa(c.SampleRate)
	channels := strconv.Itoa(c.Channels)

	switch filepath.Base(m.Command) {
	case "ffmpeg":
		device := m.Device
		if device == "" {
			device = "default"
		}
		args := []string{"-hide_banner", "-loglevel", "error", "-f", "alsa", "-i", device, "-ac", channels, "-ar", rate}
		if c.NoiseSuppression {
			args = append(args, "-af", "afftdn")
		}
		return append(args, "-f", "wav", "-")
	default:
		args := []string{"-q", "-t", "wav", "-f", "S16_LE", "-r", rate, "-c", channels}
		if m.Device != "" {
			args = append(args, "-D", m.Device)
		}
		return append(args, "-")
	}
}

const (
	// openGrace is how long Open waits for a capture program that cannot
	// open its device to exit
	openGrace = 200 * time.Millisecond
	// stopTimeout is how long Stop waits after the interrupt before killing
	stopTimeout = 2 * time.Second
)

// Open starts the capture program. A program that exits before Stop, which
// is what arecord and ffmpeg do when the device is missing, busy or denied,
// fails the open with its stderr as the reason.
func (m *CommandMicrophone) Open(ctx context.Context, c Constraints) (Capture, error) {
	path, err := exec.LookPath(m.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Our own pipe keeps Wait from closing stdout while it is still read
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	// The capture must outlive ctx; it ends only through Stop
	cmd := exec.Command(path, m.Args(c)...)
	cmd.Stdout = stdoutW
	capture := &commandCapture{
		cmd:    cmd,
		name:   m.Command,
		chunks: make(chan []byte, 64),
		pumped: make(chan struct{}),
		exited: make(chan struct{}),
		logger: m.Logger,
	}
	cmd.Stderr = &capture.stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", m.Command, err)
	}
	stdoutW.Close()

	go func() {
		defer close(capture.pumped)
		defer stdout.Close()
		Flush(stdout, c.FlushInterval, capture.chunks)
	}()
	go func() {
		defer close(capture.exited)
		capture.waitErr = cmd.Wait()
	}()

	grace := openGrace
	if c.FlushInterval > grace {
		grace = c.FlushInterval
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-capture.exited:
		for range capture.chunks {
		}
		<-capture.pumped
		m.Logger.Warn("capture program exited on open", "command", m.Command, "error", capture.exitReason())
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, capture.exitReason())
	case <-ctx.Done():
		go func() {
			for range capture.chunks {
			}
		}()
		_ = capture.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	m.Logger.Info("microphone opened",
		"command", m.Command,
		"pid", cmd.Process.Pid,
		"sample_rate", c.SampleRate,
		"channels", c.Channels,
		"echo_cancellation", c.EchoCancellation,
		"noise_suppression", c.NoiseSuppression)
	return capture, nil
}

type commandCapture struct {
	cmd    *exec.Cmd
	name   string
	chunks chan []byte
	pumped chan struct{}
	logger *slog.Logger

	// stderr and waitErr are written by the exec and wait goroutines and
	// read only after exited is closed
	exited  chan struct{}
	stderr  bytes.Buffer
	waitErr error

	once    sync.Once
	stopErr error
}

func (c *commandCapture) Chunks() <-chan []byte {
	return c.chunks
}

// Stop interrupts the capture program and waits for it. An exit caused by
// the interrupt is the normal way out; a program that had already exited
// on its own reports its failure.
func (c *commandCapture) Stop() error {
	c.once.Do(func() {
		ownExit := false
		select {
		case <-c.exited:
			ownExit = true
		default:
			// SIGINT lets the capture program flush its buffers before exiting
			if err := c.cmd.Process.Signal(os.Interrupt); err != nil {
				if errors.Is(err, os.ErrProcessDone) {
					ownExit = true
				} else {
					_ = c.cmd.Process.Kill()
				}
			}
		}

		select {
		case <-c.exited:
		case <-time.After(stopTimeout):
			c.logger.Warn("capture program ignored interrupt, killing", "command", c.name)
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
		<-c.pumped

		var exitErr *exec.ExitError
		switch {
		case c.waitErr == nil:
		case ownExit:
			c.stopErr = fmt.Errorf("capture program failed: %s", c.exitReason())
		case !errors.As(c.waitErr, &exitErr):
			c.stopErr = fmt.Errorf("capture program: %w", c.waitErr)
		}
		c.logger.Info("microphone released", "pid", c.cmd.Process.Pid)
	})
	return c.stopErr
}

// exitReason describes why the program exited, preferring its stderr.
// Only valid once exited is closed.
func (c *commandCapture) exitReason() string {
	if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = strings.TrimSpace(msg[i+1:])
		}
		if strings.HasPrefix(msg, filepath.Base(c.name)+":") {
			return msg
		}
		return c.name + ": " + msg
	}
	if c.waitErr != nil {
		return c.name + ": " + c.waitErr.Error()
	}
	return c.name + " exited"
}

// Flush copies r into out as chunks, emitting whatever has accumulated every
// interval and the remainder at end of input, then closes out. A zero
// interval emits a single chunk at the end.
func Flush(r io.Reader, interval time.Duration, out chan<- []byte) {
	defer close(out)

	reads := make(chan []byte)
	go func() {
		defer close(reads)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				reads <- b
			}
			if err != nil {
				return
			}
		}
	}()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var pending []byte
	for {
		select {
		case b, ok := <-reads:
			if !ok {
				if len(pending) > 0 {
					out <- pending
				}
				return
			}
			pending = append(pending, b...)
		case <-tick:
			if len(pending) > 0 {
				out <- pending
				pending = nil
			}
		}
	}
}
