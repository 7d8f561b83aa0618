// Package voicetest provides an in-memory microphone for tests.
package voicetest

import (
	"context"
	"sync"

	"VoiceChat/internal/voice"
)

// Microphone is a fake microphone. Each opened capture emits Chunks
// immediately and then waits for Stop.
type Microphone struct {
	Chunks  [][]byte
	OpenErr error

	mu       sync.Mutex
	opened   int
	released int
	last     voice.Constraints
}

// Open implements voice.Microphone
func (m *Microphone) Open(ctx context.Context, c voice.Constraints) (voice.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	m.opened++
	m.last = c

	out := make(chan []byte, len(m.Chunks))
	for _, chunk := range m.Chunks {
		out <- chunk
	}
	return &capture{mic: m, out: out}, nil
}

// Opened returns how many captures were opened
func (m *Microphone) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Released returns how many captures were stopped
func (m *Microphone) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// Held reports whether any capture is still open
func (m *Microphone) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened != m.released
}

// LastConstraints returns the constraints of the most recent Open
func (m *Microphone) LastConstraints() voice.Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

type capture struct {
	mic  *Microphone
	out  chan []byte
	once sync.Once
}

func (c *capture) Chunks() <-chan []byte {
	return c.out
}

func (c *capture) Stop() error {
	c.once.Do(func() {
		close(c.out)
		c.mic.mu.Lock()
		c.mic.released++
		c.mic.mu.Unlock()
	})
	return nil
}
