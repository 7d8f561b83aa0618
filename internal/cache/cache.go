// Package cache stores upstream results (model listings and complete chat
// replies) for a bounded time, in process or in Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"VoiceChat/internal/api"
)

// Cache is a byte store with per-entry expiry. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedResponse represents a cached chat reply
type CachedResponse struct {
	Response  string    `json:"response"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelsKey is the key of the cached model listing
const ModelsKey = "voicechat:models"

// GenerateCacheKey generates a cache key from the model and the full
// conversation, the new user turn included
func GenerateCacheKey(model string, turns []api.Turn) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, turn := range turns {
		h.Write([]byte{0})
		h.Write([]byte(turn.Role))
		h.Write([]byte{0})
		h.Write([]byte(turn.Content))
	}
	return fmt.Sprintf("voicechat:chat:%x", h.Sum(nil))
}

// GetJSON loads key into out. Reports false on a miss.
func GetJSON(ctx context.Context, c Cache, key string, out any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores value under key for ttl
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.Set(ctx, key, raw, ttl)
}
