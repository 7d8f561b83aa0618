package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// Config holds application configuration
type Config struct {
	Debug bool `yaml:"debug" env:"VOICECHAT_DEBUG"`

	Client    ClientConfig    `yaml:"client"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ClientConfig configures the terminal chat client
type ClientConfig struct {
	BackendURL     string        `yaml:"backend_url" env:"VOICECHAT_BACKEND_URL" env-default:"http://localhost:5000"`
	DefaultModel   string        `yaml:"default_model" env:"VOICECHAT_MODEL"`
	Streaming      bool          `yaml:"streaming" env:"VOICECHAT_STREAMING" env-default:"true"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"VOICECHAT_REQUEST_TIMEOUT" env-default:"60s"`
	HistoryFile    string        `yaml:"history_file" env:"VOICECHAT_HISTORY_FILE"`

	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig configures audio capture
type VoiceConfig struct {
	Command          string        `yaml:"command" env:"VOICECHAT_MIC_COMMAND" env-default:"arecord"`
	Device           string        `yaml:"device" env:"VOICECHAT_MIC_DEVICE"`
	SampleRate       int           `yaml:"sample_rate" env:"VOICECHAT_MIC_RATE" env-default:"16000"`
	Channels         int           `yaml:"channels" env:"VOICECHAT_MIC_CHANNELS" env-default:"1"`
	EchoCancellation bool          `yaml:"echo_cancellation" env-default:"true"`
	NoiseSuppression bool          `yaml:"noise_suppression" env-default:"true"`
	FlushInterval    time.Duration `yaml:"flush_interval" env-default:"100ms"`
	QuickLimit       time.Duration `yaml:"quick_limit" env:"VOICECHAT_QUICK_LIMIT" env-default:"10s"`
}

// ServerConfig configures the backend service
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"VOICECHAT_ADDR" env-default:":5000"`
	Backend         string        `yaml:"backend" env:"VOICECHAT_UPSTREAM" env-default:"ollama"`
	OllamaURL       string        `yaml:"ollama_url" env:"VOICECHAT_OLLAMA_URL" env-default:"http://localhost:11434"`
	OpenAIBaseURL   string        `yaml:"openai_base_url" env:"OPENAI_BASE_URL" env-default:"https://api.openai.com/v1"`
	OpenAIAPIKey    string        `yaml:"-" env:"OPENAI_API_KEY"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" env:"VOICECHAT_UPSTREAM_TIMEOUT" env-default:"60s"`
	MaxUploadSize   int64         `yaml:"max_upload_size" env:"VOICECHAT_MAX_UPLOAD" env-default:"16777216"`

	Whisper WhisperConfig `yaml:"whisper"`
	Cache   CacheConfig   `yaml:"cache"`
	Limit   LimitConfig   `yaml:"limit"`
}

// WhisperConfig configures the transcription endpoint. Transcription is
// disabled when BaseURL is empty.
type WhisperConfig struct {
	BaseURL string `yaml:"base_url" env:"WHISPER_BASE_URL"`
	APIKey  string `yaml:"-" env:"WHISPER_API_KEY"`
	Model   string `yaml:"model" env:"WHISPER_MODEL" env-default:"whisper-1"`
}

// CacheConfig configures response caching. An empty RedisAddr selects the
// in-process cache.
type CacheConfig struct {
	RedisAddr   string        `yaml:"redis_addr" env:"VOICECHAT_REDIS_ADDR"`
	ModelsTTL   time.Duration `yaml:"models_ttl" env-default:"30s"`
	Responses   bool          `yaml:"responses" env:"VOICECHAT_CACHE_RESPONSES"`
	ResponseTTL time.Duration `yaml:"response_ttl" env-default:"10m"`
}

// LimitConfig configures request rate limiting. Zero RPS disables it.
type LimitConfig struct {
	RPS   float64 `yaml:"rps" env:"VOICECHAT_RATE_LIMIT" env-default:"20"`
	Burst int     `yaml:"burst" env-default:"40"`
}

// LogConfig configures the rotating log file
type LogConfig struct {
	Dir        string `yaml:"dir" env:"VOICECHAT_LOG_DIR" env-default:"logs"`
	File       string `yaml:"file" env-default:"voicechat.log"`
	Level      string `yaml:"level" env:"VOICECHAT_LOG_LEVEL" env-default:"info"`
	MaxSize    int    `yaml:"max_size" env-default:"10"` // MB
	MaxBackups int    `yaml:"max_backups" env-default:"3"`
	MaxAge     int    `yaml:"max_age" env-default:"28"` // days
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled" env:"VOICECHAT_TELEMETRY"`
	ServiceName    string        `yaml:"service_name" env-default:"voicechat"`
	ExportInterval time.Duration `yaml:"export_interval" env-default:"10s"`
}

// Load reads configuration from an optional .env file, an optional YAML file
// and the environment, in that order of increasing precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be expressed as defaults
func (c *Config) Validate() error {
	switch c.Server.Backend {
	case BackendOllama, BackendOpenAI:
	default:
		return fmt.Errorf("unknown backend: %s", c.Server.Backend)
	}
	if c.Client.BackendURL == "" {
		return errors.New("backend url is required")
	}
	if c.Client.Voice.SampleRate <= 0 || c.Client.Voice.Channels <= 0 {
		return errors.New("voice sample rate and channels must be positive")
	}
	if c.Client.Voice.QuickLimit <= 0 {
		return errors.New("quick voice limit must be positive")
	}
	return nil
}

// Default returns the env-default values merged with the environment
func Default() *Config {
	var cfg Config
	_ = cleanenv.ReadEnv(&cfg)
	return &cfg
}
