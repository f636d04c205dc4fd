package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/voxrelay/internal/audio"
)

const (
	AudioModeBuffered = "buffered"
	AudioModeChunked  = "chunked"

	ChatModeSingle      = "single"
	ChatModeIncremental = "incremental"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr           string        `yaml:"bind_addr"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace   string        `yaml:"metrics_namespace"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	AllowAnyOrigin     bool          `yaml:"allow_any_origin"`
	SessionDefaultKey  string        `yaml:"session_default_key"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	SystemPrompt       string        `yaml:"system_prompt"`
	NoSpeechText       string        `yaml:"no_speech_text"`

	Audio           audio.Params `yaml:"audio"`
	AudioMode       string       `yaml:"audio_mode"`
	AudioChunkBytes int          `yaml:"audio_chunk_bytes"`
	AudioFlushBytes int          `yaml:"audio_flush_bytes"`

	ChatMode         string `yaml:"chat_mode"`
	ChatOnTranscript bool   `yaml:"chat_on_transcript"`

	TranscriptionProvider string        `yaml:"transcription_provider"`
	TranscriptionHTTPURL  string        `yaml:"transcription_http_url"`
	ChatProvider          string        `yaml:"chat_provider"`
	ChatHTTPURL           string        `yaml:"chat_http_url"`
	ChatFallback          string        `yaml:"chat_fallback"`
	UpstreamTimeout       time.Duration `yaml:"upstream_timeout"`
	UpstreamRetries       int           `yaml:"upstream_retries"`

	OpenAIAPIKey           string `yaml:"-"`
	OpenAIBaseURL          string `yaml:"openai_base_url"`
	OpenAIChatModel        string `yaml:"openai_chat_model"`
	OpenAIChatSearchModel  string `yaml:"openai_chat_search_model"`
	OpenAITranscribeModel  string `yaml:"openai_transcribe_model"`
	OpenAITranscribeLocale string `yaml:"openai_transcribe_language"`

	DatabaseURL string `yaml:"-"`
}

// Defaults returns the built-in settings before any file or env overrides.
func Defaults() Config {
	return Config{
		BindAddr:              ":8080",
		ShutdownTimeout:       15 * time.Second,
		MetricsNamespace:      "voxrelay",
		LogLevel:              "info",
		LogFormat:             "text",
		SessionDefaultKey:     "websocket",
		SessionIdleTimeout:    10 * time.Minute,
		SystemPrompt:          "You are a helpful voice assistant. Keep answers short and conversational.",
		NoSpeechText:          "No speech detected",
		Audio:                 audio.DefaultParams(),
		AudioMode:             AudioModeBuffered,
		AudioChunkBytes:       1 << 20,
		ChatMode:              ChatModeIncremental,
		ChatOnTranscript:      true,
		TranscriptionProvider: "auto",
		ChatProvider:          "auto",
		UpstreamTimeout:       30 * time.Second,
		UpstreamRetries:       1,
		OpenAIChatModel:       "gpt-4o-mini",
		OpenAITranscribeModel: "whisper-1",
	}
}

// Load reads an optional .env file, an optional YAML file named by
// RELAY_CONFIG_FILE, then environment variables, and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := stringsTrimSpace("RELAY_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.SessionDefaultKey = envOrDefault("SESSION_DEFAULT_KEY", cfg.SessionDefaultKey)
	cfg.SystemPrompt = envOrDefault("SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.NoSpeechText = envOrDefault("NO_SPEECH_TEXT", cfg.NoSpeechText)
	cfg.AudioMode = strings.ToLower(envOrDefault("AUDIO_MODE", cfg.AudioMode))
	cfg.ChatMode = strings.ToLower(envOrDefault("CHAT_MODE", cfg.ChatMode))
	cfg.TranscriptionProvider = strings.ToLower(envOrDefault("TRANSCRIPTION_PROVIDER", cfg.TranscriptionProvider))
	cfg.TranscriptionHTTPURL = envOrDefault("TRANSCRIPTION_HTTP_URL", cfg.TranscriptionHTTPURL)
	cfg.ChatProvider = strings.ToLower(envOrDefault("CHAT_PROVIDER", cfg.ChatProvider))
	cfg.ChatHTTPURL = envOrDefault("CHAT_HTTP_URL", cfg.ChatHTTPURL)
	cfg.ChatFallback = strings.ToLower(envOrDefault("CHAT_FALLBACK", cfg.ChatFallback))
	cfg.OpenAIAPIKey = stringsTrimSpace("OPENAI_API_KEY")
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIChatModel = envOrDefault("OPENAI_CHAT_MODEL", cfg.OpenAIChatModel)
	cfg.OpenAIChatSearchModel = envOrDefault("OPENAI_CHAT_SEARCH_MODEL", cfg.OpenAIChatSearchModel)
	cfg.OpenAITranscribeModel = envOrDefault("OPENAI_TRANSCRIBE_MODEL", cfg.OpenAITranscribeModel)
	cfg.OpenAITranscribeLocale = envOrDefault("OPENAI_TRANSCRIBE_LANGUAGE", cfg.OpenAITranscribeLocale)
	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamTimeout, err = durationFromEnv("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamRetries, err = intFromEnv("UPSTREAM_RETRIES", cfg.UpstreamRetries); err != nil {
		return Config{}, err
	}
	if cfg.Audio.SampleRateHz, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.Audio.SampleRateHz); err != nil {
		return Config{}, err
	}
	if cfg.Audio.Channels, err = intFromEnv("AUDIO_CHANNELS", cfg.Audio.Channels); err != nil {
		return Config{}, err
	}
	if cfg.Audio.BitsPerSample, err = intFromEnv("AUDIO_BITS_PER_SAMPLE", cfg.Audio.BitsPerSample); err != nil {
		return Config{}, err
	}
	if cfg.AudioChunkBytes, err = intFromEnv("AUDIO_CHUNK_BYTES", cfg.AudioChunkBytes); err != nil {
		return Config{}, err
	}
	if cfg.AudioFlushBytes, err = intFromEnv("AUDIO_FLUSH_BYTES", cfg.AudioFlushBytes); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.ChatOnTranscript, err = boolFromEnv("CHAT_ON_TRANSCRIPT", cfg.ChatOnTranscript); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot repair.
func (c Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	switch c.AudioMode {
	case AudioModeBuffered, AudioModeChunked:
	default:
		return fmt.Errorf("AUDIO_MODE must be %s or %s, got %q", AudioModeBuffered, AudioModeChunked, c.AudioMode)
	}
	switch c.ChatMode {
	case ChatModeSingle, ChatModeIncremental:
	default:
		return fmt.Errorf("CHAT_MODE must be %s or %s, got %q", ChatModeSingle, ChatModeIncremental, c.ChatMode)
	}
	if c.AudioChunkBytes < 2 {
		return fmt.Errorf("AUDIO_CHUNK_BYTES must be at least 2")
	}
	if c.AudioFlushBytes < 0 {
		return fmt.Errorf("AUDIO_FLUSH_BYTES must be >= 0")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}
	if c.UpstreamRetries < 0 {
		return fmt.Errorf("UPSTREAM_RETRIES must be >= 0")
	}
	if c.SessionIdleTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if strings.TrimSpace(c.SessionDefaultKey) == "" {
		return fmt.Errorf("SESSION_DEFAULT_KEY must not be empty")
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		return fmt.Errorf("SYSTEM_PROMPT must not be empty")
	}
	if strings.TrimSpace(c.NoSpeechText) == "" {
		return fmt.Errorf("NO_SPEECH_TEXT must not be empty")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode %q: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
