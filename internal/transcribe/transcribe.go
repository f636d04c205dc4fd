// Package transcribe turns WAV-encoded speech into text.
//
// Implementations return *reliability.Error values on failure. Silence or an
// empty upload is a success with empty Text; callers decide what to show.
package transcribe

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voxrelay/internal/audio"
)

// Result is the outcome of one transcription call.
type Result struct {
	Text    string
	IsFinal bool
}

type Client interface {
	Transcribe(ctx context.Context, wav []byte) (Result, error)
}

// Config controls client construction.
type Config struct {
	Provider string
	HTTPURL  string

	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	OpenAILanguage string

	// Retries is the number of extra attempts for retryable failures.
	Retries int
}

// NewClient builds the configured provider. "auto" prefers OpenAI when a key
// is set, then an HTTP whisper server, then the mock.
func NewClient(cfg Config) (Client, error) {
	var (
		c   Client
		err error
	)
	switch mode := strings.ToLower(strings.TrimSpace(cfg.Provider)); mode {
	case "", "auto":
		switch {
		case strings.TrimSpace(cfg.OpenAIAPIKey) != "":
			c, err = newOpenAIFromConfig(cfg)
		case strings.TrimSpace(cfg.HTTPURL) != "":
			c = NewHTTP(cfg.HTTPURL)
		default:
			c = NewMock()
		}
	case "openai":
		c, err = newOpenAIFromConfig(cfg)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, fmt.Errorf("transcription http url is required for http mode")
		}
		c = NewHTTP(cfg.HTTPURL)
	case "mock":
		c = NewMock()
	default:
		return nil, fmt.Errorf("unsupported transcription provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Retries > 0 {
		return NewRetrying(c, cfg.Retries), nil
	}
	return c, nil
}

func newOpenAIFromConfig(cfg Config) (Client, error) {
	return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel,
		WithBaseURL(cfg.OpenAIBaseURL),
		WithLanguage(cfg.OpenAILanguage))
}

// carriesNoAudio reports whether wav is empty or a valid header without a
// single whole sample. Such uploads never reach a backend.
func carriesNoAudio(wav []byte) bool {
	if len(wav) == 0 {
		return true
	}
	p, dataLen, err := audio.DecodeHeader(wav)
	if err != nil {
		return false
	}
	frameBytes := p.Channels * p.BitsPerSample / 8
	return dataLen < frameBytes || len(wav) < audio.HeaderSize+frameBytes
}
