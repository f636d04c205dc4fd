package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/voxrelay/internal/reliability"
)

// OpenAI uploads WAV audio to the audio transcriptions endpoint.
type OpenAI struct {
	client   *openai.Client
	model    string
	language string
}

type openAIConfig struct {
	baseURL  string
	language string
}

type OpenAIOption func(*openAIConfig)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = strings.TrimSpace(url) }
}

// WithLanguage sets an ISO-639-1 hint for the recognizer.
func WithLanguage(lang string) OpenAIOption {
	return func(c *openAIConfig) { c.language = strings.TrimSpace(lang) }
}

func NewOpenAI(apiKey, model string, opts ...OpenAIOption) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai transcribe: apiKey must not be empty")
	}
	if strings.TrimSpace(model) == "" {
		model = openai.Whisper1
	}
	cfg := &openAIConfig{}
	for _, o := range opts {
		o(cfg)
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.baseURL, "/")
	}
	return &OpenAI{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.language,
	}, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, wav []byte) (Result, error) {
	const op = "openai transcribe"
	if carriesNoAudio(wav) {
		return Result{IsFinal: true}, nil
	}
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(wav),
		Language: o.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return Result{}, classifyOpenAIError(op, err)
	}
	return Result{Text: strings.TrimSpace(resp.Text), IsFinal: true}, nil
}

func classifyOpenAIError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return reliability.Wrap(reliability.KindForHTTPStatus(apiErr.HTTPStatusCode), op, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return reliability.Wrap(reliability.KindForHTTPStatus(reqErr.HTTPStatusCode), op, err)
	}
	return reliability.Upstream(op, fmt.Errorf("request: %w", err))
}
