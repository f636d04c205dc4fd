package app

import (
	"fmt"

	"github.com/ent0n29/voxrelay/internal/chat"
	"github.com/ent0n29/voxrelay/internal/config"
	"github.com/ent0n29/voxrelay/internal/transcribe"
)

type providerSetup struct {
	transcriber transcribe.Client
	chat        chat.Client
	sttDetail   string
	chatDetail  string
}

func resolveProviders(cfg config.Config) (providerSetup, error) {
	stt, err := transcribe.NewClient(transcribe.Config{
		Provider:       cfg.TranscriptionProvider,
		HTTPURL:        cfg.TranscriptionHTTPURL,
		OpenAIAPIKey:   cfg.OpenAIAPIKey,
		OpenAIBaseURL:  cfg.OpenAIBaseURL,
		OpenAIModel:    cfg.OpenAITranscribeModel,
		OpenAILanguage: cfg.OpenAITranscribeLocale,
		Retries:        cfg.UpstreamRetries,
	})
	if err != nil {
		return providerSetup{}, fmt.Errorf("transcription client init failed: %w", err)
	}

	brain, err := chat.NewClient(chat.Config{
		Provider:          cfg.ChatProvider,
		Fallback:          cfg.ChatFallback,
		HTTPURL:           cfg.ChatHTTPURL,
		OpenAIAPIKey:      cfg.OpenAIAPIKey,
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		OpenAIModel:       cfg.OpenAIChatModel,
		OpenAISearchModel: cfg.OpenAIChatSearchModel,
	})
	if err != nil {
		return providerSetup{}, fmt.Errorf("chat client init failed: %w", err)
	}

	return providerSetup{
		transcriber: stt,
		chat:        brain,
		sttDetail:   describeTranscriber(stt),
		chatDetail:  describeChat(brain),
	}, nil
}

func describeTranscriber(c transcribe.Client) string {
	switch v := c.(type) {
	case *transcribe.Retrying:
		return "retrying"
	case *transcribe.OpenAI:
		return "openai"
	case *transcribe.HTTP:
		return "whisper-server"
	case *transcribe.Mock:
		return "mock"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func describeChat(c chat.Client) string {
	switch v := c.(type) {
	case *chat.Fallback:
		return "fallback"
	case *chat.OpenAI:
		return "openai"
	case *chat.HTTP:
		return "http"
	case *chat.Mock:
		return "mock"
	case *chat.Echo:
		return "echo"
	default:
		return fmt.Sprintf("%T", v)
	}
}
