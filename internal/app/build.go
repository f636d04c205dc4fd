package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/voxrelay/internal/chat"
	"github.com/ent0n29/voxrelay/internal/config"
	"github.com/ent0n29/voxrelay/internal/httpapi"
	"github.com/ent0n29/voxrelay/internal/memory"
	"github.com/ent0n29/voxrelay/internal/observability"
	"github.com/ent0n29/voxrelay/internal/session"
	"github.com/ent0n29/voxrelay/internal/transcribe"
)

type ProviderInfo struct {
	Transcription string
	Chat          string
}

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Registry
	Metrics    *observability.Metrics
	Transcript memory.Store
	Providers  ProviderInfo

	// Cleanup retires sessions and releases the transcript store.
	Cleanup func() error
}

type buildOptions struct {
	transcriber transcribe.Client
	chat        chat.Client
	logger      *slog.Logger
}

type Option func(*buildOptions)

// WithTranscriber replaces the configured transcription backend.
func WithTranscriber(c transcribe.Client) Option {
	return func(o *buildOptions) { o.transcriber = c }
}

// WithChat replaces the configured chat backend.
func WithChat(c chat.Client) Option {
	return func(o *buildOptions) { o.chat = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

func Build(ctx context.Context, cfg config.Config, opts ...Option) (*BuildResult, error) {
	bo := buildOptions{logger: slog.Default()}
	for _, o := range opts {
		o(&bo)
	}
	logger := bo.logger

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	providers, err := resolveProviders(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if bo.transcriber != nil {
		providers.transcriber = bo.transcriber
		providers.sttDetail = describeTranscriber(bo.transcriber)
	}
	if bo.chat != nil {
		providers.chat = bo.chat
		providers.chatDetail = describeChat(bo.chat)
	}

	factory := func(key string) (*session.Session, error) {
		return session.New(key, session.Options{
			SystemPrompt:     cfg.SystemPrompt,
			NoSpeechText:     cfg.NoSpeechText,
			Audio:            cfg.Audio,
			AudioMode:        cfg.AudioMode,
			ChunkBytes:       cfg.AudioChunkBytes,
			FlushBytes:       cfg.AudioFlushBytes,
			ChatMode:         cfg.ChatMode,
			ChatOnTranscript: cfg.ChatOnTranscript,
			UpstreamTimeout:  cfg.UpstreamTimeout,
			Transcriber:      providers.transcriber,
			Chat:             providers.chat,
			Sink:             store,
			Observer:         metrics,
			Logger:           logger,
		})
	}
	sessions := session.NewRegistry(factory, cfg.SessionIdleTimeout, logger)
	sessions.SetHooks(
		func(_ *session.Session) {
			metrics.SessionEvents.WithLabelValues("created").Inc()
			metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		},
		func(_ *session.Session) {
			metrics.SessionEvents.WithLabelValues("expired").Inc()
			metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		},
	)

	api := httpapi.New(cfg, sessions, metrics, store, logger)

	cleanup := func() error {
		sessions.Close()
		metrics.ActiveSessions.Set(0)
		var errs []error
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transcript store: %w", err))
		}
		return errors.Join(errs...)
	}

	logger.Info("relay configured",
		"transcription", providers.sttDetail,
		"chat", providers.chatDetail,
		"audio_mode", cfg.AudioMode,
		"chat_mode", cfg.ChatMode,
	)

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Metrics:    metrics,
		Transcript: store,
		Providers:  ProviderInfo{Transcription: providers.sttDetail, Chat: providers.chatDetail},
		Cleanup:    cleanup,
	}, nil
}
