package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/voxrelay/internal/audio"
	"github.com/ent0n29/voxrelay/internal/memory"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	TranscriptionProvider string        `json:"transcription_provider"`
	ChatProvider          string        `json:"chat_provider"`
	ChatMode              string        `json:"chat_mode"`
	AudioMode             string        `json:"audio_mode"`
	Audio                 audio.Params  `json:"audio"`
	ActiveSessions        int           `json:"active_sessions"`
	Checks                []statusCheck `json:"checks"`
}

// handleStatus reports which backends the relay resolved and what an
// operator still has to configure.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	hasKey := strings.TrimSpace(s.cfg.OpenAIAPIKey) != ""
	stt := resolveProvider(s.cfg.TranscriptionProvider, hasKey, s.cfg.TranscriptionHTTPURL)
	brain := resolveProvider(s.cfg.ChatProvider, hasKey, s.cfg.ChatHTTPURL)

	checks := []statusCheck{
		providerCheck("transcription", "Speech to text", stt, "Set OPENAI_API_KEY or TRANSCRIPTION_HTTP_URL."),
		providerCheck("chat", "Chat completion", brain, "Set OPENAI_API_KEY or CHAT_HTTP_URL."),
	}
	switch backend := transcriptBackend(s.transcript); backend {
	case "postgres":
		checks = append(checks, statusCheck{ID: "transcript_store", Status: "ok", Label: "Transcript persistence", Detail: backend})
	case "none":
		checks = append(checks, statusCheck{
			ID:     "transcript_store",
			Status: "warn",
			Label:  "Transcript persistence",
			Detail: "disabled",
			Fix:    "History is kept per session only.",
		})
	default:
		checks = append(checks, statusCheck{
			ID:     "transcript_store",
			Status: "warn",
			Label:  "Transcript persistence",
			Detail: backend + " only",
			Fix:    "Set DATABASE_URL to keep transcripts across restarts.",
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		TranscriptionProvider: stt,
		ChatProvider:          brain,
		ChatMode:              s.cfg.ChatMode,
		AudioMode:             s.cfg.AudioMode,
		Audio:                 s.cfg.Audio,
		ActiveSessions:        s.sessions.ActiveCount(),
		Checks:                checks,
	})
}

func resolveProvider(mode string, hasKey bool, httpURL string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != "" && mode != "auto" {
		return mode
	}
	switch {
	case hasKey:
		return "openai"
	case strings.TrimSpace(httpURL) != "":
		return "http"
	default:
		return "mock"
	}
}

func providerCheck(id, label, provider, fix string) statusCheck {
	if provider == "mock" {
		return statusCheck{ID: id, Status: "warn", Label: label, Detail: "mock backend", Fix: fix}
	}
	return statusCheck{ID: id, Status: "ok", Label: label, Detail: provider}
}

func transcriptBackend(store memory.Store) string {
	if store == nil {
		return "none"
	}
	return memory.Backend(store)
}
