package app

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxrelay/internal/chat"
	"github.com/ent0n29/voxrelay/internal/config"
	"github.com/ent0n29/voxrelay/internal/transcribe"
)

type fixedTranscriber struct{ text string }

func (f fixedTranscriber) Transcribe(context.Context, []byte) (transcribe.Result, error) {
	return transcribe.Result{Text: f.text, IsFinal: true}, nil
}

type upperChat struct{}

func (upperChat) Complete(_ context.Context, req chat.Request) (string, error) {
	return strings.ToUpper(chat.LastUserText(req.History)), nil
}

func (c upperChat) Stream(ctx context.Context, req chat.Request, onDelta chat.DeltaHandler) (string, error) {
	text, _ := c.Complete(ctx, req)
	return text, onDelta(text)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildAndServe(t *testing.T, cfg config.Config, opts ...Option) (*BuildResult, *websocket.Conn) {
	t.Helper()
	built, err := Build(context.Background(), cfg, append(opts, WithLogger(quietLogger()))...)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	ts := httptest.NewServer(built.API.Router())
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return built, ws
}

// collect reads events until one of type stop arrives.
func collect(t *testing.T, ws *websocket.Conn, stop string) map[string]map[string]any {
	t.Helper()
	byType := make(map[string]map[string]any)
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev map[string]any
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v after %v", err, byType)
		}
		typ, _ := ev["type"].(string)
		byType[typ] = ev
		if typ == stop {
			return byType
		}
	}
}

func TestBuildEchoProviderRoundTrip(t *testing.T) {
	cfg := config.Defaults()
	cfg.ChatProvider = "echo"
	cfg.ChatMode = config.ChatModeSingle

	built, ws := buildAndServe(t, cfg)
	if built.Providers.Chat != "echo" {
		t.Fatalf("Providers.Chat = %q, want echo", built.Providers.Chat)
	}
	collect(t, ws, "welcome")
	if err := ws.WriteJSON(map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	evs := collect(t, ws, "complete")
	if got := evs["ai_response"]["content"]; got != "Echo: hi" {
		t.Fatalf("ai_response = %v, want Echo: hi", evs["ai_response"])
	}

	if n := built.Sessions.ActiveCount(); n != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", n)
	}
	records, err := built.Transcript.Transcript(context.Background(), cfg.SessionDefaultKey, 0)
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	if len(records) != 3 || records[2].Content != "Echo: hi" {
		t.Fatalf("transcript = %+v", records)
	}
	if err := built.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if n := built.Sessions.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount() after Cleanup = %d, want 0", n)
	}
}

func TestBuildOptionsReplaceProviders(t *testing.T) {
	cfg := config.Defaults()
	cfg.ChatMode = config.ChatModeIncremental

	built, ws := buildAndServe(t, cfg,
		WithTranscriber(fixedTranscriber{text: "lights on"}),
		WithChat(upperChat{}),
	)
	t.Cleanup(func() { _ = built.Cleanup() })
	if built.Providers.Chat == "mock" || built.Providers.Transcription == "mock" {
		t.Fatalf("Providers = %+v, overrides ignored", built.Providers)
	}
	collect(t, ws, "welcome")

	if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 480)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := ws.WriteJSON(map[string]any{"commit": true}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	evs := collect(t, ws, "complete")
	if got := evs["transcription"]["text"]; got != "lights on" {
		t.Fatalf("transcription = %v", evs["transcription"])
	}
	if got := evs["chunk"]["content"]; got != "LIGHTS ON" {
		t.Fatalf("chunk = %v", evs["chunk"])
	}
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	cfg := config.Defaults()
	cfg.ChatProvider = "carrier-pigeon"
	if _, err := Build(context.Background(), cfg, WithLogger(quietLogger())); err == nil {
		t.Fatalf("Build() expected error")
	}
}
