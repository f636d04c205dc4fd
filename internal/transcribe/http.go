package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/ent0n29/voxrelay/internal/reliability"
)

// HTTP posts WAV audio to a whisper.cpp style server ("POST /inference",
// multipart "file" field, {"text": ...} response).
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP accepts either the server base URL or the full /inference URL.
func NewHTTP(url string) *HTTP {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if !strings.HasSuffix(url, "/inference") {
		url += "/inference"
	}
	return &HTTP{url: url, client: &http.Client{}}
}

func (h *HTTP) Transcribe(ctx context.Context, wav []byte) (Result, error) {
	const op = "whisper transcribe"
	if carriesNoAudio(wav) {
		return Result{IsFinal: true}, nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Result{}, reliability.Wrap(reliability.KindInternal, op, err)
	}
	if _, err := fw.Write(wav); err != nil {
		return Result{}, reliability.Wrap(reliability.KindInternal, op, err)
	}
	_ = mw.WriteField("temperature", "0.0")
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return Result{}, reliability.Wrap(reliability.KindInternal, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, &body)
	if err != nil {
		return Result{}, reliability.Wrap(reliability.KindInternal, op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, reliability.Upstream(op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, reliability.Upstream(op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, reliability.Wrap(reliability.KindForHTTPStatus(resp.StatusCode), op,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b))))
	}

	var out struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return Result{}, reliability.Wrap(reliability.KindUpstreamRejected, op, fmt.Errorf("decode response: %w", err))
	}
	if out.Error != "" {
		return Result{}, reliability.Wrap(reliability.KindUpstreamRejected, op, fmt.Errorf("server error: %s", out.Error))
	}
	return Result{Text: strings.TrimSpace(out.Text), IsFinal: true}, nil
}
