package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/voxrelay/internal/reliability"
)

// HTTP forwards requests to a chat endpoint that accepts
// {"messages":[...],"search":bool} and answers with JSON, SSE or NDJSON.
type HTTP struct {
	url    string
	client *http.Client
}

func NewHTTP(url string) *HTTP {
	return &HTTP{
		url: strings.TrimSpace(url),
		// Deadlines come from the caller's context.
		client: &http.Client{},
	}
}

func (a *HTTP) Complete(ctx context.Context, req Request) (string, error) {
	return a.do(ctx, req, nil)
}

func (a *HTTP) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	return a.do(ctx, req, onDelta)
}

func (a *HTTP) do(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	const op = "chat http"

	payload, err := json.Marshal(req)
	if err != nil {
		return "", reliability.Wrap(reliability.KindInternal, op, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return "", reliability.Wrap(reliability.KindInternal, op, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return "", reliability.Upstream(op, fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", reliability.Wrap(reliability.KindForHTTPStatus(res.StatusCode), op,
			fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	var text string
	switch {
	case strings.Contains(ct, "text/event-stream"):
		text, err = consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		text, err = consumeNDJSON(res.Body, onDelta)
	default:
		text, err = consumeBody(res.Body, onDelta)
	}
	if err != nil {
		return text, reliability.Upstream(op, err)
	}
	return text, nil
}

func consumeBody(body io.Reader, onDelta DeltaHandler) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	text := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &obj); err == nil {
		text = extractText(obj)
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

// consumeSSE reads "data:" lines; "[DONE]" ends the stream.
func consumeSSE(body io.Reader, onDelta DeltaHandler) (string, error) {
	scanner := newLineScanner(body)
	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		if err := emitLine(data, &out, onDelta); err != nil {
			return out.String(), err
		}
	}
	if err := scanner.Err(); err != nil {
		return out.String(), fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

// consumeNDJSON reads one JSON object or raw text fragment per line.
func consumeNDJSON(body io.Reader, onDelta DeltaHandler) (string, error) {
	scanner := newLineScanner(body)
	var out strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == "[DONE]" {
			break
		}
		if err := emitLine(line, &out, onDelta); err != nil {
			return out.String(), err
		}
	}
	if err := scanner.Err(); err != nil {
		return out.String(), fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func emitLine(line string, out *strings.Builder, onDelta DeltaHandler) error {
	delta := line
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &obj); err == nil {
		if msg, ok := obj["error"].(string); ok && msg != "" {
			return fmt.Errorf("stream error: %s", msg)
		}
		delta = extractText(obj)
	}
	if delta == "" {
		return nil
	}
	out.WriteString(delta)
	if onDelta != nil {
		return onDelta(delta)
	}
	return nil
}

func newLineScanner(body io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"content", "text", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
