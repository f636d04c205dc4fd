package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voxrelay/internal/audio"
	"github.com/ent0n29/voxrelay/internal/chat"
	"github.com/ent0n29/voxrelay/internal/memory"
	"github.com/ent0n29/voxrelay/internal/reliability"
	"github.com/ent0n29/voxrelay/internal/transcribe"
)

type fakeConn struct {
	id  string
	err error

	mu     sync.Mutex
	frames [][]byte
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) events() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		_ = json.Unmarshal(f, &m)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) types() []string {
	var out []string
	for _, e := range c.events() {
		out = append(out, fmt.Sprint(e["type"]))
	}
	return out
}

func (c *fakeConn) last(typ string) map[string]any {
	evs := c.events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i]["type"] == typ {
			return evs[i]
		}
	}
	return nil
}

type scripted struct {
	text string
	err  error
}

type scriptedTranscriber struct {
	mu      sync.Mutex
	results []scripted
	calls   int
}

func (s *scriptedTranscriber) Transcribe(_ context.Context, wav []byte) (transcribe.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if _, _, err := audio.DecodeHeader(wav); err != nil {
		return transcribe.Result{}, err
	}
	if idx < len(s.results) {
		r := s.results[idx]
		return transcribe.Result{Text: r.text, IsFinal: true}, r.err
	}
	return transcribe.Result{IsFinal: true}, nil
}

func (s *scriptedTranscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubChat struct {
	reply     string
	err       error
	deltas    []string
	streamErr error
	seen      []chat.Request
}

func (c *stubChat) Complete(_ context.Context, req chat.Request) (string, error) {
	c.seen = append(c.seen, req)
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

func (c *stubChat) Stream(_ context.Context, req chat.Request, onDelta chat.DeltaHandler) (string, error) {
	c.seen = append(c.seen, req)
	if c.err != nil {
		return "", c.err
	}
	deltas := c.deltas
	if deltas == nil {
		deltas = []string{c.reply}
	}
	var out strings.Builder
	for _, d := range deltas {
		out.WriteString(d)
		_ = onDelta(d)
	}
	return out.String(), c.streamErr
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = "be brief"
	}
	if opts.Transcriber == nil {
		opts.Transcriber = &scriptedTranscriber{}
	}
	if opts.Chat == nil {
		opts.Chat = &stubChat{reply: "ok"}
	}
	s, err := New("test", opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestOnTextHistoryGrowsByPairs(t *testing.T) {
	s := newTestSession(t, Options{ChatMode: ChatModeSingle, Chat: &stubChat{reply: "hello"}})
	ctx := context.Background()
	for n := 1; n <= 3; n++ {
		if err := s.OnText(ctx, fmt.Sprintf("msg %d", n), false); err != nil {
			t.Fatalf("OnText() error = %v", err)
		}
		if got := len(s.History()); got != 1+2*n {
			t.Fatalf("after %d calls history len = %d, want %d", n, got, 1+2*n)
		}
	}
	h := s.History()
	if h[0].Role != chat.RoleSystem || h[1].Role != chat.RoleUser || h[2].Role != chat.RoleAssistant {
		t.Fatalf("unexpected role order: %+v", h)
	}
}

func TestOnTextFailureAppendsOnlyUserEntry(t *testing.T) {
	failing := &stubChat{err: reliability.Wrap(reliability.KindUpstreamUnavailable, "chat", errors.New("503"))}
	s := newTestSession(t, Options{ChatMode: ChatModeSingle, Chat: failing})
	conn := newConn("c1")
	if err := s.Join(conn); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	if err := s.OnText(context.Background(), "hi", false); err == nil {
		t.Fatalf("OnText() expected error")
	}
	h := s.History()
	if len(h) != 2 || h[1].Role != chat.RoleUser || h[1].Content != "hi" {
		t.Fatalf("history = %+v", h)
	}
	ev := conn.last("error")
	if ev == nil || ev["status"] != string(reliability.KindUpstreamUnavailable) {
		t.Fatalf("error event = %v, frames %v", ev, conn.types())
	}
}

func TestSingleModeSendsAIResponseThenComplete(t *testing.T) {
	s := newTestSession(t, Options{ChatMode: ChatModeSingle, Chat: &stubChat{reply: "hello"}})
	conn := newConn("c1")
	_ = s.Join(conn)
	if err := s.OnText(context.Background(), "hi", true); err != nil {
		t.Fatalf("OnText() error = %v", err)
	}
	got := strings.Join(conn.types(), ",")
	if got != "welcome,status,ai_response,complete" && got != "welcome,ai_response,complete" {
		t.Fatalf("frames = %s", got)
	}
	if ev := conn.last("ai_response"); ev["content"] != "hello" {
		t.Fatalf("ai_response = %v", ev)
	}
}

func TestIncrementalModeStreamsChunks(t *testing.T) {
	stub := &stubChat{deltas: []string{"hel", "lo"}}
	s := newTestSession(t, Options{ChatMode: ChatModeIncremental, Chat: stub})
	conn := newConn("c1")
	_ = s.Join(conn)
	if err := s.OnText(context.Background(), "hi", true); err != nil {
		t.Fatalf("OnText() error = %v", err)
	}
	if got := strings.Join(conn.types(), ","); got != "welcome,chunk,chunk,complete" {
		t.Fatalf("frames = %s", got)
	}
	h := s.History()
	if h[len(h)-1].Content != "hello" || h[len(h)-1].Role != chat.RoleAssistant {
		t.Fatalf("history = %+v", h)
	}
	if !stub.seen[0].Search {
		t.Fatalf("search flag not forwarded")
	}
	if len(stub.seen[0].History) != 2 {
		t.Fatalf("chat saw %d entries, want system and user", len(stub.seen[0].History))
	}
}

func TestIncrementalPartialFailure(t *testing.T) {
	stub := &stubChat{deltas: []string{"par"}, streamErr: errors.New("reset")}
	s := newTestSession(t, Options{ChatMode: ChatModeIncremental, Chat: stub})
	conn := newConn("c1")
	_ = s.Join(conn)
	if err := s.OnText(context.Background(), "hi", false); err == nil {
		t.Fatalf("OnText() expected error")
	}
	if got := strings.Join(conn.types(), ","); got != "welcome,chunk,error" {
		t.Fatalf("frames = %s", got)
	}
	for _, m := range s.History() {
		if m.Role == chat.RoleAssistant {
			t.Fatalf("partial reply must not be appended: %+v", s.History())
		}
	}
}

func TestBroadcastSurvivesFailingSocket(t *testing.T) {
	s := newTestSession(t, Options{})
	a, b := newConn("a"), newConn("b")
	bad := &fakeConn{id: "bad"}
	for _, c := range []Conn{a, bad, b} {
		if err := s.Join(c); err != nil {
			t.Fatalf("Join(%s) error = %v", c.ID(), err)
		}
	}
	bad.err = errors.New("broken pipe")

	s.Broadcast(map[string]string{"type": "status", "message": "x", "status": "processing"})
	if a.last("status") == nil || b.last("status") == nil {
		t.Fatalf("healthy sockets missed broadcast: a=%v b=%v", a.types(), b.types())
	}
	if got := s.Info().Sockets; got != 3 {
		t.Fatalf("sockets = %d, want 3", got)
	}
}

func TestChunkedSilenceUsesFallback(t *testing.T) {
	tr := &scriptedTranscriber{}
	s := newTestSession(t, Options{
		AudioMode:   AudioModeChunked,
		ChunkBytes:  8,
		Transcriber: tr,
	})
	conn := newConn("c1")
	_ = s.Join(conn)

	if err := s.OnAudio(context.Background(), make([]byte, 24)); err != nil {
		t.Fatalf("OnAudio() error = %v", err)
	}
	if tr.count() != 3 {
		t.Fatalf("transcriber calls = %d, want 3", tr.count())
	}
	ev := conn.last("transcription")
	if ev == nil || ev["text"] != "No speech detected" || ev["status"] != "success" {
		t.Fatalf("transcription = %v", ev)
	}
	if len(s.History()) != 1 {
		t.Fatalf("fallback marker must not reach history: %+v", s.History())
	}
}

func TestBufferedBlocksAggregateNonEmpty(t *testing.T) {
	tr := &scriptedTranscriber{results: []scripted{{text: "foo"}, {text: ""}}}
	s := newTestSession(t, Options{Transcriber: tr})
	conn := newConn("c1")
	_ = s.Join(conn)
	ctx := context.Background()

	_ = s.OnAudio(ctx, []byte{1, 2, 3, 4})
	_ = s.OnAudio(ctx, []byte{5, 6})
	if s.State() != StateBuffering || s.Info().BufferedBytes != 6 {
		t.Fatalf("state = %s info = %+v", s.State(), s.Info())
	}
	if err := s.FlushAudio(ctx); err != nil {
		t.Fatalf("FlushAudio() error = %v", err)
	}
	if tr.count() != 2 {
		t.Fatalf("transcriber calls = %d, want 2", tr.count())
	}
	if ev := conn.last("transcription"); ev["text"] != "foo" {
		t.Fatalf("transcription = %v", ev)
	}
	if ev := conn.last("transcription_partial"); ev["text"] != "foo" || ev["isFinal"] != false {
		t.Fatalf("partial = %v", ev)
	}
	h := s.History()
	if len(h) != 2 || h[1].Content != "foo" {
		t.Fatalf("history = %+v", h)
	}
	if s.State() != StateIdle || s.Info().BufferedBytes != 0 {
		t.Fatalf("buffer not cleared: %+v", s.Info())
	}
}

func TestChunkFailureIsSkippedAndReported(t *testing.T) {
	tr := &scriptedTranscriber{results: []scripted{
		{err: reliability.Wrap(reliability.KindUpstreamRejected, "transcribe", errors.New("bad audio"))},
		{text: "bar"},
	}}
	s := newTestSession(t, Options{AudioMode: AudioModeChunked, ChunkBytes: 4, Transcriber: tr})
	conn := newConn("c1")
	_ = s.Join(conn)

	if err := s.OnAudio(context.Background(), make([]byte, 8)); err != nil {
		t.Fatalf("OnAudio() error = %v", err)
	}
	if ev := conn.last("error"); ev == nil || ev["status"] != string(reliability.KindUpstreamRejected) {
		t.Fatalf("error event = %v", ev)
	}
	if ev := conn.last("transcription"); ev["text"] != "bar" {
		t.Fatalf("transcription = %v", ev)
	}
}

func TestFlushBytesTriggersTranscription(t *testing.T) {
	tr := &scriptedTranscriber{results: []scripted{{text: "a"}, {text: "b"}}}
	s := newTestSession(t, Options{FlushBytes: 4, Transcriber: tr})
	ctx := context.Background()
	_ = s.OnAudio(ctx, []byte{0, 1})
	if tr.count() != 0 {
		t.Fatalf("flushed early")
	}
	_ = s.OnAudio(ctx, []byte{2, 3})
	if tr.count() != 2 {
		t.Fatalf("transcriber calls = %d, want 2", tr.count())
	}
	if h := s.History(); h[len(h)-1].Content != "a b" {
		t.Fatalf("history = %+v", h)
	}
}

func TestTranscriptFeedsChatWithUpdatedHistory(t *testing.T) {
	tr := &scriptedTranscriber{results: []scripted{{text: "what time is it"}}}
	stub := &stubChat{reply: "noon"}
	s := newTestSession(t, Options{Transcriber: tr, Chat: stub, ChatOnTranscript: true})
	ctx := context.Background()
	_ = s.OnAudio(ctx, []byte{1, 0})
	if err := s.FlushAudio(ctx); err != nil {
		t.Fatalf("FlushAudio() error = %v", err)
	}
	if len(stub.seen) != 1 || chat.LastUserText(stub.seen[0].History) != "what time is it" {
		t.Fatalf("chat saw %+v", stub.seen)
	}
	h := s.History()
	if len(h) != 3 || h[2].Content != "noon" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDuplicateJoinIsRejected(t *testing.T) {
	s := newTestSession(t, Options{})
	c := newConn("c1")
	if err := s.Join(c); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := s.Join(c); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second Join() = %v, want ErrAlreadyJoined", err)
	}
	if s.Info().Sockets != 1 || len(c.events()) != 1 {
		t.Fatalf("duplicate join changed state: %+v, frames %v", s.Info(), c.types())
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	s := newTestSession(t, Options{})
	c := newConn("c1")
	_ = s.Join(c)
	s.Leave(c)
	s.Leave(c)
	if s.Info().Sockets != 0 {
		t.Fatalf("sockets = %d, want 0", s.Info().Sockets)
	}
	s.Broadcast(map[string]string{"type": "status"})
	if len(c.events()) != 1 {
		t.Fatalf("left socket still receives frames: %v", c.types())
	}
}

type blockingTranscriber struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTranscriber) Transcribe(ctx context.Context, _ []byte) (transcribe.Result, error) {
	close(b.entered)
	<-b.release
	return transcribe.Result{Text: "late", IsFinal: true}, nil
}

func TestJoinDoesNotWaitForTranscription(t *testing.T) {
	bt := &blockingTranscriber{entered: make(chan struct{}), release: make(chan struct{})}
	s := newTestSession(t, Options{AudioMode: AudioModeChunked, Transcriber: bt})

	done := make(chan error, 1)
	go func() { done <- s.OnAudio(context.Background(), []byte{1, 0}) }()
	<-bt.entered

	joined := make(chan error, 1)
	go func() { joined <- s.Join(newConn("late")) }()
	select {
	case err := <-joined:
		if err != nil {
			t.Fatalf("Join() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Join blocked behind transcription")
	}
	if s.State() != StateTranscribing {
		t.Fatalf("state = %s, want %s", s.State(), StateTranscribing)
	}
	_ = s.History()

	close(bt.release)
	if err := <-done; err != nil {
		t.Fatalf("OnAudio() error = %v", err)
	}
}

func TestOpsRunInArrivalOrder(t *testing.T) {
	s := newTestSession(t, Options{ChatMode: ChatModeSingle, Chat: &stubChat{reply: "r"}})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.OnText(ctx, fmt.Sprint(i), false); err != nil {
			t.Fatalf("OnText() error = %v", err)
		}
	}
	h := s.History()
	for i := 0; i < 5; i++ {
		if h[1+2*i].Content != fmt.Sprint(i) {
			t.Fatalf("history out of order: %+v", h)
		}
	}
}

func TestSinkReceivesRedactedEntries(t *testing.T) {
	store := memory.NewInMemoryStore()
	s := newTestSession(t, Options{ChatMode: ChatModeSingle, Sink: store})
	if err := s.OnText(context.Background(), "mail me at jane@example.com", false); err != nil {
		t.Fatalf("OnText() error = %v", err)
	}
	recs, _ := store.Transcript(context.Background(), "test", 0)
	if len(recs) != 3 {
		t.Fatalf("records = %+v", recs)
	}
	if !recs[1].PIIRedacted || strings.Contains(recs[1].Content, "jane@example.com") {
		t.Fatalf("user record not redacted: %+v", recs[1])
	}
	if h := s.History(); h[1].Content != "mail me at jane@example.com" {
		t.Fatalf("history must keep the original text: %+v", h[1])
	}
}

func TestClosedSessionRejectsWork(t *testing.T) {
	s := newTestSession(t, Options{})
	s.Close()
	if err := s.Join(newConn("c1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Join() = %v, want ErrClosed", err)
	}
	if err := s.OnText(context.Background(), "hi", false); !errors.Is(err, ErrClosed) {
		t.Fatalf("OnText() = %v, want ErrClosed", err)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New("k", Options{}); err == nil {
		t.Fatalf("New() without clients should fail")
	}
	_, err := New("k", Options{
		SystemPrompt: "sys",
		Transcriber:  &scriptedTranscriber{},
		Chat:         &stubChat{},
		Audio:        audio.Params{SampleRateHz: 16000, Channels: 0, BitsPerSample: 16},
	})
	if err == nil {
		t.Fatalf("New() with zero channels should fail")
	}
	_, err = New("k", Options{
		SystemPrompt: "  ",
		Transcriber:  &scriptedTranscriber{},
		Chat:         &stubChat{},
	})
	if err == nil {
		t.Fatalf("New() with a blank system prompt should fail")
	}
}

func TestAudioWithoutWholeSampleSkipsUpstream(t *testing.T) {
	for _, mode := range []string{AudioModeChunked, AudioModeBuffered} {
		t.Run(mode, func(t *testing.T) {
			tr := &scriptedTranscriber{results: []scripted{{err: reliability.Wrap(reliability.KindUpstreamRejected, "transcribe", errors.New("400"))}}}
			s := newTestSession(t, Options{AudioMode: mode, Transcriber: tr})
			conn := newConn("c1")
			_ = s.Join(conn)
			ctx := context.Background()

			if err := s.OnAudio(ctx, []byte{7}); err != nil {
				t.Fatalf("OnAudio() error = %v", err)
			}
			if mode == AudioModeBuffered {
				if err := s.FlushAudio(ctx); err != nil {
					t.Fatalf("FlushAudio() error = %v", err)
				}
			}
			if tr.count() != 0 {
				t.Fatalf("transcriber calls = %d, want 0", tr.count())
			}
			if ev := conn.last("error"); ev != nil {
				t.Fatalf("unexpected error event %v", ev)
			}
			if ev := conn.last("transcription"); ev == nil || ev["text"] != "No speech detected" {
				t.Fatalf("transcription = %v, types = %v", ev, conn.types())
			}
		})
	}
}
