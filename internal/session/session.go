package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voxrelay/internal/audio"
	"github.com/ent0n29/voxrelay/internal/chat"
	"github.com/ent0n29/voxrelay/internal/memory"
	"github.com/ent0n29/voxrelay/internal/policy"
	"github.com/ent0n29/voxrelay/internal/protocol"
	"github.com/ent0n29/voxrelay/internal/reliability"
	"github.com/ent0n29/voxrelay/internal/transcribe"
)

const (
	defaultChunkBytes = 1 << 20
	defaultQueueSize  = 64
	sinkTimeout       = 5 * time.Second
)

// Options configures a Session. Transcriber and Chat are required.
type Options struct {
	SystemPrompt string
	NoSpeechText string

	Audio      audio.Params
	AudioMode  string
	ChunkBytes int
	FlushBytes int

	ChatMode         string
	ChatOnTranscript bool

	UpstreamTimeout time.Duration
	QueueSize       int

	Transcriber transcribe.Client
	Chat        chat.Client
	Sink        Sink
	Observer    Observer
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.NoSpeechText == "" {
		o.NoSpeechText = "No speech detected"
	}
	if o.Audio == (audio.Params{}) {
		o.Audio = audio.DefaultParams()
	}
	if o.AudioMode == "" {
		o.AudioMode = AudioModeBuffered
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = defaultChunkBytes
	}
	if o.ChatMode == "" {
		o.ChatMode = ChatModeIncremental
	}
	if o.UpstreamTimeout <= 0 {
		o.UpstreamTimeout = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type op struct {
	run  func(ctx context.Context) error
	err  error
	done chan struct{}
}

// Session owns the sockets, history and pending audio of one key.
//
// Audio and chat operations run one at a time on the session goroutine in
// arrival order. Join, Leave, History and Broadcast only take mu, so they
// never wait behind an upstream call.
type Session struct {
	key  string
	opts Options
	log  *slog.Logger

	mu            sync.Mutex
	state         State
	sockets       map[string]Conn
	history       []chat.Message
	audioBuffer   [][]byte
	bufferedBytes int
	lastActive    time.Time

	ops       chan *op
	stop      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
}

// New validates opts and starts the session goroutine.
func New(key string, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if opts.Transcriber == nil || opts.Chat == nil {
		return nil, errors.New("session: transcriber and chat client are required")
	}
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		return nil, errors.New("session: system prompt must not be empty")
	}
	if err := opts.Audio.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	switch opts.AudioMode {
	case AudioModeBuffered, AudioModeChunked:
	default:
		return nil, fmt.Errorf("session: unknown audio mode %q", opts.AudioMode)
	}
	switch opts.ChatMode {
	case ChatModeSingle, ChatModeIncremental:
	default:
		return nil, fmt.Errorf("session: unknown chat mode %q", opts.ChatMode)
	}

	s := &Session{
		key:        key,
		opts:       opts,
		log:        opts.Logger.With("session", key),
		state:      StateIdle,
		sockets:    make(map[string]Conn),
		lastActive: time.Now(),
		ops:        make(chan *op, opts.QueueSize),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	s.appendEntry(chat.RoleSystem, opts.SystemPrompt)
	go s.loop()
	return s, nil
}

func (s *Session) Key() string { return s.key }

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stop:
			return
		case o := <-s.ops:
			o.err = o.run(context.Background())
			close(o.done)
		}
	}
}

// submit queues fn and waits for it. The operation keeps running when ctx
// ends first; only the wait is abandoned.
func (s *Session) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	o := &op{run: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-o.done:
		return o.err
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join adds conn and sends it a welcome frame.
func (s *Session) Join(conn Conn) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.sockets[conn.ID()]; ok {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.sockets[conn.ID()] = conn
	s.lastActive = time.Now()
	s.mu.Unlock()

	s.sendTo(conn, protocol.NewWelcome(fmt.Sprintf("Connected to session %s", s.key)))
	s.log.Debug("socket joined", "conn", conn.ID())
	return nil
}

// Leave removes conn. Calling it again is a no-op.
func (s *Session) Leave(conn Conn) {
	s.mu.Lock()
	_, ok := s.sockets[conn.ID()]
	delete(s.sockets, conn.ID())
	s.lastActive = time.Now()
	s.mu.Unlock()
	if ok {
		s.log.Debug("socket left", "conn", conn.ID())
	}
}

// OnAudio accepts one block of PCM16LE audio.
func (s *Session) OnAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	block := append([]byte(nil), pcm...)
	return s.submit(ctx, func(ctx context.Context) error {
		if s.opts.AudioMode == AudioModeChunked {
			return s.runTranscription(ctx, s.opts.Audio.SplitChunks(block, s.opts.ChunkBytes))
		}
		s.mu.Lock()
		s.audioBuffer = append(s.audioBuffer, block)
		s.bufferedBytes += len(block)
		s.state = StateBuffering
		full := s.opts.FlushBytes > 0 && s.bufferedBytes >= s.opts.FlushBytes
		s.mu.Unlock()
		if full {
			return s.flush(ctx)
		}
		return nil
	})
}

// FlushAudio transcribes whatever audio is buffered. An empty buffer is a no-op.
func (s *Session) FlushAudio(ctx context.Context) error {
	return s.submit(ctx, s.flush)
}

func (s *Session) flush(ctx context.Context) error {
	s.mu.Lock()
	blocks := s.audioBuffer
	s.audioBuffer = nil
	s.bufferedBytes = 0
	if s.state == StateBuffering {
		s.state = StateIdle
	}
	s.mu.Unlock()
	if len(blocks) == 0 {
		return nil
	}
	return s.runTranscription(ctx, blocks)
}

// runTranscription transcribes blocks in order and aggregates the non-empty
// texts. Failed blocks are reported and skipped.
func (s *Session) runTranscription(ctx context.Context, blocks [][]byte) error {
	s.setState(StateTranscribing)
	defer s.settle()
	s.Broadcast(protocol.NewStatus("Transcribing audio", protocol.StatusProcessing))

	var (
		texts    []string
		failures int
	)
	for i, block := range blocks {
		samples := audio.PCM16FromBytes(block)
		if len(samples) < s.opts.Audio.Channels {
			// Not one whole frame: nothing to transcribe.
			continue
		}
		res, err := s.transcribe(ctx, audio.EncodeWAV(samples, s.opts.Audio))
		if err != nil {
			failures++
			s.log.Warn("transcription chunk failed", "chunk", i+1, "of", len(blocks), "err", err)
			s.Broadcast(protocol.NewError(fmt.Sprintf("transcription failed for chunk %d: %v", i+1, err), string(reliability.KindOf(err))))
			continue
		}
		text := strings.TrimSpace(res.Text)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		s.Broadcast(protocol.TranscriptionPartial{Type: protocol.TypeTranscriptionPartial, Text: strings.Join(texts, " "), IsFinal: false})
	}

	transcript := strings.Join(texts, " ")
	speech := transcript != ""
	if !speech {
		transcript = s.opts.NoSpeechText
	}
	s.Broadcast(protocol.Transcription{Type: protocol.TypeTranscription, Text: transcript, Status: protocol.StatusSuccess})
	s.log.Info("transcription complete", "chunks", len(blocks), "failed", failures, "speech", speech)

	if !speech {
		return nil
	}
	s.appendEntry(chat.RoleUser, transcript)
	if s.opts.ChatOnTranscript {
		return s.complete(ctx, false)
	}
	return nil
}

func (s *Session) transcribe(ctx context.Context, wav []byte) (transcribe.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.UpstreamTimeout)
	defer cancel()
	start := time.Now()
	res, err := s.opts.Transcriber.Transcribe(ctx, wav)
	if err != nil {
		err = reliability.Upstream("transcribe", err)
	}
	s.observe("transcribe", time.Since(start), err)
	return res, err
}

// OnText appends a user entry and asks the chat client for a reply.
func (s *Session) OnText(ctx context.Context, text string, search bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return reliability.Wrap(reliability.KindProtocol, "session text", protocol.ErrEmptyMessage)
	}
	return s.submit(ctx, func(ctx context.Context) error {
		s.appendEntry(chat.RoleUser, text)
		return s.complete(ctx, search)
	})
}

// complete runs one chat call over the current history. Only a successful
// reply is appended.
func (s *Session) complete(ctx context.Context, search bool) error {
	s.setState(StateCompleting)
	defer s.settle()

	req := chat.Request{History: s.History(), Search: search}
	ctx, cancel := context.WithTimeout(ctx, s.opts.UpstreamTimeout)
	defer cancel()

	start := time.Now()
	var (
		reply string
		err   error
	)
	if s.opts.ChatMode == ChatModeIncremental {
		reply, err = s.opts.Chat.Stream(ctx, req, func(delta string) error {
			s.Broadcast(protocol.Chunk{Type: protocol.TypeChunk, Content: delta})
			return nil
		})
	} else {
		reply, err = s.opts.Chat.Complete(ctx, req)
	}
	took := time.Since(start)
	if err != nil {
		err = reliability.Upstream("chat", err)
	}
	s.observe("chat", took, err)
	if err != nil {
		s.log.Warn("chat completion failed", "err", err)
		s.Broadcast(protocol.NewError(fmt.Sprintf("chat failed: %v", err), string(reliability.KindOf(err))))
		return err
	}

	s.appendEntry(chat.RoleAssistant, reply)
	if s.opts.ChatMode == ChatModeSingle {
		s.Broadcast(protocol.AIResponse{Type: protocol.TypeAIResponse, Content: reply})
	}
	s.Broadcast(protocol.Complete{Type: protocol.TypeComplete, TotalTime: took.Milliseconds()})
	return nil
}

// Broadcast serializes event once and sends it to every socket. A failed
// send is logged and the socket stays joined.
func (s *Session) Broadcast(event any) {
	frame, err := json.Marshal(event)
	if err != nil {
		s.log.Error("marshal event failed", "err", err)
		return
	}
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.sockets))
	for _, c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			s.log.Warn("broadcast send failed", "conn", c.ID(), "err", err)
		}
	}
}

// SendTo delivers event to a single socket, such as a protocol error for the
// sender only.
func (s *Session) SendTo(conn Conn, event any) {
	s.sendTo(conn, event)
}

func (s *Session) sendTo(conn Conn, event any) {
	frame, err := json.Marshal(event)
	if err != nil {
		s.log.Error("marshal event failed", "err", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		s.log.Warn("send failed", "conn", conn.ID(), "err", err)
	}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Key:           s.key,
		State:         s.state,
		Sockets:       len(s.sockets),
		HistoryLen:    len(s.history),
		BufferedBytes: s.bufferedBytes,
		LastActiveAt:  s.lastActive,
	}
}

// retireIfIdle closes the session when it has no sockets, no running
// operation and no activity since cutoff. Check and close happen under one
// lock so a concurrent Join either wins or sees ErrClosed.
func (s *Session) retireIfIdle(cutoff time.Time) bool {
	s.mu.Lock()
	if len(s.sockets) > 0 || s.state == StateTranscribing || s.state == StateCompleting ||
		s.state == StateClosed || !s.lastActive.Before(cutoff) {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.Close()
	return true
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Close retires the session. Queued operations that have not started are
// dropped and their callers get ErrClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.sockets = make(map[string]Conn)
		s.mu.Unlock()
		close(s.stop)
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// settle returns to Buffering when audio is still pending, Idle otherwise.
func (s *Session) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateClosed:
	case s.bufferedBytes > 0:
		s.state = StateBuffering
	default:
		s.state = StateIdle
	}
}

func (s *Session) appendEntry(role chat.Role, content string) {
	s.mu.Lock()
	s.history = append(s.history, chat.Message{Role: role, Content: content})
	s.lastActive = time.Now()
	s.mu.Unlock()

	if s.opts.Sink == nil {
		return
	}
	redacted, changed := policy.RedactPII(content)
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	err := s.opts.Sink.SaveTurn(ctx, memory.TurnRecord{
		SessionKey:  s.key,
		Role:        string(role),
		Content:     redacted,
		PIIRedacted: changed,
	})
	if err != nil {
		s.log.Warn("transcript sink write failed", "role", role, "err", err)
	}
}

func (s *Session) observe(op string, took time.Duration, err error) {
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveUpstream(op, took, err)
	}
}
