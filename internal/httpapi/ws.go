package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxrelay/internal/observability"
	"github.com/ent0n29/voxrelay/internal/protocol"
	"github.com/ent0n29/voxrelay/internal/reliability"
	"github.com/ent0n29/voxrelay/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxFrameBytes  = 32 << 20
	outboundQueue  = 256
	sessionRetries = 2
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("outbound queue full")
)

// wsConn adapts a gorilla connection to session.Conn. Frames are queued and
// written by a single goroutine; gorilla allows one concurrent writer.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	metrics *observability.Metrics

	// goingAway marks a close initiated by server shutdown.
	goingAway atomic.Bool
}

func newWSConn(ws *websocket.Conn, metrics *observability.Metrics) *wsConn {
	return &wsConn{
		id:      uuid.NewString(),
		ws:      ws,
		out:     make(chan []byte, outboundQueue),
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues frame without blocking. A saturated queue drops the frame.
func (c *wsConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.countOutbound(frame, "drop_full")
		return errQueueFull
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			code := websocket.CloseNormalClosure
			if c.goingAway.Load() {
				code = websocket.CloseGoingAway
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
			// Wake the read loop if the peer never answers the close.
			_ = c.ws.SetReadDeadline(time.Now().Add(writeWait))
			return
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				_ = c.ws.Close()
				return
			}
			c.countOutbound(frame, "sent")
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *wsConn) countOutbound(frame []byte, outcome string) {
	if c.metrics == nil {
		return
	}
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(frame, &head)
	c.metrics.WSMessages.WithLabelValues("outbound_"+outcome, head.Type).Inc()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		respondText(w, http.StatusUpgradeRequired, upgradeRequired)
		return
	}
	key, err := s.sessionKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_session_key", err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("websocket upgrade failed", "session", key, "err", err)
		return
	}
	defer ws.Close()

	conn := newWSConn(ws, s.metrics)
	s.track(conn)
	defer s.untrack(conn)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writeLoop()
	}()
	defer func() {
		conn.close()
		<-writerDone
	}()

	sess, err := s.joinSession(key, conn)
	if err != nil {
		s.log.Error("join session failed", "session", key, "conn", conn.ID(), "err", err)
		frame, _ := json.Marshal(protocol.NewError("session unavailable", string(reliability.KindInternal)))
		_ = conn.Send(frame)
		return
	}
	defer sess.Leave(conn)

	log := s.log.With("session", key, "conn", conn.ID())
	s.metrics.ActiveSockets.Inc()
	defer s.metrics.ActiveSockets.Dec()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	log.Info("websocket connected")

	ws.SetReadLimit(maxFrameBytes)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for !conn.closed() {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn("websocket read failed", "err", err)
			}
			break
		}
		if err := s.dispatch(ctx, sess, conn, msgType, data); errors.Is(err, session.ErrClosed) {
			log.Info("session retired while connected")
			break
		}
	}
	log.Info("websocket disconnected")
}

func (s *Server) track(c *wsConn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

// CloseConnections sends a going-away close frame to every live WebSocket and
// returns how many were signalled. http.Server.Shutdown does not see hijacked
// connections, so callers invoke this before it.
func (s *Server) CloseConnections() int {
	s.connsMu.Lock()
	live := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		live = append(live, c)
	}
	s.connsMu.Unlock()

	for _, c := range live {
		c.goingAway.Store(true)
		c.close()
	}
	return len(live)
}

// joinSession resolves key and joins conn, retrying once when the janitor
// retired the session between Get and Join.
func (s *Server) joinSession(key string, conn session.Conn) (*session.Session, error) {
	var lastErr error
	for i := 0; i < sessionRetries; i++ {
		sess, err := s.sessions.Get(key)
		if err != nil {
			return nil, err
		}
		err = sess.Join(conn)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrClosed) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// dispatch routes one inbound frame. Upstream failures are already reported
// to clients by the session; only ErrClosed matters to the caller.
func (s *Server) dispatch(ctx context.Context, sess *session.Session, conn *wsConn, msgType int, data []byte) error {
	switch msgType {
	case websocket.BinaryMessage:
		s.metrics.WSMessages.WithLabelValues("inbound", "audio").Inc()
		return quiet(sess.OnAudio(ctx, data))
	case websocket.TextMessage:
	default:
		return nil
	}

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
		sess.SendTo(conn, protocol.NewError(err.Error(), string(reliability.KindProtocol)))
		return nil
	}
	if len(msg.PCM) > 0 {
		s.metrics.WSMessages.WithLabelValues("inbound", "audio").Inc()
		if err := quiet(sess.OnAudio(ctx, msg.PCM)); err != nil {
			return err
		}
	}
	if msg.Commit {
		s.metrics.WSMessages.WithLabelValues("inbound", "commit").Inc()
		if err := quiet(sess.FlushAudio(ctx)); err != nil {
			return err
		}
	}
	if msg.Text != "" {
		s.metrics.WSMessages.WithLabelValues("inbound", "text").Inc()
		err := sess.OnText(ctx, msg.Text, msg.Search)
		if reliability.KindOf(err) == reliability.KindProtocol {
			sess.SendTo(conn, protocol.NewError(err.Error(), string(reliability.KindProtocol)))
			return nil
		}
		if err := quiet(err); err != nil {
			return err
		}
	}
	return nil
}

// quiet keeps only errors that end the connection.
func quiet(err error) error {
	if errors.Is(err, session.ErrClosed) || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
