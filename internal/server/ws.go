package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/samsaffron/nohup/internal/agent"
	"github.com/samsaffron/nohup/internal/session"
)

const (
	// Frames carry screenshots as data URLs.
	wsMaxPayloadBytes = 16 << 20
	wsSendBuffer      = 256
	wsPongWait        = 45 * time.Second
	wsPingPeriod      = wsPongWait * 9 / 10
	wsWriteWait       = 10 * time.Second
)

var errConnClosed = errors.New("connection closed")

// handleWS upgrades the request and runs one agent session until either
// side goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	logger := s.logger.With("chat_id", chatID, "remote", r.RemoteAddr)

	if !session.IsValidID(chatID) {
		logger.Warn("rejecting connection without a valid chat_id")
		closeConn(conn, websocket.ClosePolicyViolation, "invalid or missing chat_id")
		return
	}

	// Claimed before Open so a second connection never repairs the log of
	// a live session.
	release, err := s.registry.Reserve(chatID)
	if err != nil {
		logger.Warn("rejecting second connection for chat")
		closeConn(conn, websocket.ClosePolicyViolation, "chat is already open in another connection")
		return
	}
	defer release()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{conn: conn, send: make(chan []byte, wsSendBuffer), done: make(chan struct{}), logger: logger}
	sess, err := agent.Open(ctx, s.opts.Agent, chatID, c)
	if err != nil {
		logger.Error("failed to open session", "error", err)
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteJSON(agent.Event{Type: agent.EventError, Content: "Failed to initialize chat session."})
		closeConn(conn, websocket.CloseInternalServerErr, "session initialization failed")
		return
	}
	if err := s.registry.Add(sess); err != nil {
		sess.Close()
		logger.Warn("rejecting second connection for chat")
		closeConn(conn, websocket.ClosePolicyViolation, "chat is already open in another connection")
		return
	}
	defer s.registry.Remove(sess)
	defer sess.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := sess.Run(ctx); err != nil {
			logger.Warn("session stopped", "error", err)
		}
		// Unblocks the read loop when the worker gave up first.
		_ = conn.Close()
	}()

	if err := c.Send(ctx, sess.Info()); err == nil {
		s.readLoop(ctx, conn, sess, logger)
	}

	cancel()
	sess.Close()
	wg.Wait()
	logger.Info("connection closed")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *agent.Session, logger *slog.Logger) {
	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		burst := s.opts.MessageBurst
		if burst <= 0 {
			burst = max(1, int(s.opts.MessagesPerSecond))
		}
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), burst)
	}

	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := sess.Handle(ctx, data); err != nil {
			if !errors.Is(err, agent.ErrSessionClosed) && ctx.Err() == nil {
				logger.Warn("closing connection after send failure", "error", err)
			}
			return
		}
	}
}

// wsConn is the agent.Sender of one connection. Events are queued and
// written by a single goroutine.
type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (c *wsConn) Send(ctx context.Context, ev agent.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.once.Do(func() { close(c.done) })

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("websocket write failed", "error", err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// drain writes whatever is still queued, best effort.
func (c *wsConn) drain() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func closeConn(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
