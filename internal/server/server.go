// Package server exposes agent sessions over WebSocket together with a few
// read-only HTTP endpoints.
package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samsaffron/nohup/internal/agent"
	"github.com/samsaffron/nohup/internal/observability"
	"github.com/samsaffron/nohup/internal/session"
)

// Options configures a Server.
type Options struct {
	Addr string
	// Token enables bearer auth when set.
	Token string
	// MessagesPerSecond and MessageBurst rate limit inbound WebSocket
	// messages per connection. Zero disables the limit.
	MessagesPerSecond float64
	MessageBurst      int

	Agent *agent.Config
	// Metrics also becomes the sessions' recorder when Agent has none.
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server serves /ws and the chat API.
type Server struct {
	opts     Options
	registry *agent.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a server. Call Start to listen or use Handler directly.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Agent != nil && opts.Agent.Metrics == nil && opts.Metrics != nil {
		agentCfg := *opts.Agent
		agentCfg.Metrics = opts.Metrics
		opts.Agent = &agentCfg
	}
	return &Server{
		opts:     opts,
		registry: agent.NewRegistry(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Registry returns the live sessions.
func (s *Server) Registry() *agent.Registry {
	return s.registry
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.auth(s.handleWS))
	mux.HandleFunc("GET /api/chats", s.auth(s.handleListChats))
	mux.HandleFunc("GET /api/chats/{id}", s.auth(s.handleGetChat))
	mux.HandleFunc("GET /api/chats/{id}/messages", s.auth(s.handleMessages))
	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s.instrument(mux)
}

// Start listens in the background. It returns early errors such as a port
// already in use.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop closes every session and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.registry.CloseAll()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	chats, err := s.opts.Agent.Store.ListChats(r.Context(), session.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.logger.Error("list chats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []session.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.lookupChat(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.lookupChat(w, r)
	if !ok {
		return
	}
	msgs, err := s.opts.Agent.Store.GetMessages(r.Context(), chat.ID, 0, 0)
	if err != nil {
		s.logger.Error("load messages failed", "chat_id", chat.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chat.ID, "messages": msgs})
}

func (s *Server) lookupChat(w http.ResponseWriter, r *http.Request) (*session.Chat, bool) {
	id := r.PathValue("id")
	if !session.IsValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return nil, false
	}
	chat, err := s.opts.Agent.Store.GetChat(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("load chat failed", "chat_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return nil, false
	}
	return chat, true
}

// auth checks the bearer token. Browsers cannot set headers on WebSocket
// requests, so a token query parameter is accepted as well.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		got := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, prefix) {
			got = strings.TrimSpace(strings.TrimPrefix(header, prefix))
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid authentication credentials")
			return
		}
		next(w, r)
	}
}

// instrument counts requests by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.opts.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		} else if _, p, ok := strings.Cut(path, " "); ok {
			path = p
		}
		s.opts.Metrics.HTTPRequest(r.Method, path, strconv.Itoa(rec.status))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
