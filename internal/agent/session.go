// Package agent holds the per-connection state of a conversation and turns
// inbound client messages into engine turns and outbound events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samsaffron/nohup/internal/llm"
	"github.com/samsaffron/nohup/internal/prompt"
	"github.com/samsaffron/nohup/internal/session"
)

const jobQueueSize = 64

// maxAnsweredIDs bounds how many answered request ids are remembered for
// duplicate detection. Older ids are reported as unknown.
const maxAnsweredIDs = 128

var (
	// ErrSessionClosed is returned once the connection owning a session has
	// gone away.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidChatID is returned by Open for ids that are not UUIDs.
	ErrInvalidChatID = errors.New("invalid chat id")
)

// Sender delivers events to the connected client. It must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// ProviderFunc builds the provider for model. keys holds the credentials the
// client supplied with set_credentials and may be empty.
type ProviderFunc func(model string, keys map[string]string) (llm.Provider, error)

// Metrics receives session level measurements in addition to the engine's.
type Metrics interface {
	llm.Recorder
	MessageReceived(msgType string)
	MessageSent(msgType string)
	TurnFinished(outcome string)
	SessionOpened()
	SessionClosed()
}

// Config is shared by every session of a server.
type Config struct {
	Store        session.Store
	Tools        *llm.ToolRegistry
	SystemPrompt string
	DefaultModel string
	NewProvider  ProviderFunc
	Pricer       llm.Pricer
	Metrics      Metrics
	Logger       *slog.Logger
	MaxSteps     int
}

// job is a queued turn-producing input. seq orders it against stop requests.
type job struct {
	msg *Inbound
	seq int64
}

// Session is the state of one connected conversation.
//
// The read loop calls Handle. Inputs that start or resume a turn are queued
// for the worker started with Run; everything else is handled inline so a
// running turn never delays it.
type Session struct {
	chatID  string
	cfg     *Config
	out     Sender
	logger  *slog.Logger
	metrics Metrics

	jobs      chan job
	closed    chan struct{}
	closeOnce sync.Once

	// seq numbers inbound messages. A stop applies to every job received
	// before it.
	seq     atomic.Int64
	stopSeq atomic.Int64
	current atomic.Int64

	// Owned by the worker.
	conv     *llm.Conversation
	inFlight map[string]string // client call id -> tool name

	mu        sync.Mutex
	chat      session.Chat
	keys      map[string]string
	questions map[string]chan string
	answered  map[string]bool
	// answerLog orders answered ids oldest first.
	answerLog []string
}

// Open loads chatID from the store, creating it when missing, and returns
// a session ready to Run.
func Open(ctx context.Context, cfg *Config, chatID string, out Sender) (*Session, error) {
	if !session.IsValidID(chatID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChatID, chatID)
	}

	chat, err := cfg.Store.GetChat(ctx, chatID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		chat = &session.Chat{ID: chatID, Model: cfg.DefaultModel}
		if err := cfg.Store.CreateChat(ctx, chat); err != nil {
			return nil, fmt.Errorf("create chat: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if chat.Model == "" {
		chat.Model = cfg.DefaultModel
	}

	stored, err := cfg.Store.GetMessages(ctx, chatID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics Metrics = nopMetrics{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}

	s := &Session{
		chatID:    chatID,
		cfg:       cfg,
		out:       out,
		logger:    logger.With("chat_id", chatID),
		metrics:   metrics,
		jobs:      make(chan job, jobQueueSize),
		closed:    make(chan struct{}),
		inFlight:  make(map[string]string),
		chat:      *chat,
		questions: make(map[string]chan string),
		answered:  make(map[string]bool),
	}
	s.conv = llm.RestoreConversation(cfg.SystemPrompt, session.ToLLMMessages(stored), s.persist)
	s.recoverOpenCalls(ctx)
	metrics.SessionOpened()
	s.logger.Info("session opened", "messages", len(stored), "model", chat.Model)
	return s, nil
}

// recoverOpenCalls repairs a log left behind by an earlier connection. An
// unanswered ask_user becomes the pending clarification again; any other
// open call is cancelled since its client is gone.
func (s *Session) recoverOpenCalls(ctx context.Context) {
	open := s.conv.UnansweredToolCalls()
	if len(open) == 0 {
		return
	}
	if len(open) == 1 {
		if v, ok := s.cfg.Tools.Lookup(open[0].Name); ok {
			if flow, ok := v.(llm.FlowVenue); ok && flow.Kind == llm.FlowAskUser {
				s.conv.SetPendingClarification(open[0].ID)
				return
			}
		}
	}
	n := llm.CancelOpenCalls(ctx, s.conv, s.logger)
	s.logger.Info("cancelled calls left open by a previous connection", "count", n)
}

// persist is the conversation sink. Messages are written even when the turn
// context has ended so cancellation results are never lost.
func (s *Session) persist(ctx context.Context, msg llm.Message) error {
	return s.cfg.Store.AddMessage(context.WithoutCancel(ctx), s.chatID, session.NewMessage(s.chatID, msg))
}

// ChatID returns the id of the conversation.
func (s *Session) ChatID() string {
	return s.chatID
}

// Info returns the chat_info event sent on connect.
func (s *Session) Info() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.chat.TotalCost
	return Event{
		Type:      EventChatInfo,
		ChatID:    s.chat.ID,
		Title:     s.chat.Title,
		Model:     s.chat.Model,
		TotalCost: &total,
	}
}

// Model returns the model used for the next turn.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat.Model
}

// Handle processes one raw frame from the client. The returned error is
// set only when the session can no longer talk to the client.
func (s *Session) Handle(ctx context.Context, data []byte) error {
	seq := s.seq.Add(1)
	msg, err := decodeInbound(data)
	if err != nil {
		s.metrics.MessageReceived("invalid")
		s.logger.Warn("invalid json from client", "error", err)
		return s.sendError(ctx, "Invalid JSON received")
	}

	switch msg.Type {
	case MsgUserMessage, MsgToolResult:
		s.metrics.MessageReceived(msg.Type)
		return s.enqueue(ctx, job{msg: msg, seq: seq})
	case MsgStop:
		s.metrics.MessageReceived(msg.Type)
		s.stopSeq.Store(seq)
		s.logger.Info("stop requested")
		if err := s.sendInfo(ctx, "Stop request received"); err != nil {
			return err
		}
		return s.enqueue(ctx, job{msg: msg, seq: seq})
	case MsgUserResponse:
		s.metrics.MessageReceived(msg.Type)
		return s.handleUserResponse(ctx, msg)
	case MsgSetModel, MsgSetLLMModel:
		s.metrics.MessageReceived(MsgSetModel)
		return s.handleSetModel(ctx, msg)
	case MsgSetCredentials, MsgSetAPIKeys:
		s.metrics.MessageReceived(MsgSetCredentials)
		return s.handleSetCredentials(ctx, msg)
	default:
		s.metrics.MessageReceived("unknown")
		return s.sendError(ctx, "Invalid message type received: "+msg.Type)
	}
}

func (s *Session) enqueue(ctx context.Context, j job) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.jobs <- j:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes queued inputs one at a time until ctx ends or the session
// is closed. It returns the first send failure.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case j := <-s.jobs:
			s.current.Store(j.seq)
			if err := s.process(ctx, j); err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrSessionClosed) {
					return nil
				}
				return err
			}
		}
	}
}

func (s *Session) process(ctx context.Context, j job) error {
	switch j.msg.Type {
	case MsgUserMessage:
		return s.handleUserMessage(ctx, j.msg)
	case MsgToolResult:
		return s.handleToolResult(ctx, j.msg)
	case MsgStop:
		return s.handleStop(ctx)
	}
	return nil
}

// stopRequested reports whether a stop arrived after the input being
// processed.
func (s *Session) stopRequested() bool {
	return s.stopSeq.Load() > s.current.Load()
}

func (s *Session) handleUserMessage(ctx context.Context, msg *Inbound) error {
	if msg.Text == nil {
		return s.sendError(ctx, "Missing text in user_message")
	}
	text := *msg.Text

	if call, ok := s.pendingClarification(); ok {
		s.logger.Debug("answering ask_user", "id", call.ID)
		s.append(ctx, llm.ToolResultMessage(call.ID, call.Name, text))
	} else {
		if n := llm.CancelOpenCalls(ctx, s.conv, s.logger); n > 0 {
			s.logger.Info("new message cancelled outstanding tool calls", "count", n)
		}
		clear(s.inFlight)

		content := prompt.UserPrompt(text, msg.ContextText)
		m := llm.UserText(content)
		if img := msg.image(); img != "" {
			m = llm.UserWithImage(content, img)
		}
		s.append(ctx, m)
	}

	s.mu.Lock()
	s.chat.UserTurns++
	if s.chat.Title == "" {
		s.chat.Title = session.TitleFromText(text)
	}
	s.mu.Unlock()
	s.saveChat(ctx)

	return s.runTurn(ctx)
}

// pendingClarification takes the pending ask_user call, if one is still
// open.
func (s *Session) pendingClarification() (llm.ToolCall, bool) {
	id := s.conv.TakePendingClarification()
	if id == "" {
		return llm.ToolCall{}, false
	}
	for _, call := range s.conv.UnansweredToolCalls() {
		if call.ID == id {
			return call, true
		}
	}
	s.logger.Warn("pending clarification has no open call", "id", id)
	return llm.ToolCall{}, false
}

func (s *Session) handleToolResult(ctx context.Context, msg *Inbound) error {
	if len(msg.Results) == 0 {
		return s.sendError(ctx, "Missing or invalid results in tool_result message")
	}
	for _, r := range msg.Results {
		if r.ToolCallID == "" {
			return s.sendError(ctx, "Missing or invalid results in tool_result message")
		}
	}
	if len(s.inFlight) == 0 {
		return s.sendWarning(ctx, "Received tool results but no tool calls are pending.")
	}

	for _, r := range msg.Results {
		name, ok := s.inFlight[r.ToolCallID]
		if !ok {
			if err := s.sendWarning(ctx, fmt.Sprintf("Received result for unknown tool call ID %s.", r.ToolCallID)); err != nil {
				return err
			}
			continue
		}
		delete(s.inFlight, r.ToolCallID)
		s.append(ctx, llm.ToolResultMessage(r.ToolCallID, name, r.text()))
	}

	if s.stopRequested() {
		return s.finishStopped(ctx)
	}
	if len(s.inFlight) > 0 {
		s.logger.Debug("waiting for remaining tool results", "pending", len(s.inFlight))
		return nil
	}
	return s.runTurn(ctx)
}

// handleStop runs once every input received before the stop has been
// processed. A turn that saw the stop has already ended; what remains is a
// client batch nobody will resume.
func (s *Session) handleStop(ctx context.Context) error {
	if len(s.inFlight) == 0 {
		return nil
	}
	return s.finishStopped(ctx)
}

// finishStopped closes every open call and reports the stop.
func (s *Session) finishStopped(ctx context.Context) error {
	n := llm.CancelOpenCalls(ctx, s.conv, s.logger)
	clear(s.inFlight)
	s.logger.Info("stopped with outstanding tool calls", "cancelled", n)
	s.metrics.TurnFinished(llm.OutcomeStopped.String())
	return s.sendAll(ctx,
		Event{Type: EventInfo, Content: stoppedNotice},
		costEvent(s.totalCost()),
		Event{Type: EventEnd},
	)
}

func (s *Session) handleUserResponse(ctx context.Context, msg *Inbound) error {
	if msg.RequestID == "" || msg.Answer == nil {
		return s.sendError(ctx, "Missing request_id or answer in user_response")
	}

	s.mu.Lock()
	slot, ok := s.questions[msg.RequestID]
	if ok {
		delete(s.questions, msg.RequestID)
		s.markAnswered(msg.RequestID)
	}
	already := s.answered[msg.RequestID]
	s.mu.Unlock()

	switch {
	case ok:
		slot <- *msg.Answer
		s.logger.Debug("answer delivered", "request_id", msg.RequestID)
		return nil
	case already:
		s.logger.Warn("duplicate answer ignored", "request_id", msg.RequestID)
		return s.sendWarning(ctx, fmt.Sprintf("Request ID %s was already answered.", msg.RequestID))
	default:
		s.logger.Warn("answer for unknown request", "request_id", msg.RequestID)
		return s.sendWarning(ctx, fmt.Sprintf("Received response for unknown or expired request ID %s.", msg.RequestID))
	}
}

// markAnswered records id, forgetting the oldest ids past maxAnsweredIDs.
// Callers hold s.mu.
func (s *Session) markAnswered(id string) {
	s.answered[id] = true
	s.answerLog = append(s.answerLog, id)
	if len(s.answerLog) > maxAnsweredIDs {
		delete(s.answered, s.answerLog[0])
		s.answerLog = s.answerLog[1:]
	}
}

func (s *Session) handleSetModel(ctx context.Context, msg *Inbound) error {
	model := strings.TrimSpace(msg.model())
	if model == "" {
		return s.sendError(ctx, "Invalid or missing model_name in set_model message")
	}
	if _, _, err := llm.ParseProviderModel(model); err != nil {
		return s.sendError(ctx, fmt.Sprintf("Invalid model %s: %v", model, err))
	}

	s.mu.Lock()
	s.chat.Model = model
	s.mu.Unlock()
	s.saveChat(ctx)
	s.logger.Info("model changed", "model", model)
	return s.sendInfo(ctx, "Model set to "+model)
}

func (s *Session) handleSetCredentials(ctx context.Context, msg *Inbound) error {
	if len(msg.Keys) == 0 {
		return s.sendError(ctx, "Invalid or missing 'keys' dictionary in set_credentials message")
	}
	keys := make(map[string]string, len(msg.Keys))
	for provider, key := range msg.Keys {
		provider = strings.ToLower(strings.TrimSpace(provider))
		if provider == "" || strings.TrimSpace(key) == "" {
			continue
		}
		keys[provider] = strings.TrimSpace(key)
	}
	if len(keys) == 0 {
		return s.sendError(ctx, "Invalid or missing 'keys' dictionary in set_credentials message")
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()

	names := make([]string, 0, len(keys))
	for p := range keys {
		names = append(names, p)
	}
	sort.Strings(names)
	s.logger.Info("credentials received", "providers", names)
	return s.sendInfo(ctx, fmt.Sprintf("API keys received for providers: [%s]", strings.Join(names, ", ")))
}

// Close releases the session. Outstanding questions fail with
// ErrSessionClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		n := len(s.questions)
		clear(s.questions)
		s.mu.Unlock()
		s.metrics.SessionClosed()
		s.logger.Info("session closed", "abandoned_questions", n)
	})
}

func (s *Session) append(ctx context.Context, msg llm.Message) {
	if err := s.conv.Append(ctx, msg); err != nil {
		s.logger.Warn("failed to persist message", "role", msg.Role, "error", err)
	}
}

func (s *Session) saveChat(ctx context.Context) {
	s.mu.Lock()
	chat := s.chat
	s.mu.Unlock()
	if err := s.cfg.Store.UpdateChat(context.WithoutCancel(ctx), &chat); err != nil {
		s.logger.Warn("failed to update chat", "error", err)
	}
}

func (s *Session) totalCost() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat.TotalCost
}

func (s *Session) send(ctx context.Context, ev Event) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if err := s.out.Send(ctx, ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	s.metrics.MessageSent(ev.Type)
	return nil
}

func (s *Session) sendAll(ctx context.Context, events ...Event) error {
	for _, ev := range events {
		if err := s.send(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendInfo(ctx context.Context, text string) error {
	return s.send(ctx, Event{Type: EventInfo, Content: text})
}

func (s *Session) sendWarning(ctx context.Context, text string) error {
	return s.send(ctx, Event{Type: EventWarning, Content: text})
}

func (s *Session) sendError(ctx context.Context, text string) error {
	return s.send(ctx, Event{Type: EventError, Content: text})
}

type nopMetrics struct{}

func (nopMetrics) ModelCall(string, string, string, time.Duration) {}
func (nopMetrics) ToolCall(string, string, string, time.Duration)  {}
func (nopMetrics) Tokens(string, int, int)                         {}
func (nopMetrics) Cost(string, float64)                            {}
func (nopMetrics) MessageReceived(string)                          {}
func (nopMetrics) MessageSent(string)                              {}
func (nopMetrics) TurnFinished(string)                             {}
func (nopMetrics) SessionOpened()                                  {}
func (nopMetrics) SessionClosed()                                  {}
