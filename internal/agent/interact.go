package agent

import (
	"context"

	"github.com/google/uuid"
)

// AskHuman sends an agent_question and waits for the matching
// user_response. The answer slot is dropped when ctx ends, so a late answer
// is reported as expired.
func (s *Session) AskHuman(ctx context.Context, question string) (string, error) {
	id := uuid.NewString()
	slot := make(chan string, 1)

	s.mu.Lock()
	s.questions[id] = slot
	s.mu.Unlock()

	if err := s.send(ctx, Event{Type: EventAgentQuestion, RequestID: id, Question: question}); err != nil {
		s.dropQuestion(id)
		return "", err
	}
	s.logger.Debug("waiting for answer", "request_id", id)

	select {
	case answer := <-slot:
		return answer, nil
	case <-ctx.Done():
		s.dropQuestion(id)
		return "", ctx.Err()
	case <-s.closed:
		return "", ErrSessionClosed
	}
}

func (s *Session) dropQuestion(id string) {
	s.mu.Lock()
	delete(s.questions, id)
	s.mu.Unlock()
}

// ReportStep sends an agent_step_update.
func (s *Session) ReportStep(ctx context.Context, data map[string]any) error {
	return s.send(ctx, Event{Type: EventAgentStep, Data: data})
}

// StopRequested reports whether the user asked to stop the running turn.
func (s *Session) StopRequested() bool {
	return s.stopRequested()
}
