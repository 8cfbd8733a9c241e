package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/pkg/models"
)

// ErrRequestTimeout is returned by Request when no response arrives in
// time.
var ErrRequestTimeout = errors.New("request timed out")

// ErrNoHandler is returned when the target worker has no registered
// message handler.
var ErrNoHandler = errors.New("no message handler registered")

// MessageHandler processes one inbound message for a worker. A non-nil
// result from a REQUEST handler becomes the RESPONSE payload.
type MessageHandler func(ctx context.Context, msg *models.AgentMessage) (any, error)

// Messenger routes messages between workers within a run: fire-and-forget
// sends, broadcasts, and correlated request/response exchanges.
type Messenger struct {
	mu       sync.Mutex
	handlers map[string]MessageHandler
	pending  map[string]chan *models.AgentMessage
	now      func() time.Time
}

// NewMessenger creates a messenger with no registered handlers.
func NewMessenger() *Messenger {
	return &Messenger{
		handlers: make(map[string]MessageHandler),
		pending:  make(map[string]chan *models.AgentMessage),
		now:      time.Now,
	}
}

// RegisterHandler installs the inbound handler for a worker, replacing
// any previous one.
func (m *Messenger) RegisterHandler(workerID string, handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[workerID] = handler
}

// Send delivers a one-way message. A REQUEST handler result is forwarded
// back to the sender as a RESPONSE.
func (m *Messenger) Send(ctx context.Context, runID, from, to string, typ models.MessageType, payload any) error {
	msg := m.newMessage(runID, from, to, typ, payload, "")
	return m.dispatch(ctx, msg)
}

// Request sends a REQUEST and blocks until the matching RESPONSE arrives,
// the timeout elapses, or ctx is cancelled. Abandoned correlations are
// cleaned up on every exit path.
func (m *Messenger) Request(ctx context.Context, runID, from, to string, payload any, timeout time.Duration) (*models.AgentMessage, error) {
	msg := m.newMessage(runID, from, to, models.MessageRequest, payload, "")
	expires := m.now().Add(timeout)
	msg.ExpiresAt = &expires

	ch := make(chan *models.AgentMessage, 1)
	m.mu.Lock()
	m.pending[msg.ID] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, msg.ID)
		m.mu.Unlock()
	}()

	if err := m.dispatch(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s -> %s", ErrRequestTimeout, from, to)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast delivers a NOTIFICATION to every registered worker except the
// sender and returns how many received it.
func (m *Messenger) Broadcast(ctx context.Context, runID, from string, payload any) int {
	m.mu.Lock()
	targets := make([]string, 0, len(m.handlers))
	for id := range m.handlers {
		if id != from {
			targets = append(targets, id)
		}
	}
	m.mu.Unlock()

	delivered := 0
	for _, to := range targets {
		msg := m.newMessage(runID, from, to, models.MessageNotification, payload, "")
		if err := m.dispatch(ctx, msg); err == nil {
			delivered++
		}
	}
	return delivered
}

// PendingCount reports in-flight request correlations.
func (m *Messenger) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Messenger) newMessage(runID, from, to string, typ models.MessageType, payload any, inReplyTo string) *models.AgentMessage {
	return &models.AgentMessage{
		ID:        uuid.NewString(),
		RunID:     runID,
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   payload,
		InReplyTo: inReplyTo,
		Timestamp: m.now(),
	}
}

func (m *Messenger) dispatch(ctx context.Context, msg *models.AgentMessage) error {
	if msg.Expired(m.now()) {
		return fmt.Errorf("message %s expired before delivery", msg.ID)
	}

	// A RESPONSE resolves its correlation directly, bypassing handlers.
	if msg.Type == models.MessageResponse && msg.InReplyTo != "" {
		m.mu.Lock()
		ch, ok := m.pending[msg.InReplyTo]
		m.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
			return nil
		}
	}

	m.mu.Lock()
	handler, ok := m.handlers[msg.To]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.To)
	}

	result, err := handler(ctx, msg)
	if err != nil {
		return fmt.Errorf("handler %s: %w", msg.To, err)
	}

	if msg.Type == models.MessageRequest && result != nil {
		resp := m.newMessage(msg.RunID, msg.To, msg.From, models.MessageResponse, result, msg.ID)
		return m.dispatch(ctx, resp)
	}
	return nil
}
