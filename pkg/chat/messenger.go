package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/constants"
	"carelink-realtime/pkg/models"
)

var ErrEmptyMessage = errors.New("message content is empty")

type Sender interface {
	Send(env models.Envelope)
}

type typingState struct {
	receivers []string
	stop      chan struct{}
}

// Messenger sends chat messages and typing indicators over the connection.
type Messenger struct {
	self   string
	sender Sender
	idle   time.Duration
	clock  clockwork.Clock
	logger *logrus.Logger

	mu     sync.Mutex
	typing map[string]*typingState
}

func NewMessenger(self string, sender Sender, idle time.Duration, clock clockwork.Clock, logger *logrus.Logger) *Messenger {
	if idle <= 0 {
		idle = constants.DefaultTypingIdle
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Messenger{
		self:   self,
		sender: sender,
		idle:   idle,
		clock:  clock,
		logger: logger,
		typing: make(map[string]*typingState),
	}
}

// SendMessage withdraws any typing indicator and sends content.
func (m *Messenger) SendMessage(conversationID string, receivers []string, content, kind string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if kind == "" {
		kind = "text"
	}

	m.StopTyping(conversationID)

	env, err := models.NewEnvelope(models.TypeMessage, conversationID, receivers, models.ChatMessage{Content: content, Kind: kind})
	if err != nil {
		return err
	}
	m.sender.Send(env)
	return nil
}

// Typing announces typing once and withdraws it after the idle period
// unless Typing is called again.
func (m *Messenger) Typing(conversationID string, receivers []string) {
	m.mu.Lock()
	state, active := m.typing[conversationID]
	if active {
		close(state.stop)
	}
	state = &typingState{receivers: receivers, stop: make(chan struct{})}
	m.typing[conversationID] = state
	timer := m.clock.NewTimer(m.idle)
	m.mu.Unlock()

	go func() {
		select {
		case <-state.stop:
			timer.Stop()
		case <-timer.Chan():
			m.expire(conversationID, state)
		}
	}()

	if !active {
		m.send(models.TypeTyping, conversationID, receivers)
	}
}

// StopTyping withdraws the indicator if one is showing.
func (m *Messenger) StopTyping(conversationID string) {
	m.mu.Lock()
	state, active := m.typing[conversationID]
	if active {
		close(state.stop)
		delete(m.typing, conversationID)
	}
	m.mu.Unlock()

	if active {
		m.send(models.TypeStopTyping, conversationID, state.receivers)
	}
}

// IsTyping reports whether an indicator is showing for conversationID.
func (m *Messenger) IsTyping(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.typing[conversationID]
	return ok
}

// Close stops all idle timers without notifying peers.
func (m *Messenger) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, state := range m.typing {
		close(state.stop)
		delete(m.typing, id)
	}
}

func (m *Messenger) expire(conversationID string, state *typingState) {
	m.mu.Lock()
	if m.typing[conversationID] != state {
		m.mu.Unlock()
		return
	}
	delete(m.typing, conversationID)
	m.mu.Unlock()

	m.send(models.TypeStopTyping, conversationID, state.receivers)
}

func (m *Messenger) send(t models.EnvelopeType, conversationID string, receivers []string) {
	env, err := models.NewEnvelope(t, conversationID, receivers, models.TypingEvent{Username: m.self})
	if err != nil {
		m.logger.WithError(err).WithField("type", t).Error("Failed to encode typing event")
		return
	}
	m.sender.Send(env)
}
