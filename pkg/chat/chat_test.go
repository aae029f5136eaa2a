package chat

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink-realtime/pkg/events"
	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []models.Envelope
}

func (s *recordingSender) Send(env models.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
}

func (s *recordingSender) types() []models.EnvelopeType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EnvelopeType, 0, len(s.sent))
	for _, env := range s.sent {
		out = append(out, env.Type)
	}
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func presenceEnvelope(t *testing.T, typ models.EnvelopeType, username string) models.Envelope {
	env, err := models.NewEnvelope(typ, "", nil, models.PresenceEvent{Username: username})
	require.NoError(t, err)
	return env
}

func TestPresence_TracksOnlineUsers(t *testing.T) {
	logger := quietLogger()
	router := events.NewRouter(logger, metrics.NewMetrics(prometheus.NewRegistry()))
	p := NewPresence(router, logger)
	p.Start()

	router.Dispatch(presenceEnvelope(t, models.TypeUserOnline, "bob"))
	router.Dispatch(presenceEnvelope(t, models.TypeUserOnline, "carol"))
	router.Dispatch(models.Envelope{Type: models.TypeUserOnline, Sender: "dave"})
	router.Dispatch(presenceEnvelope(t, models.TypeUserOffline, "bob"))

	assert.Equal(t, []string{"carol", "dave"}, p.Online())
	assert.True(t, p.IsOnline("carol"))
	assert.False(t, p.IsOnline("bob"))

	p.Stop()
	router.Dispatch(presenceEnvelope(t, models.TypeUserOnline, "erin"))
	assert.False(t, p.IsOnline("erin"))
	assert.Equal(t, 0, router.Count(events.TypeTopic(models.TypeUserOnline)))

	p.Reset()
	assert.Empty(t, p.Online())
}

func TestMessenger_SendMessage(t *testing.T) {
	sender := &recordingSender{}
	m := NewMessenger("alice", sender, time.Second, clockwork.NewFakeClock(), quietLogger())

	assert.ErrorIs(t, m.SendMessage("c1", []string{"bob"}, "  ", ""), ErrEmptyMessage)

	require.NoError(t, m.SendMessage("c1", []string{"bob"}, "hello", ""))
	require.Len(t, sender.sent, 1)
	env := sender.sent[0]
	assert.Equal(t, models.TypeMessage, env.Type)
	assert.Equal(t, "c1", env.ConversationID)

	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "text", msg.Kind)
}

func TestMessenger_TypingExpiresAfterIdle(t *testing.T) {
	sender := &recordingSender{}
	clock := clockwork.NewFakeClock()
	m := NewMessenger("alice", sender, 3*time.Second, clock, quietLogger())
	defer m.Close()

	m.Typing("c1", []string{"bob"})
	m.Typing("c1", []string{"bob"})
	assert.Equal(t, []models.EnvelopeType{models.TypeTyping}, sender.types())
	assert.True(t, m.IsTyping("c1"))

	assert.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return !m.IsTyping("c1")
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []models.EnvelopeType{models.TypeTyping, models.TypeStopTyping}, sender.types())
}

func TestMessenger_SendMessageWithdrawsTyping(t *testing.T) {
	sender := &recordingSender{}
	m := NewMessenger("alice", sender, time.Minute, clockwork.NewFakeClock(), quietLogger())

	m.Typing("c1", []string{"bob"})
	require.NoError(t, m.SendMessage("c1", []string{"bob"}, "on my way", ""))

	assert.Equal(t, []models.EnvelopeType{
		models.TypeTyping,
		models.TypeStopTyping,
		models.TypeMessage,
	}, sender.types())

	m.StopTyping("c1")
	assert.Len(t, sender.types(), 3)
}
