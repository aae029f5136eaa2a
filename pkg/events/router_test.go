package events

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

func newTestRouter(t *testing.T) (*Router, *metrics.Metrics) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewRouter(logger, m), m
}

func TestRouter_DispatchOrder(t *testing.T) {
	r, _ := newTestRouter(t)

	var order []Topic
	record := func(d Delivery) { order = append(order, d.Topic) }

	r.On(Wildcard, record)
	r.On(ConversationTopic("c1"), record)
	r.On(TypeTopic(models.TypeMessage), record)

	r.Dispatch(models.Envelope{
		Type:           models.TypeMessage,
		ConversationID: "c1",
		Data:           json.RawMessage(`{"content":"hi"}`),
	})

	assert.Equal(t, []Topic{
		TypeTopic(models.TypeMessage),
		ConversationTopic("c1"),
		Wildcard,
	}, order)
}

func TestRouter_PayloadsPerTopic(t *testing.T) {
	r, _ := newTestRouter(t)

	env := models.Envelope{
		Type:           models.TypeTyping,
		ConversationID: "c9",
		Sender:         "alice",
		Data:           json.RawMessage(`{"username":"alice"}`),
		Timestamp:      42,
	}

	var typeData, convData json.RawMessage
	var wildcardEnv models.Envelope
	r.On(TypeTopic(models.TypeTyping), func(d Delivery) { typeData = d.Data })
	r.On(ConversationTopic("c9"), func(d Delivery) { convData = d.Data })
	r.On(Wildcard, func(d Delivery) { wildcardEnv = d.Envelope })

	r.Dispatch(env)

	assert.JSONEq(t, `{"username":"alice"}`, string(typeData))
	assert.JSONEq(t, `{"username":"alice"}`, string(convData))
	assert.Equal(t, env, wildcardEnv)
}

func TestRouter_NoConversationTopicWithoutID(t *testing.T) {
	r, _ := newTestRouter(t)

	calls := 0
	r.On(ConversationTopic(""), func(Delivery) { calls++ })
	r.Dispatch(models.Envelope{Type: models.TypeUserOnline})

	assert.Equal(t, 0, calls)
}

func TestRouter_OnThenOffReceivesNothing(t *testing.T) {
	r, _ := newTestRouter(t)

	calls := 0
	sub := r.On(TypeTopic(models.TypeMessage), func(Delivery) { calls++ })
	r.Off(sub)

	for i := 0; i < 3; i++ {
		r.Dispatch(models.Envelope{Type: models.TypeMessage})
	}

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, r.Count(TypeTopic(models.TypeMessage)))
}

func TestRouter_OffIsIdempotentAndPrecise(t *testing.T) {
	r, _ := newTestRouter(t)

	calls := 0
	handler := func(Delivery) { calls++ }
	first := r.On(Wildcard, handler)
	second := r.On(Wildcard, handler)

	r.Off(first)
	r.Off(first)
	r.Off(Subscription{topic: "never-registered", id: 99})

	r.Dispatch(models.Envelope{Type: models.TypeMessage})
	assert.Equal(t, 1, calls)

	r.Off(second)
	r.Dispatch(models.Envelope{Type: models.TypeMessage})
	assert.Equal(t, 1, calls)
}

func TestRouter_PanickingHandlerIsIsolated(t *testing.T) {
	r, m := newTestRouter(t)

	var reached []string
	r.On(TypeTopic(models.TypeMessage), func(Delivery) { panic("boom") })
	r.On(TypeTopic(models.TypeMessage), func(Delivery) { reached = append(reached, "type") })
	r.On(Wildcard, func(Delivery) { reached = append(reached, "wildcard") })

	require.NotPanics(t, func() {
		r.Dispatch(models.Envelope{Type: models.TypeMessage})
	})

	assert.Equal(t, []string{"type", "wildcard"}, reached)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HandlerPanics.WithLabelValues(string(models.TypeMessage))))
}

func TestRouter_UnsubscribeDuringDispatch(t *testing.T) {
	r, _ := newTestRouter(t)

	calls := 0
	var sub Subscription
	sub = r.On(Wildcard, func(Delivery) {
		calls++
		r.Off(sub)
	})

	r.Dispatch(models.Envelope{Type: models.TypeMessage})
	r.Dispatch(models.Envelope{Type: models.TypeMessage})

	assert.Equal(t, 1, calls)
}
