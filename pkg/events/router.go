package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

// Topic is a subscription key: an envelope type, a conversation, or the
// wildcard.
type Topic string

const Wildcard Topic = "*"

func TypeTopic(t models.EnvelopeType) Topic {
	return Topic(t)
}

func ConversationTopic(conversationID string) Topic {
	return Topic("conversation:" + conversationID)
}

// Delivery is what a handler receives. Type and conversation subscribers
// consume Data; wildcard subscribers consume Envelope.
type Delivery struct {
	Topic    Topic
	Data     json.RawMessage
	Envelope models.Envelope
}

type Handler func(d Delivery)

// Subscription identifies one registration. Registering the same func twice
// yields two subscriptions.
type Subscription struct {
	topic Topic
	id    uint64
}

func (s Subscription) Topic() Topic {
	return s.topic
}

type Router struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	nextID   uint64
	handlers map[Topic]map[uint64]Handler
}

func NewRouter(logger *logrus.Logger, metrics *metrics.Metrics) *Router {
	return &Router{
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[Topic]map[uint64]Handler),
	}
}

func (r *Router) On(topic Topic, handler Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	set, ok := r.handlers[topic]
	if !ok {
		set = make(map[uint64]Handler)
		r.handlers[topic] = set
	}
	set[r.nextID] = handler

	return Subscription{topic: topic, id: r.nextID}
}

// Off removes exactly the given subscription. Removing an unknown or
// already removed subscription is a no-op.
func (r *Router) Off(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handlers[sub.topic]
	if !ok {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(r.handlers, sub.topic)
	}
}

// Count returns the number of live subscriptions on topic
func (r *Router) Count(topic Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[topic])
}

// Dispatch delivers env to type, conversation and wildcard subscribers, in
// that order, on the calling goroutine.
func (r *Router) Dispatch(env models.Envelope) {
	r.deliver(TypeTopic(env.Type), env)
	if env.ConversationID != "" {
		r.deliver(ConversationTopic(env.ConversationID), env)
	}
	r.deliver(Wildcard, env)
}

func (r *Router) deliver(topic Topic, env models.Envelope) {
	for _, h := range r.snapshot(topic) {
		r.invoke(topic, h, Delivery{Topic: topic, Data: env.Data, Envelope: env})
	}
}

// snapshot copies the handlers so subscribers may call On/Off from inside a
// dispatch.
func (r *Router) snapshot(topic Topic) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.handlers[topic]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}

func (r *Router) invoke(topic Topic, h Handler, d Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.HandlerPanics.WithLabelValues(string(topic)).Inc()
			r.logger.WithError(fmt.Errorf("%v", rec)).WithFields(logrus.Fields{
				"topic": topic,
				"type":  d.Envelope.Type,
			}).Error("Subscriber panicked during dispatch")
		}
	}()
	h(d)
}
