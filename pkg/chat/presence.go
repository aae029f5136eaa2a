package chat

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/events"
	"carelink-realtime/pkg/models"
)

// Subscriber is the router surface presence and typing trackers listen on.
type Subscriber interface {
	On(topic events.Topic, handler events.Handler) events.Subscription
	Off(sub events.Subscription)
}

// Presence tracks which users the server reported online.
type Presence struct {
	router Subscriber
	logger *logrus.Logger

	mu     sync.RWMutex
	online map[string]struct{}
	subs   []events.Subscription
}

func NewPresence(router Subscriber, logger *logrus.Logger) *Presence {
	return &Presence{
		router: router,
		logger: logger,
		online: make(map[string]struct{}),
	}
}

func (p *Presence) Start() {
	on := p.router.On(events.TypeTopic(models.TypeUserOnline), func(d events.Delivery) { p.apply(d, true) })
	off := p.router.On(events.TypeTopic(models.TypeUserOffline), func(d events.Delivery) { p.apply(d, false) })

	p.mu.Lock()
	p.subs = append(p.subs, on, off)
	p.mu.Unlock()
}

func (p *Presence) Stop() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, sub := range subs {
		p.router.Off(sub)
	}
}

func (p *Presence) IsOnline(username string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[username]
	return ok
}

// Online returns the online users in name order.
func (p *Presence) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.online))
	for u := range p.online {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Reset forgets everything, e.g. after the connection drops.
func (p *Presence) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[string]struct{})
}

func (p *Presence) apply(d events.Delivery, online bool) {
	var ev models.PresenceEvent
	if err := json.Unmarshal(d.Data, &ev); err != nil || ev.Username == "" {
		ev.Username = d.Envelope.Sender
	}
	if ev.Username == "" {
		p.logger.WithField("type", d.Envelope.Type).Debug("Presence event without username")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if online {
		p.online[ev.Username] = struct{}{}
	} else {
		delete(p.online, ev.Username)
	}
}
