package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/constants"
	"carelink-realtime/pkg/events"
	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

var (
	ErrBusy              = errors.New("conversation already has an active call")
	ErrNoSession         = errors.New("no active call for conversation")
	ErrInvalidTransition = errors.New("invalid call phase transition")
	ErrNoOffer           = errors.New("answer requires a prior offer")
	ErrNoReceivers       = errors.New("call requires at least one receiver")
	ErrNotIncoming       = errors.New("only incoming calls can be answered")
)

const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
	ReasonTimeout  = "timeout"
	ReasonHangup   = "hangup"
	ReasonCancel   = "cancelled"
)

// Sender writes outbound envelopes; the connection manager satisfies it.
type Sender interface {
	Send(env models.Envelope)
}

// Subscriber is the router surface the manager listens on.
type Subscriber interface {
	On(topic events.Topic, handler events.Handler) events.Subscription
	Off(sub events.Subscription)
}

// Hooks are optional UI-facing callbacks, invoked outside the manager lock.
type Hooks struct {
	OnIncomingCall    func(call models.CallSession)
	OnPhaseChange     func(call models.CallSession)
	OnRemoteOffer     func(conversationID string, offer models.SessionDescription)
	OnRemoteAnswer    func(conversationID string, answer models.SessionDescription)
	OnRemoteCandidate func(conversationID string, candidate models.ICECandidate)
	OnCallEnded       func(call models.CallSession, reason string)
}

type Options struct {
	Self        string
	RingTimeout time.Duration
}

type session struct {
	models.CallSession
	receivers   []string
	localOffer  bool
	remoteOffer bool
	pending     []models.ICECandidate
	stopRing    chan struct{}
}

// Manager runs one call state machine per conversation.
type Manager struct {
	opts    Options
	sender  Sender
	router  Subscriber
	clock   clockwork.Clock
	hooks   Hooks
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	subs     []events.Subscription
}

func NewManager(opts Options, sender Sender, router Subscriber, hooks Hooks, clock clockwork.Clock, logger *logrus.Logger, metrics *metrics.Metrics) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = constants.DefaultRingTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Manager{
		opts:     opts,
		sender:   sender,
		router:   router,
		clock:    clock,
		hooks:    hooks,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*session),
	}
}

// Start subscribes to inbound signaling envelopes.
func (m *Manager) Start() {
	handlers := map[models.EnvelopeType]func(models.Envelope){
		models.TypeCallInvite:         m.handleInvite,
		models.TypeCallResponse:       m.handleResponse,
		models.TypeCallCancel:         m.handleCancel,
		models.TypeCallEnd:            m.handleEnd,
		models.TypeWebRTCOffer:        m.handleOffer,
		models.TypeWebRTCAnswer:       m.handleAnswer,
		models.TypeWebRTCICECandidate: m.handleCandidate,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for t, h := range handlers {
		h := h
		m.subs = append(m.subs, m.router.On(events.TypeTopic(t), func(d events.Delivery) {
			h(d.Envelope)
		}))
	}
}

// Stop unsubscribes and drops every session without signaling the peers.
func (m *Manager) Stop() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	for id, s := range m.sessions {
		m.stopRingLocked(s)
		delete(m.sessions, id)
	}
	m.metrics.ActiveCalls.Set(0)
	m.mu.Unlock()

	for _, sub := range subs {
		m.router.Off(sub)
	}
}

// Session returns a snapshot of the call in conversationID.
func (m *Manager) Session(conversationID string) (models.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[conversationID]
	if !ok {
		return models.CallSession{ConversationID: conversationID, Phase: models.PhaseIdle}, false
	}
	return s.CallSession, true
}

// Active returns snapshots of all calls, ordered by conversation.
func (m *Manager) Active() []models.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.CallSession)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Invite starts an outgoing call. receivers defaults to the peer.
func (m *Manager) Invite(conversationID, peer string, receivers []string, media string) (models.CallSession, error) {
	if len(receivers) == 0 && peer != "" {
		receivers = []string{peer}
	}
	if len(receivers) == 0 {
		return models.CallSession{}, ErrNoReceivers
	}
	if peer == "" {
		peer = receivers[0]
	}
	if media == "" {
		media = "audio"
	}

	var fx effects
	m.mu.Lock()
	if _, busy := m.sessions[conversationID]; busy {
		m.mu.Unlock()
		return models.CallSession{}, ErrBusy
	}

	s := &session{
		CallSession: models.CallSession{
			ConversationID: conversationID,
			CallID:         uuid.New().String(),
			PeerUsername:   peer,
			Direction:      models.DirectionOutgoing,
			Phase:          models.PhaseIdle,
			Media:          media,
			StartedAt:      m.clock.Now(),
		},
		receivers: receivers,
	}
	m.sessions[conversationID] = s
	m.transitionLocked(s, models.PhaseRinging, &fx)
	m.startRingLocked(s)
	fx.send(m.envelope(models.TypeCallInvite, s, models.CallInvite{
		CallID: s.CallID,
		Caller: m.opts.Self,
		Media:  media,
	}))
	snapshot := s.CallSession
	m.mu.Unlock()

	fx.run(m)
	return snapshot, nil
}

// Respond answers an incoming ringing call.
func (m *Manager) Respond(conversationID string, accept bool) error {
	var fx effects
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.Direction != models.DirectionIncoming {
		m.mu.Unlock()
		return ErrNotIncoming
	}

	if accept {
		if err := m.transitionLocked(s, models.PhaseAccepted, &fx); err != nil {
			m.mu.Unlock()
			return err
		}
		m.stopRingLocked(s)
		fx.send(m.envelope(models.TypeCallResponse, s, models.CallResponse{CallID: s.CallID, Accepted: true}))
	} else {
		if err := m.endLocked(s, models.PhaseRejected, ReasonDeclined, &fx); err != nil {
			m.mu.Unlock()
			return err
		}
		fx.send(m.envelope(models.TypeCallResponse, s, models.CallResponse{CallID: s.CallID, Accepted: false, Reason: ReasonDeclined}))
	}
	m.mu.Unlock()

	fx.run(m)
	return nil
}

// Cancel abandons the call in any phase and tells the peer.
func (m *Manager) Cancel(conversationID string) error {
	return m.terminate(conversationID, models.TypeCallCancel, models.PhaseCancelled, ReasonCancel)
}

// End hangs up the call and tells the peer.
func (m *Manager) End(conversationID string) error {
	return m.terminate(conversationID, models.TypeCallEnd, models.PhaseEnded, ReasonHangup)
}

func (m *Manager) terminate(conversationID string, t models.EnvelopeType, phase models.CallPhase, reason string) error {
	var fx effects
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	if err := m.endLocked(s, phase, reason, &fx); err != nil {
		m.mu.Unlock()
		return err
	}
	fx.send(m.envelope(t, s, models.CallControl{CallID: s.CallID, Reason: reason}))
	m.mu.Unlock()

	fx.run(m)
	return nil
}

// SendOffer relays a local offer. The first offer after acceptance starts
// negotiation and flushes buffered remote candidates.
func (m *Manager) SendOffer(conversationID string, offer models.SessionDescription) error {
	var fx effects
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.Phase == models.PhaseAccepted {
		m.transitionLocked(s, models.PhaseNegotiating, &fx)
		m.flushLocked(s, &fx)
	} else if s.Phase != models.PhaseNegotiating && s.Phase != models.PhaseConnected {
		m.mu.Unlock()
		return fmt.Errorf("%w: offer in phase %s", ErrInvalidTransition, s.Phase)
	}
	s.localOffer = true
	fx.send(m.envelope(models.TypeWebRTCOffer, s, offer))
	m.mu.Unlock()

	fx.run(m)
	return nil
}

// SendAnswer relays a local answer to a received offer.
func (m *Manager) SendAnswer(conversationID string, answer models.SessionDescription) error {
	var fx effects
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	if !s.remoteOffer {
		m.mu.Unlock()
		return ErrNoOffer
	}
	if s.Phase == models.PhaseNegotiating {
		m.transitionLocked(s, models.PhaseConnected, &fx)
	}
	fx.send(m.envelope(models.TypeWebRTCAnswer, s, answer))
	m.mu.Unlock()

	fx.run(m)
	return nil
}

// SendCandidate relays a local ICE candidate once the call is accepted.
func (m *Manager) SendCandidate(conversationID string, candidate models.ICECandidate) error {
	var fx effects
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.Phase == models.PhaseRinging {
		m.mu.Unlock()
		return fmt.Errorf("%w: candidate while ringing", ErrInvalidTransition)
	}
	fx.send(m.envelope(models.TypeWebRTCICECandidate, s, candidate))
	m.mu.Unlock()

	fx.run(m)
	return nil
}

func (m *Manager) handleInvite(env models.Envelope) {
	var inv models.CallInvite
	if !m.decode(env, &inv) || env.Sender == m.opts.Self {
		return
	}

	var fx effects
	m.mu.Lock()
	if _, busy := m.sessions[env.ConversationID]; busy {
		busyEnv, err := models.NewEnvelope(models.TypeCallResponse, env.ConversationID, []string{env.Sender},
			models.CallResponse{CallID: inv.CallID, Accepted: false, Reason: ReasonBusy})
		if err == nil {
			fx.send(busyEnv)
		}
		m.mu.Unlock()

		m.logger.WithFields(logrus.Fields{
			"conversation_id": env.ConversationID,
			"caller":          env.Sender,
		}).Info("Rejecting call invite, line busy")
		fx.run(m)
		return
	}

	s := &session{
		CallSession: models.CallSession{
			ConversationID: env.ConversationID,
			CallID:         inv.CallID,
			PeerUsername:   env.Sender,
			Direction:      models.DirectionIncoming,
			Phase:          models.PhaseIdle,
			Media:          inv.Media,
			StartedAt:      m.clock.Now(),
		},
		receivers: []string{env.Sender},
	}
	m.sessions[env.ConversationID] = s
	m.transitionLocked(s, models.PhaseRinging, &fx)
	m.startRingLocked(s)
	snapshot := s.CallSession
	if m.hooks.OnIncomingCall != nil {
		fx.add(func() { m.hooks.OnIncomingCall(snapshot) })
	}
	m.mu.Unlock()

	fx.run(m)
}

func (m *Manager) handleResponse(env models.Envelope) {
	var resp models.CallResponse
	if !m.decode(env, &resp) {
		return
	}

	var fx effects
	m.mu.Lock()
	s, ok := m.matchLocked(env.ConversationID, resp.CallID)
	if !ok || s.Direction != models.DirectionOutgoing || s.Phase != models.PhaseRinging {
		m.mu.Unlock()
		return
	}

	m.stopRingLocked(s)
	if resp.Accepted {
		m.transitionLocked(s, models.PhaseAccepted, &fx)
	} else {
		reason := resp.Reason
		if reason == "" {
			reason = ReasonDeclined
		}
		m.endLocked(s, models.PhaseRejected, reason, &fx)
	}
	m.mu.Unlock()

	fx.run(m)
}

func (m *Manager) handleCancel(env models.Envelope) {
	m.handleRemoteTermination(env, models.PhaseCancelled, ReasonCancel)
}

func (m *Manager) handleEnd(env models.Envelope) {
	m.handleRemoteTermination(env, models.PhaseEnded, ReasonHangup)
}

func (m *Manager) handleRemoteTermination(env models.Envelope, phase models.CallPhase, fallback string) {
	var ctl models.CallControl
	if len(env.Data) > 0 && !m.decode(env, &ctl) {
		return
	}
	reason := ctl.Reason
	if reason == "" {
		reason = fallback
	}

	var fx effects
	m.mu.Lock()
	s, ok := m.matchLocked(env.ConversationID, ctl.CallID)
	if ok {
		m.endLocked(s, phase, reason, &fx)
	}
	m.mu.Unlock()

	fx.run(m)
}

func (m *Manager) handleOffer(env models.Envelope) {
	var offer models.SessionDescription
	if !m.decode(env, &offer) {
		return
	}

	var fx effects
	m.mu.Lock()
	s, ok := m.sessions[env.ConversationID]
	if !ok || s.Phase == models.PhaseRinging {
		m.mu.Unlock()
		m.logger.WithField("conversation_id", env.ConversationID).Warn("Ignoring offer for call that is not accepted")
		return
	}

	s.remoteOffer = true
	convID := s.ConversationID
	if m.hooks.OnRemoteOffer != nil {
		fx.add(func() { m.hooks.OnRemoteOffer(convID, offer) })
	}
	if s.Phase == models.PhaseAccepted {
		m.transitionLocked(s, models.PhaseNegotiating, &fx)
		m.flushLocked(s, &fx)
	}
	m.mu.Unlock()

	fx.run(m)
}

func (m *Manager) handleAnswer(env models.Envelope) {
	var answer models.SessionDescription
	if !m.decode(env, &answer) {
		return
	}

	var fx effects
	m.mu.Lock()
	s, ok := m.sessions[env.ConversationID]
	if !ok || !s.localOffer {
		m.mu.Unlock()
		m.logger.WithField("conversation_id", env.ConversationID).Warn("Ignoring answer without a local offer")
		return
	}

	convID := s.ConversationID
	if m.hooks.OnRemoteAnswer != nil {
		fx.add(func() { m.hooks.OnRemoteAnswer(convID, answer) })
	}
	if s.Phase == models.PhaseNegotiating {
		m.transitionLocked(s, models.PhaseConnected, &fx)
	}
	m.mu.Unlock()

	fx.run(m)
}

func (m *Manager) handleCandidate(env models.Envelope) {
	var candidate models.ICECandidate
	if !m.decode(env, &candidate) {
		return
	}

	var fx effects
	m.mu.Lock()
	s, ok := m.sessions[env.ConversationID]
	if !ok {
		m.mu.Unlock()
		m.logger.WithField("conversation_id", env.ConversationID).Warn("Dropping candidate for unknown call")
		return
	}

	switch s.Phase {
	case models.PhaseNegotiating, models.PhaseConnected:
		convID := s.ConversationID
		if m.hooks.OnRemoteCandidate != nil {
			fx.add(func() { m.hooks.OnRemoteCandidate(convID, candidate) })
		}
	default:
		s.pending = append(s.pending, candidate)
	}
	m.mu.Unlock()

	fx.run(m)
}

// matchLocked finds the session for conversationID, requiring callID to
// match when both sides know it.
func (m *Manager) matchLocked(conversationID, callID string) (*session, bool) {
	s, ok := m.sessions[conversationID]
	if !ok {
		return nil, false
	}
	if callID != "" && s.CallID != "" && callID != s.CallID {
		return nil, false
	}
	return s, true
}

func (m *Manager) transitionLocked(s *session, to models.CallPhase, fx *effects) error {
	if !canTransition(s.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, to)
	}

	from := s.Phase
	s.Phase = to
	m.metrics.CallPhaseTransitions.WithLabelValues(string(to)).Inc()
	if from == models.PhaseIdle {
		m.metrics.ActiveCalls.Inc()
	}

	m.logger.WithFields(logrus.Fields{
		"conversation_id": s.ConversationID,
		"call_id":         s.CallID,
		"from":            from,
		"to":              to,
	}).Debug("Call phase changed")

	snapshot := s.CallSession
	if m.hooks.OnPhaseChange != nil {
		fx.add(func() { m.hooks.OnPhaseChange(snapshot) })
	}
	return nil
}

func (m *Manager) endLocked(s *session, phase models.CallPhase, reason string, fx *effects) error {
	if err := m.transitionLocked(s, phase, fx); err != nil {
		return err
	}
	m.stopRingLocked(s)
	if current, ok := m.sessions[s.ConversationID]; ok && current == s {
		delete(m.sessions, s.ConversationID)
		m.metrics.ActiveCalls.Dec()
	}

	snapshot := s.CallSession
	if m.hooks.OnCallEnded != nil {
		fx.add(func() { m.hooks.OnCallEnded(snapshot, reason) })
	}
	return nil
}

func (m *Manager) flushLocked(s *session, fx *effects) {
	if len(s.pending) == 0 {
		return
	}
	pending := s.pending
	s.pending = nil
	convID := s.ConversationID
	if m.hooks.OnRemoteCandidate == nil {
		return
	}
	fx.add(func() {
		for _, c := range pending {
			m.hooks.OnRemoteCandidate(convID, c)
		}
	})
}

func (m *Manager) startRingLocked(s *session) {
	stop := make(chan struct{})
	s.stopRing = stop
	timer := m.clock.NewTimer(m.opts.RingTimeout)

	go func() {
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.Chan():
		}
		m.ringTimeout(s)
	}()
}

func (m *Manager) stopRingLocked(s *session) {
	if s.stopRing != nil {
		close(s.stopRing)
		s.stopRing = nil
	}
}

func (m *Manager) ringTimeout(s *session) {
	var fx effects
	m.mu.Lock()
	current, ok := m.sessions[s.ConversationID]
	if !ok || current != s || s.Phase != models.PhaseRinging {
		m.mu.Unlock()
		return
	}
	s.stopRing = nil
	m.endLocked(s, models.PhaseCancelled, ReasonTimeout, &fx)
	if s.Direction == models.DirectionOutgoing {
		fx.send(m.envelope(models.TypeCallCancel, s, models.CallControl{CallID: s.CallID, Reason: ReasonTimeout}))
	}
	m.mu.Unlock()

	m.logger.WithField("conversation_id", s.ConversationID).Info("Call not answered, ringing stopped")
	fx.run(m)
}

func (m *Manager) envelope(t models.EnvelopeType, s *session, data interface{}) models.Envelope {
	env, err := models.NewEnvelope(t, s.ConversationID, append([]string(nil), s.receivers...), data)
	if err != nil {
		m.logger.WithError(err).WithField("type", t).Error("Failed to encode signaling payload")
	}
	return env
}

func (m *Manager) decode(env models.Envelope, v interface{}) bool {
	if env.ConversationID == "" {
		m.logger.WithField("type", env.Type).Warn("Signaling envelope without conversation")
		return false
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		m.logger.WithError(err).WithField("type", env.Type).Warn("Invalid signaling payload")
		return false
	}
	return true
}

// effects defers sends and hook calls until the manager lock is released.
type effects struct {
	items []effect
}

type effect struct {
	env *models.Envelope
	fn  func()
}

func (fx *effects) add(fn func()) {
	fx.items = append(fx.items, effect{fn: fn})
}

func (fx *effects) send(env models.Envelope) {
	fx.items = append(fx.items, effect{env: &env})
}

func (fx *effects) run(m *Manager) {
	for _, e := range fx.items {
		if e.env != nil {
			m.sender.Send(*e.env)
			continue
		}
		e.fn()
	}
}
