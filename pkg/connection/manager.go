package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/config"
	"carelink-realtime/pkg/constants"
	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

var (
	ErrEmptyIdentity  = errors.New("identity is required")
	ErrIdentityInUse  = errors.New("connection is open for a different identity")
	ErrDisconnected   = errors.New("disconnected while connecting")
	ErrUnsupportedURL = errors.New("unsupported server url scheme")
)

// Dispatcher receives every decoded inbound envelope
type Dispatcher interface {
	Dispatch(env models.Envelope)
}

type Options struct {
	ServerURL         string
	HeartbeatInterval time.Duration
	// PongTimeout > 0 closes the socket when no pong arrived within
	// HeartbeatInterval+PongTimeout. Zero relies on transport close events.
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReconnectFloor   time.Duration
	ReconnectCeiling time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ServerURL:         cfg.ServerURL,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		PongTimeout:       cfg.PongTimeout(),
		HandshakeTimeout:  cfg.HandshakeTimeout(),
		ReconnectFloor:    cfg.ReconnectFloor(),
		ReconnectCeiling:  cfg.ReconnectCeiling(),
	}
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if o.ReconnectFloor <= 0 {
		o.ReconnectFloor = constants.DefaultReconnectFloor
	}
	if o.ReconnectCeiling <= 0 {
		o.ReconnectCeiling = constants.DefaultReconnectCeiling
	}
}

type attempt struct {
	done chan struct{}
	err  error
}

// Manager owns the single logical connection for one identity.
type Manager struct {
	opts    Options
	dialer  *websocket.Dialer
	clock   clockwork.Clock
	router  Dispatcher
	logger  *logrus.Logger
	metrics *metrics.Metrics
	backoff *Backoff

	mu        sync.Mutex
	state     models.ConnectionState
	identity  string
	explicit  bool
	conn      *websocket.Conn
	gen       uint64
	inflight  *attempt
	stopConn  chan struct{}
	stopRetry chan struct{}
	lastPong  time.Time

	writeMu sync.Mutex
}

func NewManager(opts Options, router Dispatcher, clock clockwork.Clock, logger *logrus.Logger, metrics *metrics.Metrics) *Manager {
	opts.defaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Manager{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		clock:   clock,
		router:  router,
		logger:  logger,
		metrics: metrics,
		backoff: NewBackoff(opts.ReconnectFloor, opts.ReconnectCeiling),
		state:   models.StateDisconnected,
	}
}

// Connect opens the connection for identity. It returns immediately when
// already open, and joins the in-flight attempt while connecting. A failed
// attempt still schedules a reconnect.
func (m *Manager) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}

	m.mu.Lock()
	if m.state == models.StateOpen {
		current := m.identity
		m.mu.Unlock()
		if current != identity {
			return ErrIdentityInUse
		}
		return nil
	}
	if a := m.inflight; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.identity = identity
	m.explicit = false
	m.cancelRetryLocked()
	a := m.beginAttemptLocked()
	m.mu.Unlock()

	m.dial(ctx, a, identity)
	return a.err
}

// Disconnect closes the connection with the local-disconnect code and
// suppresses reconnects until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicit = true
	m.cancelRetryLocked()

	conn := m.conn
	if conn == nil {
		if m.inflight == nil {
			m.state = models.StateDisconnected
		}
		m.mu.Unlock()
		return
	}

	m.state = models.StateClosing
	m.conn = nil
	m.gen++
	m.stopHeartbeatLocked()
	m.mu.Unlock()

	msg := websocket.FormatCloseMessage(constants.LocalDisconnectCode, "client disconnect")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		m.logger.WithError(err).Debug("Failed to write close frame")
	}
	conn.Close()

	m.mu.Lock()
	if m.state == models.StateClosing {
		m.state = models.StateDisconnected
	}
	m.mu.Unlock()

	m.metrics.ConnectionOpen.Set(0)
	m.logger.WithField("identity", m.Identity()).Info("Disconnected from server")
}

// Send writes env when the connection is open. Otherwise the envelope is
// dropped with a warning; nothing is queued.
func (m *Manager) Send(env models.Envelope) {
	m.mu.Lock()
	conn := m.conn
	open := m.state == models.StateOpen
	identity := m.identity
	m.mu.Unlock()

	if !open || conn == nil {
		m.metrics.EnvelopesDropped.WithLabelValues(string(env.Type)).Inc()
		m.logger.WithFields(logrus.Fields{
			"type":            env.Type,
			"conversation_id": env.ConversationID,
		}).Warn("Connection not open, dropping envelope")
		return
	}

	if env.Timestamp == 0 {
		env.Timestamp = m.clock.Now().UnixMilli()
	}
	if env.Sender == "" {
		env.Sender = identity
	}

	m.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
	err := conn.WriteJSON(env)
	m.writeMu.Unlock()

	if err != nil {
		m.metrics.EnvelopesDropped.WithLabelValues(string(env.Type)).Inc()
		m.logger.WithError(err).WithField("type", env.Type).Warn("Failed to write envelope")
		return
	}
	m.metrics.EnvelopesSent.WithLabelValues(string(env.Type)).Inc()
}

func (m *Manager) IsConnected() bool {
	return m.State() == models.StateOpen
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// NextBackoff reports the delay the next reconnect would wait
func (m *Manager) NextBackoff() time.Duration {
	return m.backoff.Peek()
}

func (m *Manager) beginAttemptLocked() *attempt {
	a := &attempt{done: make(chan struct{})}
	m.inflight = a
	m.state = models.StateConnecting
	return a
}

func (m *Manager) dial(ctx context.Context, a *attempt, identity string) {
	target, err := BuildURL(m.opts.ServerURL, identity)
	var conn *websocket.Conn
	if err == nil {
		dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
		c, resp, dialErr := m.dialer.DialContext(dialCtx, target, nil)
		cancel()
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		conn, err = c, dialErr
	}

	m.mu.Lock()
	m.inflight = nil

	if err != nil {
		m.state = models.StateDisconnected
		a.err = fmt.Errorf("failed to open connection: %w", err)
		if !m.explicit {
			m.scheduleReconnectLocked()
		}
		m.mu.Unlock()
		close(a.done)

		m.logger.WithError(err).WithField("identity", identity).Warn("Failed to open connection")
		return
	}

	if m.explicit {
		m.state = models.StateDisconnected
		m.mu.Unlock()
		conn.Close()
		a.err = ErrDisconnected
		close(a.done)
		return
	}

	m.gen++
	gen := m.gen
	stop := make(chan struct{})
	m.conn = conn
	m.state = models.StateOpen
	m.stopConn = stop
	m.lastPong = m.clock.Now()
	m.backoff.Reset()
	m.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		m.mu.Lock()
		m.lastPong = m.clock.Now()
		m.mu.Unlock()
		return nil
	})

	m.metrics.ConnectionOpen.Set(1)
	m.logger.WithField("identity", identity).Info("Connection open")
	close(a.done)

	go m.readLoop(conn, gen)
	go m.heartbeatLoop(conn, stop)
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleLoss(conn, gen, err)
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.WithError(err).Warn("Skipping undecodable frame")
			continue
		}

		m.metrics.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()
		m.router.Dispatch(env)
	}
}

func (m *Manager) handleLoss(conn *websocket.Conn, gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}

	code := closeCode(cause)
	m.conn = nil
	m.state = models.StateDisconnected
	m.stopHeartbeatLocked()
	reconnect := !m.explicit && code != constants.LocalDisconnectCode
	if reconnect {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	conn.Close()
	m.metrics.ConnectionOpen.Set(0)

	m.logger.WithError(cause).WithFields(logrus.Fields{
		"close_code": code,
		"reconnect":  reconnect,
	}).Warn("Connection lost")
}

func (m *Manager) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := m.clock.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(constants.WriteTimeout)); err != nil {
				m.logger.WithError(err).Debug("Heartbeat ping failed")
			}

			if m.opts.PongTimeout > 0 {
				m.mu.Lock()
				last := m.lastPong
				m.mu.Unlock()
				if m.clock.Since(last) > m.opts.HeartbeatInterval+m.opts.PongTimeout {
					m.logger.WithField("last_pong", last).Warn("Heartbeat not acknowledged, closing connection")
					conn.Close()
					return
				}
			}
		}
	}
}

func (m *Manager) scheduleReconnectLocked() {
	if m.stopRetry != nil {
		return
	}

	delay := m.backoff.Next()
	stop := make(chan struct{})
	m.stopRetry = stop
	timer := m.clock.NewTimer(delay)

	m.metrics.ReconnectAttempts.Inc()
	m.metrics.ReconnectDelay.Observe(delay.Seconds())
	m.logger.WithField("delay", delay).Info("Scheduling reconnect")

	go func() {
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.Chan():
		}

		m.mu.Lock()
		if m.stopRetry != stop {
			m.mu.Unlock()
			return
		}
		m.stopRetry = nil
		if m.explicit || m.state == models.StateOpen || m.inflight != nil {
			m.mu.Unlock()
			return
		}
		identity := m.identity
		a := m.beginAttemptLocked()
		m.mu.Unlock()

		m.dial(context.Background(), a, identity)
	}()
}

func (m *Manager) cancelRetryLocked() {
	if m.stopRetry != nil {
		close(m.stopRetry)
		m.stopRetry = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopConn != nil {
		close(m.stopConn)
		m.stopConn = nil
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// BuildURL resolves the connection URL for identity, rewriting http(s)
// bases to ws(s) and defaulting the path to /ws.
func BuildURL(base, identity string) (string, error) {
	if identity == "" {
		return "", ErrEmptyIdentity
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURL, u.Scheme)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	q := u.Query()
	q.Set("username", identity)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
