package emergency

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/async"
	"carelink-realtime/pkg/constants"
	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

var (
	ErrAlertInFlight = errors.New("an emergency alert is already in progress")
	ErrNotCounting   = errors.New("no alert countdown to cancel")
)

type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateCounting   State = "counting"
	StateCommitting State = "committing"
)

const InviteKind = "emergency_call"

type AlertAPI interface {
	InitiateAlert(ctx context.Context, userID string) (string, error)
	CancelAlert(ctx context.Context, alertID string) error
	CommitAlert(ctx context.Context, alertID string, req models.CommitRequest) error
	AlertReceivers(ctx context.Context, alertID string) ([]string, error)
}

type ConversationAPI interface {
	GetOrCreateConversation(ctx context.Context, req models.ConversationRequest) (models.ConversationResult, error)
	SendDirectMessage(ctx context.Context, req models.DirectMessageRequest) (string, error)
}

// CallStarter places a call on the hand-off conversation.
type CallStarter interface {
	Invite(conversationID, peer string, receivers []string, media string) (models.CallSession, error)
}

// Deps are the collaborators of a Controller. Locator and Calls may be nil.
type Deps struct {
	Alerts        AlertAPI
	Conversations ConversationAPI
	CurrentUser   func(ctx context.Context) (models.Profile, error)
	Recorder      Recorder
	Locator       LocationProvider
	Calls         CallStarter
}

type Options struct {
	CountdownSeconds    int
	LocationTimeout     time.Duration
	CollaboratorTimeout time.Duration
	Roles               []string
}

// Handoff describes the conversation opened with a receiver after commit.
// Receivers is the full list returned for the alert; Receiver is the one
// contacted.
type Handoff struct {
	AlertID        string
	Receivers      []string
	Receiver       string
	ConversationID string
	Fallback       bool
	CallStarted    bool
}

type Hooks struct {
	OnStateChange func(state State)
	OnCountdown   func(remaining int)
	OnCommitted   func(alert models.EmergencyAlert, err error)
	OnHandoff     func(handoff Handoff, err error)
}

// Controller runs at most one alert at a time through countdown, cancel or
// commit, and hand-off.
type Controller struct {
	deps    Deps
	opts    Options
	hooks   Hooks
	clock   clockwork.Clock
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	state         State
	gen           uint64
	alert         *models.EmergencyAlert
	user          models.Profile
	capture       Capture
	captureCancel context.CancelFunc
	stopCountdown chan struct{}

	wg sync.WaitGroup
}

func NewController(deps Deps, opts Options, hooks Hooks, clock clockwork.Clock, logger *logrus.Logger, metrics *metrics.Metrics) *Controller {
	if opts.CountdownSeconds <= 0 {
		opts.CountdownSeconds = constants.DefaultCountdownSeconds
	}
	if opts.LocationTimeout <= 0 {
		opts.LocationTimeout = constants.DefaultLocationTimeout
	}
	if opts.CollaboratorTimeout <= 0 {
		opts.CollaboratorTimeout = constants.DefaultCollaboratorTimeout
	}
	if len(opts.Roles) == 0 {
		opts.Roles = []string{"patient", "caregiver"}
	}
	if deps.Recorder == nil {
		deps.Recorder = NoRecorder{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Controller{
		deps:    deps,
		opts:    opts,
		hooks:   hooks,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		state:   StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the in-flight alert, if any.
func (c *Controller) Current() (models.EmergencyAlert, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alert == nil {
		return models.EmergencyAlert{}, false
	}
	return *c.alert, true
}

// Initiate creates an alert and starts the countdown and audio capture.
func (c *Controller) Initiate(ctx context.Context) (models.EmergencyAlert, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return models.EmergencyAlert{}, ErrAlertInFlight
	}
	c.state = StateInitiating
	c.mu.Unlock()
	c.notifyState(StateInitiating)

	user, alertID, err := c.create(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		c.notifyState(StateIdle)
		return models.EmergencyAlert{}, err
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.user = user
	c.alert = &models.EmergencyAlert{
		AlertID:     alertID,
		InitiatorID: user.ID,
		Status:      models.AlertInitiated,
	}
	c.state = StateCounting
	stop := make(chan struct{})
	c.stopCountdown = stop
	ticker := c.clock.NewTicker(time.Second)
	captureCtx, captureCancel := context.WithCancel(context.Background())
	c.captureCancel = captureCancel
	alert := *c.alert
	c.wg.Add(2)
	c.mu.Unlock()

	go c.countdown(gen, ticker, stop)
	go c.startCapture(captureCtx, gen)

	c.logger.WithFields(logrus.Fields{
		"alert_id":  alertID,
		"countdown": c.opts.CountdownSeconds,
	}).Warn("Emergency alert initiated")
	c.notifyState(StateCounting)
	if c.hooks.OnCountdown != nil {
		c.hooks.OnCountdown(c.opts.CountdownSeconds)
	}

	return alert, nil
}

func (c *Controller) create(ctx context.Context) (models.Profile, string, error) {
	if c.deps.CurrentUser == nil {
		return models.Profile{}, "", fmt.Errorf("resolve user: no identity source")
	}
	user, err := c.deps.CurrentUser(ctx)
	if err != nil {
		return models.Profile{}, "", fmt.Errorf("resolve user: %w", err)
	}

	alertID, err := c.deps.Alerts.InitiateAlert(ctx, user.ID)
	if err != nil {
		return models.Profile{}, "", fmt.Errorf("initiate alert: %w", err)
	}
	return user, alertID, nil
}

// Cancel aborts a counting alert. Capture is released whether or not it ever
// started.
func (c *Controller) Cancel(ctx context.Context) (models.EmergencyAlert, error) {
	c.mu.Lock()
	if c.state != StateCounting {
		c.mu.Unlock()
		return models.EmergencyAlert{}, ErrNotCounting
	}

	close(c.stopCountdown)
	c.stopCountdown = nil
	c.gen++
	capture := c.takeCaptureLocked()
	alert := *c.alert
	alert.Status = models.AlertCancelled
	c.alert = nil
	c.state = StateIdle
	c.mu.Unlock()

	if capture != nil {
		capture.Release()
	}

	cancelCtx, cancel := context.WithTimeout(ctx, c.opts.CollaboratorTimeout)
	defer cancel()
	if err := c.deps.Alerts.CancelAlert(cancelCtx, alert.AlertID); err != nil {
		c.logger.WithError(err).WithField("alert_id", alert.AlertID).Warn("Failed to notify server of cancelled alert")
	}

	c.metrics.AlertsTotal.WithLabelValues(string(models.AlertCancelled)).Inc()
	c.logger.WithField("alert_id", alert.AlertID).Info("Emergency alert cancelled")
	c.notifyState(StateIdle)
	return alert, nil
}

// Wait blocks until background countdown, commit and hand-off work is done.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels a counting alert and waits for background work.
func (c *Controller) Close(ctx context.Context) {
	if _, err := c.Cancel(ctx); err != nil && !errors.Is(err, ErrNotCounting) {
		c.logger.WithError(err).Warn("Failed to cancel alert on close")
	}
	c.Wait()
}

func (c *Controller) countdown(gen uint64, ticker clockwork.Ticker, stop chan struct{}) {
	defer c.wg.Done()
	defer ticker.Stop()

	remaining := c.opts.CountdownSeconds
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}

		c.mu.Lock()
		if c.gen != gen || c.state != StateCounting {
			c.mu.Unlock()
			return
		}
		remaining--
		c.mu.Unlock()

		if c.hooks.OnCountdown != nil {
			c.hooks.OnCountdown(remaining)
		}
		if remaining <= 0 {
			ticker.Stop()
			c.commit(gen)
			return
		}
	}
}

func (c *Controller) startCapture(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	capture, err := c.deps.Recorder.Start(ctx)

	c.mu.Lock()
	if c.gen != gen || c.state != StateCounting {
		c.mu.Unlock()
		if capture != nil {
			capture.Release()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.WithError(err).Warn("Audio capture unavailable, alert continues without audio")
		return
	}
	c.capture = capture
	c.mu.Unlock()
}

func (c *Controller) takeCaptureLocked() Capture {
	if c.captureCancel != nil {
		c.captureCancel()
		c.captureCancel = nil
	}
	capture := c.capture
	c.capture = nil
	return capture
}

func (c *Controller) commit(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateCounting {
		c.mu.Unlock()
		return
	}
	c.state = StateCommitting
	c.stopCountdown = nil
	capture := c.takeCaptureLocked()
	alert := *c.alert
	user := c.user
	c.mu.Unlock()
	c.notifyState(StateCommitting)

	start := c.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CollaboratorTimeout)
	defer cancel()

	alert.CapturedAudio = c.collectAudio(ctx, capture)
	alert.Location = c.locate(ctx)

	req := models.CommitRequest{Location: alert.Location}
	if len(alert.CapturedAudio) > 0 {
		req.AudioBase64 = base64.StdEncoding.EncodeToString(alert.CapturedAudio)
	}

	err := c.submit(ctx, alert.AlertID, req)
	if err != nil {
		alert.Status = models.AlertFailed
	} else {
		alert.Status = models.AlertCommitted
	}

	c.mu.Lock()
	c.alert = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.metrics.AlertCommitDuration.Observe(c.clock.Since(start).Seconds())
	c.metrics.AlertsTotal.WithLabelValues(string(alert.Status)).Inc()
	entry := c.logger.WithFields(logrus.Fields{
		"alert_id":  alert.AlertID,
		"status":    alert.Status,
		"has_audio": len(alert.CapturedAudio) > 0,
		"has_fix":   alert.Location != nil,
	})
	if err != nil {
		entry.WithError(err).Error("Emergency alert commit failed")
	} else {
		entry.Warn("Emergency alert committed")
	}

	c.notifyState(StateIdle)
	if c.hooks.OnCommitted != nil {
		c.hooks.OnCommitted(alert, err)
	}

	c.handoff(alert, user)
}

// submit calls the commit collaborator exactly once. A panic is reported as
// an error so cleanup still runs.
func (c *Controller) submit(ctx context.Context, alertID string, req models.CommitRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("commit alert: panic: %v", r)
		}
	}()

	if err := c.deps.Alerts.CommitAlert(ctx, alertID, req); err != nil {
		return fmt.Errorf("commit alert: %w", err)
	}
	return nil
}

func (c *Controller) collectAudio(ctx context.Context, capture Capture) []byte {
	if capture == nil {
		return nil
	}
	defer capture.Release()

	audio, err := capture.Stop(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to stop audio capture, committing without audio")
		return nil
	}
	return audio
}

func (c *Controller) locate(ctx context.Context) *models.GeoPoint {
	if c.deps.Locator == nil {
		return nil
	}

	point, err := async.FirstOf(ctx, c.clock, c.opts.LocationTimeout, c.deps.Locator.Locate)
	if err != nil {
		c.logger.WithError(err).Info("Location unavailable, committing without it")
		return nil
	}
	return &point
}

func (c *Controller) handoff(alert models.EmergencyAlert, user models.Profile) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CollaboratorTimeout)
	defer cancel()

	result, err := c.openChannel(ctx, alert, user)
	if err != nil {
		c.logger.WithError(err).WithField("alert_id", alert.AlertID).Warn("Emergency hand-off failed")
	} else {
		c.logger.WithFields(logrus.Fields{
			"alert_id":        alert.AlertID,
			"receiver":        result.Receiver,
			"conversation_id": result.ConversationID,
			"fallback":        result.Fallback,
		}).Info("Emergency hand-off complete")
	}

	if c.hooks.OnHandoff != nil {
		c.hooks.OnHandoff(result, err)
	}
}

func (c *Controller) openChannel(ctx context.Context, alert models.EmergencyAlert, user models.Profile) (Handoff, error) {
	result := Handoff{AlertID: alert.AlertID}

	receivers, err := c.deps.Alerts.AlertReceivers(ctx, alert.AlertID)
	if err != nil {
		return result, fmt.Errorf("fetch receivers: %w", err)
	}
	if len(receivers) == 0 {
		return result, fmt.Errorf("fetch receivers: alert %s has no receivers", alert.AlertID)
	}
	result.Receivers = receivers
	result.Receiver = receivers[0]

	self := user.Username
	if self == "" {
		self = user.ID
	}
	invite := models.EmergencyInvite{
		Kind:     InviteKind,
		AlertID:  alert.AlertID,
		From:     self,
		Location: alert.Location,
	}

	conv, err := c.deps.Conversations.GetOrCreateConversation(ctx, models.ConversationRequest{
		Participants:   []string{self, result.Receiver},
		InitialMessage: invite,
	})
	if err == nil && conv.ConversationID != "" {
		result.ConversationID = conv.ConversationID
	} else {
		if err == nil {
			err = errors.New("empty conversation id")
		}
		c.logger.WithError(err).WithField("alert_id", alert.AlertID).Warn("Get-or-create conversation failed, falling back to direct send")

		content, mErr := json.Marshal(invite)
		if mErr != nil {
			return result, fmt.Errorf("encode invite: %w", mErr)
		}
		convID, sendErr := c.deps.Conversations.SendDirectMessage(ctx, models.DirectMessageRequest{
			Sender:   self,
			Receiver: result.Receiver,
			Content:  string(content),
			Type:     InviteKind,
			Roles:    c.opts.Roles,
		})
		if sendErr != nil {
			return result, fmt.Errorf("fallback send: %w", sendErr)
		}
		result.ConversationID = convID
		result.Fallback = true
	}

	if c.deps.Calls != nil && result.ConversationID != "" {
		if _, err := c.deps.Calls.Invite(result.ConversationID, result.Receiver, nil, "audio"); err != nil {
			c.logger.WithError(err).WithField("conversation_id", result.ConversationID).Warn("Failed to start emergency call")
		} else {
			result.CallStarted = true
		}
	}

	return result, nil
}

func (c *Controller) notifyState(s State) {
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}
