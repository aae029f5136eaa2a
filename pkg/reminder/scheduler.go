package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/constants"
	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

type ScheduleSource interface {
	Medications(ctx context.Context) ([]models.MedicationEntry, error)
}

// Notifier presents one batch of due reminders. dismiss must be called once
// when the user acknowledges or closes the notification; it may be called
// from Show itself.
type Notifier interface {
	Show(ctx context.Context, batch []models.DueReminder, dismiss func(acknowledged bool))
}

type Options struct {
	PollInterval    time.Duration
	RefreshInterval time.Duration
	Location        *time.Location
}

type Scheduler struct {
	source   ScheduleSource
	store    Store
	local    *MemoryStore
	notifier Notifier
	opts     Options
	clock    clockwork.Clock
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	schedule   Schedule
	showing    bool
	evaluating bool
	lastShown  []models.DueReminder

	refreshCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewScheduler(source ScheduleSource, store Store, notifier Notifier, opts Options, clock clockwork.Clock, logger *logrus.Logger, metrics *metrics.Metrics) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.DefaultReminderPoll
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = constants.DefaultScheduleRefresh
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Scheduler{
		source:    source,
		store:     store,
		local:     NewMemoryStore(),
		notifier:  notifier,
		opts:      opts,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		schedule:  Schedule{},
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start loads the schedule and launches the refresh and poll loops. A failed
// initial load is logged; the refresh loop keeps trying.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.WithFields(logrus.Fields{
		"poll_interval":    s.opts.PollInterval,
		"refresh_interval": s.opts.RefreshInterval,
	}).Info("Starting reminder scheduler")

	if err := s.Refresh(ctx); err != nil {
		s.logger.WithError(err).Warn("Initial medication schedule load failed")
	}

	refreshTicker := s.clock.NewTicker(s.opts.RefreshInterval)
	pollTicker := s.clock.NewTicker(s.opts.PollInterval)

	s.wg.Add(2)
	go s.refreshLoop(ctx, refreshTicker)
	go s.pollLoop(ctx, pollTicker)
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// ScheduleChanged requests an immediate refresh. Repeated signals before the
// refresh runs collapse into one.
func (s *Scheduler) ScheduleChanged() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Schedule() Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

func (s *Scheduler) Showing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.showing
}

// Pending returns the batch currently showing, if any.
func (s *Scheduler) Pending() []models.DueReminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DueReminder(nil), s.lastShown...)
}

// Refresh replaces the schedule. On failure the previous schedule is kept.
func (s *Scheduler) Refresh(ctx context.Context) error {
	entries, err := s.source.Medications(ctx)
	if err != nil {
		return fmt.Errorf("failed to load medications: %w", err)
	}

	schedule := BuildSchedule(entries)
	s.mu.Lock()
	s.schedule = schedule
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"medications": len(schedule),
		"entries":     schedule.Entries(),
	}).Debug("Medication schedule refreshed")
	return nil
}

// Evaluate shows every reminder due this minute that has not fired today.
// It returns the batch size shown, or zero when nothing is due or the call
// was skipped because a batch is showing or another evaluation is running.
func (s *Scheduler) Evaluate(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.showing || s.evaluating {
		s.mu.Unlock()
		return 0, nil
	}
	s.evaluating = true
	schedule := s.schedule
	s.mu.Unlock()

	batch, err := s.collectDue(ctx, schedule)

	s.mu.Lock()
	s.evaluating = false
	if err != nil || len(batch) == 0 {
		s.mu.Unlock()
		return 0, err
	}
	s.showing = true
	s.lastShown = batch
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"count": len(batch),
		"time":  batch[0].Time,
	}).Info("Showing medication reminders")

	s.notifier.Show(ctx, batch, s.dismisser(batch))
	return len(batch), nil
}

func (s *Scheduler) collectDue(ctx context.Context, schedule Schedule) ([]models.DueReminder, error) {
	now := s.clock.Now().In(s.opts.Location)
	clock := now.Format(constants.ClockFormat)
	date := now.Format(constants.DateFormat)
	dueAt := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, s.opts.Location)

	var batch []models.DueReminder
	for _, name := range schedule.Due(clock) {
		r := models.DueReminder{Medication: name, Time: clock, Date: date, DueAt: dueAt}
		if fired, _ := s.local.IsFired(ctx, r); fired {
			continue
		}
		fired, err := s.store.IsFired(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("failed to check reminder %s: %w", RecordKey(r), err)
		}
		if !fired {
			batch = append(batch, r)
		}
	}
	return batch, nil
}

// dismisser records the batch as fired, then clears the showing flag. The
// in-process record is written first so a failing store still suppresses
// the batch for the rest of the day.
func (s *Scheduler) dismisser(batch []models.DueReminder) func(bool) {
	var once sync.Once
	return func(acknowledged bool) {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultCollaboratorTimeout)
			defer cancel()

			_ = s.local.MarkFired(ctx, batch)
			err := s.store.MarkFired(ctx, batch)

			s.mu.Lock()
			s.showing = false
			s.lastShown = nil
			s.mu.Unlock()

			s.metrics.RemindersFired.Add(float64(len(batch)))
			entry := s.logger.WithFields(logrus.Fields{
				"count":        len(batch),
				"acknowledged": acknowledged,
			})
			if err != nil {
				entry.WithError(err).Error("Failed to persist dismissed reminders, kept in process only")
				return
			}
			entry.Debug("Medication reminders dismissed")
		})
	}
}

func (s *Scheduler) refreshLoop(ctx context.Context, ticker clockwork.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.Chan():
		case <-s.refreshCh:
		}

		if err := s.Refresh(ctx); err != nil {
			s.logger.WithError(err).Warn("Medication schedule refresh failed, keeping previous schedule")
		}
	}
}

func (s *Scheduler) pollLoop(ctx context.Context, ticker clockwork.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			if _, err := s.Evaluate(ctx); err != nil {
				s.logger.WithError(err).Error("Reminder evaluation failed")
			}
		}
	}
}
