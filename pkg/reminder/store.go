package reminder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/constants"
	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

// Store remembers which (date, time, medication) reminders already fired.
type Store interface {
	IsFired(ctx context.Context, r models.DueReminder) (bool, error)
	MarkFired(ctx context.Context, batch []models.DueReminder) error
}

// RecordKey is the dedup key of one reminder occurrence.
func RecordKey(r models.DueReminder) string {
	return fmt.Sprintf("%s:%s:%s:%s", constants.ReminderKeyPrefix, r.Date, r.Time, r.Medication)
}

// MemoryStore keeps records in process. Records from earlier dates are
// pruned on each write.
type MemoryStore struct {
	mu    sync.Mutex
	fired map[string]string // key -> date
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fired: make(map[string]string)}
}

func (s *MemoryStore) IsFired(_ context.Context, r models.DueReminder) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fired[RecordKey(r)]
	return ok, nil
}

func (s *MemoryStore) MarkFired(_ context.Context, batch []models.DueReminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range batch {
		s.fired[RecordKey(r)] = r.Date
	}
	if len(batch) > 0 {
		today := batch[0].Date
		for k, date := range s.fired {
			if date < today {
				delete(s.fired, k)
			}
		}
	}
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fired)
}

// RedisStore shares records between client instances of the same user.
// Each record expires after ttl.
type RedisStore struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewRedisStore namespaces keys under scope, typically the username.
func NewRedisStore(rdb *redis.Client, scope string, logger *logrus.Logger, metrics *metrics.Metrics) *RedisStore {
	prefix := ""
	if scope != "" {
		prefix = strings.TrimSuffix(scope, ":") + ":"
	}
	return &RedisStore{
		rdb:     rdb,
		prefix:  prefix,
		ttl:     constants.ReminderRecordTTL,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *RedisStore) key(r models.DueReminder) string {
	return s.prefix + RecordKey(r)
}

func (s *RedisStore) IsFired(ctx context.Context, r models.DueReminder) (bool, error) {
	start := time.Now()
	defer func() {
		s.metrics.ReminderStoreDuration.WithLabelValues("is_fired").Observe(time.Since(start).Seconds())
	}()

	n, err := s.rdb.Exists(ctx, s.key(r)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check reminder record: %w", err)
	}
	return n > 0, nil
}

// MarkFired writes every record of the batch in one pipeline. SET NX keeps the
// first writer's TTL.
func (s *RedisStore) MarkFired(ctx context.Context, batch []models.DueReminder) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		s.metrics.ReminderStoreDuration.WithLabelValues("mark_fired").Observe(time.Since(start).Seconds())
	}()

	pipe := s.rdb.Pipeline()
	for _, r := range batch {
		pipe.SetNX(ctx, s.key(r), r.DueAt.Unix(), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("batch_size", len(batch)).Error("Failed to mark reminders fired")
		return fmt.Errorf("failed to mark reminders fired: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"batch_size": len(batch),
		"date":       batch[0].Date,
		"time":       batch[0].Time,
	}).Debug("Marked reminders fired")

	return nil
}
