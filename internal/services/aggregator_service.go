package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"broker-api/internal/logger"
	"broker-api/internal/metrics"
	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/repository"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// maxMemoEntries triggers a sweep of entries from past buckets.
	maxMemoEntries = 10000
	// computeTimeout bounds a shared computation, which outlives the
	// request that started it.
	computeTimeout = 30 * time.Second

	statsKeyPrefix = "broker:stats:"
)

// StatsQuery selects the events of one type inside the named windows. A zero
// Now means the current time.
type StatsQuery struct {
	Type       models.InstanceType
	Windows    []string
	UserID     string
	InstanceID string
	Now        time.Time
}

// AggregatorService serves rolling-window usage statistics. Results are
// memoized per query for one bucket of the configured granularity, so they
// may lag by up to that much; SumFresh always reads the store.
type AggregatorService interface {
	Sum(ctx context.Context, q StatsQuery) ([]models.WindowStats, error)
	SumFresh(ctx context.Context, q StatsQuery) ([]models.WindowStats, error)
	GroupByModel(ctx context.Context, q StatsQuery) ([]models.WindowGroups, error)
	GroupByAccount(ctx context.Context, q StatsQuery) ([]models.WindowGroups, error)
	// Flush drops every memoized result, locally and in the shared tier,
	// so the next lookup reads the store.
	Flush(ctx context.Context) error
}

type aggregatorService struct {
	repo        repository.UsageStatsRepository
	cache       CacheService
	granularity time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	entries map[memoKey]memoEntry
	flight  singleflight.Group
}

// NewAggregatorService builds the aggregator. cache may be nil, in which case
// only the in-process memo is used.
func NewAggregatorService(repo repository.UsageStatsRepository, cache CacheService, granularity time.Duration) AggregatorService {
	if granularity <= 0 {
		granularity = time.Minute
	}
	return &aggregatorService{
		repo:        repo,
		cache:       cache,
		granularity: granularity,
		now:         time.Now,
		entries:     make(map[memoKey]memoEntry),
	}
}

func (s *aggregatorService) Sum(ctx context.Context, q StatsQuery) ([]models.WindowStats, error) {
	key, err := computeKey(kindSum, q)
	if err != nil {
		return nil, err
	}
	bucket := s.bucket(q.Now)

	v, err := s.memoize(ctx, key, bucket,
		func(ctx context.Context) (interface{}, error) { return s.computeSums(ctx, key, bucket) },
		func(raw string) (interface{}, error) {
			var out []models.WindowStats
			err := json.Unmarshal([]byte(raw), &out)
			return out, err
		})
	if err != nil {
		return nil, err
	}
	return v.([]models.WindowStats), nil
}

func (s *aggregatorService) SumFresh(ctx context.Context, q StatsQuery) ([]models.WindowStats, error) {
	key, err := computeKey(kindSum, q)
	if err != nil {
		return nil, err
	}
	now := q.Now
	if now.IsZero() {
		now = s.now()
	}
	metrics.AggregatorLookups.WithLabelValues(string(kindSum), metrics.ResultBypass).Inc()
	return s.computeSums(ctx, key, now.UTC())
}

func (s *aggregatorService) GroupByModel(ctx context.Context, q StatsQuery) ([]models.WindowGroups, error) {
	return s.group(ctx, kindGroupModel, repository.GroupByModel, q)
}

func (s *aggregatorService) GroupByAccount(ctx context.Context, q StatsQuery) ([]models.WindowGroups, error) {
	return s.group(ctx, kindGroupAccount, repository.GroupByAccount, q)
}

func (s *aggregatorService) group(ctx context.Context, kind statsKind, groupBy repository.GroupBy, q StatsQuery) ([]models.WindowGroups, error) {
	key, err := computeKey(kind, q)
	if err != nil {
		return nil, err
	}
	bucket := s.bucket(q.Now)

	v, err := s.memoize(ctx, key, bucket,
		func(ctx context.Context) (interface{}, error) { return s.computeGroups(ctx, key, groupBy, bucket) },
		func(raw string) (interface{}, error) {
			var out []models.WindowGroups
			err := json.Unmarshal([]byte(raw), &out)
			return out, err
		})
	if err != nil {
		return nil, err
	}
	return v.([]models.WindowGroups), nil
}

func (s *aggregatorService) bucket(now time.Time) time.Time {
	if now.IsZero() {
		now = s.now()
	}
	return AlignNow(now, s.granularity)
}

// memoize returns the value cached for (key, bucket), computing it at most
// once per process for concurrent callers. The Redis tier, when present, is
// consulted before compute and filled after it. The shared computation is
// detached from any single caller's cancellation; each caller stops waiting
// when its own ctx is done.
func (s *aggregatorService) memoize(
	ctx context.Context,
	key memoKey,
	bucket time.Time,
	compute func(ctx context.Context) (interface{}, error),
	decode func(string) (interface{}, error),
) (interface{}, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && !isStale(entry, bucket) {
		metrics.AggregatorLookups.WithLabelValues(string(key.Kind), metrics.ResultHit).Inc()
		return entry.value, nil
	}

	flightKey := fmt.Sprintf("%s@%d", key.String(), bucket.Unix())
	ch := s.flight.DoChan(flightKey, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()

		s.mu.RLock()
		entry, ok := s.entries[key]
		s.mu.RUnlock()
		if ok && !isStale(entry, bucket) {
			metrics.AggregatorLookups.WithLabelValues(string(key.Kind), metrics.ResultHit).Inc()
			return entry.value, nil
		}

		redisKey := s.redisKey(key, bucket)
		if value, hit := s.fromRedis(ctx, redisKey, decode); hit {
			metrics.AggregatorLookups.WithLabelValues(string(key.Kind), metrics.ResultRedisHit).Inc()
			s.store(key, bucket, value)
			return value, nil
		}

		metrics.AggregatorLookups.WithLabelValues(string(key.Kind), metrics.ResultMiss).Inc()
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		s.store(key, bucket, value)
		s.toRedis(ctx, redisKey, value)
		return value, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *aggregatorService) Flush(ctx context.Context) error {
	s.mu.Lock()
	dropped := len(s.entries)
	s.entries = make(map[memoKey]memoEntry)
	s.mu.Unlock()

	logger.LogEvent(logrus.InfoLevel, "Stats memo flushed", logrus.Fields{"entries": dropped})
	if s.cache == nil {
		return nil
	}
	return s.cache.DeleteByPattern(ctx, statsKeyPrefix+"*")
}

// store keeps value unless a newer bucket is already cached for key.
func (s *aggregatorService) store(key memoKey, bucket time.Time, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.entries[key]; ok && current.bucket.After(bucket) {
		return
	}
	s.entries[key] = memoEntry{bucket: bucket, value: value}

	if len(s.entries) > maxMemoEntries {
		for k, e := range s.entries {
			if e.bucket.Before(bucket) {
				delete(s.entries, k)
			}
		}
	}
}

func (s *aggregatorService) redisKey(key memoKey, bucket time.Time) string {
	return fmt.Sprintf("%s%s:%d", statsKeyPrefix, key.String(), bucket.Unix())
}

func (s *aggregatorService) fromRedis(ctx context.Context, redisKey string, decode func(string) (interface{}, error)) (interface{}, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, redisKey)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			logger.Logger.WithFields(logrus.Fields{"error": err, "key": redisKey}).Warn("Stats cache read failed")
		}
		return nil, false
	}
	value, err := decode(raw)
	if err != nil {
		logger.Logger.WithFields(logrus.Fields{"error": err, "key": redisKey}).Warn("Discarding malformed stats cache entry")
		return nil, false
	}
	return value, true
}

func (s *aggregatorService) toRedis(ctx context.Context, redisKey string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, redisKey, value, 2*s.granularity); err != nil {
		logger.Logger.WithFields(logrus.Fields{"error": err, "key": redisKey}).Warn("Stats cache write failed")
	}
}

func (s *aggregatorService) computeSums(ctx context.Context, key memoKey, now time.Time) ([]models.WindowStats, error) {
	sumFields := key.Type.SumFields()
	windows := key.windows()
	out := make([]models.WindowStats, 0, len(windows))

	for _, name := range windows {
		d, _ := ResolveWindow(name)
		stats, err := s.repo.Summarize(ctx, filterFor(key, now.Add(-d)), sumFields)
		if err != nil {
			return nil, err
		}
		stats.Window = name
		out = append(out, *stats)
	}
	return out, nil
}

func (s *aggregatorService) computeGroups(ctx context.Context, key memoKey, groupBy repository.GroupBy, now time.Time) ([]models.WindowGroups, error) {
	sumFields := key.Type.SumFields()
	windows := key.windows()
	out := make([]models.WindowGroups, 0, len(windows))

	for _, name := range windows {
		d, _ := ResolveWindow(name)
		groups, err := s.repo.Group(ctx, filterFor(key, now.Add(-d)), groupBy, sumFields)
		if err != nil {
			return nil, err
		}
		out = append(out, models.WindowGroups{Window: name, Groups: groups})
	}
	return out, nil
}

func filterFor(key memoKey, since time.Time) repository.UsageFilter {
	return repository.UsageFilter{
		Type:       key.Type,
		UserID:     key.UserID,
		InstanceID: key.InstanceID,
		Since:      since,
	}
}
