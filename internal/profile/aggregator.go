package profile

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/honeynet/internal/observability"
	"github.com/lvonguyen/honeynet/internal/session"
)

// maxUpsertRetries bounds the fresh read-modify-write attempts on a store
// write conflict before the update is surfaced as an error.
const maxUpsertRetries = 3

// Store is the persistence the aggregator needs. GetProfile returns
// (nil, nil) when the IP has no profile yet.
type Store interface {
	GetProfile(ctx context.Context, ip string) (*Profile, error)
	PutProfile(ctx context.Context, p *Profile) error
}

// Config holds aggregator settings.
type Config struct {
	// TopN bounds the frequency-ranked sets kept per profile.
	TopN int
}

// lockStripes bounds the per-IP lock table. IPs hash onto a fixed stripe
// set, so lock memory stays constant over the process lifetime.
const lockStripes = 128

// Aggregator owns all writes to attacker profiles. Concurrent session
// closes for the same IP serialize on a striped mutex, so no two writers
// ever apply a stale read of the same profile.
type Aggregator struct {
	store   Store
	topN    int
	log     *zap.Logger
	metrics *observability.Metrics

	locks [lockStripes]sync.Mutex
}

// NewAggregator creates an aggregator.
func NewAggregator(store Store, cfg Config, log *zap.Logger, metrics *observability.Metrics) *Aggregator {
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	return &Aggregator{
		store:   store,
		topN:    cfg.TopN,
		log:     log,
		metrics: metrics,
	}
}

func (a *Aggregator) ipLock(ip string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return &a.locks[h.Sum32()%lockStripes]
}

// ApplySessionClose upserts the profile for the session's source IP. A
// store write conflict triggers a fresh read-modify-write, bounded by
// maxUpsertRetries; the closed session itself is already persisted and is
// not lost when retries are exhausted.
func (a *Aggregator) ApplySessionClose(ctx context.Context, s *session.Session) error {
	lock := a.ipLock(s.Key.SourceIP)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxUpsertRetries; attempt++ {
		p, err := a.store.GetProfile(ctx, s.Key.SourceIP)
		if err != nil {
			return fmt.Errorf("reading profile for %s: %w", s.Key.SourceIP, err)
		}
		if p == nil {
			p = &Profile{IPAddress: s.Key.SourceIP}
		}

		p.apply(s, a.topN)

		if err := a.store.PutProfile(ctx, p); err != nil {
			lastErr = err
			if a.metrics != nil {
				a.metrics.ProfileConflicts.Inc()
			}
			a.log.Warn("profile write conflict, retrying",
				zap.String("ip", s.Key.SourceIP),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if a.metrics != nil {
			a.metrics.ProfileUpdates.Inc()
		}
		return nil
	}

	return fmt.Errorf("profile upsert for %s exhausted %d retries: %w",
		s.Key.SourceIP, maxUpsertRetries, lastErr)
}
