package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/honeynet/internal/event"
	"github.com/lvonguyen/honeynet/internal/geo"
	"github.com/lvonguyen/honeynet/internal/mitre"
	"github.com/lvonguyen/honeynet/internal/observability"
	"github.com/lvonguyen/honeynet/internal/scoring"
)

type commandMapper func(string) (mitre.Mapping, bool)
type signatureMapper func(string, string) (mitre.Mapping, bool)

// Store is the persistence the correlator needs. A nil session with a nil
// error means no open session exists for the key. The alert index holds
// IDS alerts per source IP so honeypot sessions for the same IP can adopt
// their priorities.
type Store interface {
	GetOpenSession(ctx context.Context, key Key) (*Session, error)
	PutSession(ctx context.Context, s *Session) error
	ListOpenSessions(ctx context.Context) ([]*Session, error)
	ListOpenSessionsByIP(ctx context.Context, ip string) ([]*Session, error)
	PutAlert(ctx context.Context, ip string, a AlertRecord) error
	ListAlertsByIP(ctx context.Context, ip string, start, end time.Time) ([]AlertRecord, error)
}

// ProfileSink receives closed sessions for attacker profile aggregation.
type ProfileSink interface {
	ApplySessionClose(ctx context.Context, s *Session) error
}

// GeoResolver is the resolver surface the correlator uses: Peek for
// lock-friendly cache hits, Resolve for the async path.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (*geo.Location, error)
	Peek(ip string) (*geo.Location, bool)
}

// UpdateResult describes what Correlate did with an event.
type UpdateResult struct {
	SessionID    string `json:"session_id"`
	IsNewSession bool   `json:"is_new_session"`
	// ClosedSessionID is set when appending the event first closed a
	// stale session for the same key.
	ClosedSessionID string `json:"closed_session_id,omitempty"`
}

// Config holds correlator settings.
type Config struct {
	// InactivityWindow bounds the gap between consecutive events of one
	// session. The background sweep closes sessions idle past it; both
	// paths share this value.
	InactivityWindow time.Duration
}

// lockStripes bounds the key-lock table. Keys hash onto a fixed stripe
// set, so lock memory stays constant no matter how many attacker IPs the
// process ever sees.
const lockStripes = 256

// Correlator folds events into sessions. Per-key state is serialized by a
// striped mutex; events for distinct keys proceed in parallel unless they
// collide on a stripe.
type Correlator struct {
	store    Store
	profiles ProfileSink
	resolver GeoResolver
	window   time.Duration
	log      *zap.Logger
	metrics  *observability.Metrics

	locks [lockStripes]sync.Mutex
}

// NewCorrelator creates a correlator.
func NewCorrelator(store Store, profiles ProfileSink, resolver GeoResolver, cfg Config, log *zap.Logger, metrics *observability.Metrics) *Correlator {
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = 300 * time.Second
	}
	return &Correlator{
		store:    store,
		profiles: profiles,
		resolver: resolver,
		window:   cfg.InactivityWindow,
		log:      log,
		metrics:  metrics,
	}
}

// keyLock returns the stripe mutex serializing one session key.
func (c *Correlator) keyLock(key Key) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return &c.locks[h.Sum32()%lockStripes]
}

// Correlate appends the event to the open session for its key, or closes
// the stale one and opens a new session. IDS alerts additionally fold
// into open honeypot sessions sharing the source IP and time window.
// Correlation never fails on valid input; geolocation failures leave geo
// unset and are retried lazily.
func (c *Correlator) Correlate(ctx context.Context, ev *event.AttackEvent) (UpdateResult, error) {
	result, err := c.correlate(ctx, ev)
	if err != nil {
		return result, err
	}

	if ev.Kind == event.KindIDSAlert {
		if err := c.crossCorrelateAlert(ctx, ev); err != nil {
			c.log.Warn("cross-sensor alert correlation failed",
				zap.String("ip", ev.SourceIP),
				zap.Error(err))
		}
	}

	return result, nil
}

func (c *Correlator) correlate(ctx context.Context, ev *event.AttackEvent) (UpdateResult, error) {
	key := KeyForEvent(ev)
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	var result UpdateResult

	cur, err := c.store.GetOpenSession(ctx, key)
	if err != nil {
		return result, err
	}

	if cur != nil && ev.Timestamp.Sub(cur.LastEventTime) > c.window {
		// The gap exceeds the inactivity window, so this event belongs to
		// a new generation of the key.
		if err := c.closeLocked(ctx, cur); err != nil {
			return result, err
		}
		result.ClosedSessionID = cur.ID
		cur = nil
	}

	if cur == nil {
		cur = &Session{
			ID:            uuid.NewString(),
			Key:           key,
			StartTime:     ev.Timestamp,
			LastEventTime: ev.Timestamp,
			Severity:      scoring.SeverityLow,
		}
		result.IsNewSession = true
		if c.metrics != nil {
			c.metrics.SessionsOpened.Inc()
		}
	}
	result.SessionID = cur.ID

	cur.apply(ev, mitre.MapCommand, mitre.MapSignature)

	if result.IsNewSession && key.Sensor != event.SensorIDS {
		c.adoptRecentAlerts(ctx, cur, ev.Timestamp)
	}

	needsGeo := cur.Geo == nil
	if needsGeo {
		if loc, ok := c.resolverPeek(key.SourceIP); ok {
			cur.Geo = loc
			needsGeo = false
		}
	}

	if err := c.store.PutSession(ctx, cur); err != nil {
		return result, err
	}

	if needsGeo && c.resolver != nil {
		// Resolution may block on network I/O and must not hold the key
		// lock; the session stays usable with geo unset in the interim.
		go c.attachGeo(key, cur.ID)
	}

	return result, nil
}

// adoptRecentAlerts attaches IDS alerts for the session's source IP that
// fall inside the correlation window around the opening event, covering
// alerts that arrived before the honeypot session existed. Later alerts
// attach on arrival instead. The caller holds the key lock.
func (c *Correlator) adoptRecentAlerts(ctx context.Context, s *Session, at time.Time) {
	alerts, err := c.store.ListAlertsByIP(ctx, s.Key.SourceIP, at.Add(-c.window), at.Add(c.window))
	if err != nil {
		c.log.Warn("ids alert lookup failed",
			zap.String("ip", s.Key.SourceIP),
			zap.Error(err))
		return
	}
	for _, a := range alerts {
		if !s.hasAlert(a) {
			s.attachAlert(a)
		}
	}
}

// crossCorrelateAlert records an IDS alert in the per-IP index and folds
// it into every open honeypot session sharing the source IP and time
// window. The caller holds no key lock; each target session is updated
// under its own.
func (c *Correlator) crossCorrelateAlert(ctx context.Context, ev *event.AttackEvent) error {
	rec := AlertRecord{
		SignatureID: ev.Alert.SignatureID,
		Message:     ev.Alert.Message,
		Priority:    ev.Alert.Priority,
		Timestamp:   ev.Timestamp,
	}
	if err := c.store.PutAlert(ctx, ev.SourceIP, rec); err != nil {
		return err
	}

	open, err := c.store.ListOpenSessionsByIP(ctx, ev.SourceIP)
	if err != nil {
		return err
	}
	for _, candidate := range open {
		if candidate.Key.Sensor == event.SensorIDS {
			continue
		}
		lock := c.keyLock(candidate.Key)
		lock.Lock()
		cur, err := c.store.GetOpenSession(ctx, candidate.Key)
		if err == nil && cur != nil && cur.sharesWindow(rec.Timestamp, c.window) && !cur.hasAlert(rec) {
			cur.attachAlert(rec)
			if err := c.store.PutSession(ctx, cur); err != nil {
				c.log.Warn("failed to persist cross-sensor alert",
					zap.String("session_id", cur.ID),
					zap.Error(err))
			}
		}
		lock.Unlock()
	}
	return nil
}

func (c *Correlator) resolverPeek(ip string) (*geo.Location, bool) {
	if c.resolver == nil {
		return nil, false
	}
	return c.resolver.Peek(ip)
}

// attachGeo resolves the source IP outside the critical section and, if
// the session is still open, attaches the result under the key lock.
func (c *Correlator) attachGeo(key Key, sessionID string) {
	ctx := context.Background()

	loc, err := c.resolver.Resolve(ctx, key.SourceIP)
	if err != nil {
		if c.metrics != nil {
			c.metrics.GeoLookups.WithLabelValues("error").Inc()
		}
		c.log.Debug("geo lookup failed",
			zap.String("ip", key.SourceIP),
			zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.GeoLookups.WithLabelValues("ok").Inc()
	}

	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	cur, err := c.store.GetOpenSession(ctx, key)
	if err != nil || cur == nil || cur.ID != sessionID || cur.Geo != nil {
		return
	}
	cur.Geo = loc
	if err := c.store.PutSession(ctx, cur); err != nil {
		c.log.Warn("failed to persist geo enrichment",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// closeLocked finalizes a session. The caller holds the key lock. Closing
// an already-closed session is a no-op, so replays cannot double-update
// profiles.
func (c *Correlator) closeLocked(ctx context.Context, s *Session) error {
	if s.Closed() {
		return nil
	}

	end := s.LastEventTime
	s.EndTime = &end
	s.ThreatScore, s.Severity = scoring.Score(s.signals())

	// One last cache-only chance to fill geo before the record freezes.
	if s.Geo == nil {
		if loc, ok := c.resolverPeek(s.Key.SourceIP); ok {
			s.Geo = loc
		}
	}

	if err := c.store.PutSession(ctx, s); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.SessionsClosed.Inc()
	}

	if c.profiles != nil {
		if err := c.profiles.ApplySessionClose(ctx, s); err != nil {
			// The session is already persisted; profile aggregation owns
			// its own retries and this close must not be rolled back.
			c.log.Error("profile update failed",
				zap.String("ip", s.Key.SourceIP),
				zap.String("session_id", s.ID),
				zap.Error(err))
		}
	}

	c.log.Info("session closed",
		zap.String("session_id", s.ID),
		zap.String("ip", s.Key.SourceIP),
		zap.Int("threat_score", s.ThreatScore),
		zap.String("severity", string(s.Severity)),
		zap.Int("event_count", s.EventCount))

	return nil
}

// CloseIdle closes every open session whose idle time exceeds the
// inactivity window as of now. It returns the number of sessions closed.
// It acquires each session's key lock, so it never races a late event.
func (c *Correlator) CloseIdle(ctx context.Context, now time.Time) (int, error) {
	open, err := c.store.ListOpenSessions(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, stale := range open {
		lock := c.keyLock(stale.Key)
		lock.Lock()
		// Re-read under the lock; a late event may have arrived.
		cur, err := c.store.GetOpenSession(ctx, stale.Key)
		if err == nil && cur != nil && now.Sub(cur.LastEventTime) > c.window {
			if err := c.closeLocked(ctx, cur); err != nil {
				c.log.Error("sweep close failed",
					zap.String("session_id", cur.ID),
					zap.Error(err))
			} else {
				closed++
			}
		}
		lock.Unlock()
	}
	return closed, nil
}

// RunSweeper closes idle sessions on a fixed interval until ctx ends.
func (c *Correlator) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n, err := c.CloseIdle(ctx, now)
			if err != nil {
				c.log.Error("inactivity sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				c.log.Debug("inactivity sweep", zap.Int("closed", n))
			}
		}
	}
}
