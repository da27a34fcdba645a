package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/honeynet/internal/profile"
	"github.com/lvonguyen/honeynet/internal/session"
)

const (
	sessionKeyPrefix = "session:"
	openKeyPrefix    = "session:open:"
	sessionIndexKey  = "sessions:index"
	alertKeyPrefix   = "alerts:"
	profileKeyPrefix = "profile:"
)

// alertRetention bounds the per-IP alert index. Cross-sensor adoption only
// looks back one inactivity window, so a day is generous.
const alertRetention = 24 * time.Hour

// Redis persists sessions and profiles in Redis. Sessions live as JSON
// under session:{id}, with session:open:{key} pointing at the open session
// for a correlation key and a sorted set indexing all sessions by start
// time for range queries.
type Redis struct {
	client *redis.Client
}

// RedisConfig holds connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	return &Redis{client: client}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Client exposes the underlying connection for components that share the
// same Redis, such as the API rate limiter.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// GetOpenSession returns the open session for key, or (nil, nil).
func (r *Redis) GetOpenSession(ctx context.Context, key session.Key) (*session.Session, error) {
	id, err := r.client.Get(ctx, openKeyPrefix+key.String()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading open session index: %w", err)
	}
	return r.getSession(ctx, id)
}

func (r *Redis) getSession(ctx context.Context, id string) (*session.Session, error) {
	raw, err := r.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var s session.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &s, nil
}

// PutSession upserts a session, its start-time index entry, and the
// open-session pointer for its key.
func (r *Redis) PutSession(ctx context.Context, s *session.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", s.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+s.ID, raw, 0)
	pipe.ZAdd(ctx, sessionIndexKey, redis.Z{
		Score:  float64(s.StartTime.UnixMilli()),
		Member: s.ID,
	})
	if s.Closed() {
		pipe.Del(ctx, openKeyPrefix+s.Key.String())
	} else {
		pipe.Set(ctx, openKeyPrefix+s.Key.String(), s.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing session %s: %w", s.ID, err)
	}
	return nil
}

// ListOpenSessions returns all open sessions.
func (r *Redis) ListOpenSessions(ctx context.Context) ([]*session.Session, error) {
	var out []*session.Session
	iter := r.client.Scan(ctx, 0, openKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading open session pointer: %w", err)
		}
		s, err := r.getSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil && !s.Closed() {
			out = append(out, s)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning open sessions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// ListOpenSessionsByIP returns the open sessions for one source IP. Open
// pointers are keyed by the session key string, which starts with the IP.
func (r *Redis) ListOpenSessionsByIP(ctx context.Context, ip string) ([]*session.Session, error) {
	var out []*session.Session
	iter := r.client.Scan(ctx, 0, openKeyPrefix+ip+"|*", 100).Iterator()
	for iter.Next(ctx) {
		id, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading open session pointer: %w", err)
		}
		s, err := r.getSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil && !s.Closed() {
			out = append(out, s)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning open sessions for %s: %w", ip, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// PutAlert records an IDS alert in the per-IP index, trimming entries
// older than the retention horizon.
func (r *Redis) PutAlert(ctx context.Context, ip string, a session.AlertRecord) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert for %s: %w", ip, err)
	}

	key := alertKeyPrefix + ip
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(a.Timestamp.UnixMilli()),
		Member: raw,
	})
	pipe.ZRemRangeByScore(ctx, key, "0",
		fmt.Sprintf("%d", a.Timestamp.Add(-alertRetention).UnixMilli()))
	pipe.Expire(ctx, key, alertRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing alert for %s: %w", ip, err)
	}
	return nil
}

// ListAlertsByIP returns the IDS alerts for ip with timestamps in
// [start, end], oldest first.
func (r *Redis) ListAlertsByIP(ctx context.Context, ip string, start, end time.Time) ([]session.AlertRecord, error) {
	raws, err := r.client.ZRangeByScore(ctx, alertKeyPrefix+ip, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", start.UnixMilli()),
		Max: fmt.Sprintf("%d", end.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("querying alerts for %s: %w", ip, err)
	}

	out := make([]session.AlertRecord, 0, len(raws))
	for _, raw := range raws {
		var a session.AlertRecord
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decoding alert for %s: %w", ip, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ListSessions returns sessions with StartTime in [start, end), ordered by
// start time.
func (r *Redis) ListSessions(ctx context.Context, start, end time.Time) ([]*session.Session, error) {
	ids, err := r.client.ZRangeByScore(ctx, sessionIndexKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", start.UnixMilli()),
		Max: fmt.Sprintf("(%d", end.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("querying session index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKeyPrefix + id
	}
	raws, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching sessions: %w", err)
	}

	out := make([]*session.Session, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue // index entry outlived its record
		}
		var s session.Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, fmt.Errorf("decoding indexed session: %w", err)
		}
		out = append(out, &s)
	}
	return out, nil
}

// ListSessionsByIP returns sessions for one source IP with StartTime in
// [start, end), newest first.
func (r *Redis) ListSessionsByIP(ctx context.Context, ip string, start, end time.Time) ([]*session.Session, error) {
	all, err := r.ListSessions(ctx, start, end)
	if err != nil {
		return nil, err
	}
	var out []*session.Session
	for _, s := range all {
		if s.Key.SourceIP == ip {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

// GetProfile returns the profile for ip, or (nil, nil).
func (r *Redis) GetProfile(ctx context.Context, ip string) (*profile.Profile, error) {
	raw, err := r.client.Get(ctx, profileKeyPrefix+ip).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile for %s: %w", ip, err)
	}
	var p profile.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding profile for %s: %w", ip, err)
	}
	return &p, nil
}

// PutProfile upserts a profile.
func (r *Redis) PutProfile(ctx context.Context, p *profile.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding profile for %s: %w", p.IPAddress, err)
	}
	if err := r.client.Set(ctx, profileKeyPrefix+p.IPAddress, raw, 0).Err(); err != nil {
		return fmt.Errorf("writing profile for %s: %w", p.IPAddress, err)
	}
	return nil
}
