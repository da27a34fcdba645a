// Package store provides the persistence adapters behind the pipeline's
// minimal store interfaces: an in-memory implementation for development
// and tests, and a Redis implementation for deployment. Both hand out
// snapshots, never shared mutable records.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lvonguyen/honeynet/internal/profile"
	"github.com/lvonguyen/honeynet/internal/session"
)

// Memory is an in-memory store. Each Put stores a deep copy and each read
// returns one, matching the single-record atomicity the pipeline assumes.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	open     map[session.Key]string // key -> open session id
	alerts   map[string][]session.AlertRecord
	profiles map[string]*profile.Profile
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*session.Session),
		open:     make(map[session.Key]string),
		alerts:   make(map[string][]session.AlertRecord),
		profiles: make(map[string]*profile.Profile),
	}
}

// GetOpenSession returns the open session for key, or (nil, nil).
func (m *Memory) GetOpenSession(ctx context.Context, key session.Key) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.open[key]
	if !ok {
		return nil, nil
	}
	return m.sessions[id].Clone(), nil
}

// PutSession upserts a session and maintains the open-session index.
func (m *Memory) PutSession(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = s.Clone()
	if s.Closed() {
		if m.open[s.Key] == s.ID {
			delete(m.open, s.Key)
		}
	} else {
		m.open[s.Key] = s.ID
	}
	return nil
}

// ListOpenSessions returns all open sessions.
func (m *Memory) ListOpenSessions(ctx context.Context) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*session.Session, 0, len(m.open))
	for _, id := range m.open {
		out = append(out, m.sessions[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// ListOpenSessionsByIP returns the open sessions for one source IP.
func (m *Memory) ListOpenSessionsByIP(ctx context.Context, ip string) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*session.Session
	for key, id := range m.open {
		if key.SourceIP == ip {
			out = append(out, m.sessions[id].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// PutAlert records an IDS alert in the per-IP index.
func (m *Memory) PutAlert(ctx context.Context, ip string, a session.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[ip] = append(m.alerts[ip], a)
	return nil
}

// ListAlertsByIP returns the IDS alerts for ip with timestamps in
// [start, end], oldest first.
func (m *Memory) ListAlertsByIP(ctx context.Context, ip string, start, end time.Time) ([]session.AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []session.AlertRecord
	for _, a := range m.alerts[ip] {
		if !a.Timestamp.Before(start) && !a.Timestamp.After(end) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ListSessions returns sessions with StartTime in [start, end), ordered by
// start time.
func (m *Memory) ListSessions(ctx context.Context, start, end time.Time) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*session.Session
	for _, s := range m.sessions {
		if !s.StartTime.Before(start) && s.StartTime.Before(end) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// ListSessionsByIP returns sessions for one source IP with StartTime in
// [start, end), newest first.
func (m *Memory) ListSessionsByIP(ctx context.Context, ip string, start, end time.Time) ([]*session.Session, error) {
	all, err := m.ListSessions(ctx, start, end)
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
func (m *Memory) GetProfile(ctx context.Context, ip string) (*profile.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[ip]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// PutProfile upserts a profile.
func (m *Memory) PutProfile(ctx context.Context, p *profile.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.IPAddress] = p.Clone()
	return nil
}
