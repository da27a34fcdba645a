// Package query serves the read side: timeline, top-attacker, geographic
// and stats rollups computed from stored sessions and profiles.
package query

import (
	"context"
	"sort"
	"time"

	"github.com/lvonguyen/honeynet/internal/profile"
	"github.com/lvonguyen/honeynet/internal/scoring"
	"github.com/lvonguyen/honeynet/internal/session"
)

// Store is the read surface the engine needs.
type Store interface {
	ListSessions(ctx context.Context, start, end time.Time) ([]*session.Session, error)
	ListSessionsByIP(ctx context.Context, ip string, start, end time.Time) ([]*session.Session, error)
	GetProfile(ctx context.Context, ip string) (*profile.Profile, error)
}

// Engine computes dashboard aggregations. All methods treat an empty range
// as a valid, empty result.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine creates a query engine.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// TimelineBucket is one hourly bucket of attack activity.
type TimelineBucket struct {
	Hour           time.Time `json:"hour"`
	AttackCount    int       `json:"attack_count"`
	AvgThreatScore float64   `json:"avg_threat_score"`
	UniqueIPs      int       `json:"unique_ips"`
	MaxScore       int       `json:"max_threat_score"`
}

// Timeline buckets session starts into hourly counts over the trailing
// window. Every bucket in the range is emitted, zero-filled, oldest first.
func (e *Engine) Timeline(ctx context.Context, hours int) ([]TimelineBucket, error) {
	if hours <= 0 {
		hours = 24
	}
	// Anchor to hour boundaries so the result always holds exactly
	// `hours` buckets; the newest bucket covers the in-progress hour.
	end := e.now().UTC().Truncate(time.Hour).Add(time.Hour)
	start := end.Add(-time.Duration(hours) * time.Hour)

	sessions, err := e.store.ListSessions(ctx, start, end)
	if err != nil {
		return nil, err
	}

	type bucketAcc struct {
		count    int
		scoreSum int
		ips      map[string]struct{}
		max      int
	}
	acc := make(map[time.Time]*bucketAcc)
	for _, s := range sessions {
		h := s.StartTime.UTC().Truncate(time.Hour)
		b, ok := acc[h]
		if !ok {
			b = &bucketAcc{ips: make(map[string]struct{})}
			acc[h] = b
		}
		b.count++
		b.scoreSum += s.ThreatScore
		b.ips[s.Key.SourceIP] = struct{}{}
		if s.ThreatScore > b.max {
			b.max = s.ThreatScore
		}
	}

	var out []TimelineBucket
	for h := start; h.Before(end); h = h.Add(time.Hour) {
		bucket := TimelineBucket{Hour: h}
		if b, ok := acc[h]; ok {
			bucket.AttackCount = b.count
			bucket.AvgThreatScore = float64(b.scoreSum) / float64(b.count)
			bucket.UniqueIPs = len(b.ips)
			bucket.MaxScore = b.max
		}
		out = append(out, bucket)
	}
	return out, nil
}

// Attacker is one row of the top-attackers ranking.
type Attacker struct {
	IPAddress      string     `json:"ip_address"`
	AttackCount    int        `json:"attack_count"`
	AvgThreatScore float64    `json:"avg_threat_score"`
	MaxThreatScore int        `json:"max_threat_score"`
	Country        string     `json:"country,omitempty"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
}

// TopAttackers ranks source IPs over the trailing window by attack count
// descending, then average score descending, then IP ascending.
func (e *Engine) TopAttackers(ctx context.Context, hours, limit int) ([]Attacker, error) {
	if hours <= 0 {
		hours = 24
	}
	if limit <= 0 {
		limit = 10
	}
	end := e.now().UTC()
	sessions, err := e.store.ListSessions(ctx, end.Add(-time.Duration(hours)*time.Hour), end)
	if err != nil {
		return nil, err
	}

	type ipAcc struct {
		count    int
		scoreSum int
		max      int
		country  string
		lastSeen time.Time
	}
	acc := make(map[string]*ipAcc)
	for _, s := range sessions {
		a, ok := acc[s.Key.SourceIP]
		if !ok {
			a = &ipAcc{}
			acc[s.Key.SourceIP] = a
		}
		a.count++
		a.scoreSum += s.ThreatScore
		if s.ThreatScore > a.max {
			a.max = s.ThreatScore
		}
		if s.Geo != nil && a.country == "" {
			a.country = s.Geo.CountryName
		}
		if s.LastEventTime.After(a.lastSeen) {
			a.lastSeen = s.LastEventTime
		}
	}

	out := make([]Attacker, 0, len(acc))
	for ip, a := range acc {
		last := a.lastSeen
		out = append(out, Attacker{
			IPAddress:      ip,
			AttackCount:    a.count,
			AvgThreatScore: float64(a.scoreSum) / float64(a.count),
			MaxThreatScore: a.max,
			Country:        a.country,
			LastSeen:       &last,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttackCount != out[j].AttackCount {
			return out[i].AttackCount > out[j].AttackCount
		}
		if out[i].AvgThreatScore != out[j].AvgThreatScore {
			return out[i].AvgThreatScore > out[j].AvgThreatScore
		}
		return out[i].IPAddress < out[j].IPAddress
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountryRollup is one country's aggregate over the rollup window.
type CountryRollup struct {
	CountryCode    string  `json:"country_code"`
	CountryName    string  `json:"country_name"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	AttackCount    int     `json:"attack_count"`
	AvgThreatScore float64 `json:"avg_threat_score"`
}

// GeographicRollup groups the trailing window's sessions by resolved
// country. Sessions without geolocation are skipped, not errors.
func (e *Engine) GeographicRollup(ctx context.Context, hours int) ([]CountryRollup, error) {
	if hours <= 0 {
		hours = 24
	}
	end := e.now().UTC()
	sessions, err := e.store.ListSessions(ctx, end.Add(-time.Duration(hours)*time.Hour), end)
	if err != nil {
		return nil, err
	}

	type countryAcc struct {
		name     string
		lat, lon float64
		count    int
		scoreSum int
	}
	acc := make(map[string]*countryAcc)
	for _, s := range sessions {
		if s.Geo == nil || s.Geo.CountryCode == "" {
			continue
		}
		c, ok := acc[s.Geo.CountryCode]
		if !ok {
			c = &countryAcc{name: s.Geo.CountryName, lat: s.Geo.Lat, lon: s.Geo.Lon}
			acc[s.Geo.CountryCode] = c
		}
		c.count++
		c.scoreSum += s.ThreatScore
	}

	out := make([]CountryRollup, 0, len(acc))
	for code, c := range acc {
		out = append(out, CountryRollup{
			CountryCode:    code,
			CountryName:    c.name,
			Lat:            c.lat,
			Lon:            c.lon,
			AttackCount:    c.count,
			AvgThreatScore: float64(c.scoreSum) / float64(c.count),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttackCount != out[j].AttackCount {
			return out[i].AttackCount > out[j].AttackCount
		}
		return out[i].CountryCode < out[j].CountryCode
	})
	return out, nil
}

// Stats is the dashboard summary over the trailing 24 hours.
type Stats struct {
	WindowHours      int      `json:"window_hours"`
	TotalSessions    int      `json:"total_sessions"`
	UniqueIPs        int      `json:"unique_ips"`
	CriticalSessions int      `json:"critical_sessions"`
	HighSessions     int      `json:"high_sessions"`
	AvgThreatScore   float64  `json:"avg_threat_score"`
	TopCountries     []string `json:"top_countries,omitempty"`
	TopServices      []string `json:"top_services,omitempty"`
}

// DashboardStats summarizes the last 24 hours of activity.
func (e *Engine) DashboardStats(ctx context.Context) (*Stats, error) {
	const hours = 24
	end := e.now().UTC()
	sessions, err := e.store.ListSessions(ctx, end.Add(-hours*time.Hour), end)
	if err != nil {
		return nil, err
	}

	stats := &Stats{WindowHours: hours}
	ips := make(map[string]struct{})
	countries := make(map[string]int)
	services := make(map[string]int)
	scoreSum := 0
	for _, s := range sessions {
		stats.TotalSessions++
		ips[s.Key.SourceIP] = struct{}{}
		scoreSum += s.ThreatScore
		switch s.Severity {
		case scoring.SeverityCritical:
			stats.CriticalSessions++
		case scoring.SeverityHigh:
			stats.HighSessions++
		}
		if s.Geo != nil && s.Geo.CountryName != "" {
			countries[s.Geo.CountryName]++
		}
		service := s.Key.Protocol
		if service == "" {
			service = string(s.Key.Sensor)
		}
		services[service]++
	}
	stats.UniqueIPs = len(ips)
	if stats.TotalSessions > 0 {
		stats.AvgThreatScore = float64(scoreSum) / float64(stats.TotalSessions)
	}
	stats.TopCountries = topKeys(countries, 5)
	stats.TopServices = topKeys(services, 5)
	return stats, nil
}

func topKeys(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// RecentAttacks returns the newest sessions over the trailing 24 hours,
// optionally filtered to a minimum threat score.
func (e *Engine) RecentAttacks(ctx context.Context, limit, minScore int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	end := e.now().UTC()
	sessions, err := e.store.ListSessions(ctx, end.Add(-24*time.Hour), end)
	if err != nil {
		return nil, err
	}

	var out []*session.Session
	for _, s := range sessions {
		if s.ThreatScore >= minScore {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TechniqueCount is one observed ATT&CK technique with its session count.
type TechniqueCount struct {
	TechniqueID  string `json:"technique_id"`
	SessionCount int    `json:"session_count"`
}

// Techniques rolls up the distinct ATT&CK techniques observed over the
// trailing window, ordered by session count descending then id ascending.
func (e *Engine) Techniques(ctx context.Context, hours int) ([]TechniqueCount, error) {
	if hours <= 0 {
		hours = 24
	}
	end := e.now().UTC()
	sessions, err := e.store.ListSessions(ctx, end.Add(-time.Duration(hours)*time.Hour), end)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, s := range sessions {
		for _, t := range s.Techniques {
			counts[t]++
		}
	}
	out := make([]TechniqueCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, TechniqueCount{TechniqueID: id, SessionCount: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionCount != out[j].SessionCount {
			return out[i].SessionCount > out[j].SessionCount
		}
		return out[i].TechniqueID < out[j].TechniqueID
	})
	return out, nil
}

// AttackerDetail is the per-IP drill-down: profile, recent sessions and
// the reconstructed kill-chain phases.
type AttackerDetail struct {
	Profile      *profile.Profile   `json:"profile,omitempty"`
	Sessions     []*session.Session `json:"sessions"`
	AttackPhases []string           `json:"attack_phases,omitempty"`
}

// Attacker returns the detail view for one source IP over the trailing
// week. A missing profile is not an error; the IP may only have open
// sessions so far.
func (e *Engine) Attacker(ctx context.Context, ip string) (*AttackerDetail, error) {
	end := e.now().UTC()
	sessions, err := e.store.ListSessionsByIP(ctx, ip, end.Add(-7*24*time.Hour), end)
	if err != nil {
		return nil, err
	}
	p, err := e.store.GetProfile(ctx, ip)
	if err != nil {
		return nil, err
	}
	return &AttackerDetail{
		Profile:      p,
		Sessions:     sessions,
		AttackPhases: reconstructPhases(sessions),
	}, nil
}

// reconstructPhases derives kill-chain phases from observed tactics and
// session contents, in canonical chain order.
func reconstructPhases(sessions []*session.Session) []string {
	var recon, exploit, install, c2, actions bool
	for _, s := range sessions {
		for _, t := range s.Tactics {
			switch t {
			case "TA0043":
				recon = true
			case "TA0011":
				c2 = true
			case "TA0007", "TA0009", "TA0040":
				actions = true
			}
		}
		for _, a := range s.AuthAttempts {
			if a.Success {
				exploit = true
			}
		}
		if len(s.Downloads) > 0 {
			install = true
		}
	}

	var phases []string
	if recon {
		phases = append(phases, "Reconnaissance")
	}
	if exploit {
		phases = append(phases, "Exploitation")
	}
	if install {
		phases = append(phases, "Installation")
	}
	if c2 {
		phases = append(phases, "Command & Control")
	}
	if actions {
		phases = append(phases, "Actions on Objectives")
	}
	return phases
}
