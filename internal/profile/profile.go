// Package profile maintains rolling per-attacker behavioral profiles. The
// Aggregator is the sole writer: every profile mutation flows through a
// per-IP serialized read-modify-write.
package profile

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/honeynet/internal/session"
)

// automationVarianceThreshold is the inter-command gap variance (seconds
// squared) below which a session looks machine-driven.
const automationVarianceThreshold = 1.0

// minCommandsForVariance is the minimum command count before timing
// variance means anything.
const minCommandsForVariance = 3

// sequenceHistorySize bounds the remembered command-sequence fingerprints
// used to spot scripted sessions repeating across time.
const sequenceHistorySize = 16

// FreqEntry is one value in a bounded frequency-ranked set.
type FreqEntry struct {
	Value    string    `json:"value"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// Profile is the rolling aggregate for one source IP.
type Profile struct {
	IPAddress             string      `json:"ip_address"`
	TotalSessions         int         `json:"total_sessions"`
	TotalCommands         int         `json:"total_commands"`
	TotalMalwareDownloads int         `json:"total_malware_downloads"`
	FirstSeen             time.Time   `json:"first_seen"`
	LastSeen              time.Time   `json:"last_seen"`
	TargetedServices      []FreqEntry `json:"targeted_services,omitempty"`
	CommonUsernames       []FreqEntry `json:"common_usernames,omitempty"`
	CommonPasswords       []FreqEntry `json:"common_passwords,omitempty"`
	AvgThreatScore        float64     `json:"avg_threat_score"`
	MaxThreatScore        int         `json:"max_threat_score"`
	IsPersistent          bool        `json:"is_persistent"`
	IsAutomated           bool        `json:"is_automated"`

	// ActiveDays holds the distinct UTC days with activity, newest last.
	ActiveDays []string `json:"active_days,omitempty"`
	// SequenceHashes fingerprints recent session command sequences.
	SequenceHashes []string `json:"sequence_hashes,omitempty"`
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	c := *p
	c.TargetedServices = append([]FreqEntry(nil), p.TargetedServices...)
	c.CommonUsernames = append([]FreqEntry(nil), p.CommonUsernames...)
	c.CommonPasswords = append([]FreqEntry(nil), p.CommonPasswords...)
	c.ActiveDays = append([]string(nil), p.ActiveDays...)
	c.SequenceHashes = append([]string(nil), p.SequenceHashes...)
	return &c
}

// addFreq counts value into set, evicting on overflow. Eviction removes a
// lowest-frequency entry; on frequency ties the least-recently-seen entry
// goes, so the most-recently-seen survivor is preferred.
func addFreq(set []FreqEntry, value string, seen time.Time, limit int) []FreqEntry {
	if value == "" {
		return set
	}
	for i := range set {
		if set[i].Value == value {
			set[i].Count++
			if seen.After(set[i].LastSeen) {
				set[i].LastSeen = seen
			}
			return set
		}
	}
	if len(set) < limit {
		return append(set, FreqEntry{Value: value, Count: 1, LastSeen: seen})
	}

	victim := 0
	for i := 1; i < len(set); i++ {
		if set[i].Count < set[victim].Count ||
			(set[i].Count == set[victim].Count && set[i].LastSeen.Before(set[victim].LastSeen)) {
			victim = i
		}
	}
	set[victim] = FreqEntry{Value: value, Count: 1, LastSeen: seen}
	return set
}

// Ranked returns the set ordered by count descending, recency descending,
// then value ascending for determinism.
func Ranked(set []FreqEntry) []FreqEntry {
	out := append([]FreqEntry(nil), set...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// apply folds one closed session into the profile.
func (p *Profile) apply(s *session.Session, topN int) {
	end := s.LastEventTime
	if s.EndTime != nil {
		end = *s.EndTime
	}

	if p.TotalSessions == 0 || s.StartTime.Before(p.FirstSeen) {
		p.FirstSeen = s.StartTime
	}
	if end.After(p.LastSeen) {
		p.LastSeen = end
	}

	// Running mean over session scores; order of arrival does not matter.
	p.AvgThreatScore = (p.AvgThreatScore*float64(p.TotalSessions) + float64(s.ThreatScore)) / float64(p.TotalSessions+1)
	p.TotalSessions++
	if s.ThreatScore > p.MaxThreatScore {
		p.MaxThreatScore = s.ThreatScore
	}

	p.TotalCommands += len(s.Commands)
	p.TotalMalwareDownloads += len(s.Downloads)

	service := s.Key.Protocol
	if service == "" {
		service = string(s.Key.Sensor)
	}
	p.TargetedServices = addFreq(p.TargetedServices, service, end, topN)
	for _, a := range s.AuthAttempts {
		p.CommonUsernames = addFreq(p.CommonUsernames, a.Username, a.Timestamp, topN)
		p.CommonPasswords = addFreq(p.CommonPasswords, a.Password, a.Timestamp, topN)
	}

	p.recordDays(s.StartTime, end)
	p.IsPersistent = len(p.ActiveDays) >= 2

	if sessionLooksAutomated(s) || p.recordSequence(s) {
		p.IsAutomated = true
	}
}

func (p *Profile) recordDays(times ...time.Time) {
	for _, t := range times {
		day := t.UTC().Format("2006-01-02")
		found := false
		for _, d := range p.ActiveDays {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			p.ActiveDays = append(p.ActiveDays, day)
			sort.Strings(p.ActiveDays)
		}
	}
}

// recordSequence fingerprints the session's command sequence and reports
// whether an identical sequence was seen in an earlier session.
func (p *Profile) recordSequence(s *session.Session) bool {
	if len(s.Commands) < 2 {
		return false
	}
	h := fnv.New64a()
	for _, c := range s.Commands {
		h.Write([]byte(strings.TrimSpace(c.Command)))
		h.Write([]byte{0})
	}
	sum := fmt.Sprintf("%016x", h.Sum64())

	for _, prev := range p.SequenceHashes {
		if prev == sum {
			return true
		}
	}
	p.SequenceHashes = append(p.SequenceHashes, sum)
	if len(p.SequenceHashes) > sequenceHistorySize {
		p.SequenceHashes = p.SequenceHashes[len(p.SequenceHashes)-sequenceHistorySize:]
	}
	return false
}

// sessionLooksAutomated reports whether command timing within the session
// is too regular for a human.
func sessionLooksAutomated(s *session.Session) bool {
	if len(s.Commands) < minCommandsForVariance {
		return false
	}
	var gaps []float64
	for i := 1; i < len(s.Commands); i++ {
		gaps = append(gaps, s.Commands[i].Timestamp.Sub(s.Commands[i-1].Timestamp).Seconds())
	}
	mean := 0.0
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))

	variance := 0.0
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))

	return variance < automationVarianceThreshold
}
