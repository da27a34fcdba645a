// Package session correlates normalized attack events into attack
// sessions, the unit everything downstream scores, profiles and queries.
package session

import (
	"fmt"
	"time"

	"github.com/lvonguyen/honeynet/internal/event"
	"github.com/lvonguyen/honeynet/internal/geo"
	"github.com/lvonguyen/honeynet/internal/scoring"
)

// Key identifies the correlation target: one source against one sensor
// and protocol. Sessions are generation-scoped, so a key maps to at most
// one open session at a time.
type Key struct {
	SourceIP string           `json:"source_ip"`
	Sensor   event.SensorType `json:"sensor_type"`
	Protocol string           `json:"protocol"`
}

// KeyForEvent derives the session key from an event.
func KeyForEvent(ev *event.AttackEvent) Key {
	return Key{SourceIP: ev.SourceIP, Sensor: ev.Sensor, Protocol: ev.Protocol}
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.SourceIP, k.Sensor, k.Protocol)
}

// AuthAttempt is one recorded authentication attempt.
type AuthAttempt struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandRecord is one recorded command with its ATT&CK resolution, if any.
type CommandRecord struct {
	Command     string    `json:"command"`
	Timestamp   time.Time `json:"timestamp"`
	TacticID    string    `json:"mitre_tactic,omitempty"`
	TechniqueID string    `json:"mitre_technique,omitempty"`
}

// AlertRecord is one IDS alert correlated into the session.
type AlertRecord struct {
	SignatureID string    `json:"signature_id"`
	Message     string    `json:"message"`
	Priority    int       `json:"priority"`
	Timestamp   time.Time `json:"timestamp"`
}

// Session is a correlated window of activity. EndTime is nil while the
// session is open; once closed the record is immutable.
type Session struct {
	ID            string           `json:"id"`
	Key           Key              `json:"key"`
	StartTime     time.Time        `json:"start_time"`
	EndTime       *time.Time       `json:"end_time,omitempty"`
	LastEventTime time.Time        `json:"last_event_time"`
	EventCount    int              `json:"event_count"`
	AuthAttempts  []AuthAttempt    `json:"auth_attempts,omitempty"`
	Commands      []CommandRecord  `json:"commands,omitempty"`
	Downloads     []string         `json:"download_hashes,omitempty"` // distinct artifact hashes (url when unhashed)
	Alerts        []AlertRecord    `json:"ids_alerts,omitempty"`
	ThreatScore   int              `json:"threat_score"`
	Severity      scoring.Severity `json:"severity"`
	Tactics       []string         `json:"mitre_tactics,omitempty"`    // dedup, first-seen order
	Techniques    []string         `json:"mitre_techniques,omitempty"` // dedup, first-seen order
	Geo           *geo.Location    `json:"geo,omitempty"`
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool { return s.EndTime != nil }

// apply folds one correlated event into the session. The caller holds the
// per-key lock.
func (s *Session) apply(ev *event.AttackEvent, mapCmd commandMapper, mapSig signatureMapper) {
	s.EventCount++
	// Out-of-order delivery appends without rewinding the idle clock.
	if ev.Timestamp.After(s.LastEventTime) {
		s.LastEventTime = ev.Timestamp
	}

	switch ev.Kind {
	case event.KindAuthAttempt:
		s.AuthAttempts = append(s.AuthAttempts, AuthAttempt{
			Username:  ev.Auth.Username,
			Password:  ev.Auth.Password,
			Success:   ev.Auth.Success,
			Timestamp: ev.Timestamp,
		})
	case event.KindCommand:
		rec := CommandRecord{Command: ev.Command.Command, Timestamp: ev.Timestamp}
		if m, ok := mapCmd(ev.Command.Command); ok {
			rec.TacticID = m.TacticID
			rec.TechniqueID = m.TechniqueID
			s.addMapping(m.TacticID, m.TechniqueID)
		}
		s.Commands = append(s.Commands, rec)
	case event.KindFileDownload:
		// Hashless downloads dedup on the URL so they still count.
		artifact := ev.Download.Hash
		if artifact == "" {
			artifact = ev.Download.URL
		}
		if artifact != "" && !contains(s.Downloads, artifact) {
			s.Downloads = append(s.Downloads, artifact)
		}
	case event.KindIDSAlert:
		s.Alerts = append(s.Alerts, AlertRecord{
			SignatureID: ev.Alert.SignatureID,
			Message:     ev.Alert.Message,
			Priority:    ev.Alert.Priority,
			Timestamp:   ev.Timestamp,
		})
		if m, ok := mapSig(ev.Alert.SignatureID, ev.Alert.Message); ok {
			s.addMapping(m.TacticID, m.TechniqueID)
		}
	}

	s.ThreatScore, s.Severity = scoring.Score(s.signals())
}

// attachAlert folds a cross-sensor IDS alert into the session and
// rescores. Unlike apply, it does not advance the event clock: the alert
// belongs to another sensor's feed and must not keep this session alive.
func (s *Session) attachAlert(a AlertRecord) {
	s.Alerts = append(s.Alerts, a)
	s.ThreatScore, s.Severity = scoring.Score(s.signals())
}

// hasAlert reports whether an identical alert is already attached, so a
// replayed delivery cannot double-count.
func (s *Session) hasAlert(a AlertRecord) bool {
	for _, cur := range s.Alerts {
		if cur.SignatureID == a.SignatureID && cur.Timestamp.Equal(a.Timestamp) {
			return true
		}
	}
	return false
}

// sharesWindow reports whether t falls within the session's activity
// span widened by the inactivity window on both sides.
func (s *Session) sharesWindow(t time.Time, window time.Duration) bool {
	return !t.Before(s.StartTime.Add(-window)) && !t.After(s.LastEventTime.Add(window))
}

func (s *Session) addMapping(tacticID, techniqueID string) {
	if !contains(s.Tactics, tacticID) {
		s.Tactics = append(s.Tactics, tacticID)
	}
	if !contains(s.Techniques, techniqueID) {
		s.Techniques = append(s.Techniques, techniqueID)
	}
}

// signals derives the scoring input from accumulated state.
func (s *Session) signals() scoring.Signals {
	sig := scoring.Signals{
		Tactics:        s.Tactics,
		DistinctHashes: len(s.Downloads),
	}
	for _, a := range s.AuthAttempts {
		if a.Success {
			sig.SuccessfulAuth = true
		} else {
			sig.FailedAuths++
		}
	}
	for _, alert := range s.Alerts {
		sig.AlertPriorities = append(sig.AlertPriorities, alert.Priority)
	}
	return sig
}

// Clone returns a deep copy, so stores can hand out snapshots that
// readers may inspect while the pipeline keeps mutating the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	c.AuthAttempts = append([]AuthAttempt(nil), s.AuthAttempts...)
	c.Commands = append([]CommandRecord(nil), s.Commands...)
	c.Downloads = append([]string(nil), s.Downloads...)
	c.Alerts = append([]AlertRecord(nil), s.Alerts...)
	c.Tactics = append([]string(nil), s.Tactics...)
	c.Techniques = append([]string(nil), s.Techniques...)
	if s.Geo != nil {
		g := *s.Geo
		c.Geo = &g
	}
	return &c
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
