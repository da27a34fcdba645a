// Package event defines the canonical attack event model shared by every
// stage of the pipeline. Raw sensor log formats are parsed upstream by the
// log-shipping pipeline; this package only validates and types the
// normalized shape it delivers.
package event

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"
)

// SensorType identifies the class of sensor that observed an event.
type SensorType string

const (
	SensorSSHHoneypot     SensorType = "ssh_honeypot"
	SensorServiceHoneypot SensorType = "service_honeypot"
	SensorIDS             SensorType = "ids"
)

// Valid reports whether s is a known sensor type.
func (s SensorType) Valid() bool {
	switch s {
	case SensorSSHHoneypot, SensorServiceHoneypot, SensorIDS:
		return true
	}
	return false
}

// Kind discriminates the event payload union.
type Kind string

const (
	KindAuthAttempt  Kind = "auth_attempt"
	KindCommand      Kind = "command"
	KindFileDownload Kind = "file_download"
	KindIDSAlert     Kind = "ids_alert"
)

// AuthPayload carries an authentication attempt observed by a honeypot.
type AuthPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Success  bool   `json:"success"`
}

// CommandPayload carries a shell command entered in a honeypot session.
type CommandPayload struct {
	Command string `json:"command"`
}

// DownloadPayload carries a file retrieved by the attacker.
type DownloadPayload struct {
	URL  string `json:"url"`
	Hash string `json:"hash"`
}

// AlertPayload carries an IDS alert.
type AlertPayload struct {
	SignatureID string `json:"signature_id"`
	Message     string `json:"message"`
	Priority    int    `json:"priority"`
}

// AttackEvent is one observed attacker action. Exactly one payload field is
// non-nil, selected by Kind. Events are immutable once normalized.
type AttackEvent struct {
	SourceIP   string     `json:"source_ip"`
	SourcePort int        `json:"source_port,omitempty"`
	DestIP     string     `json:"dest_ip,omitempty"`
	DestPort   int        `json:"dest_port,omitempty"`
	Sensor     SensorType `json:"sensor_type"`
	Protocol   string     `json:"protocol,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Kind       Kind       `json:"kind"`

	Auth     *AuthPayload     `json:"auth,omitempty"`
	Command  *CommandPayload  `json:"command,omitempty"`
	Download *DownloadPayload `json:"download,omitempty"`
	Alert    *AlertPayload    `json:"alert,omitempty"`
}

// NormalizationError reports an inbound record that failed the shape check.
// Such records are unrecoverable garbage: they are dropped and counted,
// never retried.
type NormalizationError struct {
	Reason string
}

func (e *NormalizationError) Error() string {
	return "normalization failed: " + e.Reason
}

func normErrf(format string, args ...any) error {
	return &NormalizationError{Reason: fmt.Sprintf(format, args...)}
}

// wireEvent is the inbound JSON shape produced by the log pipeline.
type wireEvent struct {
	SourceIP   string      `json:"source_ip"`
	SourcePort int         `json:"source_port"`
	DestIP     string      `json:"dest_ip"`
	DestPort   int         `json:"dest_port"`
	SensorType string      `json:"sensor_type"`
	Protocol   string      `json:"protocol"`
	Timestamp  string      `json:"timestamp"`
	Kind       string      `json:"kind"`
	Payload    wirePayload `json:"payload"`
}

// wirePayload is the superset of kind-specific payload fields.
type wirePayload struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Success     bool   `json:"success"`
	Command     string `json:"command"`
	URL         string `json:"url"`
	Hash        string `json:"hash"`
	SignatureID string `json:"signature_id"`
	Message     string `json:"message"`
	Priority    int    `json:"priority"`
}

// Normalize converts a raw inbound record into an AttackEvent. The sensor
// argument overrides the record's own sensor_type when non-empty, for feeds
// that carry the sensor out of band. Malformed records yield a
// *NormalizationError.
func Normalize(raw []byte, sensor SensorType) (*AttackEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, normErrf("invalid JSON: %v", err)
	}

	if sensor == "" {
		sensor = SensorType(w.SensorType)
	}
	if !sensor.Valid() {
		return nil, normErrf("unknown sensor_type %q", w.SensorType)
	}

	addr, err := netip.ParseAddr(w.SourceIP)
	if err != nil {
		return nil, normErrf("invalid source_ip %q", w.SourceIP)
	}

	if w.Timestamp == "" {
		return nil, normErrf("missing timestamp")
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return nil, normErrf("unparseable timestamp %q", w.Timestamp)
	}

	ev := &AttackEvent{
		SourceIP:   addr.String(),
		SourcePort: w.SourcePort,
		DestIP:     w.DestIP,
		DestPort:   w.DestPort,
		Sensor:     sensor,
		Protocol:   w.Protocol,
		Timestamp:  ts.UTC(),
		Kind:       Kind(w.Kind),
	}

	switch ev.Kind {
	case KindAuthAttempt:
		if w.Payload.Username == "" {
			return nil, normErrf("auth_attempt without username")
		}
		ev.Auth = &AuthPayload{
			Username: w.Payload.Username,
			Password: w.Payload.Password,
			Success:  w.Payload.Success,
		}
	case KindCommand:
		if w.Payload.Command == "" {
			return nil, normErrf("command event without command text")
		}
		ev.Command = &CommandPayload{Command: w.Payload.Command}
	case KindFileDownload:
		if w.Payload.URL == "" && w.Payload.Hash == "" {
			return nil, normErrf("file_download without url or hash")
		}
		ev.Download = &DownloadPayload{URL: w.Payload.URL, Hash: w.Payload.Hash}
	case KindIDSAlert:
		if w.Payload.SignatureID == "" && w.Payload.Message == "" {
			return nil, normErrf("ids_alert without signature_id or message")
		}
		ev.Alert = &AlertPayload{
			SignatureID: w.Payload.SignatureID,
			Message:     w.Payload.Message,
			Priority:    w.Payload.Priority,
		}
	default:
		return nil, normErrf("unknown kind %q", w.Kind)
	}

	return ev, nil
}
