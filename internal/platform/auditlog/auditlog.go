// Package auditlog records control-plane actions (config saves, triggers,
// cancellations) with a tamper-evident digest.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	ActionConfigSaved     = "pipeline_config.saved"
	ActionTriggered       = "pipeline.triggered"
	ActionTriggerRejected = "pipeline.trigger_rejected"
	ActionCancelRequested = "execution.cancel_requested"
)

type Event struct {
	OccurredAt     time.Time
	Actor          string
	Action         string
	ApplicationRef string
	ResourceType   string
	ResourceID     string
	RequestID      string
	IP             net.IP
	UserAgent      string
	Payload        any
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("ResourceType is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("ResourceID is required")
	}
	return nil
}

// Recorder stores audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store writes events to the audit_events table.
type Store struct {
	q QueryRower
}

func NewStore(q QueryRower) *Store {
	if q == nil {
		return nil
	}
	return &Store{q: q}
}

func (s *Store) Record(ctx context.Context, event Event) error {
	_, err := Insert(ctx, s.q, event)
	return err
}

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if strings.TrimSpace(event.Actor) == "" {
		event.Actor = "anonymous"
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payloadJSON, err := marshalPayload(event.Payload)
	if err != nil {
		return 0, err
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		`INSERT INTO audit_events (
			occurred_at,
			actor,
			action,
			application_ref,
			resource_type,
			resource_id,
			request_id,
			ip,
			user_agent,
			payload,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING event_id`,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		nullString(event.ApplicationRef),
		strings.TrimSpace(event.ResourceType),
		strings.TrimSpace(event.ResourceID),
		nullString(event.RequestID),
		nullString(ipString(event.IP)),
		nullString(event.UserAgent),
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

// Logger writes events to slog. It serves deployments without a database.
type Logger struct {
	L *slog.Logger
}

func (l Logger) Record(_ context.Context, event Event) error {
	logger := l.L
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("audit",
		"action", event.Action,
		"actor", event.Actor,
		"application_ref", event.ApplicationRef,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"request_id", event.RequestID,
	)
	return nil
}

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt     time.Time       `json:"occurred_at"`
		Actor          string          `json:"actor"`
		Action         string          `json:"action"`
		ApplicationRef string          `json:"application_ref,omitempty"`
		ResourceType   string          `json:"resource_type"`
		ResourceID     string          `json:"resource_id"`
		RequestID      string          `json:"request_id,omitempty"`
		IP             string          `json:"ip,omitempty"`
		UserAgent      string          `json:"user_agent,omitempty"`
		Payload        json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt:     event.OccurredAt.UTC(),
		Actor:          strings.TrimSpace(event.Actor),
		Action:         strings.TrimSpace(event.Action),
		ApplicationRef: strings.TrimSpace(event.ApplicationRef),
		ResourceType:   strings.TrimSpace(event.ResourceType),
		ResourceID:     strings.TrimSpace(event.ResourceID),
		RequestID:      strings.TrimSpace(event.RequestID),
		IP:             ipString(event.IP),
		UserAgent:      strings.TrimSpace(event.UserAgent),
		Payload:        payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// ParseRemoteIP extracts the host part of an http.Request RemoteAddr.
func ParseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(strings.TrimSpace(host))
}

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return strings.TrimSpace(ip.String())
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
