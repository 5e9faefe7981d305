package delivery

import (
	"context"
	"time"

	"github.com/mesh-research/remote-api-notifier/internal/entity"
)

// DispatchEvent is the serializable description of one decided-to-fire
// outbound call, handed from the synchronous guard to the asynchronous
// delivery mechanism. It carries snapshots, never live host objects.
type DispatchEvent struct {
	EventID      string            `json:"event_id"`
	EntityType   string            `json:"entity_type"`
	Method       string            `json:"method"` // lifecycle method name
	Endpoint     string            `json:"endpoint"`
	IdentityID   string            `json:"identity_id"`
	Entity       entity.Snapshot   `json:"entity"`
	Prior        entity.Snapshot   `json:"prior,omitempty"`
	Extra        map[string]any    `json:"extra,omitempty"`
	Attempt      int               `json:"attempt"`
	PublishedAt  string            `json:"published_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Outcome is the result of a successful outbound call, handed from the
// delivery mechanism to the result router. Only well-formed 200 responses
// produce an Outcome; failures never reach the router.
type Outcome struct {
	Response   any             `json:"response_json"` // decoded body, or raw text on decode failure
	Status     int             `json:"response_status"`
	Endpoint   string          `json:"endpoint"`
	EntityType string          `json:"entity_type"`
	Method     string          `json:"method"`
	RequestURL string          `json:"request_url"`
	Payload    map[string]any  `json:"payload_object,omitempty"`
	Entity     entity.Snapshot `json:"entity"` // sanitized: derived flags stripped
	Prior      entity.Snapshot `json:"prior,omitempty"`
	Extra      map[string]any  `json:"extra,omitempty"`
}

// ResultSink receives outcomes of successful deliveries. Implemented by the
// result router.
type ResultSink interface {
	Publish(ctx context.Context, out Outcome)
}

// DeadLetterType tags dead-letter envelopes on the queue.
const DeadLetterType = "notifier.delivery.dlq"

// DeadLetter is the envelope published to the optional dead-letter topic
// when a delivery exhausts its retries. Nothing in this subsystem persists
// it; downstream consumers decide what to do with it.
type DeadLetter struct {
	Type       string        `json:"type"`
	Version    string        `json:"version"`
	At         string        `json:"at"` // RFC3339 time the drop happened
	Reason     string        `json:"reason"`
	Attempt    int           `json:"attempt"`
	HTTPStatus int           `json:"http_status,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Event      DispatchEvent `json:"event"`
}

// NewDeadLetter builds a dead-letter envelope for a dropped event.
func NewDeadLetter(ev DispatchEvent, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DeadLetterType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Event:      ev,
	}
}
