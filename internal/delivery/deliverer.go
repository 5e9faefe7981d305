package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mesh-research/remote-api-notifier/internal/config"
	"github.com/mesh-research/remote-api-notifier/internal/directory"
	"github.com/mesh-research/remote-api-notifier/internal/logging"
	"github.com/mesh-research/remote-api-notifier/internal/metrics"
	"github.com/mesh-research/remote-api-notifier/internal/request"
	"github.com/mesh-research/remote-api-notifier/internal/rules"
	"github.com/mesh-research/remote-api-notifier/internal/tracing"
)

// errRetryable marks outcomes subject to the bounded retry policy: a
// non-200 response, a timeout, or a transport error.
var errRetryable = errors.New("retryable delivery failure")

// DeadLetterPublisher publishes dead-letter envelopes for deliveries dropped
// after exhausting retries. Optional; nil means drop-with-log only.
type DeadLetterPublisher interface {
	PublishDeadLetter(dl DeadLetter) error
}

// Deliverer executes dispatch events: it re-resolves the rule from live
// configuration, builds the request, performs the HTTP call with bounded
// retries and backoff, and forwards successful outcomes to the result sink.
type Deliverer struct {
	registry *rules.Registry
	builder  *request.Builder
	dir      directory.Client
	client   *http.Client
	sink     ResultSink
	dlq      DeadLetterPublisher
	logger   *logging.Logger
	cfg      config.Delivery

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewDeliverer wires a deliverer. The sink receives outcomes for rules with
// a callback key; dlq may be nil.
func NewDeliverer(registry *rules.Registry, builder *request.Builder, dir directory.Client, sink ResultSink, dlq DeadLetterPublisher, logger *logging.Logger, cfg config.Delivery) *Deliverer {
	client := &http.Client{
		Timeout: cfg.HTTPTimeout,
		// Redirects are unexpected for provisioning calls and are never
		// silently followed; a 3xx is a failed attempt like any other.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Deliverer{
		registry: registry,
		builder:  builder,
		dir:      dir,
		client:   client,
		sink:     sink,
		dlq:      dlq,
		logger:   logger,
		cfg:      cfg,
		sleep:    time.Sleep,
	}
}

// Deliver runs one dispatch event to completion: success, payload abort, or
// drop after exhausting retries. It never returns an error to the caller;
// delivery failure is fire-and-forget from the host's perspective.
func (d *Deliverer) Deliver(ctx context.Context, ev DispatchEvent) {
	ctx = tracing.ExtractHeaders(ctx, ev.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "delivery.deliver",
		attribute.String("event_id", ev.EventID),
		attribute.String("entity_type", ev.EntityType),
		attribute.String("method", ev.Method),
		attribute.String("endpoint", ev.Endpoint),
	)
	defer span.End()

	log := d.logger.WithContext(ctx).
		WithEntity(ev.EntityType, ev.Entity.ID()).
		WithEvent(ev.EventID).
		WithEndpoint(ev.Endpoint).
		WithMethod(ev.Method)

	identity, err := directory.ResolveIdentity(ctx, d.dir, ev.IdentityID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("could not resolve acting identity, abandoning delivery")
		metrics.RecordDelivery("failed", 0)
		return
	}

	// Rule is re-read from live configuration, not from the snapshot, so
	// configuration changes between schedule and execution take effect.
	rule, ok := d.registry.Lookup(ev.EntityType, ev.Endpoint, ev.Method)
	if !ok {
		log.Info("no rule configured at execution time, dropping event")
		return
	}

	req, err := d.builder.Build(ctx, identity, ev.Entity, ev.Prior, rule, ev.Endpoint, ev.Extra)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Errorf("could not send %s %s update: problem assembling request", ev.EntityType, ev.Method)
		metrics.RecordDelivery("failed", 0)
		return
	}

	var (
		lastStatus int
		lastErr    error
		response   any
	)
	delivered := false
	attempt := 0
	for attempt = 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		tracing.AddSpanEvent(ctx, "http.send", attribute.Int("attempt", attempt))
		status, body, doErr := d.attempt(ctx, req)
		lastStatus, lastErr = status, doErr

		if doErr == nil && status == http.StatusOK {
			response = decodeResponse(body, log)
			delivered = true
			break
		}

		reason := classifyReason(doErr, status)
		metrics.RecordRetry(reason)
		log.WithFields(map[string]any{
			"attempt": attempt,
			"status":  status,
			"reason":  reason,
		}).WithError(doErr).Warn("delivery attempt failed")

		if attempt < d.cfg.MaxAttempts {
			d.sleep(computeDelay(attempt, d.cfg.BackoffSchedule, d.cfg.JitterPercent))
		}
	}

	if !delivered {
		tracing.SetSpanError(ctx, fmt.Errorf("%w: status=%d err=%v", errRetryable, lastStatus, lastErr))
		log.WithFields(map[string]any{
			"attempts": d.cfg.MaxAttempts,
			"status":   lastStatus,
		}).WithError(lastErr).Error("delivery failed after exhausting retries, dropping")
		metrics.RecordDelivery("dropped", 0)
		metrics.DeadLettersTotal.Inc()
		d.publishDeadLetter(ev, lastStatus, lastErr)
		return
	}

	metrics.RecordDelivery("delivered", 0)
	span.SetAttributes(attribute.Int("http.status_code", lastStatus), attribute.Int("attempts", attempt))
	log.WithField("attempts", attempt).Info("delivery succeeded")

	if rule.CallbackKey == "" {
		return
	}

	// Strip task-injected bookkeeping fields so the callback receives a
	// clean structure matching what the host's service expects as input.
	d.sink.Publish(ctx, Outcome{
		Response:   response,
		Status:     lastStatus,
		Endpoint:   ev.Endpoint,
		EntityType: ev.EntityType,
		Method:     ev.Method,
		RequestURL: req.URL,
		Payload:    req.Payload,
		Entity:     ev.Entity.StripDerived(),
		Prior:      ev.Prior.StripDerived(),
		Extra:      ev.Extra,
	})
}

// attempt performs a single HTTP call and returns the status, body, and
// transport error.
func (d *Deliverer) attempt(ctx context.Context, req request.Request) (int, []byte, error) {
	var body *bytes.Reader
	if req.Payload != nil {
		b, err := json.Marshal(req.Payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return 0, nil, err
	}
	if req.Payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	metrics.DeliveryLatency.Observe(latency.Seconds())

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, buf.Bytes(), nil
}

// decodeResponse parses the response body as JSON, degrading to the raw text
// when decoding fails. Decode failure is not fatal.
func decodeResponse(body []byte, log *logging.LogEntry) any {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		log.WithError(err).Warn("response body is not valid JSON, passing raw text to callback")
		return string(body)
	}
	return decoded
}

func (d *Deliverer) publishDeadLetter(ev DispatchEvent, status int, lastErr error) {
	if d.dlq == nil || !d.cfg.PublishDeadLetters {
		return
	}
	dl := NewDeadLetter(ev, d.cfg.MaxAttempts, status, errString(lastErr),
		fmt.Sprintf("max attempts reached (%d)", d.cfg.MaxAttempts))
	if err := d.dlq.PublishDeadLetter(dl); err != nil {
		d.logger.Plain().WithEvent(ev.EventID).WithError(err).Error("dead-letter publish failed")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// computeDelay maps a 1-based attempt number onto the backoff schedule and
// applies +/- jitterPct jitter.
func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

// classifyReason labels a failed attempt for metrics.
func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	if status >= 300 {
		return "http_3xx"
	}
	return "other"
}
