package guard

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-research/remote-api-notifier/internal/delivery"
	"github.com/mesh-research/remote-api-notifier/internal/entity"
	"github.com/mesh-research/remote-api-notifier/internal/logging"
	"github.com/mesh-research/remote-api-notifier/internal/metrics"
	"github.com/mesh-research/remote-api-notifier/internal/rules"
	"github.com/mesh-research/remote-api-notifier/internal/tracing"
)

// visibilityPublic is the only visibility value that permits external
// delivery. Non-public entities never leave the host.
const visibilityPublic = "public"

// Guard is the rule-matching and debounce engine. It runs synchronously
// inside the host's request thread, so it performs no I/O and never mutates
// the entity.
type Guard struct {
	registry *rules.Registry
	window   time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

// New returns a guard over the given registry with the given debounce
// window.
func New(registry *rules.Registry, window time.Duration, logger *logging.Logger) *Guard {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Guard{
		registry: registry,
		window:   window,
		logger:   logger,
		now:      time.Now,
	}
}

// Evaluate determines which (endpoint, rule) pairs apply to a lifecycle call
// and whether each should fire now. It returns zero, one, or many dispatch
// events, one per matching endpoint. It never returns an error: missing
// configuration is a no-op, suppression is logged.
func (g *Guard) Evaluate(ctx context.Context, entityType, method string, id entity.Identity, rec, prior entity.Snapshot, extra map[string]any) []delivery.DispatchEvent {
	metrics.EventsEvaluatedTotal.WithLabelValues(entityType, method).Inc()

	matches := g.registry.MatchMethod(entityType, method)
	if len(matches) == 0 {
		return nil
	}

	visibility := g.resolveVisibility(entityType, rec, prior)
	if visibility != visibilityPublic {
		g.logger.WithContext(ctx).
			WithEntity(entityType, rec.ID()).
			WithMethod(method).
			WithField("visibility", visibility).
			Debug("entity not public, skipping dispatch")
		metrics.RecordSuppressed("non_public")
		return nil
	}

	now := g.now().UTC()
	events := make([]delivery.DispatchEvent, 0, len(matches))
	for _, m := range matches {
		if suppressed, lastSync := g.debounced(m.Rule, rec, now); suppressed {
			g.logger.WithContext(ctx).
				WithEntity(entityType, rec.ID()).
				WithMethod(method).
				WithEndpoint(m.Endpoint).
				WithField("last_sync", lastSync.Format(time.RFC3339)).
				Info("entity synced within debounce window, suppressing dispatch")
			metrics.RecordSuppressed("debounce")
			continue
		}

		events = append(events, delivery.DispatchEvent{
			EventID:      uuid.NewString(),
			EntityType:   entityType,
			Method:       method,
			Endpoint:     m.Endpoint,
			IdentityID:   id.ID,
			Entity:       rec.Clone(),
			Prior:        prior.Clone(),
			Extra:        extra,
			PublishedAt:  now.Format(time.RFC3339),
			TraceHeaders: tracing.InjectHeaders(ctx),
		})
		metrics.DispatchedTotal.WithLabelValues(entityType, method).Inc()
	}
	return events
}

// resolveVisibility reads the configured visibility paths against the entity
// and then the prior snapshot. Ambiguous input degrades to public as the
// base policy; callers tighten it by configuring explicit paths per entity
// type.
func (g *Guard) resolveVisibility(entityType string, rec, prior entity.Snapshot) string {
	paths := g.registry.VisibilityPaths(entityType)
	for _, p := range paths {
		if v := rec.GetString(p); v != "" {
			return v
		}
	}
	for _, p := range paths {
		if v := prior.GetString(p); v != "" {
			return v
		}
	}
	return visibilityPublic
}

// debounced reports whether the rule's timing field places this call inside
// the suppression window. A missing timing value counts as arbitrarily stale
// so the first-ever delivery is never suppressed.
//
// Two workers evaluating the same entity concurrently can both read a stale
// timestamp and both decide to fire; the host's per-entity write
// serialization is relied on to prevent concurrent writes, not this check.
func (g *Guard) debounced(rule rules.Rule, rec entity.Snapshot, now time.Time) (bool, time.Time) {
	if rule.TimingField == "" {
		return false, time.Time{}
	}
	lastSync, ok := rec.GetTime(rule.TimingField)
	if !ok {
		return false, time.Time{}
	}
	return lastSync.Add(g.window).After(now), lastSync
}
