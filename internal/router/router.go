package router

import (
	"context"
	"sync"

	"github.com/mesh-research/remote-api-notifier/internal/delivery"
	"github.com/mesh-research/remote-api-notifier/internal/logging"
	"github.com/mesh-research/remote-api-notifier/internal/metrics"
	"github.com/mesh-research/remote-api-notifier/internal/rules"
)

// Router decouples "HTTP call succeeded" from "entity gets updated with the
// result". Delivery outcomes are queued and a listener consumes them on a
// separate pass, so the write-back lands through the host's own service
// layer without touching the unit of work that produced the dispatch.
type Router struct {
	registry *rules.Registry
	logger   *logging.Logger

	mu      sync.Mutex
	pending []delivery.Outcome

	signal    chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	once      sync.Once
	closeOnce sync.Once
}

// New returns a router over the given registry. Call Start once at process
// start to attach the listener.
func New(registry *rules.Registry, logger *logging.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start registers the listener. Subsequent calls are no-ops.
func (r *Router) Start() {
	r.once.Do(func() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-r.signal:
					r.Drain(context.Background())
				case <-r.done:
					// Final sweep so nothing published before Close is lost.
					r.Drain(context.Background())
					return
				}
			}
		}()
	})
}

// Publish appends an outcome to the internal queue and signals the
// listener. Producers may run concurrently with the consumer.
func (r *Router) Publish(_ context.Context, out delivery.Outcome) {
	r.mu.Lock()
	r.pending = append(r.pending, out)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
		// A wakeup is already pending; the drain will see this outcome.
	}
}

// Drain consumes all currently queued outcomes and invokes their configured
// callbacks. The queue is swapped out under the lock before any callback
// runs, so a concurrent publish never interleaves with a partial read and a
// consumed outcome is never reprocessed. Zero pending outcomes is a no-op.
func (r *Router) Drain(ctx context.Context) int {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, out := range batch {
		r.route(ctx, out)
	}
	return len(batch)
}

// route re-resolves the rule for one outcome and invokes its callback with
// the response and full call context.
func (r *Router) route(ctx context.Context, out delivery.Outcome) {
	log := r.logger.WithContext(ctx).
		WithEntity(out.EntityType, out.Entity.ID()).
		WithEndpoint(out.Endpoint).
		WithMethod(out.Method)

	// The outcome carries the resolved URL; the endpoint key is recovered
	// by containment against the live configuration.
	_, rule, ok := r.registry.MatchURL(out.EntityType, out.RequestURL, out.Method)
	if !ok {
		log.WithField("request_url", out.RequestURL).Warn("no rule matches outcome, dropping")
		metrics.CallbacksTotal.WithLabelValues("missing").Inc()
		return
	}
	if rule.CallbackKey == "" {
		return
	}
	cb, ok := r.registry.Callback(rule.CallbackKey)
	if !ok {
		log.WithField("callback", rule.CallbackKey).Error("callback key not registered, dropping outcome")
		metrics.CallbacksTotal.WithLabelValues("missing").Inc()
		return
	}

	err := cb(ctx, rules.CallbackContext{
		Response:   out.Response,
		Status:     out.Status,
		EntityType: out.EntityType,
		Method:     out.Method,
		RequestURL: out.RequestURL,
		Payload:    out.Payload,
		Entity:     out.Entity,
		Prior:      out.Prior,
		Extra:      out.Extra,
	})
	if err != nil {
		log.WithField("callback", rule.CallbackKey).WithError(err).Error("result callback failed")
		metrics.CallbacksTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.CallbacksTotal.WithLabelValues("ok").Inc()
}

// Close stops the listener after a final drain.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}
