package rules

import (
	"context"
	"sort"
	"strings"

	"github.com/mesh-research/remote-api-notifier/internal/entity"
)

// MethodResolver computes the HTTP method for a single call. Resolvers are
// pure functions of the call inputs so behavior can vary per call without
// branching in the engine.
type MethodResolver func(id entity.Identity, rec, prior entity.Snapshot, extra map[string]any) string

// URLResolver computes the request URL for a single call. When absent, the
// endpoint identifier itself is used as the URL.
type URLResolver func(id entity.Identity, rec, prior entity.Snapshot, extra map[string]any) string

// PayloadBuilder assembles the outbound request body. The owner argument is
// non-nil only when the rule enables owner enrichment. A returned error, an
// empty object, or an object carrying the "internal_error" marker key all
// abort the delivery for this endpoint.
type PayloadBuilder func(id entity.Identity, rec entity.Snapshot, owner map[string]any, extra map[string]any) (map[string]any, error)

// TokenProvider supplies a bearer token for outbound requests. Implemented
// by auth.ServiceTokenProvider; a static Rule.AuthToken takes precedence
// when both are set.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// CallbackContext carries the full call context of a successful delivery
// into the configured result callback.
type CallbackContext struct {
	Response   any            `json:"response_json"`
	Status     int            `json:"response_status"`
	EntityType string         `json:"entity_type"`
	Method     string         `json:"method"`
	RequestURL string         `json:"request_url"`
	Payload    map[string]any `json:"payload_object"`
	Entity     entity.Snapshot `json:"entity"`
	Prior      entity.Snapshot `json:"prior,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Callback writes a delivery result back into the tracked entity through the
// host's own service layer. It runs in a second, independent pass, never
// inside the unit of work that produced the dispatch.
type Callback func(ctx context.Context, cc CallbackContext) error

// Rule describes how to build and send one outbound call for one
// (entity type, endpoint, lifecycle method) combination. Rules are created
// at configuration load and read-only for the process lifetime.
type Rule struct {
	// HTTPMethod is the literal method; MethodResolver wins when set.
	HTTPMethod     string
	MethodResolver MethodResolver

	// Payload is a literal body; PayloadBuilder wins when set. Both nil
	// means the call carries no body (deletes and the like).
	Payload        map[string]any
	PayloadBuilder PayloadBuilder

	URLResolver URLResolver

	Headers       map[string]string
	AuthToken     string
	TokenProvider TokenProvider

	// WithOwner enables the record-owner enrichment lookup before the
	// payload builder runs.
	WithOwner bool

	// TimingField is a dotted path into the entity snapshot holding the
	// last-synced instant used for debounce.
	TimingField string

	// CallbackKey names a callback registered on the Registry. Keys, not
	// function values, cross the queue boundary.
	CallbackKey string
}

// Match pairs an endpoint with the rule that applies to it.
type Match struct {
	Endpoint string
	Rule     Rule
}

// defaultVisibilityPaths is used for entity types without an explicit
// visibility configuration.
var defaultVisibilityPaths = []string{"access.record", "access.visibility"}

// Registry is the nested rule configuration:
// entity type -> endpoint -> lifecycle method -> Rule.
//
// Registry is safe for concurrent reads after configuration. Do not call
// Add, SetVisibilityPaths, or RegisterCallback once dispatching has started.
type Registry struct {
	events          map[string]map[string]map[string]Rule
	visibilityPaths map[string][]string
	callbacks       map[string]Callback
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		events:          make(map[string]map[string]map[string]Rule),
		visibilityPaths: make(map[string][]string),
		callbacks:       make(map[string]Callback),
	}
}

// Add registers a rule for the exact (entityType, endpoint, method) triple.
func (r *Registry) Add(entityType, endpoint, method string, rule Rule) {
	byEndpoint, ok := r.events[entityType]
	if !ok {
		byEndpoint = make(map[string]map[string]Rule)
		r.events[entityType] = byEndpoint
	}
	byMethod, ok := byEndpoint[endpoint]
	if !ok {
		byMethod = make(map[string]Rule)
		byEndpoint[endpoint] = byMethod
	}
	byMethod[method] = rule
}

// SetVisibilityPaths configures which snapshot paths govern the public/
// restricted decision for an entity type. Paths are tried in order against
// the entity and then the prior snapshot.
func (r *Registry) SetVisibilityPaths(entityType string, paths ...string) {
	r.visibilityPaths[entityType] = paths
}

// VisibilityPaths returns the configured visibility paths for an entity
// type, falling back to the record defaults.
func (r *Registry) VisibilityPaths(entityType string) []string {
	if paths, ok := r.visibilityPaths[entityType]; ok && len(paths) > 0 {
		return paths
	}
	return defaultVisibilityPaths
}

// RegisterCallback binds a stable string key to a callback implementation.
func (r *Registry) RegisterCallback(key string, cb Callback) {
	r.callbacks[key] = cb
}

// Callback resolves a callback key registered at startup.
func (r *Registry) Callback(key string) (Callback, bool) {
	cb, ok := r.callbacks[key]
	return cb, ok
}

// Lookup finds the rule for an exact triple. Absence means "no action",
// never an error.
func (r *Registry) Lookup(entityType, endpoint, method string) (Rule, bool) {
	rule, ok := r.events[entityType][endpoint][method]
	return rule, ok
}

// MatchMethod returns every (endpoint, rule) pair configured for the given
// entity type and lifecycle method, in deterministic endpoint order.
func (r *Registry) MatchMethod(entityType, method string) []Match {
	byEndpoint := r.events[entityType]
	if len(byEndpoint) == 0 {
		return nil
	}
	endpoints := make([]string, 0, len(byEndpoint))
	for ep := range byEndpoint {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)

	var matches []Match
	for _, ep := range endpoints {
		if rule, ok := byEndpoint[ep][method]; ok {
			matches = append(matches, Match{Endpoint: ep, Rule: rule})
		}
	}
	return matches
}

// MatchURL re-resolves a rule from a request URL by endpoint containment.
// Used by the result router, which only has the resolved URL in hand.
func (r *Registry) MatchURL(entityType, requestURL, method string) (string, Rule, bool) {
	byEndpoint := r.events[entityType]
	endpoints := make([]string, 0, len(byEndpoint))
	for ep := range byEndpoint {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)

	for _, ep := range endpoints {
		if !strings.Contains(requestURL, ep) {
			continue
		}
		if rule, ok := byEndpoint[ep][method]; ok {
			return ep, rule, true
		}
	}
	return "", Rule{}, false
}

// EntityTypes returns the configured entity types in sorted order.
func (r *Registry) EntityTypes() []string {
	types := make([]string, 0, len(r.events))
	for t := range r.events {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Endpoints returns the endpoints configured for an entity type in sorted
// order.
func (r *Registry) Endpoints(entityType string) []string {
	byEndpoint := r.events[entityType]
	endpoints := make([]string, 0, len(byEndpoint))
	for ep := range byEndpoint {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)
	return endpoints
}

// Methods returns the lifecycle methods configured for an (entityType,
// endpoint) pair in sorted order.
func (r *Registry) Methods(entityType, endpoint string) []string {
	byMethod := r.events[entityType][endpoint]
	methods := make([]string, 0, len(byMethod))
	for m := range byMethod {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}
