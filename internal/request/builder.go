package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-research/remote-api-notifier/internal/directory"
	"github.com/mesh-research/remote-api-notifier/internal/entity"
	"github.com/mesh-research/remote-api-notifier/internal/rules"
)

// ErrPayload marks failures assembling the outbound request: the payload
// builder failed, returned an error marker, or the owner enrichment lookup
// failed. The delivery for that endpoint is abandoned; other endpoints for
// the same event proceed unaffected.
var ErrPayload = errors.New("payload assembly failed")

// internalErrorKey is the convention payload builders use to signal "I
// failed but returned a value instead of erroring". Such payloads are never
// sent.
const internalErrorKey = "internal_error"

// Request is a fully resolved outbound call for one (endpoint, rule, entity)
// match. A nil Payload means the call carries no body.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Payload map[string]any
}

// Builder resolves the concrete method, URL, headers and payload for a
// single match, including the optional record-owner enrichment.
type Builder struct {
	directory directory.Client
}

// NewBuilder returns a request builder using the given user-directory
// client for owner enrichment.
func NewBuilder(dir directory.Client) *Builder {
	return &Builder{directory: dir}
}

// Build assembles the request for one rule match.
func (b *Builder) Build(ctx context.Context, id entity.Identity, rec, prior entity.Snapshot, rule rules.Rule, endpoint string, extra map[string]any) (Request, error) {
	method := rule.HTTPMethod
	if rule.MethodResolver != nil {
		method = rule.MethodResolver(id, rec, prior, extra)
	}

	requestURL := endpoint
	if rule.URLResolver != nil {
		requestURL = rule.URLResolver(id, rec, prior, extra)
	}

	headers := make(map[string]string, len(rule.Headers)+1)
	for k, v := range rule.Headers {
		headers[k] = v
	}
	token := rule.AuthToken
	if token == "" && rule.TokenProvider != nil {
		minted, err := rule.TokenProvider.Token(ctx)
		if err != nil {
			return Request{}, fmt.Errorf("%w: minting bearer token: %v", ErrPayload, err)
		}
		token = minted
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	payload, err := b.payloadObject(ctx, id, rec, rule, extra)
	if err != nil {
		return Request{}, err
	}

	return Request{
		Method:  method,
		URL:     requestURL,
		Headers: headers,
		Payload: payload,
	}, nil
}

// payloadObject resolves the request body. A rule without a payload yields
// nil (calls like deletes carry no body).
func (b *Builder) payloadObject(ctx context.Context, id entity.Identity, rec entity.Snapshot, rule rules.Rule, extra map[string]any) (map[string]any, error) {
	if rule.PayloadBuilder == nil && rule.Payload == nil {
		return nil, nil
	}

	var payload map[string]any
	if rule.PayloadBuilder != nil {
		var owner map[string]any
		if rule.WithOwner {
			resolved, err := b.resolveOwner(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("%w: owner enrichment: %v", ErrPayload, err)
			}
			owner = resolved
		}
		built, err := rule.PayloadBuilder(id, rec, owner, extra)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayload, err)
		}
		payload = built
	} else {
		payload = rule.Payload
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload object is empty", ErrPayload)
	}
	if marker, ok := payload[internalErrorKey]; ok {
		return nil, fmt.Errorf("%w: %v", ErrPayload, marker)
	}
	return payload, nil
}

// resolveOwner builds the owner object merged into payloads when owner
// enrichment is enabled. System-level identities resolve to a fixed sentinel
// without a directory round trip.
func (b *Builder) resolveOwner(ctx context.Context, id entity.Identity) (map[string]any, error) {
	if id.IsSystem() {
		return map[string]any{
			"id":       entity.SystemID,
			"email":    "",
			"username": "system",
		}, nil
	}

	user, err := b.directory.GetUser(ctx, id.ID)
	if err != nil {
		return nil, err
	}
	owner := map[string]any{
		"id":       id.ID,
		"email":    user.Email,
		"username": user.Username,
	}
	for k, v := range user.Profile {
		owner[k] = v
	}
	idp, err := b.directory.IdentityProviderInfo(ctx, user)
	if err != nil {
		return nil, err
	}
	for k, v := range idp.Fields() {
		owner[k] = v
	}
	return owner, nil
}
