package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mesh-research/remote-api-notifier/internal/entity"
)

// User is a user-directory record: identity plus arbitrary profile fields.
type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Username string         `json:"username"`
	Profile  map[string]any `json:"profile,omitempty"`
}

// IDPInfo is the user's identity-provider linkage. The zero value means the
// user has no linkage, which is not an error.
type IDPInfo struct {
	AuthenticationSource string `json:"authentication_source,omitempty"`
	IDFromIDP            string `json:"id_from_idp,omitempty"`
}

// Fields returns the linkage as payload-mergeable fields; empty when the
// user has no linkage.
func (i IDPInfo) Fields() map[string]any {
	if i.AuthenticationSource == "" && i.IDFromIDP == "" {
		return map[string]any{}
	}
	return map[string]any{
		"authentication_source": i.AuthenticationSource,
		"id_from_idp":           i.IDFromIDP,
	}
}

// Client looks up acting users and their identity-provider linkage. The user
// directory is an external collaborator; lookups may fail and callers treat
// failures as payload errors.
type Client interface {
	GetUser(ctx context.Context, userID string) (User, error)
	IdentityProviderInfo(ctx context.Context, user User) (IDPInfo, error)
}

// ResolveIdentity turns an acting-identity id back into an Identity. The
// system sentinel resolves without a directory round trip.
func ResolveIdentity(ctx context.Context, c Client, identityID string) (entity.Identity, error) {
	if identityID == entity.SystemID {
		return entity.System, nil
	}
	user, err := c.GetUser(ctx, identityID)
	if err != nil {
		return entity.Identity{}, fmt.Errorf("resolve identity %s: %w", identityID, err)
	}
	return entity.Identity{
		ID:       identityID,
		Email:    user.Email,
		Username: user.Username,
		Profile:  user.Profile,
	}, nil
}

// HTTPClient is a directory client speaking the host's plain JSON user API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient returns a directory client for the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory returned status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUser fetches a user record by id.
func (c *HTTPClient) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	if err := c.get(ctx, "/users/"+url.PathEscape(userID), &user); err != nil {
		return User{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	if user.ID == "" {
		user.ID = userID
	}
	return user, nil
}

// IdentityProviderInfo fetches the user's IDP linkage. A 404 means no
// linkage and yields the zero value.
func (c *HTTPClient) IdentityProviderInfo(ctx context.Context, user User) (IDPInfo, error) {
	var info IDPInfo
	if err := c.get(ctx, "/users/"+url.PathEscape(user.ID)+"/idp", &info); err != nil {
		// Missing linkage is an empty enrichment, not an error.
		if strings.Contains(err.Error(), "status 404") {
			return IDPInfo{}, nil
		}
		return IDPInfo{}, err
	}
	return info, nil
}

// StaticClient serves users from a fixed in-memory map. Used in tests and by
// hosts that resolve users themselves.
type StaticClient struct {
	Users map[string]User
	IDP   map[string]IDPInfo
}

// GetUser implements Client.
func (s *StaticClient) GetUser(_ context.Context, userID string) (User, error) {
	user, ok := s.Users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %s not found", userID)
	}
	return user, nil
}

// IdentityProviderInfo implements Client.
func (s *StaticClient) IdentityProviderInfo(_ context.Context, user User) (IDPInfo, error) {
	return s.IDP[user.ID], nil
}
