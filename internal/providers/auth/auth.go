// Package auth implements the Authenticator capability interface the base
// LLM provider depends on, and its four concrete strategies: ApiKey,
// Bearer, None, and DeviceCode (§4.6).
package auth

import "context"

// Authenticator yields request credentials and triggers refresh when
// needed. The base provider calls NeedsRefresh before each request and,
// if true, Refresh.
type Authenticator interface {
	// AuthHeaders returns zero or more request headers to inject.
	AuthHeaders(ctx context.Context) (map[string]string, error)
	NeedsRefresh(ctx context.Context) bool
	Refresh(ctx context.Context) error
}

// ApiKey reads an environment variable at header-build time and injects
// it as a bearer token. It never needs refresh.
type ApiKey struct {
	Env    string
	Header string // not consulted: AuthHeaders always sets "Authorization: Bearer <key>"
	lookup func(string) (string, bool)
}

// NewAPIKey builds an ApiKey authenticator reading the given env var.
func NewAPIKey(env string) *ApiKey { return &ApiKey{Env: env} }

func (a *ApiKey) getenv(key string) (string, bool) {
	if a.lookup != nil {
		return a.lookup(key)
	}
	return osLookupEnv(key)
}

func (a *ApiKey) AuthHeaders(ctx context.Context) (map[string]string, error) {
	v, ok := a.getenv(a.Env)
	if !ok || v == "" {
		return nil, errMissingEnv(a.Env)
	}
	return map[string]string{"Authorization": "Bearer " + v}, nil
}

func (a *ApiKey) NeedsRefresh(ctx context.Context) bool { return false }
func (a *ApiKey) Refresh(ctx context.Context) error     { return nil }

// Bearer is semantically identical to ApiKey (same header shape) but
// named separately because config's auth.type distinguishes them (§6).
type Bearer struct{ ApiKey }

// NewBearer builds a Bearer authenticator reading the given env var.
func NewBearer(env string) *Bearer { return &Bearer{ApiKey{Env: env}} }

// None injects no credentials.
type None struct{}

func (None) AuthHeaders(ctx context.Context) (map[string]string, error) { return nil, nil }
func (None) NeedsRefresh(ctx context.Context) bool                      { return false }
func (None) Refresh(ctx context.Context) error                          { return nil }
