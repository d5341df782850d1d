package tikti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/osvaldoandrade/fnbay/internal/authz"
	"github.com/osvaldoandrade/fnbay/internal/cache"
	"github.com/osvaldoandrade/fnbay/internal/config"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
)

type Provider struct {
	url        string
	httpClient *http.Client
	cache      *cache.TTL[authz.Principal]
	now        func() time.Time
}

func init() {
	registry.RegisterAuthN("tikti", NewFromConfig)
}

func NewFromConfig(cfg config.Config) (authz.Provider, error) {
	url := cfg.Plugins.AuthN.Tikti.IntrospectionURL
	if url == "" {
		return nil, fmt.Errorf("plugins.authn.tikti.introspection_url is required")
	}
	cacheTTL := time.Duration(cfg.Plugins.AuthN.Tikti.CacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &Provider{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cache:      cache.NewTTL[authz.Principal](cacheTTL),
		now:        time.Now,
	}, nil
}

func (p *Provider) Name() string {
	return "tikti"
}

// Introspect resolves token to a principal. Concurrent lookups of one token
// share a single introspection call.
func (p *Provider) Introspect(ctx context.Context, token string) (authz.Principal, error) {
	if token == "" {
		return authz.Principal{}, fberrors.New(fberrors.FBAuthnMissingToken, "missing bearer token")
	}
	principal, err := p.cache.GetOrLoad(ctx, token, func(ctx context.Context) (authz.Principal, error) {
		return p.introspect(ctx, token)
	})
	if err != nil {
		return authz.Principal{}, err
	}
	if p.expired(principal) {
		p.cache.Delete(token)
		return authz.Principal{}, fberrors.New(fberrors.FBAuthnExpiredToken, "token expired")
	}
	return principal, nil
}

func (p *Provider) expired(principal authz.Principal) bool {
	return principal.Exp > 0 && principal.Exp < p.now().Unix()
}

func (p *Provider) introspect(ctx context.Context, token string) (authz.Principal, error) {
	payload, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return authz.Principal{}, fberrors.Wrap(fberrors.FBAuthnInvalidToken, "failed to create introspection request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return authz.Principal{}, fberrors.Wrap(fberrors.FBAuthnInvalidToken, "token introspection failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			return authz.Principal{}, fberrors.New(fberrors.FBAuthnInvalidToken, "invalid token")
		}
		return authz.Principal{}, fberrors.New(fberrors.FBAuthnInvalidToken, fmt.Sprintf("unexpected introspection status: %d", resp.StatusCode))
	}

	var out struct {
		Active bool     `json:"active"`
		Sub    string   `json:"sub"`
		Tenant string   `json:"tenant"`
		Roles  []string `json:"roles"`
		Exp    int64    `json:"exp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return authz.Principal{}, fberrors.Wrap(fberrors.FBAuthnInvalidToken, "invalid introspection response", err)
	}
	if !out.Active {
		return authz.Principal{}, fberrors.New(fberrors.FBAuthnInvalidToken, "inactive token")
	}
	principal := authz.Principal{Sub: out.Sub, Tenant: out.Tenant, Roles: out.Roles, Exp: out.Exp}
	if p.expired(principal) {
		return authz.Principal{}, fberrors.New(fberrors.FBAuthnExpiredToken, "token expired")
	}
	return principal, nil
}
