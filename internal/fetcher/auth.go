package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/go-ntlmssp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"blogwatch/internal/config"
)

// authorizer applies credentials to an outgoing request. Implementations
// cache tokens and refresh them transparently; invalidate drops the cache so
// the next apply fetches fresh credentials.
type authorizer interface {
	apply(req *http.Request) error
	invalidate()
}

// newAuthorizer resolves the configured authentication strategy once. It also
// returns the HTTP client to use, since NTLM negotiates at transport level.
func newAuthorizer(cfg *config.Config) (authorizer, *http.Client, error) {
	client := &http.Client{}

	switch cfg.AuthMethod {
	case config.AuthNone:
		return noAuth{}, client, nil

	case config.AuthOAuth2:
		return &tokenAuth{cc: &clientcredentials.Config{
			ClientID:     cfg.OAuth2ClientID,
			ClientSecret: cfg.OAuth2ClientSecret,
			TokenURL:     cfg.OAuth2TokenURL,
		}}, client, nil

	case config.AuthSSO:
		scopes := []string{cfg.SSOClientID + "/.default"}
		if cfg.SSOScope != "" {
			scopes = []string{cfg.SSOScope}
		}
		return &tokenAuth{cc: &clientcredentials.Config{
			ClientID:     cfg.SSOClientID,
			ClientSecret: cfg.SSOClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.SSOTenantID),
			Scopes:       scopes,
		}}, client, nil

	case config.AuthNTLM:
		client.Transport = ntlmssp.Negotiator{RoundTripper: http.DefaultTransport}
		user := cfg.NTLMUser
		if cfg.NTLMDomain != "" {
			user = cfg.NTLMDomain + `\` + cfg.NTLMUser
		}
		return &basicAuth{user: user, password: cfg.NTLMPassword}, client, nil
	}
	return nil, nil, fmt.Errorf("unknown auth method %q", cfg.AuthMethod)
}

type noAuth struct{}

func (noAuth) apply(*http.Request) error { return nil }
func (noAuth) invalidate()               {}

// tokenAuth holds an OAuth2 client-credentials token, reused until expiry or
// an explicit invalidation after a 401.
type tokenAuth struct {
	cc  *clientcredentials.Config
	mu  sync.Mutex
	tok *oauth2.Token
}

func (a *tokenAuth) apply(req *http.Request) error {
	tok, err := a.token(req.Context())
	if err != nil {
		return fmt.Errorf("%w: obtain token: %v", ErrUnauthorized, err)
	}
	tok.SetAuthHeader(req)
	return nil
}

func (a *tokenAuth) token(ctx context.Context) (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tok.Valid() {
		return a.tok, nil
	}
	tok, err := a.cc.Token(ctx)
	if err != nil {
		return nil, err
	}
	a.tok = tok
	return tok, nil
}

func (a *tokenAuth) invalidate() {
	a.mu.Lock()
	a.tok = nil
	a.mu.Unlock()
}

type basicAuth struct {
	user     string
	password string
}

func (a *basicAuth) apply(req *http.Request) error {
	req.SetBasicAuth(a.user, a.password)
	return nil
}

func (a *basicAuth) invalidate() {}
