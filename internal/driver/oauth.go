package driver

import (
	"context"

	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/models"
)

// OAuthField is the credentials key that holds the OAuth sub-map.
const OAuthField = "oauth"

// Token is a provider token response. ExpiresIn is relative, in seconds.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// OAuthFlow is implemented by drivers that authorize with OAuth 2. Both
// operations store the new token in the credentials and fail with
// CodeWrongCredentials.
type OAuthFlow interface {
	OAuthGetToken(ctx context.Context) error
	OAuthRefreshToken(ctx context.Context) error
}

// OAuth keeps a driver's access token current.
type OAuth struct {
	base *Base
	flow OAuthFlow
}

func NewOAuth(base *Base, flow OAuthFlow) *OAuth {
	return &OAuth{base: base, flow: flow}
}

// ProvideOAuthAccess must run before any authenticated call. Without an
// access token it runs the initial exchange; with an expired one
// (oauth.expires_in is an absolute unix time) it refreshes.
func (o *OAuth) ProvideOAuthAccess(ctx context.Context) error {
	if o.AccessToken() == "" {
		return o.flow.OAuthGetToken(ctx)
	}
	expires, ok := models.ToInt64(o.base.Credential(nil, OAuthField, "expires_in"))
	if ok && expires < o.base.deps.now().Unix() {
		return o.flow.OAuthRefreshToken(ctx)
	}
	return nil
}

func (o *OAuth) AccessToken() string {
	return models.Stringify(o.base.Credential("", OAuthField, "access_token"))
}

func (o *OAuth) RefreshToken() string {
	return models.Stringify(o.base.Credential("", OAuthField, "refresh_token"))
}

// StoreToken writes the token into credentials with an absolute expiry.
// An empty refresh token keeps the previous one.
func (o *OAuth) StoreToken(t Token) {
	o.base.SetCredential(t.AccessToken, OAuthField, "access_token")
	if t.RefreshToken != "" {
		o.base.SetCredential(t.RefreshToken, OAuthField, "refresh_token")
	}
	o.base.SetCredential(o.base.deps.now().Unix()+t.ExpiresIn, OAuthField, "expires_in")
}

// RequestToken posts a form to an OAuth 2 token endpoint and stores the
// answer. operation labels metrics ("get" or "refresh").
func (o *OAuth) RequestToken(ctx context.Context, tokenURL string, form map[string]any, operation string) error {
	driverName := o.base.self.Name()

	resp := o.base.NewRequest().
		Method("POST").
		URL(tokenURL).
		Header("Content-Type", "application/x-www-form-urlencoded").
		Header("Accept-Type", "application/json").
		Data(form).
		Execute(ctx)

	token := Token{
		AccessToken:  models.Stringify(resp.Get("access_token", "")),
		RefreshToken: models.Stringify(resp.Get("refresh_token", "")),
	}
	if !resp.IsSuccessful() || token.AccessToken == "" {
		o.base.deps.Metrics.RecordOAuth(driverName, operation, "error")
		msg := models.Stringify(resp.Get("error_description", ""))
		if msg == "" {
			msg = models.Stringify(resp.Get("message", ""))
		}
		return errors.NewIntegrationError(errors.CodeWrongCredentials, OAuthField, msg)
	}
	token.ExpiresIn, _ = models.ToInt64(resp.Get("expires_in", 0))

	o.StoreToken(token)
	o.base.deps.Metrics.RecordOAuth(driverName, operation, "success")
	return nil
}
