package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// BaseURL hosts /v1/authorize, /v1/token and /v1/userinfo.
	BaseURL string
	Scope   string
	Timeout time.Duration
}

// TokenSet is a token endpoint response.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Identity is the public identity behind an access token.
type Identity struct {
	ExternalID  string
	DisplayName string
}

// OAuthClient speaks the authorization-code and refresh grants.
type OAuthClient struct {
	cfg OAuthConfig
	d   doer
}

func NewOAuthClient(cfg OAuthConfig, hc *http.Client) *OAuthClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Scope == "" {
		cfg.Scope = "openid profile"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OAuthClient{cfg: cfg, d: newDoer(hc, 0)}
}

// AuthorizeURL builds the consent URL carrying state.
func (c *OAuthClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("scope", c.cfg.Scope)
	q.Set("response_type", "code")
	q.Set("state", state)
	return c.cfg.BaseURL + "/v1/authorize?" + q.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	return c.token(ctx, "exchange code", form)
}

// Refresh runs the refresh grant. A revoked refresh token surfaces as
// ErrUnauthorized.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.token(ctx, "refresh token", form)
}

func (c *OAuthClient) token(ctx context.Context, op string, form url.Values) (TokenSet, error) {
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	var tr tokenResponse
	err := c.d.do(ctx, op, c.cfg.Timeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, &tr)
	if err != nil {
		return TokenSet{}, err
	}
	if tr.AccessToken == "" {
		return TokenSet{}, fmt.Errorf("%s: response has no access_token", op)
	}
	return TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    time.Duration(tr.ExpiresIn) * time.Second,
	}, nil
}

type userInfoResponse struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	Nickname          string `json:"nickname"`
}

func (c *OAuthClient) UserInfo(ctx context.Context, accessToken string) (Identity, error) {
	var ui userInfoResponse
	err := c.d.do(ctx, "userinfo", c.cfg.Timeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/userinfo", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	}, &ui)
	if err != nil {
		return Identity{}, err
	}
	if ui.Sub == "" {
		return Identity{}, errors.New("userinfo: response has no sub")
	}
	name := ui.PreferredUsername
	if name == "" {
		name = ui.Name
	}
	if name == "" {
		name = ui.Nickname
	}
	return Identity{ExternalID: ui.Sub, DisplayName: name}, nil
}
