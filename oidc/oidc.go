// Package oidc obtains VPN cookies for OIDC server profiles. The user signs
// in through the OAuth 2.0 device authorization grant; the resulting ID
// token is presented to the VPN server, which answers with the session
// cookie the engine connects with.
package oidc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"

	"github.com/yllada/ocvpn/common"
)

const (
	wellKnownPath = "/.well-known/openid-configuration"
	authPath      = "/auth"
	userAgent     = "AnyConnect Compatible Client"

	requestTimeout = 30 * time.Second
)

// ErrNoIDToken is returned when the token endpoint omits the ID token.
var ErrNoIDToken = errors.New("no id_token in token response")

// Discovery is the subset of the provider metadata used here.
type Discovery struct {
	Issuer                      string `json:"issuer"`
	AuthorizationEndpoint       string `json:"authorization_endpoint"`
	TokenEndpoint               string `json:"token_endpoint"`
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
}

// Discover reads the provider metadata of issuer.
func Discover(ctx context.Context, client *http.Client, issuer string) (*Discovery, error) {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	endpoint := strings.TrimSuffix(issuer, "/") + wellKnownPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: issuer %q: %v", common.ErrConfig, issuer, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", issuer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discover %s: unexpected status %s", issuer, resp.Status)
	}

	var d Discovery
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&d); err != nil {
		return nil, fmt.Errorf("discover %s: decode metadata: %w", issuer, err)
	}
	if d.TokenEndpoint == "" {
		return nil, fmt.Errorf("discover %s: metadata has no token endpoint", issuer)
	}
	if d.DeviceAuthorizationEndpoint == "" {
		return nil, fmt.Errorf("discover %s: provider does not support the device flow", issuer)
	}
	return &d, nil
}

// Token is the result of a sign-in.
type Token struct {
	IDToken      string
	RefreshToken string
	Expiry       time.Time
}

func fromOAuth(tok *oauth2.Token) (*Token, error) {
	id, _ := tok.Extra("id_token").(string)
	if id == "" {
		return nil, ErrNoIDToken
	}
	return &Token{IDToken: id, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}, nil
}

// Provider signs in against one issuer with one client.
type Provider struct {
	config    oauth2.Config
	client    *http.Client
	discovery *Discovery
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the HTTP client used for every provider request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// NewProvider discovers issuer and prepares the client configuration.
// clientSecret may be empty for public clients.
func NewProvider(ctx context.Context, issuer, clientID, clientSecret string, opts ...Option) (*Provider, error) {
	if issuer == "" || clientID == "" {
		return nil, fmt.Errorf("%w: issuer and client id are required", common.ErrConfig)
	}
	p := &Provider{client: &http.Client{Timeout: requestTimeout}}
	for _, opt := range opts {
		opt(p)
	}

	d, err := Discover(ctx, p.client, issuer)
	if err != nil {
		return nil, err
	}
	p.discovery = d
	p.config = oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{"openid", "profile", "email", "offline_access"},
		Endpoint: oauth2.Endpoint{
			AuthURL:       d.AuthorizationEndpoint,
			TokenURL:      d.TokenEndpoint,
			DeviceAuthURL: d.DeviceAuthorizationEndpoint,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
	return p, nil
}

// Discovery returns the provider metadata.
func (p *Provider) Discovery() *Discovery {
	return p.discovery
}

func (p *Provider) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// DevicePrompt shows the user where to sign in.
type DevicePrompt func(auth *oauth2.DeviceAuthResponse)

// DeviceLogin runs the device authorization grant. prompt is called once
// the user code is known; the call then polls until the user has signed
// in, the code expires or ctx is done.
func (p *Provider) DeviceLogin(ctx context.Context, prompt DevicePrompt) (*Token, error) {
	ctx = p.context(ctx)

	auth, err := p.config.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	common.LogDebug("oidc: device code issued, verification at %s", auth.VerificationURI)
	if prompt != nil {
		prompt(auth)
	}

	tok, err := p.config.DeviceAccessToken(ctx, auth)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("device token: %w", err)
	}
	return fromOAuth(tok)
}

// Refresh trades a cached refresh token for fresh tokens.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token cannot be empty")
	}
	src := p.config.TokenSource(p.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	return fromOAuth(tok)
}

// authURL returns the cookie endpoint of a VPN server given as host,
// host:port or URL.
func authURL(server string) (*url.URL, error) {
	raw := strings.TrimSpace(server)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid server %q", common.ErrConfig, server)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = authPath
	}
	return u, nil
}

// ExchangeCookie presents idToken to the VPN server and returns the
// session cookie it sets, as "name=value; name=value". insecure skips
// server certificate verification.
func ExchangeCookie(ctx context.Context, server, idToken string, insecure bool) (string, error) {
	return exchangeCookie(ctx, nil, server, idToken, insecure)
}

func exchangeCookie(ctx context.Context, transport *http.Transport, server, idToken string, insecure bool) (string, error) {
	target, err := authURL(server)
	if err != nil {
		return "", err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return "", err
	}
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = nil
	}
	if insecure {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}
	client := &http.Client{Jar: jar, Transport: transport, Timeout: requestTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+idToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: cookie request to %s: %v", common.ErrEngine, target.Host, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: server refused the token: %s", common.ErrAuthAborted, resp.Status)
	}

	// Cookies may be set on a redirect hop; the jar keeps all of them.
	var parts []string
	seen := make(map[string]bool)
	for _, c := range append(resp.Cookies(), jar.Cookies(resp.Request.URL)...) {
		if c.Value == "" || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		parts = append(parts, c.Name+"="+c.Value)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: server set no cookie", common.ErrEngine)
	}
	return strings.Join(parts, "; "), nil
}
