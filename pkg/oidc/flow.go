// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package oidc implements the OpenID Connect authorization-code flow
// for patron login: discovery, PKCE, signed state tokens, ID-token
// validation, and back-channel logout. HTTP routing stays in the server
// layer; this package only produces and consumes the protocol values.
package oidc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/stackroom/circulation/pkg/httpclient"
	"github.com/stackroom/circulation/pkg/patronauth"
)

// StateSecretEnv names the environment variable carrying the HMAC
// secret for state tokens.
const StateSecretEnv = "OIDC_STATE_SECRET"

const (
	// AuthMethodBasic sends client credentials as HTTP basic auth on the
	// token exchange. The OIDC default.
	AuthMethodBasic = "client_secret_basic"

	// AuthMethodPost sends them as form fields instead.
	AuthMethodPost = "client_secret_post"
)

// logoutEvent is the claim key a back-channel logout token must carry.
const logoutEvent = "http://schemas.openid.net/event/backchannel-logout"

const (
	defaultSkew         = 30 * time.Second
	defaultLoginTTL     = 10 * time.Minute
	defaultDiscoveryTTL = 24 * time.Hour

	codeVerifierBytes = 96
	nonceBytes        = 32
)

// Config describes one OIDC integration.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// ExtraScopes are requested on top of "openid profile".
	ExtraScopes []string

	// TokenAuthMethod is AuthMethodBasic (default) or AuthMethodPost.
	TokenAuthMethod string

	// Claim mapping. ExternalIDClaim defaults to "sub".
	ExternalIDClaim  string
	DisplayNameClaim string
	EmailClaim       string

	// AllowedSkew tolerates clock drift on exp/iat (default 30s).
	AllowedSkew time.Duration

	// LoginTTL bounds how long a login may stay in flight (default 10m).
	LoginTTL time.Duration

	// DiscoveryTTL bounds the discovery-document cache (default 24h).
	DiscoveryTTL time.Duration

	// StateSecret overrides the environment-sourced HMAC secret.
	StateSecret []byte

	// States records issued state tokens for one-time consumption.
	// Defaults to an in-process store; multi-instance deployments share
	// a Redis-backed one.
	States StateStore

	// PostLogoutRedirectURI, when set, is sent on RP-initiated logout so
	// the provider redirects back after ending its session.
	PostLogoutRedirectURI string
}

func (c *Config) normalize() error {
	if c.Issuer == "" {
		return fmt.Errorf("OIDC issuer is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("OIDC client_id is required")
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("OIDC redirect URI is required")
	}
	switch c.TokenAuthMethod {
	case "":
		c.TokenAuthMethod = AuthMethodBasic
	case AuthMethodBasic, AuthMethodPost:
	default:
		return fmt.Errorf("unsupported OIDC token auth method %q", c.TokenAuthMethod)
	}
	if c.ExternalIDClaim == "" {
		c.ExternalIDClaim = "sub"
	}
	if c.AllowedSkew == 0 {
		c.AllowedSkew = defaultSkew
	}
	if c.LoginTTL == 0 {
		c.LoginTTL = defaultLoginTTL
	}
	if c.DiscoveryTTL == 0 {
		c.DiscoveryTTL = defaultDiscoveryTTL
	}
	if len(c.StateSecret) == 0 {
		c.StateSecret = []byte(os.Getenv(StateSecretEnv))
	}
	if len(c.StateSecret) < MinStateSecretLen {
		return fmt.Errorf("OIDC state secret must be at least %d bytes", MinStateSecretLen)
	}
	if c.States == nil {
		c.States = newMemoryStates()
	}
	return nil
}

// Flow drives the authorization-code flow for one integration. Safe for
// concurrent use.
type Flow struct {
	cfg  *Config
	http *httpclient.Client
	jwks *jwk.Cache
	now  func() time.Time

	mu           sync.Mutex
	disco        *DiscoveryDocument
	discoExpires time.Time
	registered   map[string]bool
}

// NewFlow validates the configuration and prepares the JWKS cache. The
// context bounds the cache's background refresh goroutine.
func NewFlow(ctx context.Context, cfg *Config, hc *httpclient.Client) (*Flow, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Flow{
		cfg:        cfg,
		http:       hc,
		jwks:       jwk.NewCache(ctx),
		now:        time.Now,
		registered: map[string]bool{},
	}, nil
}

// discovery returns the cached document, refetching past its TTL.
func (f *Flow) discovery(ctx context.Context) (*DiscoveryDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.disco != nil && f.now().Before(f.discoExpires) {
		return f.disco, nil
	}
	doc, err := fetchDiscovery(ctx, f.http, f.cfg.Issuer)
	if err != nil {
		// Serve stale rather than fail when a refresh misses and a
		// previous document is in hand.
		if f.disco != nil {
			return f.disco, nil
		}
		return nil, err
	}
	f.disco = doc
	f.discoExpires = f.now().Add(f.cfg.DiscoveryTTL)
	return doc, nil
}

// keySet returns the provider's JWKS, registering the URI on first use.
func (f *Flow) keySet(ctx context.Context, jwksURI string) (jwk.Set, error) {
	f.mu.Lock()
	if !f.registered[jwksURI] {
		if err := f.jwks.Register(jwksURI, jwk.WithMinRefreshInterval(24*time.Hour)); err != nil {
			f.mu.Unlock()
			return nil, fmt.Errorf("failed to register JWKS %s: %w", jwksURI, err)
		}
		f.registered[jwksURI] = true
	}
	f.mu.Unlock()

	set, err := f.jwks.Get(ctx, jwksURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS %s: %w", jwksURI, err)
	}
	return set, nil
}

// AuthRequest is everything BeginLogin hands back: the URL to redirect
// the patron to and the state token the callback must echo.
type AuthRequest struct {
	URL   string
	State string
}

// BeginLogin builds the authorization redirect with PKCE and a signed
// state token.
func (f *Flow) BeginLogin(ctx context.Context, libraryID, redirectAfter string) (*AuthRequest, error) {
	doc, err := f.discovery(ctx)
	if err != nil {
		return nil, err
	}

	verifier, err := randomToken(codeVerifierBytes)
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken(nonceBytes)
	if err != nil {
		return nil, err
	}
	state, err := encodeState(f.cfg.StateSecret, &statePayload{
		LibraryID:    libraryID,
		Nonce:        nonce,
		CodeVerifier: verifier,
		Redirect:     redirectAfter,
		IssuedAt:     f.now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	if err := f.cfg.States.PutState(ctx, "login:"+state, f.cfg.LoginTTL); err != nil {
		return nil, fmt.Errorf("failed to record state token: %w", err)
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", f.cfg.ClientID)
	q.Set("redirect_uri", f.cfg.RedirectURI)
	q.Set("scope", strings.Join(append([]string{"openid", "profile"}, f.cfg.ExtraScopes...), " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	sep := "?"
	if strings.Contains(doc.AuthorizationEndpoint, "?") {
		sep = "&"
	}
	return &AuthRequest{
		URL:   doc.AuthorizationEndpoint + sep + q.Encode(),
		State: state,
	}, nil
}

// CallbackParams are the query parameters the authorization server put
// on the redirect back.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// IdentityClaims is the validated identity extracted from an ID token.
type IdentityClaims struct {
	ExternalID  string
	DisplayName string
	Email       string

	// LibraryID and Redirect are echoed from the state token for the
	// session layer.
	LibraryID string
	Redirect  string
}

// PatronData projects the identity into the common patron snapshot.
func (c *IdentityClaims) PatronData() *patronauth.PatronData {
	data := &patronauth.PatronData{
		PermanentID:             patronauth.NewField(c.ExternalID),
		AuthorizationIdentifier: patronauth.NewField(c.ExternalID),
		Complete:                true,
	}
	if c.DisplayName != "" {
		data.PersonalName = patronauth.NewField(c.DisplayName)
	}
	if c.Email != "" {
		data.EmailAddress = patronauth.NewField(c.Email)
	}
	return data
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// CompleteLogin verifies the callback, exchanges the code, validates
// the ID token, and maps the configured claims.
func (f *Flow) CompleteLogin(ctx context.Context, params *CallbackParams) (*IdentityClaims, error) {
	if params.Error != "" {
		return nil, &ProviderError{Code: params.Error, Description: params.ErrorDescription}
	}

	state, err := decodeState(f.cfg.StateSecret, params.State, f.cfg.LoginTTL, f.now())
	if err != nil {
		return nil, err
	}
	if state.Kind != "" {
		return nil, &StateError{Reason: "wrong token kind"}
	}
	// A state validates exactly once; a replayed callback stops here
	// even though the signature still checks out.
	ok, err := f.cfg.States.ConsumeState(ctx, "login:"+params.State)
	if err != nil {
		return nil, fmt.Errorf("failed to consume state token: %w", err)
	}
	if !ok {
		return nil, &StateError{Reason: "state already used or expired"}
	}
	if params.Code == "" {
		return nil, &StateError{Reason: "missing authorization code"}
	}

	doc, err := f.discovery(ctx)
	if err != nil {
		return nil, err
	}

	tr, err := f.exchangeCode(ctx, doc.TokenEndpoint, params.Code, state.CodeVerifier)
	if err != nil {
		return nil, err
	}
	if tr.IDToken == "" {
		return nil, &TokenExchangeError{Err: fmt.Errorf("response carried no id_token")}
	}

	tok, err := f.validateToken(ctx, doc, []byte(tr.IDToken))
	if err != nil {
		return nil, err
	}
	if nonce, _ := tok.Get("nonce"); nonce != state.Nonce {
		return nil, &ValidationError{Reason: "nonce mismatch"}
	}

	claims := &IdentityClaims{
		LibraryID: state.LibraryID,
		Redirect:  state.Redirect,
	}
	claims.ExternalID = stringClaim(tok, f.cfg.ExternalIDClaim)
	if claims.ExternalID == "" {
		return nil, &ValidationError{Reason: fmt.Sprintf("missing %q claim", f.cfg.ExternalIDClaim)}
	}
	if f.cfg.DisplayNameClaim != "" {
		claims.DisplayName = stringClaim(tok, f.cfg.DisplayNameClaim)
	}
	if f.cfg.EmailClaim != "" {
		claims.Email = stringClaim(tok, f.cfg.EmailClaim)
	}
	return claims, nil
}

func (f *Flow) exchangeCode(ctx context.Context, tokenEndpoint, code, verifier string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.cfg.RedirectURI)
	form.Set("code_verifier", verifier)

	opts := []httpclient.RequestOption{httpclient.WithAllowedCodes("200")}
	switch f.cfg.TokenAuthMethod {
	case AuthMethodPost:
		form.Set("client_id", f.cfg.ClientID)
		form.Set("client_secret", f.cfg.ClientSecret)
	default:
		opts = append(opts, httpclient.WithBasicAuth(f.cfg.ClientID, f.cfg.ClientSecret))
	}

	resp, err := f.http.PostForm(ctx, tokenEndpoint, form, opts...)
	if err != nil {
		return nil, &TokenExchangeError{Err: err}
	}
	var tr tokenResponse
	if err := resp.JSON(&tr); err != nil {
		return nil, &TokenExchangeError{Err: err}
	}
	return &tr, nil
}

// validateToken parses and validates a JWT against the provider's JWKS,
// issuer, audience, and clock skew. A signature failure forces one JWKS
// refresh before giving up, to absorb key rotation.
func (f *Flow) validateToken(ctx context.Context, doc *DiscoveryDocument, raw []byte) (jwt.Token, error) {
	set, err := f.keySet(ctx, doc.JWKSURI)
	if err != nil {
		return nil, &ValidationError{Reason: "JWKS unavailable", Err: err}
	}

	parse := func(set jwk.Set) (jwt.Token, error) {
		return jwt.Parse(raw,
			jwt.WithKeySet(set),
			jwt.WithValidate(true),
			jwt.WithIssuer(doc.Issuer),
			jwt.WithAudience(f.cfg.ClientID),
			jwt.WithAcceptableSkew(f.cfg.AllowedSkew),
		)
	}

	tok, err := parse(set)
	if err != nil {
		fresh, rerr := f.jwks.Refresh(ctx, doc.JWKSURI)
		if rerr != nil {
			return nil, &ValidationError{Reason: "token rejected", Err: err}
		}
		tok, err = parse(fresh)
		if err != nil {
			return nil, &ValidationError{Reason: "token rejected", Err: err}
		}
	}
	return tok, nil
}

// BeginLogout builds the RP-initiated logout redirect against the
// provider's end-session endpoint. The id_token_hint tells the provider
// which session to end; redirectAfter is sealed into the state for the
// session layer to honor on return.
func (f *Flow) BeginLogout(ctx context.Context, libraryID, idTokenHint, redirectAfter string) (*AuthRequest, error) {
	doc, err := f.discovery(ctx)
	if err != nil {
		return nil, err
	}
	if doc.EndSessionEndpoint == "" {
		return nil, fmt.Errorf("issuer %q does not advertise an end_session_endpoint", f.cfg.Issuer)
	}

	state, err := encodeState(f.cfg.StateSecret, &statePayload{
		LibraryID: libraryID,
		Redirect:  redirectAfter,
		IssuedAt:  f.now().Unix(),
		Kind:      stateKindLogout,
	})
	if err != nil {
		return nil, err
	}
	if err := f.cfg.States.PutState(ctx, "logout:"+state, f.cfg.LoginTTL); err != nil {
		return nil, fmt.Errorf("failed to record state token: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", f.cfg.ClientID)
	q.Set("state", state)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if f.cfg.PostLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", f.cfg.PostLogoutRedirectURI)
	}

	sep := "?"
	if strings.Contains(doc.EndSessionEndpoint, "?") {
		sep = "&"
	}
	return &AuthRequest{
		URL:   doc.EndSessionEndpoint + sep + q.Encode(),
		State: state,
	}, nil
}

// LogoutCallback is what CompleteLogout hands back for the session
// layer: which library's session ended and where to send the patron.
type LogoutCallback struct {
	LibraryID string
	Redirect  string
}

// CompleteLogout verifies and consumes the state echoed back from the
// provider's end-session redirect.
func (f *Flow) CompleteLogout(ctx context.Context, stateToken string) (*LogoutCallback, error) {
	state, err := decodeState(f.cfg.StateSecret, stateToken, f.cfg.LoginTTL, f.now())
	if err != nil {
		return nil, err
	}
	if state.Kind != stateKindLogout {
		return nil, &StateError{Reason: "wrong token kind"}
	}
	ok, err := f.cfg.States.ConsumeState(ctx, "logout:"+stateToken)
	if err != nil {
		return nil, fmt.Errorf("failed to consume state token: %w", err)
	}
	if !ok {
		return nil, &StateError{Reason: "state already used or expired"}
	}
	return &LogoutCallback{LibraryID: state.LibraryID, Redirect: state.Redirect}, nil
}

// LogoutClaims identifies the session a back-channel logout terminates.
type LogoutClaims struct {
	Subject   string
	SessionID string
}

// ValidateLogoutToken validates a back-channel logout token per the
// OIDC spec: same signature pipeline as ID tokens, an events claim
// naming the logout event, no nonce, and at least one of sid/sub.
func (f *Flow) ValidateLogoutToken(ctx context.Context, raw string) (*LogoutClaims, error) {
	doc, err := f.discovery(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := f.validateToken(ctx, doc, []byte(raw))
	if err != nil {
		return nil, err
	}

	events, ok := tok.Get("events")
	if !ok {
		return nil, &ValidationError{Reason: "missing events claim"}
	}
	m, ok := events.(map[string]any)
	if !ok {
		return nil, &ValidationError{Reason: "malformed events claim"}
	}
	if _, ok := m[logoutEvent]; !ok {
		return nil, &ValidationError{Reason: "events claim does not name the logout event"}
	}
	if _, ok := tok.Get("nonce"); ok {
		return nil, &ValidationError{Reason: "logout token must not carry a nonce"}
	}
	if tok.JwtID() == "" {
		return nil, &ValidationError{Reason: "logout token carries no jti"}
	}
	if tok.IssuedAt().IsZero() {
		return nil, &ValidationError{Reason: "logout token carries no iat"}
	}

	out := &LogoutClaims{
		Subject:   tok.Subject(),
		SessionID: stringClaim(tok, "sid"),
	}
	if out.Subject == "" && out.SessionID == "" {
		return nil, &ValidationError{Reason: "logout token carries neither sub nor sid"}
	}
	return out, nil
}

func stringClaim(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// randomToken returns n bytes of entropy as unpadded base64url, the
// encoding both PKCE verifiers and nonces travel in.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
