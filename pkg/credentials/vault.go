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

// Package credentials is the vault of per-upstream OAuth tokens. Tokens
// refresh lazily inside a 30-second early-refresh window; a 401 during
// an authenticated call forces one refresh-and-replay before the failure
// propagates.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/stackroom/circulation/pkg/httpclient"
)

// earlyExpiry treats a token within this window of its expiry as
// already expired, so in-flight requests never carry a token that dies
// mid-call.
const earlyExpiry = 30 * time.Second

var errUnknownUpstream = fmt.Errorf("upstream is not registered")

// Vault holds one token source per registered upstream. Safe for
// concurrent use; concurrent Token calls for one upstream do not
// stampede the token endpoint.
type Vault struct {
	mu      sync.Mutex
	configs map[string]*clientcredentials.Config
	sources map[string]oauth2.TokenSource
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{
		configs: map[string]*clientcredentials.Config{},
		sources: map[string]oauth2.TokenSource{},
	}
}

// Register adds or replaces the client-credentials config for an
// upstream, dropping any cached token.
func (v *Vault) Register(name string, cfg *clientcredentials.Config) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.configs[name] = cfg
	delete(v.sources, name)
}

// Token returns a currently-valid access token for the upstream,
// refreshing when absent or inside the early-refresh window.
func (v *Vault) Token(ctx context.Context, name string) (string, error) {
	src, err := v.source(ctx, name)
	if err != nil {
		return "", err
	}
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain token for %q: %w", name, err)
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next Token call refreshes.
func (v *Vault) Invalidate(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.sources, name)
}

func (v *Vault) source(ctx context.Context, name string) (oauth2.TokenSource, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if src, ok := v.sources[name]; ok {
		return src, nil
	}
	cfg, ok := v.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownUpstream, name)
	}
	src := oauth2.ReuseTokenSourceWithExpiry(nil, cfg.TokenSource(ctx), earlyExpiry)
	v.sources[name] = src
	return src, nil
}

// AuthenticatedDo issues the request with a bearer token for the named
// upstream. On a 401 it invalidates the cached token, refreshes, and
// replays once; a second 401 surfaces as a BadResponseError.
func (v *Vault) AuthenticatedDo(ctx context.Context, client *httpclient.Client, name, method, rawurl string, body []byte, opts ...httpclient.RequestOption) (*httpclient.Response, error) {
	tok, err := v.Token(ctx, name)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(ctx, method, rawurl, body, append(opts, httpclient.WithBearerToken(tok))...)
	if err != nil {
		// Callers that restrict the accepted status codes see the 401 as
		// a response error rather than a response; both shapes earn the
		// same single refresh-and-replay.
		var badResp *httpclient.BadResponseError
		if !errors.As(err, &badResp) || badResp.StatusCode != http.StatusUnauthorized {
			return nil, err
		}
	} else if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	v.Invalidate(name)
	tok, err = v.Token(ctx, name)
	if err != nil {
		return nil, err
	}
	return client.Do(ctx, method, rawurl, body, append(opts,
		httpclient.WithBearerToken(tok),
		httpclient.WithDisallowedCodes("401"),
	)...)
}
