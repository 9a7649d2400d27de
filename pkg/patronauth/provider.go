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

package patronauth

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider protocol names, as stored on library integrations.
const (
	ProtocolSIP2       = "api.sip"
	ProtocolSirsiDynix = "api.sirsidynix"
	ProtocolSimple     = "api.simple_auth"
	ProtocolOIDC       = "api.oidc"

	// ProtocolSAML is a reserved registry slot; no provider ships with
	// this module.
	ProtocolSAML = "api.saml"
)

// Provider authenticates patrons against one upstream.
//
// RemoteAuthenticate returns (nil, nil) for a patron the upstream does
// not know: absence is not an error. Errors mean the upstream could not
// be consulted; callers project them to problem details at the
// boundary.
type Provider interface {
	RemoteAuthenticate(ctx context.Context, username, password string) (*PatronData, error)

	// RemotePatronLookup enriches a validated snapshot with personal
	// name, fines, expiry, and block reason. Providers without a lookup
	// call return the input unchanged.
	RemotePatronLookup(ctx context.Context, data *PatronData) (*PatronData, error)
}

// Factory builds a provider from its serialized settings.
type Factory func(ctx context.Context, settings json.RawMessage) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a provider factory under a protocol name. Registration
// happens from the wiring code at startup, never from package init.
func Register(protocol string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[protocol] = f
}

// New builds a provider for the protocol.
func New(ctx context.Context, protocol string, settings json.RawMessage) (Provider, error) {
	registryMu.RLock()
	f, ok := registry[protocol]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no authentication provider registered for protocol %q", protocol)
	}
	p, err := f(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to build %q provider: %w", protocol, err)
	}
	return p, nil
}

// Protocols lists the registered protocol names, sorted.
func Protocols() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AuthenticatedPatron is the full request-path sequence: normalize the
// credentials, authenticate remotely, run the enrichment round trip if
// the snapshot is incomplete, and enforce the library-identifier
// restriction. (nil, nil) means invalid credentials.
func AuthenticatedPatron(ctx context.Context, p Provider, r *Restriction, username, password string) (*PatronData, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, nil
	}

	data, err := p.RemoteAuthenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	if !data.Complete {
		data, err = p.RemotePatronLookup(ctx, data)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, nil
		}
	}

	// A patron with no authorization identifier cannot be matched to a
	// local record; treat as invalid.
	if data.AuthorizationIdentifier.Value() == "" {
		return nil, nil
	}

	if r != nil {
		if err := r.Enforce(data); err != nil {
			return nil, err
		}
	}
	return data, nil
}
