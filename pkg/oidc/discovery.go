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

package oidc

import (
	"context"
	"fmt"
	"strings"

	"github.com/stackroom/circulation/pkg/httpclient"
)

// DiscoveryDocument is the subset of the provider metadata this module
// consumes.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// fetchDiscovery retrieves and validates the well-known configuration.
func fetchDiscovery(ctx context.Context, hc *httpclient.Client, issuer string) (*DiscoveryDocument, error) {
	u := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	resp, err := hc.Get(ctx, u, httpclient.WithAllowedCodes("200"))
	if err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}
	var doc DiscoveryDocument
	if err := resp.JSON(&doc); err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}

	// The issuer echo is the anchor of every later token validation;
	// a mismatch here means a misconfiguration or a hostile endpoint.
	if strings.TrimSuffix(doc.Issuer, "/") != strings.TrimSuffix(issuer, "/") {
		return nil, &DiscoveryError{Issuer: issuer, Err: fmt.Errorf("document issuer %q does not match", doc.Issuer)}
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		return nil, &DiscoveryError{Issuer: issuer, Err: fmt.Errorf("document is missing required endpoints")}
	}
	return &doc, nil
}
