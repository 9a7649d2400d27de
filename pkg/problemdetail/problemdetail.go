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

// Package problemdetail implements RFC 7807 problem documents. Integration
// errors carry one of these so the request path can propagate upstream
// failures without reconstructing them.
package problemdetail

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ContentType is the media type for a serialized problem document.
const ContentType = "application/problem+json"

// Problem type URIs used by the integration layer.
const (
	TypeRemoteIntegrationFailed = "https://circulation.stackroom.dev/problem/remote-integration-failed"
	TypeIntegrationError        = "https://circulation.stackroom.dev/problem/remote-integration-error"
	TypeInvalidConfiguration    = "https://circulation.stackroom.dev/problem/invalid-configuration"
	TypeInvalidCredentials      = "https://circulation.stackroom.dev/problem/invalid-credentials"
	TypePatronNotInLibrary      = "https://circulation.stackroom.dev/problem/patron-not-in-this-library"
)

// Document is an RFC 7807 problem detail. Debug carries internal context
// (body previews, upstream hosts) and must not be rendered to patrons.
type Document struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Debug  string `json:"debug,omitempty"`
}

// New creates a problem document.
func New(typ, title string, status int) *Document {
	return &Document{Type: typ, Title: title, Status: status}
}

// RemoteIntegrationFailed describes a failed call to an upstream service.
func RemoteIntegrationFailed(host string) *Document {
	return &Document{
		Type:   TypeRemoteIntegrationFailed,
		Title:  "Failure contacting external service",
		Status: http.StatusBadGateway,
		Detail: fmt.Sprintf("The server tried to access %s but the third-party service experienced an error.", host),
	}
}

// InvalidConfiguration describes a settings-validation failure.
func InvalidConfiguration(detail string) *Document {
	return &Document{
		Type:   TypeInvalidConfiguration,
		Title:  "Invalid configuration",
		Status: http.StatusInternalServerError,
		Detail: detail,
	}
}

// WithDetail returns a copy with the detail message replaced.
func (d *Document) WithDetail(detail string) *Document {
	out := *d
	out.Detail = detail
	return &out
}

// WithDebug returns a copy with the debug message replaced.
func (d *Document) WithDebug(format string, args ...any) *Document {
	out := *d
	out.Debug = fmt.Sprintf(format, args...)
	return &out
}

// Write serializes the document to w with the problem media type. A zero
// Status writes 500.
func (d *Document) Write(w http.ResponseWriter) error {
	status := d.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(d); err != nil {
		return fmt.Errorf("failed to encode problem document: %w", err)
	}
	return nil
}
