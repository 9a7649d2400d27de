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

// Package worker is the task-trigger server. An external scheduler POSTs
// to it to run imports, MARC exports, and playtime aggregation; it is
// not a patron-facing surface.
package worker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
)

// TaskTokenHeader carries the scheduler's shared secret.
const TaskTokenHeader = "X-Task-Token"

var (
	errInvalidToken     = fmt.Errorf("invalid task token")
	errMethodNotAllowed = fmt.Errorf("method not allowed")
	errBadRequestBody   = fmt.Errorf("failed to decode request body")
)

// Tasks are the jobs the server can trigger.
type Tasks struct {
	// Import runs a feed import for one collection.
	Import func(ctx context.Context, collectionID string) error

	// MarcExport runs the MARC export job across enabled collections.
	MarcExport func(ctx context.Context) error

	// PlaytimeAggregate runs playtime aggregation.
	PlaytimeAggregate func(ctx context.Context) error
}

// Server provides the task-trigger server implementation.
type Server struct {
	h         *renderer.Renderer
	taskToken string
	projectID string
	tasks     *Tasks
}

// NewServer creates a server around the given tasks.
func NewServer(ctx context.Context, h *renderer.Renderer, cfg *Config, tasks *Tasks) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if tasks == nil || tasks.Import == nil || tasks.MarcExport == nil || tasks.PlaytimeAggregate == nil {
		return nil, fmt.Errorf("all tasks must be wired")
	}

	return &Server{
		h:         h,
		taskToken: cfg.TaskToken,
		projectID: cfg.ProjectID,
		tasks:     tasks,
	}, nil
}

// Routes creates a ServeMux of all of the routes that this server
// supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/tasks/import", s.requireToken(s.handleImport()))
	mux.Handle("/tasks/marc-export", s.requireToken(s.handleTask("marc-export", s.tasks.MarcExport)))
	mux.Handle("/tasks/playtime-aggregate", s.requireToken(s.handleTask("playtime-aggregate", s.tasks.PlaytimeAggregate)))

	// Middleware
	root := logging.HTTPInterceptor(logger, s.projectID)(mux)

	return root
}

// requireToken rejects requests that are not POSTs carrying the shared
// secret. The compare is constant-time.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}
		token := r.Header.Get(TaskTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.taskToken)) != 1 {
			s.h.RenderJSON(w, http.StatusUnauthorized, errInvalidToken)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleImport triggers an import for the collection named in the body.
func (s *Server) handleImport() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		var req struct {
			CollectionID string `json:"collection_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.h.RenderJSON(w, http.StatusBadRequest, errBadRequestBody)
			return
		}
		if req.CollectionID == "" {
			s.h.RenderJSON(w, http.StatusBadRequest, fmt.Errorf("collection_id is required"))
			return
		}

		if err := s.tasks.Import(ctx, req.CollectionID); err != nil {
			logger.ErrorContext(ctx, "import task failed",
				"collection_id", req.CollectionID,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, fmt.Errorf("import failed: %w", err))
			return
		}

		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"ok":            true,
			"task":          "import",
			"collection_id": req.CollectionID,
		})
	})
}

// handleTask triggers a bodyless job.
func (s *Server) handleTask(name string, run func(ctx context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		if err := run(ctx); err != nil {
			logger.ErrorContext(ctx, "task failed", "task", name, "error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, fmt.Errorf("%s failed: %w", name, err))
			return
		}

		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"ok":   true,
			"task": name,
		})
	})
}
