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

package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/abcxyz/pkg/renderer"
)

const testTaskToken = "test-task-token"

type taskCounts struct {
	imports    atomic.Int32
	exports    atomic.Int32
	aggregates atomic.Int32

	lastCollectionID atomic.Value
	importErr        error
}

func newTestServer(t *testing.T, counts *taskCounts) http.Handler {
	t.Helper()
	ctx := context.Background()

	h, err := renderer.New(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(ctx, h, &Config{Port: "8080", TaskToken: testTaskToken}, &Tasks{
		Import: func(_ context.Context, collectionID string) error {
			counts.imports.Add(1)
			counts.lastCollectionID.Store(collectionID)
			return counts.importErr
		},
		MarcExport: func(context.Context) error {
			counts.exports.Add(1)
			return nil
		},
		PlaytimeAggregate: func(context.Context) error {
			counts.aggregates.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv.Routes(ctx)
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		method     string
		path       string
		token      string
		body       string
		importErr  error
		wantStatus int
	}{
		{
			name:       "healthz_no_token",
			method:     http.MethodGet,
			path:       "/healthz",
			wantStatus: http.StatusOK,
		},
		{
			name:       "import_ok",
			method:     http.MethodPost,
			path:       "/tasks/import",
			token:      testTaskToken,
			body:       `{"collection_id":"c1"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "import_missing_collection",
			method:     http.MethodPost,
			path:       "/tasks/import",
			token:      testTaskToken,
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "import_task_error",
			method:     http.MethodPost,
			path:       "/tasks/import",
			token:      testTaskToken,
			body:       `{"collection_id":"c1"}`,
			importErr:  fmt.Errorf("feed unreachable"),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "marc_export_ok",
			method:     http.MethodPost,
			path:       "/tasks/marc-export",
			token:      testTaskToken,
			wantStatus: http.StatusOK,
		},
		{
			name:       "playtime_aggregate_ok",
			method:     http.MethodPost,
			path:       "/tasks/playtime-aggregate",
			token:      testTaskToken,
			wantStatus: http.StatusOK,
		},
		{
			name:       "bad_token",
			method:     http.MethodPost,
			path:       "/tasks/marc-export",
			token:      "wrong",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing_token",
			method:     http.MethodPost,
			path:       "/tasks/marc-export",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "get_not_allowed",
			method:     http.MethodGet,
			path:       "/tasks/marc-export",
			token:      testTaskToken,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			counts := &taskCounts{importErr: tc.importErr}
			handler := newTestServer(t, counts)

			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			if tc.token != "" {
				req.Header.Set(TaskTokenHeader, tc.token)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if got, want := w.Code, tc.wantStatus; got != want {
				t.Errorf("expected status %d, got %d: %s", want, got, w.Body.String())
			}
		})
	}
}

func TestRoutes_TaskWiring(t *testing.T) {
	t.Parallel()

	counts := &taskCounts{}
	handler := newTestServer(t, counts)

	req := httptest.NewRequest(http.MethodPost, "/tasks/import", strings.NewReader(`{"collection_id":"c42"}`))
	req.Header.Set(TaskTokenHeader, testTaskToken)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got, want := w.Code, http.StatusOK; got != want {
		t.Fatalf("expected status %d, got %d: %s", want, got, w.Body.String())
	}
	if got, want := counts.imports.Load(), int32(1); got != want {
		t.Errorf("expected %d import runs, got %d", want, got)
	}
	if got, want := counts.lastCollectionID.Load(), "c42"; got != want {
		t.Errorf("expected collection %q, got %q", want, got)
	}
	if !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Errorf("expected an ok body, got %s", w.Body.String())
	}

	// The bad-token path must not run the task.
	req = httptest.NewRequest(http.MethodPost, "/tasks/marc-export", nil)
	req.Header.Set(TaskTokenHeader, "wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got, want := counts.exports.Load(), int32(0); got != want {
		t.Errorf("expected %d export runs after rejected request, got %d", want, got)
	}
}

func TestNewServer_RequiresWiring(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h, err := renderer.New(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewServer(ctx, h, &Config{TaskToken: "t"}, &Tasks{}); err == nil {
		t.Error("expected an error with unwired tasks")
	}
	if _, err := NewServer(ctx, h, &Config{}, nil); err == nil {
		t.Error("expected an error without a task token")
	}
}
