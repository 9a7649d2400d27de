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

package marcexport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stackroom/circulation/pkg/model"
	"github.com/stackroom/circulation/pkg/objstore"
	"github.com/stackroom/circulation/pkg/statestore"
)

// memSession is an in-memory UploadSession.
type memSession struct {
	mu       sync.Mutex
	state    string
	uploads  map[string]*statestore.Upload
	released bool
}

func newMemSession() *memSession {
	return &memSession{uploads: map[string]*statestore.Upload{}}
}

func (s *memSession) State(_ context.Context) (*statestore.UploadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uploads := make(map[string]*statestore.Upload, len(s.uploads))
	for k, u := range s.uploads {
		cp := *u
		cp.Parts = append([]statestore.Part(nil), u.Parts...)
		uploads[k] = &cp
	}
	return &statestore.UploadState{State: s.state, Uploads: uploads}, nil
}

func (s *memSession) StartUpload(_ context.Context, fileKey string, u *statestore.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[fileKey]; ok {
		return fmt.Errorf("upload entry for %q already exists", fileKey)
	}
	cp := *u
	if cp.Parts == nil {
		cp.Parts = []statestore.Part{}
	}
	s.uploads[fileKey] = &cp
	return nil
}

func (s *memSession) AppendBuffers(_ context.Context, updates map[string]*statestore.BufferAppend) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lengths := make(map[string]int, len(updates))
	for key, up := range updates {
		u, ok := s.uploads[key]
		if !ok {
			return nil, fmt.Errorf("no upload entry for %q", key)
		}
		u.Buffer += string(up.Data)
		u.Offset = up.Offset
		u.Records = up.Records
		u.Bytes = up.Bytes
		lengths[key] = len(u.Buffer)
	}
	return lengths, nil
}

func (s *memSession) SetUploadID(_ context.Context, fileKey, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[fileKey]
	if !ok {
		return fmt.Errorf("no upload entry for %q", fileKey)
	}
	if u.UploadID != "" {
		return fmt.Errorf("upload id already set")
	}
	u.UploadID = uploadID
	return nil
}

func (s *memSession) AddPartAndClearBuffer(_ context.Context, fileKey string, part statestore.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[fileKey]
	if !ok {
		return fmt.Errorf("no upload entry for %q", fileKey)
	}
	u.Parts = append(u.Parts, part)
	u.Buffer = ""
	return nil
}

func (s *memSession) SetState(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

func (s *memSession) RemoveUpload(_ context.Context, fileKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, fileKey)
	return nil
}

func (s *memSession) Release(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

// memObjStore is an in-memory objstore.Store.
type memObjStore struct {
	mu        sync.Mutex
	puts      map[string][]byte
	deleted   []string
	failKeys  map[string]bool
	uploadSeq int
	parts     map[string][][]byte
	completed map[string][]byte
	aborted   []string
}

func newMemObjStore() *memObjStore {
	return &memObjStore{
		puts:      map[string][]byte{},
		failKeys:  map[string]bool{},
		parts:     map[string][][]byte{},
		completed: map[string][]byte{},
	}
}

func (m *memObjStore) Put(_ context.Context, key, _ string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeys[key] {
		return fmt.Errorf("delete failed for %q", key)
	}
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memObjStore) CreateMultipart(_ context.Context, key, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadSeq++
	id := fmt.Sprintf("upload-%d", m.uploadSeq)
	m.parts[key] = nil
	return id, nil
}

func (m *memObjStore) UploadPart(_ context.Context, key, _ string, partNumber int32, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[key] = append(m.parts[key], append([]byte(nil), data...))
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (m *memObjStore) CompleteMultipart(_ context.Context, key, _ string, _ []objstore.Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var assembled []byte
	for _, p := range m.parts[key] {
		assembled = append(assembled, p...)
	}
	m.completed[key] = assembled
	return nil
}

func (m *memObjStore) AbortMultipart(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = append(m.aborted, key)
	return nil
}

func (m *memObjStore) URL(key string) string { return "https://files.example.com/" + key }

// fakeSource serves a fixed work list with paging.
type fakeSource struct {
	mu          sync.Mutex
	collections []*model.Collection
	libraries   []*model.Library
	works       []*model.Work

	// sinces records the changedSince of every Works call.
	sinces []*time.Time
}

func (s *fakeSource) Collections(_ context.Context) ([]*model.Collection, error) {
	return s.collections, nil
}

func (s *fakeSource) Libraries(_ context.Context) ([]*model.Library, error) {
	return s.libraries, nil
}

func (s *fakeSource) Works(_ context.Context, _ string, changedSince *time.Time, offset, limit int) ([]*model.Work, error) {
	s.mu.Lock()
	s.sinces = append(s.sinces, changedSince)
	s.mu.Unlock()
	if offset >= len(s.works) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.works) {
		end = len(s.works)
	}
	return s.works[offset:end], nil
}

// fakeFiles is an in-memory ExportedFileStore.
type fakeFiles struct {
	mu         sync.Mutex
	last       map[string]*time.Time
	registered []*ExportedFile
	listed     map[string][]*ExportedFile
	removed    []string
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{last: map[string]*time.Time{}, listed: map[string][]*ExportedFile{}}
}

func pairKey(collectionID, libraryID string) string { return collectionID + "|" + libraryID }

func (f *fakeFiles) LastFullExport(_ context.Context, collectionID, libraryID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[pairKey(collectionID, libraryID)], nil
}

func (f *fakeFiles) Register(_ context.Context, file *ExportedFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, file)
	return nil
}

func (f *fakeFiles) List(_ context.Context, collectionID, libraryID string) ([]*ExportedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed[pairKey(collectionID, libraryID)], nil
}

func (f *fakeFiles) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func testWorks(n int) []*model.Work {
	works := make([]*model.Work, 0, n)
	for i := 0; i < n; i++ {
		works = append(works, &model.Work{
			Identifier: model.Identifier{Type: model.IdentifierTypeURI, Value: fmt.Sprintf("https://example.com/%d", i)},
			PresentationEdition: model.Edition{
				Title:    fmt.Sprintf("Title %d", i),
				Language: "eng",
				Medium:   model.MediumBook,
			},
		})
	}
	return works
}

func testFixtures(n int) (*fakeSource, *fakeFiles) {
	source := &fakeSource{
		collections: []*model.Collection{{ID: "c1", Name: "Main Collection", MarcExportEnabled: true}},
		libraries: []*model.Library{{
			ID:                   "l1",
			ShortName:            "main",
			MarcOrganizationCode: "StRm",
			WebClientBaseURLs:    []string{"https://read.example.com"},
		}},
		works: testWorks(n),
	}
	return source, newFakeFiles()
}

func testConfig() *Config {
	return &Config{Prefix: "test"}
}

func acquireOf(session UploadSession) AcquireFunc {
	return func(_ context.Context, _ string) (UploadSession, error) {
		return session, nil
	}
}

func TestExecuteExport_SmallFileSinglePut(t *testing.T) {
	t.Parallel()

	source, files := testFixtures(3)
	store := newMemObjStore()
	session := newMemSession()

	err := ExecuteExport(context.Background(), testConfig(), &ExportOptions{
		Source:          ExportedSource{Works: source, Files: files},
		StoreOverride:   store,
		AcquireOverride: acquireOf(session),
		Now:             func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := len(files.registered), 1; got != want {
		t.Fatalf("expected %d registered files, got %d", want, got)
	}
	file := files.registered[0]
	if got, want := file.Key, "Main-Collection/main/2024-06-01T12-00-00-full.mrc"; got != want {
		t.Errorf("expected key %q, got %q", want, got)
	}
	if got, want := file.RecordCount, 3; got != want {
		t.Errorf("expected %d records, got %d", want, got)
	}
	if file.Delta {
		t.Error("first export must be full, not delta")
	}

	data, ok := store.puts[file.Key]
	if !ok {
		t.Fatal("file was not uploaded with a single put")
	}
	if got, want := data[5], byte('n'); got != want {
		t.Errorf("expected leader status %q, got %q", want, got)
	}
	if got, want := int64(len(data)), file.Size; got != want {
		t.Errorf("registered size %d does not match uploaded %d", want, got)
	}
	if !session.released {
		t.Error("session was not released")
	}
}

func TestExecuteExport_MultipartParts(t *testing.T) {
	t.Parallel()

	source, files := testFixtures(3)
	store := newMemObjStore()
	session := newMemSession()

	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.PartSize = 1

	err := ExecuteExport(context.Background(), cfg, &ExportOptions{
		Source:          ExportedSource{Works: source, Files: files},
		StoreOverride:   store,
		AcquireOverride: acquireOf(session),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(files.registered), 1; got != want {
		t.Fatalf("expected %d registered files, got %d", want, got)
	}

	key := files.registered[0].Key
	if len(store.puts) != 0 {
		t.Error("multipart export must not use single put")
	}
	if got, want := len(store.parts[key]), 2; got != want {
		t.Errorf("expected %d parts, got %d", want, got)
	}
	assembled, ok := store.completed[key]
	if !ok {
		t.Fatal("multipart upload was not completed")
	}
	if got, want := int64(len(assembled)), files.registered[0].Size; got != want {
		t.Errorf("assembled size %d does not match registered %d", got, want)
	}
}

func TestExecuteExport_LockHeldSkips(t *testing.T) {
	t.Parallel()

	source, files := testFixtures(3)
	err := ExecuteExport(context.Background(), testConfig(), &ExportOptions{
		Source:        ExportedSource{Works: source, Files: files},
		StoreOverride: newMemObjStore(),
		AcquireOverride: func(_ context.Context, _ string) (UploadSession, error) {
			return nil, statestore.ErrLockHeld
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(files.registered), 0; got != want {
		t.Errorf("expected %d registered files, got %d", want, got)
	}
}

func TestExecuteExport_FullAndDelta(t *testing.T) {
	t.Parallel()

	source, files := testFixtures(2)
	watermark := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	files.last[pairKey("c1", "l1")] = &watermark

	store := newMemObjStore()
	err := ExecuteExport(context.Background(), testConfig(), &ExportOptions{
		Source:          ExportedSource{Works: source, Files: files},
		StoreOverride:   store,
		AcquireOverride: acquireOf(newMemSession()),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Every run produces a fresh full file plus a delta covering works
	// updated since the previous full.
	if got, want := len(files.registered), 2; got != want {
		t.Fatalf("expected %d registered files, got %d", want, got)
	}
	full, delta := files.registered[0], files.registered[1]
	if full.Delta {
		t.Error("first registered file must be the full export")
	}
	if !strings.HasSuffix(full.Key, "-full.mrc") {
		t.Errorf("expected full key, got %q", full.Key)
	}
	if !delta.Delta {
		t.Error("second registered file must be the delta export")
	}
	if !strings.HasSuffix(delta.Key, "-delta.mrc") {
		t.Errorf("expected delta key, got %q", delta.Key)
	}

	if got, want := len(source.sinces), 2; got != want {
		t.Fatalf("expected %d works queries, got %d", want, got)
	}
	if source.sinces[0] != nil {
		t.Errorf("full export must stream all works, got since %v", source.sinces[0])
	}
	if source.sinces[1] == nil || !source.sinces[1].Equal(watermark) {
		t.Errorf("expected delta query since %v, got %v", watermark, source.sinces[1])
	}

	if got, want := store.puts[full.Key][5], byte('n'); got != want {
		t.Errorf("expected full leader status %q, got %q", want, got)
	}
	if got, want := store.puts[delta.Key][5], byte('c'); got != want {
		t.Errorf("expected delta leader status %q, got %q", want, got)
	}
}

func TestExecuteExport_ZeroRecordsSkipsFile(t *testing.T) {
	t.Parallel()

	source, files := testFixtures(0)
	store := newMemObjStore()
	err := ExecuteExport(context.Background(), testConfig(), &ExportOptions{
		Source:          ExportedSource{Works: source, Files: files},
		StoreOverride:   store,
		AcquireOverride: acquireOf(newMemSession()),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(files.registered), 0; got != want {
		t.Errorf("expected %d registered files, got %d", want, got)
	}
	if got, want := len(store.puts), 0; got != want {
		t.Errorf("expected %d uploads, got %d", want, got)
	}
}

func TestExecuteExport_ResumesInterruptedUpload(t *testing.T) {
	t.Parallel()

	source, files := testFixtures(3)
	store := newMemObjStore()
	session := newMemSession()
	session.state = statestore.StateUploading

	// A previous exporter died after uploading one part covering the
	// first work. The session entry carries the part list and the work
	// cursor behind it.
	key := "Main-Collection/main/2024-05-31T23-00-00-full.mrc"
	store.parts[key] = [][]byte{[]byte("part-one-")}
	session.uploads[key] = &statestore.Upload{
		UploadID:  "upload-1",
		Parts:     []statestore.Part{{PartNumber: 1, ETag: "etag-1"}},
		LibraryID: "l1",
		Offset:    1,
		Records:   1,
		Bytes:     9,
	}

	err := ExecuteExport(context.Background(), testConfig(), &ExportOptions{
		Source:          ExportedSource{Works: source, Files: files},
		StoreOverride:   store,
		AcquireOverride: acquireOf(session),
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(store.aborted) != 0 {
		t.Errorf("resumable upload was aborted: %v", store.aborted)
	}
	// The resumed file satisfies this run's full slot, so exactly one
	// file registers and it keeps the leftover key.
	if got, want := len(files.registered), 1; got != want {
		t.Fatalf("expected %d registered files, got %d", want, got)
	}
	file := files.registered[0]
	if got, want := file.Key, key; got != want {
		t.Errorf("expected resumed key %q, got %q", want, got)
	}
	if got, want := file.RecordCount, 3; got != want {
		t.Errorf("expected %d records counting the resumed part, got %d", want, got)
	}

	// Streaming continued from the recorded cursor, not from scratch.
	if got, want := len(source.sinces), 1; got != want {
		t.Fatalf("expected %d works queries, got %d", want, got)
	}
	assembled, ok := store.completed[key]
	if !ok {
		t.Fatal("resumed multipart upload was not completed")
	}
	if !strings.HasPrefix(string(assembled), "part-one-") {
		t.Error("completed file does not start with the already-uploaded part")
	}
	if got, want := int64(len(assembled)), file.Size; got != want {
		t.Errorf("assembled size %d does not match registered %d", got, want)
	}
}

func TestExecuteExport_AbortsOrphanedUpload(t *testing.T) {
	t.Parallel()

	source, files := testFixtures(1)
	store := newMemObjStore()
	session := newMemSession()
	session.state = statestore.StateUploading
	session.uploads["stale/file.mrc"] = &statestore.Upload{
		UploadID:  "upload-stale",
		Parts:     []statestore.Part{{PartNumber: 1, ETag: "etag-1"}},
		LibraryID: "ghost",
	}

	err := ExecuteExport(context.Background(), testConfig(), &ExportOptions{
		Source:          ExportedSource{Works: source, Files: files},
		StoreOverride:   store,
		AcquireOverride: acquireOf(session),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(store.aborted), 1; got != want {
		t.Fatalf("expected %d aborts, got %d", want, got)
	}
	if got, want := store.aborted[0], "stale/file.mrc"; got != want {
		t.Errorf("expected abort of %q, got %q", want, got)
	}
	if _, ok := session.uploads["stale/file.mrc"]; ok {
		t.Error("orphaned upload entry was not removed")
	}
	// The fresh export for the known library still happens.
	if got, want := len(files.registered), 1; got != want {
		t.Errorf("expected %d registered files, got %d", want, got)
	}
}

func TestExecuteCleanup(t *testing.T) {
	t.Parallel()

	source, files := testFixtures(0)
	store := newMemObjStore()
	store.failKeys["Main-Collection/main/old-2-full.mrc"] = true

	var rows []*ExportedFile
	for i := 0; i < 5; i++ {
		rows = append(rows, &ExportedFile{
			ID:           fmt.Sprintf("f%d", i),
			CollectionID: "c1",
			LibraryID:    "l1",
			Key:          fmt.Sprintf("Main-Collection/main/old-%d-full.mrc", i),
			StartedAt:    time.Date(2024, 6, 5-i, 0, 0, 0, 0, time.UTC),
		})
	}
	files.listed[pairKey("c1", "l1")] = rows

	cfg := testConfig()
	cfg.KeepFiles = 2

	err := ExecuteCleanup(context.Background(), cfg, &ExportOptions{
		Source:        ExportedSource{Works: source, Files: files},
		StoreOverride: store,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Rows 2..4 are beyond the retention count; row 2's object delete
	// fails, so its row must survive.
	if got, want := len(store.deleted), 2; got != want {
		t.Errorf("expected %d deleted objects, got %d", want, got)
	}
	if got, want := len(files.removed), 2; got != want {
		t.Fatalf("expected %d removed rows, got %d", want, got)
	}
	for _, id := range files.removed {
		if id == "f2" {
			t.Error("row f2 removed despite failed object delete")
		}
	}
}
