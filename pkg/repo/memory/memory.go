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

// Package memory is the in-memory repository. It backs development
// setups and tests; production installations swap in a database-backed
// implementation of the same interfaces.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stackroom/circulation/pkg/apply"
	"github.com/stackroom/circulation/pkg/importer"
	"github.com/stackroom/circulation/pkg/marcexport"
	"github.com/stackroom/circulation/pkg/model"
	"github.com/stackroom/circulation/pkg/playtime"
)

// Repository implements every repository surface over process memory.
// Safe for concurrent use.
type Repository struct {
	mu sync.RWMutex

	collections map[string]*model.Collection
	libraries   map[string]*model.Library

	snapshots map[string]string
	applied   map[string]string
	works     map[string]map[string]*model.Work
	pools     map[string]*model.CirculationData

	files   []*marcexport.ExportedFile
	fileSeq int

	entries   map[string]*playtime.Entry
	summaries []*playtime.Summary

	now func() time.Time
}

// Interface conformance.
var (
	_ apply.Store                  = (*Repository)(nil)
	_ importer.SnapshotStore       = (*Repository)(nil)
	_ marcexport.WorkSource        = (*Repository)(nil)
	_ marcexport.ExportedFileStore = (*Repository)(nil)
	_ playtime.EntryStore          = (*Repository)(nil)
	_ playtime.SummaryStore        = (*Repository)(nil)
)

// New creates an empty repository.
func New() *Repository {
	return &Repository{
		collections: map[string]*model.Collection{},
		libraries:   map[string]*model.Library{},
		snapshots:   map[string]string{},
		applied:     map[string]string{},
		works:       map[string]map[string]*model.Work{},
		pools:       map[string]*model.CirculationData{},
		entries:     map[string]*playtime.Entry{},
		now:         time.Now,
	}
}

// SetClock overrides the repository clock. Used by tests.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func pairKey(a, b string) string { return a + "|" + b }

// AddCollection registers or replaces a collection.
func (r *Repository) AddCollection(c *model.Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections[c.ID] = c
}

// AddLibrary registers or replaces a library.
func (r *Repository) AddLibrary(lib *model.Library) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.libraries[lib.ID] = lib
}

// Collection looks a collection up by ID.
func (r *Repository) Collection(id string) (*model.Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[id]
	return c, ok
}

// Collections returns all collections, ordered by name.
func (r *Repository) Collections(_ context.Context) ([]*model.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Collection, 0, len(r.collections))
	for _, c := range r.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Libraries returns all libraries, ordered by short name.
func (r *Repository) Libraries(_ context.Context) ([]*model.Library, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Library, 0, len(r.libraries))
	for _, lib := range r.libraries {
		out = append(out, lib)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortName < out[j].ShortName })
	return out, nil
}

// SnapshotHash returns "" for an identifier never imported.
func (r *Repository) SnapshotHash(_ context.Context, collectionID string, ident model.Identifier) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshots[pairKey(collectionID, ident.URN())], nil
}

func (r *Repository) SetSnapshotHash(_ context.Context, collectionID string, ident model.Identifier, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[pairKey(collectionID, ident.URN())] = hash
	return nil
}

// LastAppliedID returns the last stream ID applied for the identifier.
func (r *Repository) LastAppliedID(_ context.Context, ident model.Identifier) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.applied[ident.URN()], nil
}

// ApplyBibliographic upserts the work's edition facts.
func (r *Repository) ApplyBibliographic(_ context.Context, collectionID string, data *model.BibliographicData, streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byURN, ok := r.works[collectionID]
	if !ok {
		byURN = map[string]*model.Work{}
		r.works[collectionID] = byURN
	}
	urn := data.Identifier.URN()
	w, ok := byURN[urn]
	if !ok {
		w = &model.Work{
			ID:           fmt.Sprintf("%s/%s", collectionID, urn),
			Identifier:   data.Identifier,
			CollectionID: collectionID,
		}
		byURN[urn] = w
	}

	w.PresentationEdition = model.Edition{
		PrimaryIdentifier: data.Identifier,
		Title:             data.Title,
		Subtitle:          data.Subtitle,
		SortTitle:         data.SortTitle,
		Language:          data.Language,
		Medium:            data.Medium,
		Publisher:         data.Publisher,
		Imprint:           data.Imprint,
		Issued:            data.Issued,
		Contributors:      data.Contributors,
		Series:            data.Series,
		SeriesPosition:    data.SeriesPosition,
	}
	w.Summary = data.Description
	if data.Identifier.Type == model.IdentifierTypeISBN {
		w.ISBN = data.Identifier.Value
	}
	w.Genres = genresFromSubjects(data.Subjects)
	w.LastUpdated = r.now().UTC()

	r.applied[urn] = streamID
	return nil
}

// ApplyCirculation upserts the license pool counts and formats.
func (r *Repository) ApplyCirculation(_ context.Context, collectionID string, data *model.CirculationData, streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	urn := data.Identifier.URN()
	r.pools[pairKey(collectionID, urn)] = data
	if byURN, ok := r.works[collectionID]; ok {
		if w, ok := byURN[urn]; ok {
			w.DeliveryMechanisms = data.Formats
			w.LastUpdated = r.now().UTC()
		}
	}
	r.applied[urn] = streamID
	return nil
}

// Pool returns the stored circulation data for a pair, if any.
func (r *Repository) Pool(collectionID string, ident model.Identifier) (*model.CirculationData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[pairKey(collectionID, ident.URN())]
	return p, ok
}

// Works pages through a collection's works ordered by URN. A non-nil
// changedSince filters to works updated strictly after it.
func (r *Repository) Works(_ context.Context, collectionID string, changedSince *time.Time, offset, limit int) ([]*model.Work, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*model.Work
	for _, w := range r.works[collectionID] {
		if changedSince != nil && !w.LastUpdated.After(*changedSince) {
			continue
		}
		all = append(all, w)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Identifier.URN() < all[j].Identifier.URN()
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// LastFullExport returns the newest successful full-export time for the
// pair. Delta files do not move the watermark.
func (r *Repository) LastFullExport(_ context.Context, collectionID, libraryID string) (*time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last *time.Time
	for _, f := range r.files {
		if f.CollectionID != collectionID || f.LibraryID != libraryID || f.Delta {
			continue
		}
		if last == nil || f.StartedAt.After(*last) {
			t := f.StartedAt
			last = &t
		}
	}
	return last, nil
}

// Register records a completed export file, assigning its ID.
func (r *Repository) Register(_ context.Context, f *marcexport.ExportedFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fileSeq++
	cp := *f
	cp.ID = fmt.Sprintf("file-%d", r.fileSeq)
	r.files = append(r.files, &cp)
	return nil
}

// List returns the pair's files newest-first.
func (r *Repository) List(_ context.Context, collectionID, libraryID string) ([]*marcexport.ExportedFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*marcexport.ExportedFile
	for _, f := range r.files {
		if f.CollectionID == collectionID && f.LibraryID == libraryID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Remove drops one export-file row.
func (r *Repository) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, f := range r.files {
		if f.ID == id {
			r.files = append(r.files[:i], r.files[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no exported file %q", id)
}

// AddEntry stores a raw playtime entry.
func (r *Repository) AddEntry(e *playtime.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e
}

func (r *Repository) Unprocessed(_ context.Context, cutoff time.Time) ([]*playtime.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*playtime.Entry
	for _, e := range r.entries {
		if !e.Processed && !e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) MarkProcessed(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if e, ok := r.entries[id]; ok {
			e.Processed = true
		}
	}
	return nil
}

func (r *Repository) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.entries {
		if e.Processed && e.Timestamp.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n, nil
}

// Upsert merges seconds into an existing bucket with the same key.
func (r *Repository) Upsert(_ context.Context, s *playtime.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.summaries {
		if existing.Minute.Equal(s.Minute) &&
			existing.Identifier == s.Identifier &&
			existing.CollectionName == s.CollectionName &&
			existing.LibraryName == s.LibraryName &&
			existing.Title == s.Title &&
			existing.LoanIdentifier == s.LoanIdentifier &&
			existing.DataSource == s.DataSource {
			existing.TotalSeconds += s.TotalSeconds
			return nil
		}
	}
	cp := *s
	r.summaries = append(r.summaries, &cp)
	return nil
}

// Range returns buckets with start <= minute < until.
func (r *Repository) Range(_ context.Context, start, until time.Time) ([]*playtime.Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*playtime.Summary
	for _, s := range r.summaries {
		if !s.Minute.Before(start) && s.Minute.Before(until) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })
	return out, nil
}

// genresFromSubjects pulls genre headings out of subject lists. Schemes
// that end in "genre" or carry no scheme at all count as genre sources.
func genresFromSubjects(subjects []model.Subject) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, s := range subjects {
		if s.Name == "" {
			continue
		}
		if s.Scheme != "" && !strings.HasSuffix(strings.ToLower(s.Scheme), "genre") {
			continue
		}
		if _, ok := seen[s.Name]; ok {
			continue
		}
		seen[s.Name] = struct{}{}
		out = append(out, s.Name)
	}
	return out
}
