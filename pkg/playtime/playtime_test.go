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

package playtime

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stackroom/circulation/pkg/model"
	"github.com/stackroom/circulation/pkg/objstore"
)

type memEntries struct {
	mu      sync.Mutex
	entries []*Entry
	reaped  int
}

func (s *memEntries) Unprocessed(_ context.Context, cutoff time.Time) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if !e.Processed && !e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memEntries) MarkProcessed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		marked[id] = struct{}{}
	}
	for _, e := range s.entries {
		if _, ok := marked[e.ID]; ok {
			e.Processed = true
		}
	}
	return nil
}

func (s *memEntries) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	n := 0
	for _, e := range s.entries {
		if e.Processed && e.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	s.reaped = n
	return n, nil
}

type memSummaries struct {
	mu        sync.Mutex
	summaries []*Summary
}

func (s *memSummaries) Upsert(_ context.Context, sum *Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.summaries {
		if existing.Minute.Equal(sum.Minute) &&
			existing.Identifier == sum.Identifier &&
			existing.CollectionName == sum.CollectionName &&
			existing.LibraryName == sum.LibraryName &&
			existing.Title == sum.Title &&
			existing.LoanIdentifier == sum.LoanIdentifier &&
			existing.DataSource == sum.DataSource {
			existing.TotalSeconds += sum.TotalSeconds
			return nil
		}
	}
	cp := *sum
	s.summaries = append(s.summaries, &cp)
	return nil
}

func (s *memSummaries) Range(_ context.Context, start, until time.Time) ([]*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Summary
	for _, sum := range s.summaries {
		if !sum.Minute.Before(start) && sum.Minute.Before(until) {
			out = append(out, sum)
		}
	}
	return out, nil
}

type putRecorder struct {
	mu   sync.Mutex
	keys []string
	data map[string][]byte
}

func newPutRecorder() *putRecorder {
	return &putRecorder{data: map[string][]byte{}}
}

func (p *putRecorder) Put(_ context.Context, key, _ string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.data[key] = append([]byte(nil), data...)
	return nil
}

func (p *putRecorder) Delete(_ context.Context, _ string) error { return nil }
func (p *putRecorder) CreateMultipart(_ context.Context, _, _ string) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (p *putRecorder) UploadPart(_ context.Context, _, _ string, _ int32, _ []byte) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (p *putRecorder) CompleteMultipart(_ context.Context, _, _ string, _ []objstore.Part) error {
	return fmt.Errorf("not implemented")
}
func (p *putRecorder) AbortMultipart(_ context.Context, _, _ string) error {
	return fmt.Errorf("not implemented")
}
func (p *putRecorder) URL(key string) string { return "https://reports.example.com/" + key }

var isbnIdent = model.Identifier{Type: model.IdentifierTypeISBN, Value: "9781234567897"}

func TestExecuteAggregate(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	stable := now.Add(-2 * time.Hour)

	entries := &memEntries{entries: []*Entry{
		// Two entries in the same minute bucket with the same loan merge.
		{ID: "e1", Timestamp: stable, Identifier: isbnIdent, CollectionName: "c", LibraryName: "l", Title: "T", TotalSeconds: 30, TrackingID: "trk-1", LoanIdentifier: "loan-1", DataSource: "Overdrive"},
		{ID: "e2", Timestamp: stable.Add(10 * time.Second), Identifier: isbnIdent, CollectionName: "c", LibraryName: "l", Title: "T", TotalSeconds: 15, TrackingID: "trk-2", LoanIdentifier: "loan-1", DataSource: "Overdrive"},
		// A different minute is a different bucket.
		{ID: "e3", Timestamp: stable.Add(time.Minute), Identifier: isbnIdent, CollectionName: "c", LibraryName: "l", Title: "T", TotalSeconds: 5, TrackingID: "trk-3", LoanIdentifier: "loan-2", DataSource: "Overdrive"},
		// Inside the stability window: not aggregated yet.
		{ID: "e4", Timestamp: now.Add(-time.Minute), Identifier: isbnIdent, CollectionName: "c", LibraryName: "l", Title: "T", TotalSeconds: 99},
		// Old and processed: reaped.
		{ID: "e5", Timestamp: now.Add(-31 * 24 * time.Hour), Processed: true},
	}}
	summaries := &memSummaries{}

	err := ExecuteAggregate(context.Background(), &Config{}, &AggregateOptions{
		Entries:   entries,
		Summaries: summaries,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := entries.reaped, 1; got != want {
		t.Errorf("expected %d reaped, got %d", want, got)
	}
	if got, want := len(summaries.summaries), 2; got != want {
		t.Fatalf("expected %d buckets, got %d", want, got)
	}
	if got, want := summaries.summaries[0].TotalSeconds, 45; got != want {
		t.Errorf("expected %d seconds in first bucket, got %d", want, got)
	}
	if got, want := summaries.summaries[0].Minute, stable.Truncate(time.Minute); !got.Equal(want) {
		t.Errorf("expected bucket minute %v, got %v", want, got)
	}
	if got, want := summaries.summaries[0].LoanIdentifier, "loan-1"; got != want {
		t.Errorf("expected loan identifier %q, got %q", want, got)
	}
	if got, want := summaries.summaries[0].DataSource, "Overdrive"; got != want {
		t.Errorf("expected data source %q, got %q", want, got)
	}

	// Aggregated entries are marked, the unstable one is not.
	for _, e := range entries.entries {
		switch e.ID {
		case "e1", "e2", "e3":
			if !e.Processed {
				t.Errorf("entry %s not marked processed", e.ID)
			}
		case "e4":
			if e.Processed {
				t.Error("entry inside the stability window was processed")
			}
		}
	}

	// Re-running with no new entries changes nothing.
	if err := ExecuteAggregate(context.Background(), &Config{}, &AggregateOptions{
		Entries:   entries,
		Summaries: summaries,
		Now:       func() time.Time { return now },
	}); err != nil {
		t.Fatal(err)
	}
	if got, want := summaries.summaries[0].TotalSeconds, 45; got != want {
		t.Errorf("idempotent re-run changed bucket to %d, want %d", got, want)
	}
}

func TestExecuteReport(t *testing.T) {
	t.Parallel()

	may := time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)
	summaries := &memSummaries{summaries: []*Summary{
		{Minute: may, Identifier: isbnIdent, CollectionName: "c", LibraryName: "l", Title: "T", TotalSeconds: 45, LoanIdentifier: "loan-1", DataSource: "Overdrive"},
		{Minute: may.Add(time.Minute), Identifier: isbnIdent, CollectionName: "c", LibraryName: "l", Title: "T2", TotalSeconds: 5, LoanIdentifier: "loan-2", DataSource: "Overdrive"},
		// Same loan again: does not inflate the distinct count.
		{Minute: may.Add(2 * time.Minute), Identifier: isbnIdent, CollectionName: "c", LibraryName: "l", Title: "T", TotalSeconds: 10, LoanIdentifier: "loan-1", DataSource: "Overdrive"},
		// A second data source lands in its own file; no loan identifier
		// means no countable loan.
		{Minute: may, Identifier: isbnIdent, CollectionName: "c2", LibraryName: "l", Title: "Other", TotalSeconds: 20, DataSource: "Bibliotheca"},
		// Outside the previous month: excluded.
		{Minute: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Identifier: isbnIdent, CollectionName: "c", LibraryName: "l", Title: "T", TotalSeconds: 100, LoanIdentifier: "loan-9", DataSource: "Overdrive"},
	}}
	store := newPutRecorder()

	cfg := &Config{ReportingName: "palace-test"}
	err := ExecuteReport(context.Background(), cfg, &ReportOptions{
		Summaries:     summaries,
		StoreOverride: store,
		Now:           func() time.Time { return time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := len(store.keys), 2; got != want {
		t.Fatalf("expected %d uploads, got %d", want, got)
	}
	if got, want := store.keys[0], "playtime-summary-palace-test-Bibliotheca-2024-05-01-2024-06-01.csv"; got != want {
		t.Errorf("expected key %q, got %q", want, got)
	}
	if got, want := store.keys[1], "playtime-summary-palace-test-Overdrive-2024-05-01-2024-06-01.csv"; got != want {
		t.Errorf("expected key %q, got %q", want, got)
	}

	records, err := csv.NewReader(strings.NewReader(string(store.data[store.keys[1]]))).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(records), 2; got != want {
		t.Fatalf("expected header plus %d rows, got %d records", want-1, got)
	}
	row := records[1]
	if got, want := row[0], "2024-05"; got != want {
		t.Errorf("expected label %q, got %q", want, got)
	}
	if got, want := row[1], "urn:isbn:9781234567897"; got != want {
		t.Errorf("expected urn %q, got %q", want, got)
	}
	if got, want := row[2], "9781234567897"; got != want {
		t.Errorf("expected isbn %q, got %q", want, got)
	}
	if got, want := row[3], "c"; got != want {
		t.Errorf("expected collection %q, got %q", want, got)
	}
	if got, want := row[4], "l"; got != want {
		t.Errorf("expected library %q, got %q", want, got)
	}
	if got, want := row[5], "T2"; got != want {
		t.Errorf("expected title %q, got %q", want, got)
	}
	if got, want := row[6], "60"; got != want {
		t.Errorf("expected %q total seconds, got %q", want, got)
	}
	if got, want := row[7], "2"; got != want {
		t.Errorf("expected %q distinct loans, got %q", want, got)
	}

	other, err := csv.NewReader(strings.NewReader(string(store.data[store.keys[0]]))).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(other), 2; got != want {
		t.Fatalf("expected header plus %d rows, got %d records", want-1, got)
	}
	if got, want := other[1][7], "0"; got != want {
		t.Errorf("expected %q loans without loan identifiers, got %q", want, got)
	}

	// Nothing patron-linked reaches the CSV.
	if strings.Contains(string(store.data[store.keys[1]]), "trk-") {
		t.Error("tracking identifiers leaked into the report")
	}
}

func TestExecuteReport_RequiresReportingName(t *testing.T) {
	t.Setenv(ReportingNameEnv, "")

	err := ExecuteReport(context.Background(), &Config{}, &ReportOptions{
		Summaries:     &memSummaries{},
		StoreOverride: newPutRecorder(),
	})
	if err == nil {
		t.Error("expected an error without a reporting name")
	}
}
