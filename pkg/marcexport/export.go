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
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/redis/go-redis/v9"

	"github.com/stackroom/circulation/pkg/marc"
	"github.com/stackroom/circulation/pkg/model"
	"github.com/stackroom/circulation/pkg/objstore"
	"github.com/stackroom/circulation/pkg/statestore"
)

// ExecuteExport runs one export pass over every export-enabled
// collection. Collections whose lease is held elsewhere are skipped,
// not failed; other per-collection errors accumulate so one broken
// collection cannot block the rest.
func ExecuteExport(ctx context.Context, cfg *Config, opts *ExportOptions) error {
	if opts == nil {
		opts = &ExportOptions{}
	}
	if err := cfg.normalize(); err != nil {
		return err
	}
	if opts.Source.Works == nil || opts.Source.Files == nil {
		return fmt.Errorf("export requires a work source and an exported-file store")
	}

	store := opts.StoreOverride
	if store == nil {
		s, err := objstore.NewS3Store(ctx, &cfg.Object)
		if err != nil {
			return fmt.Errorf("failed to create object store: %w", err)
		}
		store = s
	}

	acquire := opts.AcquireOverride
	if acquire == nil {
		rdb := opts.RedisOverride
		if rdb == nil {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
			defer rdb.Close()
		}
		state := statestore.New(rdb, cfg.Prefix)
		acquire = func(ctx context.Context, collectionID string) (UploadSession, error) {
			return statestore.AcquireMarcSession(ctx, state, collectionID, cfg.LeaseTTL)
		}
	}

	e := &engine{
		cfg:     cfg,
		store:   store,
		source:  opts.Source.Works,
		files:   opts.Source.Files,
		acquire: acquire,
		now:     opts.clock(),
	}
	return e.run(ctx)
}

type engine struct {
	cfg     *Config
	store   objstore.Store
	source  WorkSource
	files   ExportedFileStore
	acquire AcquireFunc
	now     func() time.Time
}

func (e *engine) run(ctx context.Context) error {
	collections, err := e.source.Collections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	libraries, err := e.source.Libraries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list libraries: %w", err)
	}

	var merr error
	for _, c := range collections {
		if !c.MarcExportEnabled {
			continue
		}
		if err := e.exportCollection(ctx, c, libraries); err != nil {
			merr = errors.Join(merr, fmt.Errorf("collection %q: %w", c.Name, err))
		}
	}
	return merr
}

func (e *engine) exportCollection(ctx context.Context, c *model.Collection, libraries []*model.Library) error {
	logger := logging.FromContext(ctx)

	session, err := e.acquire(ctx, c.ID)
	if err != nil {
		if errors.Is(err, statestore.ErrLockHeld) {
			logger.InfoContext(ctx, "another exporter holds the collection lease, skipping",
				"collection", c.Name)
			return nil
		}
		return fmt.Errorf("failed to acquire export session: %w", err)
	}
	defer func() {
		if err := session.Release(ctx); err != nil && !errors.Is(err, statestore.ErrLockNotHeld) {
			logger.ErrorContext(ctx, "failed to release export session",
				"collection", c.Name,
				"error", err)
		}
	}()

	st, err := session.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session state: %w", err)
	}

	libsByID := make(map[string]*model.Library, len(libraries))
	for _, lib := range libraries {
		libsByID[lib.ID] = lib
	}

	// Watermarks are read up front so a resumed full registering below
	// cannot shift this run's delta window.
	priorFull := make(map[string]*time.Time, len(libraries))
	for _, lib := range libraries {
		t, err := e.files.LastFullExport(ctx, c.ID, lib.ID)
		if err != nil {
			return fmt.Errorf("failed to read export watermark: %w", err)
		}
		priorFull[lib.ID] = t
	}

	if err := session.SetState(ctx, statestore.StateUploading); err != nil {
		return fmt.Errorf("failed to mark session uploading: %w", err)
	}

	var merr error

	// Leftover uploads mean a previous exporter died and its lease
	// expired. The session carries each file's parts and work cursor, so
	// the file continues from where the dead owner stopped instead of
	// being re-exported from scratch.
	resumed := make(map[string]bool)
	leftovers := make([]string, 0, len(st.Uploads))
	for key := range st.Uploads {
		leftovers = append(leftovers, key)
	}
	sort.Strings(leftovers)
	for _, key := range leftovers {
		u := st.Uploads[key]
		lib := libsByID[u.LibraryID]
		if lib == nil {
			e.abortOrphan(ctx, session, key, u)
			continue
		}
		logger.InfoContext(ctx, "resuming interrupted upload from a dead exporter",
			"collection", c.Name,
			"library", lib.ShortName,
			"key", key,
			"parts", len(u.Parts),
			"offset", u.Offset)
		if err := e.exportFile(ctx, session, c, lib, key, u.Delta, u.Since, u, e.now().UTC()); err != nil {
			merr = errors.Join(merr, fmt.Errorf("library %q: %w", lib.ShortName, err))
			continue
		}
		resumed[artifactKey(u.LibraryID, u.Delta)] = true
	}

	started := e.now().UTC()
	for _, lib := range libraries {
		if !resumed[artifactKey(lib.ID, false)] {
			key := fileKey(c, lib, started, false)
			if err := e.exportFile(ctx, session, c, lib, key, false, nil, nil, started); err != nil {
				merr = errors.Join(merr, fmt.Errorf("library %q: %w", lib.ShortName, err))
				continue
			}
		}
		since := priorFull[lib.ID]
		if since == nil || resumed[artifactKey(lib.ID, true)] {
			continue
		}
		key := fileKey(c, lib, started, true)
		if err := e.exportFile(ctx, session, c, lib, key, true, since, nil, started); err != nil {
			merr = errors.Join(merr, fmt.Errorf("library %q: %w", lib.ShortName, err))
		}
	}
	return merr
}

// artifactKey names one (library, full-or-delta) slot of a run.
func artifactKey(libraryID string, delta bool) string {
	if delta {
		return libraryID + "/delta"
	}
	return libraryID + "/full"
}

// abortOrphan abandons a leftover upload whose library no longer
// exists; there is nothing left to resume it into.
func (e *engine) abortOrphan(ctx context.Context, session UploadSession, key string, u *statestore.Upload) {
	logger := logging.FromContext(ctx)

	logger.WarnContext(ctx, "leftover upload references an unknown library, aborting",
		"key", key,
		"library_id", u.LibraryID)
	if u.UploadID != "" {
		if err := e.store.AbortMultipart(ctx, key, u.UploadID); err != nil {
			logger.ErrorContext(ctx, "failed to abort leftover upload",
				"key", key,
				"error", err)
		}
	}
	if err := session.RemoveUpload(ctx, key); err != nil {
		logger.ErrorContext(ctx, "failed to drop leftover upload entry",
			"key", key,
			"error", err)
	}
}

// exportFile streams one (collection, library) file: serialize works in
// batches into the session buffer, flush a part whenever the buffer
// crosses the part threshold, then finalize. A non-nil resume entry
// supplies the recorded parts, buffer, and work cursor of an
// interrupted upload, and streaming continues from its offset.
func (e *engine) exportFile(ctx context.Context, session UploadSession, c *model.Collection, lib *model.Library, key string, delta bool, changedSince *time.Time, resume *statestore.Upload, started time.Time) error {
	logger := logging.FromContext(ctx)

	offset := 0
	recordCount := 0
	totalBytes := int64(0)
	if resume != nil {
		offset = resume.Offset
		recordCount = resume.Records
		totalBytes = resume.Bytes
	} else {
		err := session.StartUpload(ctx, key, &statestore.Upload{
			LibraryID: lib.ID,
			Delta:     delta,
			Since:     changedSince,
		})
		if err != nil {
			return fmt.Errorf("failed to start upload entry: %w", err)
		}
	}

	if len(lib.WebClientBaseURLs) == 0 {
		logger.WarnContext(ctx, "library has no web client base URL, records carry no access links",
			"library", lib.ShortName)
	}

	for {
		works, err := e.source.Works(ctx, c.ID, changedSince, offset, e.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to stream works: %w", err)
		}
		if len(works) == 0 {
			break
		}

		var buf bytes.Buffer
		for _, w := range works {
			base, err := marc.BuildRecord(w, &marc.BuildOptions{
				OrganizationCode: lib.MarcOrganizationCode,
				Delta:            delta,
				Now:              started,
			})
			if err != nil {
				logger.WarnContext(ctx, "skipping unexportable work",
					"identifier", w.Identifier.URN(),
					"error", err)
				continue
			}
			data, err := marc.ForLibrary(base, w, lib).MARC()
			if err != nil {
				logger.WarnContext(ctx, "skipping unserializable work",
					"identifier", w.Identifier.URN(),
					"error", err)
				continue
			}
			buf.Write(data)
			recordCount++
		}

		offset += len(works)
		if buf.Len() > 0 {
			totalBytes += int64(buf.Len())
			lengths, err := session.AppendBuffers(ctx, map[string]*statestore.BufferAppend{
				key: {Data: buf.Bytes(), Offset: offset, Records: recordCount, Bytes: totalBytes},
			})
			if err != nil {
				return fmt.Errorf("failed to buffer records: %w", err)
			}
			if lengths[key] >= e.cfg.PartSize {
				if err := e.flushPart(ctx, session, key); err != nil {
					return err
				}
			}
		}

		if len(works) < e.cfg.BatchSize {
			break
		}
	}

	return e.finalize(ctx, session, c, lib, key, delta, recordCount, totalBytes, started)
}

// flushPart uploads the file's whole buffer as the next part. The part
// is recorded in the session before the buffer counts as consumed:
// a crash between upload and record re-uploads the same bytes under the
// same part number, which S3 treats as an overwrite.
func (e *engine) flushPart(ctx context.Context, session UploadSession, key string) error {
	st, err := session.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session state: %w", err)
	}
	u, ok := st.Uploads[key]
	if !ok || u.Buffer == "" {
		return nil
	}

	uploadID := u.UploadID
	if uploadID == "" {
		id, err := e.store.CreateMultipart(ctx, key, marcContentType)
		if err != nil {
			return fmt.Errorf("failed to create multipart upload: %w", err)
		}
		if err := session.SetUploadID(ctx, key, id); err != nil {
			return fmt.Errorf("failed to record upload id: %w", err)
		}
		uploadID = id
	}

	partNumber := int32(len(u.Parts)) + 1
	etag, err := e.store.UploadPart(ctx, key, uploadID, partNumber, []byte(u.Buffer))
	if err != nil {
		return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}
	if err := session.AddPartAndClearBuffer(ctx, key, statestore.Part{PartNumber: partNumber, ETag: etag}); err != nil {
		return fmt.Errorf("failed to record part %d: %w", partNumber, err)
	}
	return nil
}

func (e *engine) finalize(ctx context.Context, session UploadSession, c *model.Collection, lib *model.Library, key string, delta bool, recordCount int, totalBytes int64, started time.Time) error {
	logger := logging.FromContext(ctx)

	st, err := session.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session state: %w", err)
	}
	u := st.Uploads[key]

	if recordCount == 0 {
		if u != nil && u.UploadID != "" {
			if err := e.store.AbortMultipart(ctx, key, u.UploadID); err != nil {
				return fmt.Errorf("failed to abort empty upload: %w", err)
			}
		}
		if u != nil {
			if err := session.RemoveUpload(ctx, key); err != nil {
				return fmt.Errorf("failed to drop empty upload entry: %w", err)
			}
		}
		logger.InfoContext(ctx, "no records to export, skipping file",
			"collection", c.Name,
			"library", lib.ShortName,
			"delta", delta)
		return nil
	}
	if u == nil {
		return fmt.Errorf("session lost the upload entry for %q", key)
	}

	if u.UploadID == "" {
		// The whole file fit under one part: a single put is cheaper
		// than a one-part multipart upload.
		if err := e.store.Put(ctx, key, marcContentType, []byte(u.Buffer)); err != nil {
			return fmt.Errorf("failed to upload file: %w", err)
		}
	} else {
		if u.Buffer != "" {
			if err := e.flushPart(ctx, session, key); err != nil {
				return err
			}
			st, err = session.State(ctx)
			if err != nil {
				return fmt.Errorf("failed to re-read session state: %w", err)
			}
			u = st.Uploads[key]
		}
		parts := make([]objstore.Part, 0, len(u.Parts))
		for _, p := range u.Parts {
			parts = append(parts, objstore.Part{Number: p.PartNumber, ETag: p.ETag})
		}
		if err := e.store.CompleteMultipart(ctx, key, u.UploadID, parts); err != nil {
			return fmt.Errorf("failed to complete multipart upload: %w", err)
		}
	}

	if err := session.RemoveUpload(ctx, key); err != nil {
		return fmt.Errorf("failed to drop completed upload entry: %w", err)
	}
	if err := e.files.Register(ctx, &ExportedFile{
		CollectionID: c.ID,
		LibraryID:    lib.ID,
		Key:          key,
		Size:         totalBytes,
		RecordCount:  recordCount,
		Delta:        delta,
		StartedAt:    started,
	}); err != nil {
		return fmt.Errorf("failed to register exported file: %w", err)
	}

	logger.InfoContext(ctx, "exported MARC file",
		"collection", c.Name,
		"library", lib.ShortName,
		"key", key,
		"records", recordCount,
		"bytes", totalBytes,
		"delta", delta)
	return nil
}
