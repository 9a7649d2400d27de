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

// Package marcexport generates MARC files per (collection, library) and
// uploads them to object storage through resumable multipart uploads.
// A Redis lease serializes exporters per collection; part bookkeeping
// lives in the leased session document so a crashed exporter never
// leaves a half-written file looking complete.
package marcexport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stackroom/circulation/pkg/model"
	"github.com/stackroom/circulation/pkg/objstore"
	"github.com/stackroom/circulation/pkg/statestore"
)

// marcContentType is the media type for serialized MARC 21 files.
const marcContentType = "application/marc"

const (
	defaultBatchSize = 500
	defaultLeaseTTL  = 20 * time.Minute
	defaultKeepFiles = 12
)

// Config carries the deployment settings for export and cleanup runs.
type Config struct {
	// RedisAddr and RedisDB locate the coordination Redis. Ignored when
	// the caller injects a client.
	RedisAddr string
	RedisDB   int

	// Prefix is the installation namespace shared with the state store.
	Prefix string

	// Object describes the MARC file bucket.
	Object objstore.Config

	// BatchSize is the work-streaming page size (default 500).
	BatchSize int

	// LeaseTTL bounds one exporter's exclusive hold (default 20m).
	LeaseTTL time.Duration

	// PartSize is the buffered-bytes threshold that triggers a part
	// upload. Defaults to the S3 minimum; only tests lower it.
	PartSize int

	// KeepFiles is the per-(collection, library) retention count for
	// cleanup runs (default 12).
	KeepFiles int
}

func (c *Config) normalize() error {
	if c.Prefix == "" {
		return fmt.Errorf("state store prefix is required")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.PartSize <= 0 {
		c.PartSize = objstore.MinPartSize
	}
	if c.KeepFiles <= 0 {
		c.KeepFiles = defaultKeepFiles
	}
	return nil
}

// WorkSource is the repository surface the exporter reads from.
type WorkSource interface {
	Collections(ctx context.Context) ([]*model.Collection, error)
	Libraries(ctx context.Context) ([]*model.Library, error)

	// Works pages through a collection's works. A nil changedSince means
	// a full export; otherwise only works updated since that time return.
	Works(ctx context.Context, collectionID string, changedSince *time.Time, offset, limit int) ([]*model.Work, error)
}

// ExportedFile is the bookkeeping row for one completed MARC file.
type ExportedFile struct {
	ID           string
	CollectionID string
	LibraryID    string
	Key          string
	Size         int64
	RecordCount  int
	Delta        bool
	StartedAt    time.Time
}

// ExportedFileStore tracks completed exports. LastFullExport doubles as
// the delta watermark: each run's delta covers works updated since the
// previous full file, and it only advances when a full file registers
// successfully.
type ExportedFileStore interface {
	LastFullExport(ctx context.Context, collectionID, libraryID string) (*time.Time, error)
	Register(ctx context.Context, f *ExportedFile) error

	// List returns files newest-first.
	List(ctx context.Context, collectionID, libraryID string) ([]*ExportedFile, error)
	Remove(ctx context.Context, id string) error
}

// UploadSession is the slice of the leased MARC session the engine
// drives. *statestore.MarcSession is the production implementation.
type UploadSession interface {
	State(ctx context.Context) (*statestore.UploadState, error)
	StartUpload(ctx context.Context, fileKey string, u *statestore.Upload) error
	AppendBuffers(ctx context.Context, updates map[string]*statestore.BufferAppend) (map[string]int, error)
	SetUploadID(ctx context.Context, fileKey, uploadID string) error
	AddPartAndClearBuffer(ctx context.Context, fileKey string, part statestore.Part) error
	SetState(ctx context.Context, state string) error
	RemoveUpload(ctx context.Context, fileKey string) error
	Release(ctx context.Context) error
}

var _ UploadSession = (*statestore.MarcSession)(nil)

// AcquireFunc takes the export lease for one collection.
type AcquireFunc func(ctx context.Context, collectionID string) (UploadSession, error)

// ExportOptions are dependency overrides, primarily for tests.
type ExportOptions struct {
	Source ExportedSource

	// RedisOverride supplies the coordination Redis instead of dialing
	// cfg.RedisAddr.
	RedisOverride *redis.Client

	// StoreOverride supplies the object store instead of building an S3
	// client from cfg.Object.
	StoreOverride objstore.Store

	// AcquireOverride replaces lease acquisition entirely.
	AcquireOverride AcquireFunc

	// Now overrides the clock.
	Now func() time.Time
}

// ExportedSource bundles the two repository dependencies.
type ExportedSource struct {
	Works WorkSource
	Files ExportedFileStore
}

func (o *ExportOptions) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

// fileKey assembles the bucket key for one export file.
func fileKey(c *model.Collection, lib *model.Library, started time.Time, delta bool) string {
	kind := "full"
	if delta {
		kind = "delta"
	}
	return fmt.Sprintf("%s/%s/%s-%s.mrc",
		keySegment(c.Name),
		keySegment(lib.ShortName),
		started.UTC().Format("2006-01-02T15-04-05"),
		kind)
}

// keySegment makes a name safe as one S3 key path segment.
func keySegment(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	return strings.ReplaceAll(s, " ", "-")
}
