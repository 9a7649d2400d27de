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

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/abcxyz/pkg/cli"
	"github.com/redis/go-redis/v9"

	"github.com/stackroom/circulation/pkg/apply"
	"github.com/stackroom/circulation/pkg/importer"
	"github.com/stackroom/circulation/pkg/marcexport"
	"github.com/stackroom/circulation/pkg/model"
	"github.com/stackroom/circulation/pkg/objstore"
	"github.com/stackroom/circulation/pkg/playtime"
	"github.com/stackroom/circulation/pkg/repo/memory"
)

// Repositories bundles every repository surface a command can need.
type Repositories interface {
	apply.Store
	importer.SnapshotStore
	marcexport.WorkSource
	marcexport.ExportedFileStore
	playtime.EntryStore
	playtime.SummaryStore
}

// RepositoryProvider builds the repositories for a command run.
// Embedding applications install a database-backed provider; the
// default serves local development and tests from process memory.
type RepositoryProvider func(ctx context.Context) (Repositories, error)

func defaultRepositoryProvider(context.Context) (Repositories, error) {
	return memory.New(), nil
}

// redisConfig locates the coordination Redis shared by dispatch, the
// apply stream, and export leases.
type redisConfig struct {
	Addr   string
	DB     int
	Prefix string
}

func (c *redisConfig) toFlags(set *cli.FlagSet) {
	f := set.NewSection("REDIS OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "redis-addr",
		Target:  &c.Addr,
		EnvVar:  "REDIS_ADDR",
		Default: "localhost:6379",
		Usage:   `The host:port of the coordination Redis.`,
	})

	f.IntVar(&cli.IntVar{
		Name:   "redis-db",
		Target: &c.DB,
		EnvVar: "REDIS_DB",
		Usage:  `The Redis logical database number.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "prefix",
		Target:  &c.Prefix,
		EnvVar:  "KEY_PREFIX",
		Default: "circulation",
		Usage:   `The key namespace shared by all processes of one installation.`,
	})
}

func (c *redisConfig) validate() error {
	var merr error
	if c.Addr == "" {
		merr = errors.Join(merr, fmt.Errorf("REDIS_ADDR is required"))
	}
	if c.Prefix == "" {
		merr = errors.Join(merr, fmt.Errorf("KEY_PREFIX is required"))
	}
	return merr
}

func (c *redisConfig) client() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: c.Addr, DB: c.DB})
}

// objectFlags binds the S3 settings shared by the MARC and report
// commands.
func objectFlags(set *cli.FlagSet, cfg *objstore.Config) {
	f := set.NewSection("OBJECT STORE OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "bucket",
		Target: &cfg.Bucket,
		EnvVar: "OBJECT_BUCKET",
		Usage:  `The bucket receiving generated files.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "region",
		Target: &cfg.Region,
		EnvVar: "OBJECT_REGION",
		Usage:  `The bucket region.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "endpoint",
		Target: &cfg.Endpoint,
		EnvVar: "OBJECT_ENDPOINT",
		Usage:  `Endpoint override for S3-compatible stores.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "path-style",
		Target: &cfg.PathStyle,
		EnvVar: "OBJECT_PATH_STYLE",
		Usage:  `Use path-style addressing, usually together with -endpoint.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "public-base-url",
		Target: &cfg.PublicBaseURL,
		EnvVar: "OBJECT_PUBLIC_BASE_URL",
		Usage:  `Base URL for object links when served through a CDN or proxy.`,
	})
}

// findCollection resolves a collection ID against the repository.
func findCollection(ctx context.Context, repos Repositories, id string) (*model.Collection, error) {
	collections, err := repos.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	for _, c := range collections {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no collection with ID %q", id)
}
