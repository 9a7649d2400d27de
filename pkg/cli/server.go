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
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"

	"github.com/stackroom/circulation/pkg/apply"
	"github.com/stackroom/circulation/pkg/credentials"
	"github.com/stackroom/circulation/pkg/httpclient"
	"github.com/stackroom/circulation/pkg/importer"
	"github.com/stackroom/circulation/pkg/marcexport"
	"github.com/stackroom/circulation/pkg/playtime"
	"github.com/stackroom/circulation/pkg/version"
	"github.com/stackroom/circulation/pkg/worker"
)

var _ cli.Command = (*ServerCommand)(nil)

// ServerCommand starts the task-trigger server. An external scheduler
// POSTs to it to run imports, MARC exports, and playtime aggregation.
type ServerCommand struct {
	cli.BaseCommand

	cfg     *worker.Config
	redis   redisConfig
	marcCfg marcexport.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// RepositoryOverride is only used for testing.
	RepositoryOverride RepositoryProvider
}

func (c *ServerCommand) Desc() string {
	return `Start the task-trigger server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the task-trigger server. An external scheduler POSTs to its
  /tasks endpoints with the shared token to run imports, MARC exports,
  and playtime aggregation.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &worker.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	c.cfg.ToFlags(set)
	c.redis.toFlags(set)
	objectFlags(set, &c.marcCfg.Object)
	return set
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}

	return server.StartHTTPHandler(ctx, mux)
}

func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.redis.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	provider := c.RepositoryOverride
	if provider == nil {
		provider = defaultRepositoryProvider
	}
	repos, err := provider(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build repositories: %w", err)
	}

	rdb := c.redis.client()

	imp, err := importer.New(&importer.Config{
		HTTP:       httpclient.NewWorker(),
		Vault:      credentials.NewVault(),
		Dispatcher: apply.NewDispatcher(rdb, c.redis.Prefix),
		Snapshots:  repos,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create importer: %w", err)
	}

	c.marcCfg.RedisAddr = c.redis.Addr
	c.marcCfg.RedisDB = c.redis.DB
	c.marcCfg.Prefix = c.redis.Prefix

	tasks := &worker.Tasks{
		Import: func(ctx context.Context, collectionID string) error {
			collection, err := findCollection(ctx, repos, collectionID)
			if err != nil {
				return err
			}
			if _, err := imp.ImportCollection(ctx, collection); err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			return nil
		},
		MarcExport: func(ctx context.Context) error {
			opts := &marcexport.ExportOptions{
				Source:        marcexport.ExportedSource{Works: repos, Files: repos},
				RedisOverride: rdb,
			}
			return marcexport.ExecuteExport(ctx, &c.marcCfg, opts) //nolint:wrapcheck // Want passthrough
		},
		PlaytimeAggregate: func(ctx context.Context) error {
			opts := &playtime.AggregateOptions{
				Entries:   repos,
				Summaries: repos,
			}
			return playtime.ExecuteAggregate(ctx, &playtime.Config{}, opts) //nolint:wrapcheck // Want passthrough
		},
	}

	taskServer, err := worker.NewServer(ctx, h, c.cfg, tasks)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server: %w", err)
	}

	mux := taskServer.Routes(ctx)

	server, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return server, mux, nil
}
