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
	"os"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/stackroom/circulation/pkg/apply"
	"github.com/stackroom/circulation/pkg/version"
)

var _ cli.Command = (*ApplyWorkerCommand)(nil)

// ApplyWorkerCommand consumes the apply stream and writes dispatched
// records into the repository until interrupted.
type ApplyWorkerCommand struct {
	cli.BaseCommand

	redis    redisConfig
	consumer string

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// RepositoryOverride is only used for testing.
	RepositoryOverride RepositoryProvider
}

func (c *ApplyWorkerCommand) Desc() string {
	return `Consume the apply stream and write records into the repository`
}

func (c *ApplyWorkerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Consume dispatched bibliographic and circulation records from the
  apply stream and write them into the repository. Runs until
  interrupted.
`
}

func (c *ApplyWorkerCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	c.redis.toFlags(set)

	f := set.NewSection("WORKER OPTIONS")
	f.StringVar(&cli.StringVar{
		Name:   "consumer",
		Target: &c.consumer,
		EnvVar: "CONSUMER_NAME",
		Usage:  `Consumer name within the apply group, unique per process. Defaults to hostname-pid.`,
	})

	return set
}

func (c *ApplyWorkerCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "worker starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.redis.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		c.consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	provider := c.RepositoryOverride
	if provider == nil {
		provider = defaultRepositoryProvider
	}
	repos, err := provider(ctx)
	if err != nil {
		return fmt.Errorf("failed to build repositories: %w", err)
	}

	rdb := c.redis.client()
	defer rdb.Close()

	worker := apply.NewWorker(rdb, c.redis.Prefix, c.consumer, repos)
	if err := worker.Run(ctx); err != nil {
		return fmt.Errorf("worker exited: %w", err)
	}
	return nil
}
