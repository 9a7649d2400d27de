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
	"errors"
	"fmt"

	"github.com/abcxyz/pkg/cli"
)

// Config defines the settings for the task-trigger server.
type Config struct {
	Port      string
	TaskToken string
	ProjectID string
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.TaskToken == "" {
		merr = errors.Join(merr, fmt.Errorf("TASK_TOKEN is required"))
	}

	return merr
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the task server listens on.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "task-token",
		Target: &cfg.TaskToken,
		EnvVar: "TASK_TOKEN",
		Usage:  `Shared secret the scheduler sends in the X-Task-Token header.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "project-id",
		Target: &cfg.ProjectID,
		EnvVar: "PROJECT_ID",
		Usage:  `Cloud project ID, used to correlate request logs with traces.`,
	})

	return set
}
