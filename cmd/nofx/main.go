// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"github.com/nofx/nofx/internal/cli"
	backupcmd "github.com/nofx/nofx/internal/commands/backup"
	"github.com/nofx/nofx/internal/commands/dlq"
	plancmd "github.com/nofx/nofx/internal/commands/plan"
	runcmd "github.com/nofx/nofx/internal/commands/run"
	versioncmd "github.com/nofx/nofx/internal/commands/version"
	workercmd "github.com/nofx/nofx/internal/commands/worker"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	rootCmd.AddCommand(plancmd.NewCommand())
	rootCmd.AddCommand(runcmd.NewCommand())
	rootCmd.AddCommand(workercmd.NewCommand())
	rootCmd.AddCommand(dlq.NewCommand())
	rootCmd.AddCommand(backupcmd.NewCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
