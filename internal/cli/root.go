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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/nofx/nofx/internal/commands/shared"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for nofx.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nofx",
		Short: "nofx - durable run and step execution",
		Long: `nofx executes plans as durable runs: each plan step becomes a queued
job that is claimed by a worker, executed by a tool handler, and
recorded in the run store together with its events and artifacts.

Run 'nofx plan submit' to start a run from a plan file.
Run 'nofx worker' to start a worker that executes queued steps.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	verbose, quiet, json := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")

	return cmd
}

// HandleExitError prints err and exits with its mapped exit code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
