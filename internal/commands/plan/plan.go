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

// Package plan implements plan validation and submission commands.
package plan

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nofx/nofx/internal/commands/shared"
	planpkg "github.com/nofx/nofx/internal/plan"
	pkgerrors "github.com/nofx/nofx/pkg/errors"
)

// NewCommand creates the plan command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate and submit plans",
	}

	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newSubmitCommand())

	return cmd
}

// readPlan loads a plan file, or stdin when path is "-".
func readPlan(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &pkgerrors.ValidationError{Field: "file", Message: err.Error()}
	}
	return raw, nil
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a plan file against the plan schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPlan(args[0])
			if err != nil {
				return err
			}
			p, err := planpkg.Parse(raw)
			if err != nil {
				return err
			}
			shared.Printf(os.Stdout, "Plan valid: %d step(s)\n", len(p.Steps))
			return nil
		},
	}
}

func newSubmitCommand() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Materialise a plan into a run and enqueue its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw, err := readPlan(args[0])
			if err != nil {
				return err
			}
			p, err := planpkg.Parse(raw)
			if err != nil {
				return err
			}

			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			m := planpkg.NewMaterializer(rt.Store, rt.Queue, rt.Logger,
				planpkg.WithBackpressureAge(rt.Cfg.BackpressureAge))
			run, err := m.Submit(ctx, p, project)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(os.Stdout, run)
			}
			shared.Printf(os.Stdout, "Run %s created with %d step(s)\n", run.ID, len(p.Steps))
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Project the run belongs to")

	return cmd
}
