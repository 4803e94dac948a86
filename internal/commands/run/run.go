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

// Package run implements run inspection and recovery commands.
package run

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nofx/nofx/internal/commands/shared"
	"github.com/nofx/nofx/internal/runner"
	"github.com/nofx/nofx/internal/store"
)

// NewCommand creates the run command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and recover runs",
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newRetryCommand())
	cmd.AddCommand(newResumeCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			runs, err := rt.Store.ListRuns(ctx, store.RunFilter{
				Status: store.RunStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(os.Stdout, runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					r.ID, r.Title, r.Status, r.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by run status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to return")

	return cmd
}

func newShowCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <runId>",
		Short: "Show a run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			run, err := rt.Store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := rt.Store.ListSteps(ctx, run.ID)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				out := map[string]any{"run": run, "steps": steps}
				if events {
					evs, err := rt.Store.ListEvents(ctx, run.ID)
					if err != nil {
						return err
					}
					out["events"] = evs
				}
				return shared.PrintJSON(os.Stdout, out)
			}

			fmt.Printf("Run %s  %s  (%s)\n", run.ID, run.Title, run.Status)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tNAME\tTOOL\tSTATUS")
			for _, s := range steps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Tool, s.Status)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if events {
				evs, err := rt.Store.ListEvents(ctx, run.ID)
				if err != nil {
					return err
				}
				fmt.Println()
				for _, e := range evs {
					fmt.Printf("%s  %s\n", e.CreatedAt.Format(time.RFC3339), e.Type)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "Include the run's event log")

	return cmd
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <runId> <stepId>",
		Short: "Re-enqueue a failed or timed out step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec := runner.NewRecovery(rt.Store, rt.Queue, rt.Logger)
			if err := rec.RetryStep(ctx, args[0], args[1]); err != nil {
				return err
			}
			shared.Printf(os.Stdout, "Step %s re-enqueued\n", args[1])
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <runId>",
		Short: "Retry every failed step of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec := runner.NewRecovery(rt.Store, rt.Queue, rt.Logger)
			n, err := rec.ResumeRun(ctx, args[0])
			if err != nil {
				return err
			}
			shared.Printf(os.Stdout, "Re-enqueued %d step(s)\n", n)
			return nil
		},
	}
}
