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

// Package dlq implements dead letter queue inspection and rehydration.
package dlq

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nofx/nofx/internal/commands/shared"
)

// NewCommand creates the dlq command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and rehydrate dead letter queues",
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRehydrateCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list <topic>",
		Short: "List dead-lettered jobs for a topic, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			jobs, err := rt.Queue.ListDLQ(ctx, args[0], limit)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(os.Stdout, jobs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tATTEMPTS\tFAILED AT\tLAST ERROR")
			for _, j := range jobs {
				failedAt := ""
				if j.FailedAt != nil {
					failedAt = j.FailedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", j.ID, j.Attempt, failedAt, j.LastError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to return")

	return cmd
}

func newRehydrateCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "rehydrate <topic>",
		Short: "Re-enqueue dead-lettered jobs with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.Queue.RehydrateDLQ(ctx, args[0], limit)
			if err != nil {
				return err
			}
			shared.Printf(os.Stdout, "Rehydrated %d job(s)\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum jobs to rehydrate")

	return cmd
}
