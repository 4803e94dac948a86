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

// Package backup implements the backup create/list/restore commands.
package backup

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	backuppkg "github.com/nofx/nofx/internal/backup"
	"github.com/nofx/nofx/internal/commands/shared"
)

// NewCommand creates the backup command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, and restore state backups",
	}

	cmd.AddCommand(newCreateCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRestoreCommand())

	return cmd
}

func newCreateCommand() *cobra.Command {
	var note, scope string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot the run store into a tarball",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sc, err := backuppkg.ParseScope(scope)
			if err != nil {
				return err
			}

			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			mgr, err := rt.BackupManager(ctx)
			if err != nil {
				return err
			}
			meta, err := mgr.Create(ctx, note, sc)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(os.Stdout, meta)
			}
			shared.Printf(os.Stdout, "Created backup %s (%d bytes)\n", meta.ID, meta.SizeBytes)
			return nil
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Free-text note stored with the backup")
	cmd.Flags().StringVar(&scope, "scope", "", "Backup scope: data, with-project, or project-only")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			mgr, err := rt.BackupManager(ctx)
			if err != nil {
				return err
			}
			metas, err := mgr.List(ctx)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(os.Stdout, metas)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCOPE\tSIZE\tCREATED\tNOTE")
			for _, m := range metas {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					m.ID, m.Scope, m.SizeBytes, m.CreatedAt.Format(time.RFC3339), m.Note)
			}
			return w.Flush()
		},
	}
}

func newRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore the run store from a backup",
		Long: `Restores run store state from the named backup. A fresh data-scope
snapshot is taken automatically before the restore so the operation
can itself be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			mgr, err := rt.BackupManager(ctx)
			if err != nil {
				return err
			}
			if err := mgr.Restore(ctx, args[0]); err != nil {
				return err
			}
			shared.Printf(os.Stdout, "Restored backup %s\n", args[0])
			return nil
		},
	}
}
