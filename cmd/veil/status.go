package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/veil/internal/cli"
	"github.com/pthm/veil/pkg/migrator"
)

var statusDB string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show access store migration status",
	Long:  `Show whether the access store tables exist and match the DDL of this build.`,
	Example: `  # Check status
  veil status --db postgres://localhost/mydb`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := *cfg
		if statusDB != "" {
			c.Database.URL = statusDB
		}

		ctx := cmd.Context()
		db, dialect, err := cli.OpenDB(ctx, &c)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		m := migrator.NewMigrator(db, migrator.WithPlaceholder(dialect.Placeholder()))
		out := cmd.OutOrStdout()
		last, err := m.GetLastMigration(ctx)
		if err != nil {
			fmt.Fprintln(out, "Access store: missing")
			fmt.Fprintln(out, "\nRun 'veil migrate' to create it.")
			return nil
		}
		if last == nil {
			fmt.Fprintln(out, "Access store: not migrated")
			return nil
		}

		fmt.Fprintf(out, "Access store: migrated %s\n", last.AppliedAt)
		fmt.Fprintf(out, "Version:      %s (current %s)\n", last.SchemaVersion, migrator.SchemaVersion)
		if last.SchemaChecksum == m.Checksum() {
			fmt.Fprintln(out, "DDL:          up to date")
		} else {
			fmt.Fprintln(out, "DDL:          changed")
			fmt.Fprintln(out, "\nRun 'veil migrate' to apply changes.")
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDB, "db", "", "database URL")
}
