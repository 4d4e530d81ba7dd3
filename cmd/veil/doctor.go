package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/veil/internal/cli"
	"github.com/pthm/veil/internal/doctor"
	"github.com/pthm/veil/internal/sqlgen"
)

var (
	doctorDB      string
	doctorSchema  string
	doctorAccess  string
	doctorVerbose bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks",
	Long:  `Check the catalog, the access store and that every collection matches a database table.`,
	Example: `  # Run health checks
  veil doctor --db postgres://localhost/mydb

  # Run with verbose output
  veil doctor --db postgres://localhost/mydb --verbose`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := *cfg
		if doctorDB != "" {
			c.Database.URL = doctorDB
		}
		schemaPath := resolveString(doctorSchema, cfg.Schema)
		accessPath := resolveString(doctorAccess, cfg.Access)

		var (
			db      *sql.DB
			dialect sqlgen.Dialect
		)
		if _, err := c.DSN(); err == nil {
			var err error
			db, dialect, err = cli.Connect(&c)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
		}

		out := cmd.OutOrStdout()
		if !quiet {
			fmt.Fprintln(out, "veil doctor - Health Check")
		}

		report, err := doctor.New(db, dialect, schemaPath, accessPath).Run(cmd.Context())
		if err != nil {
			return cli.GeneralError("running doctor", err)
		}

		report.Print(out, doctorVerbose || verbose > 0)

		if report.HasErrors() {
			return cli.GeneralError("health checks failed", nil)
		}
		return nil
	},
}

func init() {
	f := doctorCmd.Flags()
	f.StringVar(&doctorDB, "db", "", "database URL")
	f.StringVar(&doctorSchema, "schema", "", "path to the catalog YAML")
	f.StringVar(&doctorAccess, "access", "", "path to an access fixture YAML")
	f.BoolVar(&doctorVerbose, "details", false, "show detailed output")
}
