package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/pthm/veil/internal/cli"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/migrator"
)

var (
	migrateDB     string
	migrateDryRun bool
	migrateForce  bool
	migrateSeed   string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the access store tables",
	Long:  `Create the veil_roles, veil_policies, veil_access and veil_permissions tables and record the migration.`,
	Example: `  # Create the access store tables
  veil migrate --db postgres://localhost/mydb

  # Preview migration without applying
  veil migrate --db postgres://localhost/mydb --dry-run

  # Force re-apply and import roles and permissions from a fixture
  veil migrate --db postgres://localhost/mydb --force --seed access.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := *cfg
		if migrateDB != "" {
			c.Database.URL = migrateDB
		}
		return runMigrate(cmd, &c, migrateDryRun, migrateForce, migrateSeed)
	},
}

func init() {
	f := migrateCmd.Flags()
	f.StringVar(&migrateDB, "db", "", "database URL")
	f.BoolVar(&migrateDryRun, "dry-run", false, "output migration SQL without applying")
	f.BoolVar(&migrateForce, "force", false, "force migration even if the DDL is unchanged")
	f.StringVar(&migrateSeed, "seed", "", "access fixture to import after migrating")
}

func runMigrate(cmd *cobra.Command, c *cli.Config, dryRun, force bool, seed string) error {
	ctx := cmd.Context()
	db, dialect, err := cli.OpenDB(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	opts := migrator.MigrateOptions{
		Force: force,
	}

	stdout := cmd.OutOrStdout()
	if dryRun {
		opts.DryRun = stdout
		if !quiet {
			fmt.Fprintln(os.Stderr, "-- Dry-run mode: SQL will be output but not applied")
			fmt.Fprintln(os.Stderr, "")
		}
	} else if !quiet {
		fmt.Fprintln(stdout, "Applying access store tables...")
	}

	skipped, err := migrator.MigrateWithOptions(ctx, db, opts, migrator.WithPlaceholder(dialect.Placeholder()))
	if err != nil {
		return cli.GeneralError("migration failed", err)
	}

	if dryRun {
		return nil
	}

	if !quiet {
		if skipped {
			fmt.Fprintln(stdout, "Access store unchanged, migration skipped.")
			fmt.Fprintln(stdout, "Use --force to re-apply.")
		} else {
			fmt.Fprintln(stdout, "Access store tables applied successfully.")
		}
	}

	if seed == "" {
		return nil
	}
	fx, err := readFixture(seed)
	if err != nil {
		return err
	}
	store := access.NewSQLStore(db, access.WithPlaceholder(dialect.Placeholder()))
	if err := store.Import(ctx, fx); err != nil {
		return cli.GeneralError("importing access fixture", err)
	}
	if !quiet {
		fmt.Fprintf(stdout, "Imported %d roles, %d policies and %d permissions from %s.\n",
			len(fx.Roles), len(fx.Policies), len(fx.Permissions), seed)
	}
	return nil
}

// readFixture parses and checks an access fixture.
func readFixture(path string) (*access.Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cli.GeneralError("reading access fixture", err)
	}
	if _, err := access.ParseFixture(data, nil); err != nil {
		return nil, cli.SchemaParseError("parsing access fixture", err)
	}
	var fx access.Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, cli.SchemaParseError("parsing access fixture", err)
	}
	return &fx, nil
}
