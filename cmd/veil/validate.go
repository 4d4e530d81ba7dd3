package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/veil/internal/ast"
	"github.com/pthm/veil/internal/cli"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/errs"
)

var (
	validateSchema     string
	validateAccess     string
	validateCollection string
)

var validateCmd = &cobra.Command{
	Use:   "validate [query-file...]",
	Short: "Validate the catalog, access fixture and query files",
	Long: `Validate that the catalog parses and its relations are consistent,
that the access fixture (when configured) parses, and that each query file
resolves against the catalog starting at --collection.`,
	Example: `  # Validate the configured catalog
  veil validate

  # Also check two query files against the articles collection
  veil validate --collection articles list.yaml detail.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Resolve paths: flag > config > default
		schemaPath := resolveString(validateSchema, cfg.Schema)
		accessPath := resolveString(validateAccess, cfg.Access)

		catalog, err := loadCatalog(schemaPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !quiet {
			fmt.Fprintf(out, "Catalog is valid. Found %d collections and %d relations.\n", len(catalog.Collections), len(catalog.Relations))
		}

		if accessPath != "" {
			if _, err := os.Stat(accessPath); err != nil {
				return cli.SchemaParseError(fmt.Sprintf("access fixture not found: %s", accessPath), nil)
			}
			if _, err := access.LoadFixture(accessPath, nil); err != nil {
				return cli.SchemaParseError("parsing access fixture", err)
			}
			if !quiet {
				fmt.Fprintf(out, "Access fixture %s is valid.\n", accessPath)
			}
		}

		if len(args) > 0 && validateCollection == "" {
			return cli.ConfigError("--collection is required to validate query files", nil)
		}
		for _, path := range args {
			q, err := readQuery(path, cmd.InOrStdin())
			if err != nil {
				return err
			}
			root, err := ast.Build(catalog, validateCollection, q)
			if err != nil {
				return cli.QueryError(fmt.Sprintf("query %s", path), err)
			}
			err = root.Walk(func(b *ast.Branch) error {
				if unknown := b.Unknown(); len(unknown) > 0 {
					return errs.InvalidQuery("unknown field %q on %q", unknown[0], b.Collection)
				}
				return nil
			})
			if err != nil {
				return cli.QueryError(fmt.Sprintf("query %s", path), err)
			}
			if !quiet {
				fmt.Fprintf(out, "Query %s is valid.\n", path)
			}
		}
		return nil
	},
}

func init() {
	f := validateCmd.Flags()
	f.StringVar(&validateSchema, "schema", "", "path to the catalog YAML")
	f.StringVar(&validateAccess, "access", "", "path to an access fixture YAML")
	f.StringVar(&validateCollection, "collection", "", "root collection for query files")
}
