package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/veil/internal/cli"
	"github.com/pthm/veil/pkg/access"
)

var compileFlags requestFlags

var compileCmd = &cobra.Command{
	Use:   "compile <collection> [query-file]",
	Short: "Print the SQL a query compiles to",
	Long: `Compile a query for an identity and print the root SELECT with its
bind arguments. Nested relation statements are compiled per batch at
execution time and are not printed.`,
	Example: `  # Compile a query file as the editor role
  veil compile articles query.yaml --role editor

  # Read the query from stdin
  echo '{"fields": ["title"]}' | veil compile articles - --role editor`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var queryPath string
		if len(args) > 1 {
			queryPath = args[1]
		}
		q, err := readQuery(queryPath, cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, &compileFlags, false)
		if err != nil {
			return err
		}
		defer s.Close()

		plan, err := s.engine.CompileAction(ctx, compileFlags.identity(), access.Action(compileFlags.action), args[0], q)
		if err != nil {
			return cli.QueryError("compiling query", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, plan.SQL())
		if len(plan.Args()) > 0 && !quiet {
			encoded, err := json.Marshal(plan.Args())
			if err != nil {
				return cli.GeneralError("encoding arguments", err)
			}
			fmt.Fprintf(out, "-- args: %s\n", encoded)
		}
		return nil
	},
}

func init() {
	compileFlags.register(compileCmd)
}
