package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/pthm/veil/internal/cli"
	"github.com/pthm/veil/pkg/access"
)

var (
	queryFlags  requestFlags
	queryOutput string
)

var queryCmd = &cobra.Command{
	Use:   "query <collection> [query-file]",
	Short: "Run a query and print the result",
	Long:  `Compile a query for an identity, run it against the database and print the nested result.`,
	Example: `  # Read articles with their authors as the editor role
  veil query articles query.yaml --role editor

  # Print YAML instead of JSON
  veil query articles query.yaml --role editor -o yaml`,
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
		s, err := openSession(ctx, &queryFlags, true)
		if err != nil {
			return err
		}
		defer s.Close()

		plan, err := s.engine.CompileAction(ctx, queryFlags.identity(), access.Action(queryFlags.action), args[0], q)
		if err != nil {
			return cli.QueryError("compiling query", err)
		}
		res, err := s.engine.Execute(ctx, s.db, plan)
		if err != nil {
			return cli.QueryError("running query", err)
		}

		var out []byte
		switch queryOutput {
		case "json":
			out, err = json.MarshalIndent(res.Data(), "", "  ")
			out = append(out, '\n')
		case "yaml":
			out, err = yaml.Marshal(res.Data())
		default:
			return cli.ConfigError(fmt.Sprintf("unknown output format %q", queryOutput), nil)
		}
		if err != nil {
			return cli.GeneralError("encoding result", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	queryFlags.register(queryCmd)
	queryCmd.Flags().StringVarP(&queryOutput, "output", "o", "json", "output format: json or yaml")
}
