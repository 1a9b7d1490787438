package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrav/nvdsync/internal/domain/scap"
)

func newFindCmd(c *cli) *cobra.Command {
	var q scap.SearchQuery

	cmd := &cobra.Command{
		Use:   "find cve|cpe|cpematch TERM",
		Short: "Search stored records",
		Long: `Examples:
  # substring match on the id or summary
  $ nvdsync find cve log4j

  # exact CPE name, including deprecated entries
  $ nvdsync find cpe cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:* --exact --include-deprecated

  # match strings whose criteria mention openssl
  $ nvdsync find cpematch openssl`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 2 {
				return &scap.ConfigurationError{Field: "args", Err: fmt.Errorf("expected an entity type and a search term, got %d argument(s)", len(args))}
			}
			_, err := scap.ParseEntityType(args[0])
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			t, _ := scap.ParseEntityType(args[0])
			q.Type = t
			q.Term = args[1]
			return c.find(cmd, q)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&q.Exact, "exact", false, "match the key exactly")
	f.IntVar(&q.Limit, "limit", 20, "maximum number of results")
	f.BoolVar(&q.IncludeDeprecated, "include-deprecated", false, "include deprecated CPEs, rejected CVEs and inactive match strings")

	return cmd
}

func (c *cli) find(cmd *cobra.Command, q scap.SearchQuery) error {
	ctx := cmd.Context()
	if q.Limit <= 0 {
		return &scap.ConfigurationError{Field: "limit", Err: fmt.Errorf("must be positive, got %d", q.Limit)}
	}

	st, err := openStores(ctx, c.cfg.Database, c.log, c.tracer)
	if err != nil {
		return err
	}
	defer st.close()

	found, err := st.entities.Search(ctx, q)
	if err != nil {
		return fmt.Errorf("searching %s: %w", q.Type, err)
	}

	out := cmd.OutOrStdout()
	if len(found) == 0 {
		fmt.Fprintf(out, "%s no %s matches %q\n", yellow("!"), q.Type, q.Term)
		return nil
	}
	printEntities(out, q.Type, found)
	return nil
}
