package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ahrav/nvdsync/internal/app/export"
	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/pkg/common/timeutil"
)

type exportOptions struct {
	storagePath string
	compress    bool
}

func newExportCmd(c *cli) *cobra.Command {
	var opts exportOptions

	cmd := &cobra.Command{
		Use:   "export [cve|cpe|cpematch|all]",
		Short: "Write stored records to NVD style JSON files",
		Long: `Examples:
  # write nvd-cves.json, nvd-cpes.json and nvd-cpe-matches.json to the current directory
  $ nvdsync export

  # gzip compressed match strings into /srv/feeds
  $ nvdsync export cpematch --storage-path /srv/feeds --compress`,
		Args:      entityArgs,
		ValidArgs: []string{"cve", "cpe", "cpematch", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.export(cmd, args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.storagePath, "storage-path", ".", "directory the JSON files are written to")
	f.BoolVar(&opts.compress, "compress", false, "gzip compress the JSON files")

	return cmd
}

func (c *cli) export(cmd *cobra.Command, args []string, opts exportOptions) error {
	ctx := cmd.Context()

	types, err := parseTypes(args)
	if err != nil {
		return err
	}
	info, err := os.Stat(opts.storagePath)
	switch {
	case err != nil:
		return &scap.ConfigurationError{Field: "storage-path", Err: err}
	case !info.IsDir():
		return &scap.ConfigurationError{Field: "storage-path", Err: fmt.Errorf("%s is not a directory", opts.storagePath)}
	}

	st, err := openStores(ctx, c.cfg.Database, c.log, c.tracer)
	if err != nil {
		return err
	}
	defer st.close()

	x := export.NewExporter(st.entities, timeutil.Default(), c.log, c.tracer)
	out := cmd.OutOrStdout()

	var errs []error
	for _, t := range types {
		res, err := x.WriteFile(ctx, t, opts.storagePath, opts.compress)
		if err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", red("failed"), t, err)
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		fmt.Fprintf(out, "%s %s: %d records written to %s\n", green("ok"), t, res.Records, res.Path)
	}
	return errors.Join(errs...)
}
