package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/nvdsync/internal/app/ingestion"
	"github.com/ahrav/nvdsync/internal/config"
	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/internal/infra/nvd"
	"github.com/ahrav/nvdsync/pkg/common/otel"
	"github.com/ahrav/nvdsync/pkg/common/timeutil"
)

type downloadOptions struct {
	number          int
	since           string
	sinceFromFile   string
	storeRuntime    string
	pageSize        int
	updatedKeysFile string
	resetCheckpoint bool
	reportFile      string
}

func newDownloadCmd(c *cli) *cobra.Command {
	var opts downloadOptions

	cmd := &cobra.Command{
		Use:   "download [cve|cpe|cpematch|all]",
		Short: "Fetch records modified since the last run and merge them into the database",
		Long: `Examples:
  # resume both feeds from their checkpoints
  $ nvdsync download

  # fetch at most 500 CVEs, starting from an explicit date
  $ nvdsync download cve -n 500 --since 2024-06-01

  # drive the start time from a file instead of the stored checkpoint
  $ nvdsync download cve --since-from-file last-run --store-runtime last-run`,
		Args:      entityArgs,
		ValidArgs: []string{"cve", "cpe", "cpematch", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.download(cmd, args, opts)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.number, "number", "n", 0, "fetch at most N records per entity type")
	f.StringVar(&opts.since, "since", "", "start from this timestamp instead of the stored checkpoint")
	f.StringVar(&opts.sinceFromFile, "since-from-file", "", "read the --since timestamp from FILE")
	f.StringVar(&opts.storeRuntime, "store-runtime", "", "after a complete run, write its start time to FILE")
	f.IntVar(&opts.pageSize, "page-size", 0, "records requested per page (default: upstream maximum)")
	f.Int("prefetch", 1, "pages fetched ahead while an earlier page is written")
	f.Int("retry-attempts", 20, "attempts per page before a window fails")
	f.String("nvd-api-key", "", "NVD API key, raises the request quota")
	f.StringVar(&opts.updatedKeysFile, "updated-keys-file", "", "write the keys inserted or updated by this run to FILE")
	f.BoolVar(&opts.resetCheckpoint, "reset-checkpoint", false, "discard the stored checkpoint and resync the full history")
	f.StringVar(&opts.reportFile, "report", "", "write the run report as YAML to FILE")
	cmd.MarkFlagsMutuallyExclusive("since", "since-from-file")

	return cmd
}

// entityArgs accepts at most one entity type or all.
func entityArgs(_ *cobra.Command, args []string) error {
	if len(args) > 1 {
		return &scap.ConfigurationError{Field: "args", Err: fmt.Errorf("expected at most one entity type, got %d", len(args))}
	}
	_, err := parseTypes(args)
	return err
}

// parseTypes resolves the download target. No argument means every type.
func parseTypes(args []string) ([]scap.EntityType, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "all") {
		return scap.EntityTypes(), nil
	}
	t, err := scap.ParseEntityType(args[0])
	if err != nil {
		return nil, err
	}
	return []scap.EntityType{t}, nil
}

// resolveSince returns the explicit start time, if one was requested.
func (o downloadOptions) resolveSince() (*time.Time, error) {
	raw := o.since
	field := "since"
	if o.sinceFromFile != "" {
		data, err := os.ReadFile(o.sinceFromFile)
		if err != nil {
			return nil, &scap.ConfigurationError{Field: "since-from-file", Err: err}
		}
		raw, field = strings.TrimSpace(string(data)), "since-from-file"
	}
	if raw == "" {
		return nil, nil
	}
	ts, err := scap.ParseTimestamp(raw)
	if err != nil {
		return nil, &scap.ConfigurationError{Field: field, Err: err}
	}
	return &ts, nil
}

func (c *cli) download(cmd *cobra.Command, args []string, opts downloadOptions) error {
	ctx := cmd.Context()

	types, err := parseTypes(args)
	if err != nil {
		return err
	}
	since, err := opts.resolveSince()
	if err != nil {
		return err
	}
	if opts.number < 0 {
		return &scap.ConfigurationError{Field: "number", Err: fmt.Errorf("must not be negative, got %d", opts.number)}
	}

	cfg := *c.cfg
	if opts.pageSize > 0 {
		for _, t := range types {
			cfg.NVD.SetPageSize(t, opts.pageSize)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	orch, st, err := c.buildOrchestrator(ctx, &cfg, ingestion.Config{
		Prefetch:     cfg.Sync.Prefetch,
		RecordLimit:  opts.number,
		WriteTimeout: cfg.Sync.WriteTimeout,
		Since:        since,
	})
	if err != nil {
		return err
	}
	defer st.close()

	if opts.resetCheckpoint {
		for _, t := range types {
			if err := st.checkpoints.Delete(ctx, t); err != nil {
				return fmt.Errorf("resetting %s checkpoint: %w", t, err)
			}
			c.log.Info(ctx, "checkpoint reset", "entity_type", t.String())
		}
	}

	startedAt := time.Now().UTC()
	reports := orch.RunAll(ctx, types...)

	out := cmd.OutOrStdout()
	printSummary(out, reports)
	if n := c.errorEvents.Load(); n > 0 {
		fmt.Fprintf(out, "%s %d error(s) logged\n", yellow("note:"), n)
	}

	var outputErrs []error
	if opts.updatedKeysFile != "" {
		outputErrs = append(outputErrs, writeUpdatedKeys(opts.updatedKeysFile, reports))
	}
	if opts.reportFile != "" {
		outputErrs = append(outputErrs, writeReport(opts.reportFile, reports))
	}

	runErr := runError(reports)
	if runErr == nil && opts.storeRuntime != "" && complete(reports) {
		outputErrs = append(outputErrs, os.WriteFile(opts.storeRuntime, []byte(startedAt.Format(time.RFC3339)+"\n"), 0o644))
	}
	return errors.Join(append([]error{runErr}, outputErrs...)...)
}

func (c *cli) buildOrchestrator(ctx context.Context, cfg *config.Config, runCfg ingestion.Config) (*ingestion.Orchestrator, *stores, error) {
	retry := scap.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Sync.RetryAttempts
	if err := retry.Validate(); err != nil {
		return nil, nil, err
	}

	plannerCfg := ingestion.DefaultPlannerConfig()
	plannerCfg.MaxSpan = cfg.Sync.MaxSpan()
	plannerCfg.Overlap = cfg.Sync.Overlap
	planner, err := ingestion.NewPlanner(plannerCfg)
	if err != nil {
		return nil, nil, err
	}

	metrics, err := ingestion.NewSyncMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, nil, fmt.Errorf("creating sync metrics: %w", err)
	}

	st, err := openStores(ctx, cfg.Database, c.log, c.tracer)
	if err != nil {
		return nil, nil, err
	}

	client := nvd.NewClient(nvd.Config{
		CVEURL:           cfg.NVD.CVEURL,
		CPEURL:           cfg.NVD.CPEURL,
		CPEMatchURL:      cfg.NVD.CPEMatchURL,
		APIKey:           cfg.NVD.APIKey,
		CVEPageSize:      cfg.NVD.CVEPageSize,
		CPEPageSize:      cfg.NVD.CPEPageSize,
		CPEMatchPageSize: cfg.NVD.CPEMatchPageSize,
	}, nvd.NewHTTPClient(cfg.NVD.RequestTimeout), c.log, c.tracer)
	c.log.Info(ctx, "nvd client ready", "budget", client.Budget().String(), "api_key", cfg.NVD.APIKey != "")

	clock := timeutil.Default()
	orch := ingestion.NewOrchestrator(
		runCfg,
		planner,
		ingestion.NewFetcher(client, retry, clock, c.log, c.tracer, metrics),
		ingestion.NewNormalizer(c.log),
		ingestion.NewWriter(st.entities, c.log, c.tracer),
		st.checkpoints,
		clock,
		c.log,
		c.tracer,
		metrics,
	)
	return orch, st, nil
}

// runError joins the failures of every failed pipeline.
func runError(reports []*scap.RunReport) error {
	var errs []error
	for _, r := range reports {
		if !r.Succeeded() {
			errs = append(errs, fmt.Errorf("%s: %w", r.Type, r.Err))
		}
	}
	return errors.Join(errs...)
}

// complete reports whether every pipeline caught up to the present.
func complete(reports []*scap.RunReport) bool {
	for _, r := range reports {
		if !r.Succeeded() || r.Partial {
			return false
		}
	}
	return true
}

// writeUpdatedKeys writes the sorted keys applied by the run, one per line.
func writeUpdatedKeys(path string, reports []*scap.RunReport) error {
	var keys []string
	for _, r := range reports {
		keys = append(keys, r.UpdatedKeys...)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing updated keys: %w", err)
	}
	return nil
}

func writeReport(path string, reports []*scap.RunReport) error {
	data, err := yaml.Marshal(struct {
		Runs []*scap.RunReport `yaml:"runs"`
	}{Runs: reports})
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
