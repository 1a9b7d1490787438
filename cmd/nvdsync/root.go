package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/nvdsync/internal/config"
	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/pkg/common/logger"
	"github.com/ahrav/nvdsync/pkg/common/otel"
)

// cli holds what every subcommand shares once flags have been parsed.
type cli struct {
	v       *viper.Viper
	cfgFile string

	cfg      *config.Config
	log      *logger.Logger
	tracer   trace.Tracer
	teardown func(context.Context)

	// errorEvents counts records logged at error level during the command.
	errorEvents atomic.Int64
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:   "nvdsync",
		Short: "Incrementally mirror the NVD CVE and CPE feeds into a local database",
		Long: `Examples:
  # sync both feeds into PostgreSQL
  $ nvdsync download

  # sync CPEs into a local SQLite file
  $ nvdsync download cpe --database-driver sqlite --database-path nvd.db

  # look up stored records
  $ nvdsync find cve CVE-2024-3094
  $ nvdsync find cpe openssl --limit 50`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &scap.ConfigurationError{Field: "flags", Err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("database-driver", config.DriverPostgres, "storage backend: postgres or sqlite")
	pf.String("database-url", "", "PostgreSQL connection URL, overrides the individual database settings")
	pf.String("database-host", "localhost", "PostgreSQL host")
	pf.Int("database-port", 5432, "PostgreSQL port")
	pf.String("database-user", "scap", "PostgreSQL user")
	pf.String("database-password", "", "PostgreSQL password")
	pf.String("database-name", "scap", "PostgreSQL database name")
	pf.String("database-path", "nvdsync.db", "database file for the sqlite driver")

	root.AddCommand(newDownloadCmd(c), newFindCmd(c), newExportCmd(c), newVersionCmd())
	return root, c
}

// setup resolves the configuration and starts logging and telemetry.
func (c *cli) setup(cmd *cobra.Command) error {
	if err := config.BindFlags(c.v, cmd.Flags()); err != nil {
		return &scap.ConfigurationError{Field: "flags", Err: err}
	}
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	c.log = c.newLogger(cmd.ErrOrStderr(), hostname)

	tp, teardown, err := otel.InitTelemetry(c.log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	c.teardown = teardown
	c.tracer = tp.Tracer(cfg.Telemetry.ServiceName)

	c.log.Debug(cmd.Context(), "configuration loaded",
		"command", cmd.Name(),
		"database_driver", cfg.Database.Driver,
		"telemetry", cfg.Telemetry.Endpoint != "",
	)
	return nil
}

func (c *cli) newLogger(w io.Writer, hostname string) *logger.Logger {
	events := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			c.errorEvents.Add(1)
			if otel.GetTraceID(ctx) == "" {
				return
			}
			// Error events from traced code are echoed with their trace id so
			// they can be looked up in the tracing backend.
			attrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				attrs[k] = v
			}
			data, err := json.Marshal(attrs)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "Error event: %s, details: %s\n", r.Message, data)
		},
	}

	metadata := map[string]string{
		"hostname": hostname,
		"app":      "nvdsync",
	}
	return logger.NewWithMetadata(
		w,
		logger.ParseLevel(c.cfg.LogLevel),
		c.cfg.Telemetry.ServiceName,
		otel.GetTraceID,
		events,
		metadata,
	)
}

// close flushes telemetry. It is safe to call when setup never ran.
func (c *cli) close(ctx context.Context) {
	if c.teardown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	c.teardown(ctx)
}
