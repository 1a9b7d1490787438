// Package config loads nvdsync settings from flags, environment variables and
// an optional config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ahrav/nvdsync/internal/domain/scap"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "NVDSYNC"

// Storage backends.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the complete runtime configuration.
type Config struct {
	LogLevel  string          `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NVD       NVDConfig       `mapstructure:"nvd"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// DatabaseConfig selects and addresses the storage backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	// URL, when set, is used verbatim instead of the individual fields.
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host" validate:"required_without=URL"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name" validate:"required_without=URL"`
	SSLMode  string `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	// Path is the database file for the sqlite driver.
	Path     string `mapstructure:"path"`
	MinConns int32  `mapstructure:"min_conns" validate:"min=0"`
	MaxConns int32  `mapstructure:"max_conns" validate:"min=1,gtefield=MinConns"`
	// ConnectTimeout bounds how long startup keeps retrying an unreachable
	// database.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"min=0"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     d.Host + ":" + strconv.Itoa(d.Port),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": []string{d.SSLMode}}.Encode(),
	}
	switch {
	case d.User != "" && d.Password != "":
		u.User = url.UserPassword(d.User, d.Password)
	case d.User != "":
		u.User = url.User(d.User)
	}
	return u.String()
}

// NVDConfig addresses the upstream API.
type NVDConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	CVEURL           string        `mapstructure:"cve_url" validate:"required,url"`
	CPEURL           string        `mapstructure:"cpe_url" validate:"required,url"`
	CPEMatchURL      string        `mapstructure:"cpematch_url" validate:"required,url"`
	CVEPageSize      int           `mapstructure:"cve_page_size" validate:"min=1,max=2000"`
	CPEPageSize      int           `mapstructure:"cpe_page_size" validate:"min=1,max=10000"`
	CPEMatchPageSize int           `mapstructure:"cpematch_page_size" validate:"min=1,max=500"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" validate:"min=0"`
}

// SyncConfig tunes the pipeline.
type SyncConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts" validate:"min=1"`
	Prefetch      int           `mapstructure:"prefetch" validate:"min=0"`
	MaxSpanDays   int           `mapstructure:"max_span_days" validate:"min=1,max=120"`
	Overlap       time.Duration `mapstructure:"overlap" validate:"min=0"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"min=0"`
}

// TelemetryConfig configures trace and metric export. Export is disabled
// when Endpoint is empty.
type TelemetryConfig struct {
	ServiceName   string  `mapstructure:"service_name" validate:"required"`
	Endpoint      string  `mapstructure:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure      bool    `mapstructure:"insecure"`
}

var defaults = map[string]any{
	"log_level": "info",

	"database.driver":          DriverPostgres,
	"database.url":             "",
	"database.host":            "localhost",
	"database.port":            5432,
	"database.user":            "scap",
	"database.password":        "",
	"database.name":            "scap",
	"database.sslmode":         "disable",
	"database.path":            "nvdsync.db",
	"database.min_conns":       1,
	"database.max_conns":       8,
	"database.connect_timeout": 30 * time.Second,

	"nvd.api_key":            "",
	"nvd.cve_url":            "https://services.nvd.nist.gov/rest/json/cves/2.0",
	"nvd.cpe_url":            "https://services.nvd.nist.gov/rest/json/cpes/2.0",
	"nvd.cpematch_url":       "https://services.nvd.nist.gov/rest/json/cpematch/2.0",
	"nvd.cve_page_size":      2000,
	"nvd.cpe_page_size":      10000,
	"nvd.cpematch_page_size": 500,
	"nvd.request_timeout":    2 * time.Minute,

	"sync.retry_attempts": 20,
	"sync.prefetch":       1,
	"sync.max_span_days":  120,
	"sync.overlap":        15 * time.Minute,
	"sync.write_timeout":  5 * time.Minute,

	"telemetry.service_name":   "nvdsync",
	"telemetry.endpoint":       "",
	"telemetry.sampling_ratio": 1.0,
	"telemetry.insecure":       true,
}

// Unprefixed variables honored for compatibility with existing deployments.
var legacyEnv = map[string][]string{
	"database.url":       {"DATABASE_URL"},
	"database.host":      {"DATABASE_HOST", "POSTGRES_HOST"},
	"database.port":      {"DATABASE_PORT", "POSTGRES_PORT"},
	"database.user":      {"DATABASE_USER", "POSTGRES_USER"},
	"database.password":  {"DATABASE_PASSWORD", "POSTGRES_PASSWORD"},
	"database.name":      {"DATABASE_NAME", "POSTGRES_DB"},
	"nvd.api_key":        {"NVD_API_KEY"},
	"telemetry.endpoint": {"OTEL_EXPORTER_OTLP_ENDPOINT"},
}

// FlagKeys maps command line flags to configuration keys.
var FlagKeys = map[string]string{
	"log-level":         "log_level",
	"database-driver":   "database.driver",
	"database-url":      "database.url",
	"database-host":     "database.host",
	"database-port":     "database.port",
	"database-user":     "database.user",
	"database-password": "database.password",
	"database-name":     "database.name",
	"database-path":     "database.path",
	"nvd-api-key":       "nvd.api_key",
	"retry-attempts":    "sync.retry_attempts",
	"prefetch":          "sync.prefetch",
}

// New returns a viper instance with defaults and environment bindings
// installed.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag of fs listed in FlagKeys.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range FlagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads configFile, if given, resolves every source and validates the
// result. Precedence is flags, then environment, then file, then defaults.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	for key, names := range legacyEnv {
		args := append([]string{key, envName(key)}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, &scap.ConfigurationError{Field: key, Err: err}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &scap.ConfigurationError{Field: "config", Err: fmt.Errorf("reading %s: %w", configFile, err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &scap.ConfigurationError{Field: "config", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and reports the first violation as a
// *scap.ConfigurationError.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
			return &scap.ConfigurationError{Field: "database.path", Err: errors.New("required for the sqlite driver")}
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &scap.ConfigurationError{Field: "config", Err: err}
	}
	fe := verrs[0]
	return &scap.ConfigurationError{
		Field: fe.Namespace(),
		Err:   fmt.Errorf("value %v fails %q %s", fe.Value(), fe.Tag(), fe.Param()),
	}
}

// MaxSpan is the widest window the planner may cut.
func (s SyncConfig) MaxSpan() time.Duration { return time.Duration(s.MaxSpanDays) * 24 * time.Hour }

// PageSize returns the configured page size for t.
func (n NVDConfig) PageSize(t scap.EntityType) int {
	switch t {
	case scap.EntityTypeCPE:
		return n.CPEPageSize
	case scap.EntityTypeCPEMatch:
		return n.CPEMatchPageSize
	default:
		return n.CVEPageSize
	}
}

// SetPageSize overrides the page size requested for t.
func (n *NVDConfig) SetPageSize(t scap.EntityType, size int) {
	switch t {
	case scap.EntityTypeCPE:
		n.CPEPageSize = size
	case scap.EntityTypeCPEMatch:
		n.CPEMatchPageSize = size
	default:
		n.CVEPageSize = size
	}
}
