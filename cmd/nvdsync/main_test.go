package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/nvdsync/internal/domain/scap"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root, c := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	c.close(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: exitOK},
		{name: "configuration", err: &scap.ConfigurationError{Field: "nvd.cve_page_size", Err: errors.New("too large")}, want: exitConfigError},
		{name: "wrapped configuration", err: fmt.Errorf("setup: %w", &scap.ConfigurationError{Err: errors.New("x")}), want: exitConfigError},
		{name: "window failure", err: &scap.WindowFailedError{Stage: scap.StageFetch, Err: errors.New("boom")}, want: exitSyncFailed},
		{name: "cancelled", err: context.Canceled, want: exitSyncFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestParseTypes(t *testing.T) {
	tests := []struct {
		args    []string
		want    []scap.EntityType
		wantErr bool
	}{
		{args: nil, want: []scap.EntityType{scap.EntityTypeCVE, scap.EntityTypeCPE, scap.EntityTypeCPEMatch}},
		{args: []string{"all"}, want: []scap.EntityType{scap.EntityTypeCVE, scap.EntityTypeCPE, scap.EntityTypeCPEMatch}},
		{args: []string{"CPE"}, want: []scap.EntityType{scap.EntityTypeCPE}},
		{args: []string{"cpematch"}, want: []scap.EntityType{scap.EntityTypeCPEMatch}},
		{args: []string{"cve"}, want: []scap.EntityType{scap.EntityTypeCVE}},
		{args: []string{"cwe"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.args), func(t *testing.T) {
			got, err := parseTypes(tt.args)
			if tt.wantErr {
				assert.True(t, scap.IsConfigurationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveSince(t *testing.T) {
	dir := t.TempDir()
	stamp := filepath.Join(dir, "last-run")
	require.NoError(t, os.WriteFile(stamp, []byte("2024-05-01T10:00:00Z\n"), 0o600))
	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("yesterday"), 0o600))

	tests := []struct {
		name      string
		opts      downloadOptions
		want      *time.Time
		wantField string
	}{
		{name: "not requested", opts: downloadOptions{}},
		{
			name: "date only",
			opts: downloadOptions{since: "2024-06-01"},
			want: ptr(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		},
		{
			name: "from file",
			opts: downloadOptions{sinceFromFile: stamp},
			want: ptr(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
		},
		{name: "unparsable flag", opts: downloadOptions{since: "last tuesday"}, wantField: "since"},
		{name: "unparsable file", opts: downloadOptions{sinceFromFile: garbage}, wantField: "since-from-file"},
		{name: "missing file", opts: downloadOptions{sinceFromFile: filepath.Join(dir, "absent")}, wantField: "since-from-file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opts.resolveSince()
			if tt.wantField != "" {
				var cerr *scap.ConfigurationError
				require.ErrorAs(t, err, &cerr)
				assert.Equal(t, tt.wantField, cerr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestWriteUpdatedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updated")
	reports := []*scap.RunReport{
		{Type: scap.EntityTypeCVE, UpdatedKeys: []string{"CVE-2024-0002", "CVE-2024-0001"}},
		{Type: scap.EntityTypeCPE},
	}

	require.NoError(t, writeUpdatedKeys(path, reports))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "CVE-2024-0001\nCVE-2024-0002\n", string(data))
}

func TestComplete(t *testing.T) {
	assert.True(t, complete([]*scap.RunReport{{}, {}}))
	assert.False(t, complete([]*scap.RunReport{{}, {Partial: true}}))
	assert.False(t, complete([]*scap.RunReport{{Err: errors.New("boom")}}))
}

func TestVersion(t *testing.T) {
	// An invalid environment must not break the version command.
	t.Setenv("NVDSYNC_LOG_LEVEL", "trace")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "nvdsync dev")
}

func TestDownload_RejectsBadArguments(t *testing.T) {
	_, err := execute(t, "download", "cwe", "--database-driver", "sqlite")
	assert.Equal(t, exitConfigError, exitCode(err))

	_, err = execute(t, "find", "cve")
	assert.Equal(t, exitConfigError, exitCode(err))

	_, err = execute(t, "download", "--no-such-flag")
	assert.Equal(t, exitConfigError, exitCode(err))

	_, err = execute(t, "export", "cve", "--database-driver", "sqlite",
		"--database-path", filepath.Join(t.TempDir(), "nvd.db"),
		"--storage-path", filepath.Join(t.TempDir(), "missing"),
	)
	assert.Equal(t, exitConfigError, exitCode(err))
}

func TestDownload_RejectedAPIKeyIsConfigurationError(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "not-a-key", r.Header.Get("apiKey"))
		w.Header().Set("message", "Invalid apiKey.")
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	t.Setenv("NVDSYNC_NVD_CVE_URL", srv.URL)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("NVDSYNC_TELEMETRY_ENDPOINT", "")

	_, err := execute(t, "download", "cve",
		"--database-driver", "sqlite",
		"--database-path", filepath.Join(t.TempDir(), "nvd.db"),
		"--nvd-api-key", "not-a-key",
		"--since", time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
		"--log-level", "error",
	)
	require.Error(t, err)
	assert.Equal(t, exitConfigError, exitCode(err))
	assert.EqualValues(t, 1, requests.Load(), "a rejected key is not retried")
}

// cveFeed serves a fixed set of CVEs regardless of the requested range.
func cveFeed(t *testing.T, modified time.Time, ids ...string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vulns := make([]json.RawMessage, 0, len(ids))
		for _, id := range ids {
			vulns = append(vulns, json.RawMessage(fmt.Sprintf(
				`{"cve":{"id":%q,"sourceIdentifier":"cve@mitre.org","published":"2024-01-01T00:00:00.000","lastModified":%q,"vulnStatus":"Analyzed","descriptions":[{"lang":"en","value":"summary of %s"}],"references":[]}}`,
				id, modified.UTC().Format("2006-01-02T15:04:05.000"), id,
			)))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resultsPerPage":  len(vulns),
			"startIndex":      0,
			"totalResults":    len(vulns),
			"format":          "NVD_CVE",
			"version":         "2.0",
			"timestamp":       modified.UTC().Format("2006-01-02T15:04:05.000"),
			"vulnerabilities": vulns,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadThenFind(t *testing.T) {
	now := time.Now().UTC()
	srv := cveFeed(t, now.Add(-30*time.Minute), "CVE-2024-0001", "CVE-2024-0002")

	t.Setenv("NVDSYNC_NVD_CVE_URL", srv.URL)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("NVDSYNC_TELEMETRY_ENDPOINT", "")

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nvd.db")
	keysPath := filepath.Join(dir, "updated")
	reportPath := filepath.Join(dir, "report.yaml")
	runtimePath := filepath.Join(dir, "last-run")

	out, err := execute(t, "download", "cve",
		"--database-driver", "sqlite",
		"--database-path", dbPath,
		"--since", now.Add(-time.Hour).Format(time.RFC3339),
		"--updated-keys-file", keysPath,
		"--report", reportPath,
		"--store-runtime", runtimePath,
		"--log-level", "error",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "2 applied")

	keys, err := os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.Equal(t, "CVE-2024-0001\nCVE-2024-0002\n", string(keys))

	var report struct {
		Runs []struct {
			EntityType string `yaml:"entity_type"`
			Windows    []struct {
				Applied   int  `yaml:"applied"`
				Committed bool `yaml:"committed"`
			} `yaml:"windows"`
		} `yaml:"runs"`
	}
	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &report))
	require.Len(t, report.Runs, 1)
	assert.Equal(t, "cve", report.Runs[0].EntityType)
	require.Len(t, report.Runs[0].Windows, 1)
	assert.Equal(t, 2, report.Runs[0].Windows[0].Applied)
	assert.True(t, report.Runs[0].Windows[0].Committed)

	stamp, err := os.ReadFile(runtimePath)
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, string(bytes.TrimSpace(stamp)))
	assert.NoError(t, err)

	out, err = execute(t, "find", "cve", "CVE-2024-0002", "--exact",
		"--database-driver", "sqlite",
		"--database-path", dbPath,
		"--log-level", "error",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "CVE-2024-0002")
	assert.Contains(t, out, "summary of CVE-2024-0002")
	assert.NotContains(t, out, "CVE-2024-0001")

	out, err = execute(t, "find", "cve", "CVE-1999-9999",
		"--database-driver", "sqlite",
		"--database-path", dbPath,
		"--log-level", "error",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "no cve matches")

	exportDir := t.TempDir()
	out, err = execute(t, "export", "cve",
		"--storage-path", exportDir,
		"--database-driver", "sqlite",
		"--database-path", dbPath,
		"--log-level", "error",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "2 records written")

	exported, err := os.ReadFile(filepath.Join(exportDir, "nvd-cves.json"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), gjson.GetBytes(exported, "totalResults").Int())
	assert.Equal(t, "NVD_CVE", gjson.GetBytes(exported, "format").String())
	assert.Equal(t, "summary of CVE-2024-0001", gjson.GetBytes(exported, "vulnerabilities.0.cve.descriptions.0.value").String())
}
