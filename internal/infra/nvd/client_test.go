package nvd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/pkg/common"
	"github.com/ahrav/nvdsync/pkg/common/logger"
)

var fastBudget = common.Budget{Requests: 1000, Window: time.Second}

func newTestClient(t *testing.T, h http.HandlerFunc, apiKey string) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		CVEURL:           srv.URL + "/cves/2.0",
		CPEURL:           srv.URL + "/cpes/2.0",
		CPEMatchURL:      srv.URL + "/cpematch/2.0",
		APIKey:           apiKey,
		CVEPageSize:      2,
		CPEPageSize:      3,
		CPEMatchPageSize: 4,
		Budget:           &fastBudget,
	}, srv.Client(), logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func testWindow(t scap.EntityType) scap.SyncWindow {
	return scap.SyncWindow{
		Type:  t,
		Since: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2024, 4, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestClient_FetchPage_CVE(t *testing.T) {
	t.Parallel()

	var gotQuery map[string]string
	var gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cves/2.0", r.URL.Path)
		gotKey = r.Header.Get("apiKey")
		gotQuery = map[string]string{
			"startIndex":       r.URL.Query().Get("startIndex"),
			"resultsPerPage":   r.URL.Query().Get("resultsPerPage"),
			"lastModStartDate": r.URL.Query().Get("lastModStartDate"),
			"lastModEndDate":   r.URL.Query().Get("lastModEndDate"),
		}
		fmt.Fprint(w, `{
			"resultsPerPage": 2, "startIndex": 4, "totalResults": 7,
			"format": "NVD_CVE", "version": "2.0", "timestamp": "2024-04-01T12:31:00.000",
			"vulnerabilities": [
				{"cve": {"id": "CVE-2024-0001", "lastModified": "2024-02-01T00:00:00.000"}},
				{"cve": {"id": "CVE-2024-0002", "lastModified": "2024-02-02T00:00:00.000"}}
			]
		}`)
	}, "secret")

	page, err := c.FetchPage(context.Background(), testWindow(scap.EntityTypeCVE), 4)
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, map[string]string{
		"startIndex":       "4",
		"resultsPerPage":   "2",
		"lastModStartDate": "2024-01-01T00:00:00.000+00:00",
		"lastModEndDate":   "2024-04-01T12:30:00.000+00:00",
	}, gotQuery)

	assert.Equal(t, 4, page.StartIndex)
	assert.Equal(t, 7, page.TotalResults)
	assert.Equal(t, "NVD_CVE/2.0", page.Revision())
	assert.Equal(t, time.Date(2024, 4, 1, 12, 31, 0, 0, time.UTC), page.Timestamp)
	require.Len(t, page.Records, 2)
	assert.JSONEq(t, `{"id": "CVE-2024-0001", "lastModified": "2024-02-01T00:00:00.000"}`, string(page.Records[0]))
	assert.Equal(t, 6, page.NextIndex())
}

func TestClient_FetchPage_CPEKeepsBrokenItemsSeparate(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cpes/2.0", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("resultsPerPage"))
		assert.Empty(t, r.Header.Get("apiKey"))
		fmt.Fprint(w, `{"totalResults": 2, "startIndex": 0, "products": [
			{"cpe": {"cpeName": "cpe:2.3:a:v:p:1:*:*:*:*:*:*:*"}},
			{"unexpected": true}
		]}`)
	}, "")

	page, err := c.FetchPage(context.Background(), testWindow(scap.EntityTypeCPE), 0)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.JSONEq(t, `{"unexpected": true}`, string(page.Records[1]))
}

func TestClient_FetchPage_CPEMatchUnwrapsMatchStrings(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cpematch/2.0", r.URL.Path)
		assert.Equal(t, "4", r.URL.Query().Get("resultsPerPage"))
		assert.Equal(t, "2024-01-01T00:00:00.000+00:00", r.URL.Query().Get("lastModStartDate"))
		fmt.Fprint(w, `{
			"resultsPerPage": 4, "startIndex": 0, "totalResults": 1,
			"format": "NVD_CPEMatchString", "version": "2.0", "timestamp": "2024-04-01T12:31:00.000",
			"matchStrings": [
				{"matchString": {"matchCriteriaId": "36FBCF0F-ECEF-4CF8-A1F6-E2E4F0B79A2E", "criteria": "cpe:2.3:a:openssl:openssl:*:*:*:*:*:*:*:*", "status": "Active"}}
			]
		}`)
	}, "")

	page, err := c.FetchPage(context.Background(), testWindow(scap.EntityTypeCPEMatch), 0)
	require.NoError(t, err)

	assert.Equal(t, "NVD_CPEMatchString/2.0", page.Revision())
	require.Len(t, page.Records, 1)
	assert.JSONEq(t,
		`{"matchCriteriaId": "36FBCF0F-ECEF-4CF8-A1F6-E2E4F0B79A2E", "criteria": "cpe:2.3:a:openssl:openssl:*:*:*:*:*:*:*:*", "status": "Active"}`,
		string(page.Records[0]))
	assert.Equal(t, 4, c.PageSize(scap.EntityTypeCPEMatch))
}

func TestClient_FetchPage_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantOutcome scap.Outcome
		wantStatus  int
	}{
		{
			name:        "server error is transient",
			handler:     func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			wantOutcome: scap.OutcomeRetryable,
			wantStatus:  http.StatusServiceUnavailable,
		},
		{
			name:        "too many requests is transient",
			handler:     func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
			wantOutcome: scap.OutcomeRetryable,
			wantStatus:  http.StatusTooManyRequests,
		},
		{
			name: "forbidden is a quota rejection",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("message", "rate limit exceeded")
				w.WriteHeader(http.StatusForbidden)
			},
			wantOutcome: scap.OutcomeRetryable,
			wantStatus:  http.StatusForbidden,
		},
		{
			name: "bad request is fatal",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("message", "Invalid lastModStartDate")
				w.WriteHeader(http.StatusBadRequest)
			},
			wantOutcome: scap.OutcomeFatal,
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "truncated envelope is transient",
			handler:     func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, `{"totalResults": 5, "vulnerabilities": [`) },
			wantOutcome: scap.OutcomeRetryable,
			wantStatus:  http.StatusOK,
		},
		{
			name:        "envelope without totals is transient",
			handler:     func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, `{"message": "maintenance"}`) },
			wantOutcome: scap.OutcomeRetryable,
			wantStatus:  http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, tt.handler, "")
			_, err := c.FetchPage(context.Background(), testWindow(scap.EntityTypeCVE), 0)
			require.Error(t, err)
			assert.Equal(t, tt.wantOutcome, scap.Classify(err))

			var transient *scap.TransientFetchError
			var rejected *scap.RejectedRequestError
			switch {
			case errors.As(err, &transient):
				assert.Equal(t, tt.wantStatus, transient.StatusCode)
			case errors.As(err, &rejected):
				assert.Equal(t, tt.wantStatus, rejected.StatusCode)
				assert.Equal(t, "Invalid lastModStartDate", rejected.Message)
			default:
				t.Fatalf("unexpected error type %T", err)
			}
		})
	}
}

func TestClient_FetchPage_InvalidAPIKey(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("message", "Invalid apiKey.")
		w.WriteHeader(http.StatusNotFound)
	}, "not-a-key")

	_, err := c.FetchPage(context.Background(), testWindow(scap.EntityTypeCVE), 0)
	require.Error(t, err)

	var cerr *scap.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "nvd.api_key", cerr.Field)
	assert.Equal(t, scap.OutcomeFatal, scap.Classify(err))

	var rejected *scap.RejectedRequestError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusNotFound, rejected.StatusCode)
	assert.Equal(t, "Invalid apiKey.", rejected.Message)
}

func TestClient_QuotaRejectionSlowsDown(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, "key")
	require.Equal(t, fastBudget, c.Budget())

	_, err := c.FetchPage(context.Background(), testWindow(scap.EntityTypeCVE), 0)
	require.Error(t, err)
	assert.Equal(t, UnkeyedBudget, c.Budget())
}

func TestClient_CancelledContext(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"totalResults": 0}`)
	}, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchPage(ctx, testWindow(scap.EntityTypeCVE), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, scap.OutcomeFatal, scap.Classify(err))
}

func TestConfig_Budget(t *testing.T) {
	assert.Equal(t, UnkeyedBudget, (&Config{}).budget())
	assert.Equal(t, KeyedBudget, (&Config{APIKey: "k"}).budget())
}
