package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	splitio "github.com/splitio/go-client"
	"github.com/splitio/go-client/conf"
	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/telemetry"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	metadata := dtos.Metadata{SDKVersion: "go-6.7.0", MachineIP: "10.0.0.7", MachineName: "host-1"}
	client, err := NewClient("secret-key", serverURL, 5*time.Second, metadata, log.NewNopLogger())
	require.NoError(t, err)
	return client
}

func TestClientHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Get(context.Background(), "/splitChanges", nil, true)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-key", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "go-6.7.0", got.Get("SplitSDKVersion"))
	assert.Equal(t, "10.0.0.7", got.Get("SplitSDKMachineIP"))
	assert.Equal(t, "host-1", got.Get("SplitSDKMachineName"))
	assert.Equal(t, "no-cache", got.Get("Cache-Control"))
}

func TestClientSkipsUnknownMachineHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	metadata := dtos.Metadata{SDKVersion: "go-6.7.0", MachineIP: "NA", MachineName: "NA"}
	client, err := NewClient("secret-key", server.URL, time.Second, metadata, log.NewNopLogger())
	require.NoError(t, err)
	_, err = client.Get(context.Background(), "/splitChanges", nil, false)
	require.NoError(t, err)

	assert.Empty(t, got.Get("SplitSDKMachineIP"))
	assert.Empty(t, got.Get("SplitSDKMachineName"))
	assert.Empty(t, got.Get("Cache-Control"))
}

func TestClientErrorMapping(t *testing.T) {
	status := http.StatusInternalServerError
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Get(context.Background(), "/splitChanges", nil, false)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.Code)
	assert.Equal(t, "boom", httpErr.Message)
	assert.False(t, httpErr.IsClientError())

	status = http.StatusForbidden
	_, err = client.Get(context.Background(), "/splitChanges", nil, false)
	require.ErrorAs(t, err, &httpErr)
	assert.True(t, httpErr.IsClientError())

	// 408 and 429 stay retryable.
	status = http.StatusTooManyRequests
	_, err = client.Get(context.Background(), "/splitChanges", nil, false)
	require.ErrorAs(t, err, &httpErr)
	assert.False(t, httpErr.IsClientError())
}

func TestSplitFetcherQuery(t *testing.T) {
	var gotQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"ff": {"d": [{"name": "flag-a", "status": "ACTIVE"}], "s": -1, "t": 100}}`))
	}))
	defer server.Close()

	fetcher := NewSplitFetcher(newTestClient(t, server.URL), []string{"backend", "frontend"}, telemetry.NewStorage(), log.NewNopLogger())

	changes, err := fetcher.Fetch(context.Background(), -1, FetchOptions{Till: -1})
	require.NoError(t, err)
	assert.Equal(t, []string{"-1"}, gotQuery["since"])
	assert.Equal(t, []string{"backend,frontend"}, gotQuery["sets"])
	assert.NotContains(t, gotQuery, "till")
	assert.Equal(t, int64(100), changes.FeatureFlags.Till)
	require.Len(t, changes.FeatureFlags.Splits, 1)
	assert.Equal(t, "flag-a", changes.FeatureFlags.Splits[0].Name)

	_, err = fetcher.Fetch(context.Background(), 100, FetchOptions{CacheControl: true, Till: 250})
	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, gotQuery["since"])
	assert.Equal(t, []string{"250"}, gotQuery["till"])
}

func TestSplitFetcherRecordsTelemetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	runtime := telemetry.NewStorage()
	fetcher := NewSplitFetcher(newTestClient(t, server.URL), nil, runtime, log.NewNopLogger())

	_, err := fetcher.Fetch(context.Background(), -1, FetchOptions{Till: -1})
	require.Error(t, err)

	stats := runtime.PopStats(0, 0, 0)
	assert.Equal(t, int64(1), stats.HTTPErrors.Splits[500])
	assert.Zero(t, stats.LastSynchronizations.Splits)
}

func TestSegmentFetcher(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"name": "employees", "added": ["k1"], "removed": [], "since": -1, "till": 10}`))
	}))
	defer server.Close()

	fetcher := NewSegmentFetcher(newTestClient(t, server.URL), telemetry.NewStorage(), log.NewNopLogger())
	changes, err := fetcher.Fetch(context.Background(), "employees", -1, FetchOptions{Till: -1})
	require.NoError(t, err)
	assert.Equal(t, "/segmentChanges/employees", gotPath)
	assert.Equal(t, []string{"k1"}, changes.Added)
	assert.Equal(t, int64(10), changes.Till)
}

func TestAuthFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/auth", r.URL.Path)
		w.Write([]byte(`{"pushEnabled": true, "token": "abc.def.ghi"}`))
	}))
	defer server.Close()

	fetcher := NewAuthFetcher(newTestClient(t, server.URL), telemetry.NewStorage(), log.NewNopLogger())
	auth, err := fetcher.Authenticate(context.Background())
	require.NoError(t, err)
	assert.True(t, auth.PushEnabled)
	assert.Equal(t, "abc.def.ghi", auth.Token)
}

func TestAuthFetcherRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	runtime := telemetry.NewStorage()
	fetcher := NewAuthFetcher(newTestClient(t, server.URL), runtime, log.NewNopLogger())
	_, err := fetcher.Authenticate(context.Background())
	require.Error(t, err)

	stats := runtime.PopStats(0, 0, 0)
	assert.Equal(t, int64(1), stats.AuthRejections)
	assert.Equal(t, int64(1), stats.HTTPErrors.Token[401])
}

func TestGroupImpressions(t *testing.T) {
	grouped := GroupImpressions([]dtos.Impression{
		{FeatureName: "flag-a", KeyName: "k1", Treatment: "on", Label: "default rule", ChangeNumber: 10, Time: 1000},
		{FeatureName: "flag-b", KeyName: "k1", Treatment: "off", Label: "killed", ChangeNumber: 20, Time: 1001},
		{FeatureName: "flag-a", KeyName: "k2", Treatment: "on", Label: "default rule", ChangeNumber: 10, Time: 1002, Pt: 900},
	})

	require.Len(t, grouped, 2)
	assert.Equal(t, "flag-a", grouped[0].TestName)
	require.Len(t, grouped[0].KeyImpressions, 2)
	assert.Equal(t, "k1", grouped[0].KeyImpressions[0].KeyName)
	assert.Equal(t, int64(900), grouped[0].KeyImpressions[1].Pt)
	assert.Equal(t, "flag-b", grouped[1].TestName)
	require.Len(t, grouped[1].KeyImpressions, 1)
	assert.Equal(t, "killed", grouped[1].KeyImpressions[0].Label)
}

func TestImpressionRecorder(t *testing.T) {
	var gotMode string
	var gotBody []dtos.ImpressionsDTO
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/testImpressions/bulk", r.URL.Path)
		gotMode = r.Header.Get("SplitSDKImpressionsMode")
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
	}))
	defer server.Close()

	runtime := telemetry.NewStorage()
	recorder := NewImpressionRecorder(newTestClient(t, server.URL), "OPTIMIZED", runtime, log.NewNopLogger())

	err := recorder.Record(context.Background(), []dtos.Impression{
		{FeatureName: "flag-a", KeyName: "k1", Treatment: "on", Label: "default rule", ChangeNumber: 10, Time: 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, "OPTIMIZED", gotMode)
	require.Len(t, gotBody, 1)
	assert.Equal(t, "flag-a", gotBody[0].TestName)

	stats := runtime.PopStats(0, 0, 0)
	assert.NotZero(t, stats.LastSynchronizations.Impressions)
}

func TestImpressionRecorderSkipsEmptyBulk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for an empty bulk")
	}))
	defer server.Close()

	recorder := NewImpressionRecorder(newTestClient(t, server.URL), "DEBUG", telemetry.NewStorage(), log.NewNopLogger())
	require.NoError(t, recorder.Record(context.Background(), nil))
	require.NoError(t, recorder.RecordCounts(context.Background(), nil))
}

func TestImpressionCountRecorder(t *testing.T) {
	var gotBody dtos.ImpressionCountsDTO
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/testImpressions/count", r.URL.Path)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
	}))
	defer server.Close()

	recorder := NewImpressionRecorder(newTestClient(t, server.URL), "OPTIMIZED", telemetry.NewStorage(), log.NewNopLogger())
	err := recorder.RecordCounts(context.Background(), []dtos.ImpressionCountDTO{
		{FeatureName: "flag-a", TimeFrame: 3600000, RawCount: 2},
	})
	require.NoError(t, err)
	require.Len(t, gotBody.PerFeature, 1)
	assert.Equal(t, int64(2), gotBody.PerFeature[0].RawCount)
}

func TestEventRecorder(t *testing.T) {
	var gotBody []dtos.EventDTO
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/bulk", r.URL.Path)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
	}))
	defer server.Close()

	runtime := telemetry.NewStorage()
	recorder := NewEventRecorder(newTestClient(t, server.URL), runtime, log.NewNopLogger())
	err := recorder.Record(context.Background(), []dtos.EventDTO{
		{Key: "k1", TrafficTypeName: "user", EventTypeID: "checkout", Timestamp: 1000},
	})
	require.NoError(t, err)
	require.Len(t, gotBody, 1)
	assert.Equal(t, "checkout", gotBody[0].EventTypeID)

	stats := runtime.PopStats(0, 0, 0)
	assert.NotZero(t, stats.LastSynchronizations.Events)
}

func TestEventRecorderErrorTyping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	runtime := telemetry.NewStorage()
	recorder := NewEventRecorder(newTestClient(t, server.URL), runtime, log.NewNopLogger())
	err := recorder.Record(context.Background(), []dtos.EventDTO{{Key: "k1"}})
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 400, httpErr.Code)
	stats := runtime.PopStats(0, 0, 0)
	assert.Equal(t, int64(1), stats.HTTPErrors.Events[400])
}

func TestTelemetryRecorder(t *testing.T) {
	paths := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
	}))
	defer server.Close()

	runtime := telemetry.NewStorage()
	recorder := NewTelemetryRecorder(newTestClient(t, server.URL), runtime, log.NewNopLogger())

	require.NoError(t, recorder.RecordConfig(context.Background(), &dtos.TelemetryConfig{OperationMode: 0}))
	require.NoError(t, recorder.RecordStats(context.Background(), runtime.PopStats(1, 1, 1)))
	require.NoError(t, recorder.RecordUniqueKeys(context.Background(), &dtos.UniqueKeysDTO{
		Keys: []dtos.UniqueKeysFeatureDTO{{Feature: "flag-a", Keys: []string{"k1"}}},
	}))
	// Empty unique-keys windows are not posted.
	require.NoError(t, recorder.RecordUniqueKeys(context.Background(), &dtos.UniqueKeysDTO{}))
	require.NoError(t, recorder.RecordUniqueKeys(context.Background(), nil))

	assert.Equal(t, []string{"/metrics/config", "/metrics/usage", "/keys/ss"}, paths)
}

func TestBuildMetadata(t *testing.T) {
	cfg := conf.Default()
	cfg.IPAddressesEnabled = true
	cfg.IPAddress = "192.168.1.9"
	cfg.InstanceName = "svc-2"

	metadata := BuildMetadata(cfg)
	assert.Equal(t, "go-"+splitio.Version, metadata.SDKVersion)
	assert.Equal(t, "192.168.1.9", metadata.MachineIP)
	assert.Equal(t, "svc-2", metadata.MachineName)

	cfg.IPAddressesEnabled = false
	metadata = BuildMetadata(cfg)
	assert.Equal(t, "NA", metadata.MachineIP)
	assert.Equal(t, "NA", metadata.MachineName)
}
