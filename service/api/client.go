// Package api implements the REST surface of the backend: conditional flag
// and segment fetches, the streaming auth endpoint and the telemetry,
// impression and event recorders.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/splitio/go-client/dtos"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

var metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "split",
	Name:      "api_request_duration_seconds",
	Help:      "Latency of backend REST calls.",
	Buckets:   prometheus.DefBuckets,
}, []string{"path", "status"})

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.Code, e.Message)
}

// IsClientError reports a 4xx other than 408/429, which the sync policy
// treats as fatal for the cycle.
func (e *HTTPError) IsClientError() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}

// Client wraps one backend base URL with auth and metadata headers.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	apiKey     string
	metadata   dtos.Metadata
	logger     log.Logger
}

// NewClient parses the base URL once at construction. The client timeout
// covers connect plus read per the configured budget.
func NewClient(apiKey string, rawURL string, timeout time.Duration, metadata dtos.Metadata, logger log.Logger) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSuffix(rawURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid base url %q", rawURL)
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    parsed,
		apiKey:     apiKey,
		metadata:   metadata,
		logger:     logger,
	}, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SplitSDKVersion", c.metadata.SDKVersion)
	if c.metadata.MachineIP != "" && c.metadata.MachineIP != "NA" {
		req.Header.Set("SplitSDKMachineIP", c.metadata.MachineIP)
	}
	if c.metadata.MachineName != "" && c.metadata.MachineName != "NA" {
		req.Header.Set("SplitSDKMachineName", c.metadata.MachineName)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metricRequestDuration.WithLabelValues(req.URL.Path, "error").Observe(time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	metricRequestDuration.WithLabelValues(req.URL.Path, fmt.Sprintf("%d", resp.StatusCode)).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Code: resp.StatusCode, Message: string(body)}
	}
	return body, nil
}

// Get issues a GET against path with the given query. cacheControl adds the
// no-cache header used by on-demand fetches.
func (c *Client) Get(ctx context.Context, path string, query url.Values, cacheControl bool) ([]byte, error) {
	target := *c.baseURL
	target.Path += path
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	if cacheControl {
		req.Header.Set("Cache-Control", "no-cache")
	}
	return c.do(req)
}

// Post issues a POST with a JSON body and optional extra headers.
func (c *Client) Post(ctx context.Context, path string, body interface{}, headers map[string]string) error {
	payload, err := jsonAPI.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "serializing payload")
	}
	target := *c.baseURL
	target.Path += path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	_, err = c.do(req)
	return err
}
