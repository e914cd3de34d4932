package api

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/telemetry"
)

// FetchOptions tunes one flag or segment fetch.
type FetchOptions struct {
	// CacheControl marks on-demand fetches so intermediate caches are
	// bypassed.
	CacheControl bool
	// Till, when >= 0, asks the backend to serve at least that change
	// number (CDN-bypass round of the on-demand loop).
	Till int64
}

// SplitFetcher performs conditional GETs against /splitChanges.
type SplitFetcher struct {
	client    *Client
	flagSets  []string
	telemetry *telemetry.Storage
	logger    log.Logger
}

// NewSplitFetcher builds a flag fetcher. flagSets, when non-empty, restricts
// the feed server-side.
func NewSplitFetcher(client *Client, flagSets []string, runtime *telemetry.Storage, logger log.Logger) *SplitFetcher {
	return &SplitFetcher{client: client, flagSets: flagSets, telemetry: runtime, logger: logger}
}

// Fetch returns the flag deltas after the given change number.
func (f *SplitFetcher) Fetch(ctx context.Context, since int64, opts FetchOptions) (*dtos.SplitChangesDTO, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if len(f.flagSets) > 0 {
		query.Set("sets", strings.Join(f.flagSets, ","))
	}
	if opts.Till >= 0 {
		query.Set("till", strconv.FormatInt(opts.Till, 10))
	}

	start := time.Now()
	body, err := f.client.Get(ctx, "/splitChanges", query, opts.CacheControl)
	if err != nil {
		f.recordError(telemetry.SplitSync, err)
		return nil, errors.Wrap(err, "fetching split changes")
	}
	f.telemetry.RecordSyncLatency(telemetry.SplitSync, time.Since(start))
	f.telemetry.RecordSuccessfulSync(telemetry.SplitSync, time.Now())

	var changes dtos.SplitChangesDTO
	if err := jsonAPI.Unmarshal(body, &changes); err != nil {
		return nil, errors.Wrap(err, "parsing split changes")
	}
	return &changes, nil
}

func (f *SplitFetcher) recordError(resource int, err error) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		f.telemetry.RecordSyncError(resource, httpErr.Code)
	}
}

// SegmentFetcher performs conditional GETs against /segmentChanges/{name}.
type SegmentFetcher struct {
	client    *Client
	telemetry *telemetry.Storage
	logger    log.Logger
}

// NewSegmentFetcher builds a segment fetcher.
func NewSegmentFetcher(client *Client, runtime *telemetry.Storage, logger log.Logger) *SegmentFetcher {
	return &SegmentFetcher{client: client, telemetry: runtime, logger: logger}
}

// Fetch returns the membership deltas of one segment after the given change
// number.
func (f *SegmentFetcher) Fetch(ctx context.Context, name string, since int64, opts FetchOptions) (*dtos.SegmentChangesDTO, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if opts.Till >= 0 {
		query.Set("till", strconv.FormatInt(opts.Till, 10))
	}

	start := time.Now()
	body, err := f.client.Get(ctx, "/segmentChanges/"+name, query, opts.CacheControl)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			f.telemetry.RecordSyncError(telemetry.SegmentSync, httpErr.Code)
		}
		return nil, errors.Wrapf(err, "fetching segment %s", name)
	}
	f.telemetry.RecordSyncLatency(telemetry.SegmentSync, time.Since(start))
	f.telemetry.RecordSuccessfulSync(telemetry.SegmentSync, time.Now())

	var changes dtos.SegmentChangesDTO
	if err := jsonAPI.Unmarshal(body, &changes); err != nil {
		return nil, errors.Wrapf(err, "parsing segment %s changes", name)
	}
	return &changes, nil
}

// AuthFetcher obtains the streaming JWT from /v2/auth.
type AuthFetcher struct {
	client    *Client
	telemetry *telemetry.Storage
	logger    log.Logger
}

// NewAuthFetcher builds an auth fetcher against the auth service base URL.
func NewAuthFetcher(client *Client, runtime *telemetry.Storage, logger log.Logger) *AuthFetcher {
	return &AuthFetcher{client: client, telemetry: runtime, logger: logger}
}

// Authenticate requests a fresh streaming token.
func (f *AuthFetcher) Authenticate(ctx context.Context) (*dtos.AuthResponse, error) {
	start := time.Now()
	body, err := f.client.Get(ctx, "/v2/auth", url.Values{}, false)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			f.telemetry.RecordSyncError(telemetry.TokenSync, httpErr.Code)
			if httpErr.IsClientError() {
				f.telemetry.RecordAuthRejection()
			}
		}
		return nil, errors.Wrap(err, "authenticating for streaming")
	}
	f.telemetry.RecordSyncLatency(telemetry.TokenSync, time.Since(start))
	f.telemetry.RecordSuccessfulSync(telemetry.TokenSync, time.Now())

	var auth dtos.AuthResponse
	if err := jsonAPI.Unmarshal(body, &auth); err != nil {
		return nil, errors.Wrap(err, "parsing auth response")
	}
	return &auth, nil
}
