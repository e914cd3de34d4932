// Package synchronizer keeps local storage aligned with the backend: polling
// synchronizers for flags and segments, periodic recorder tasks for the
// telemetry pipelines, and the manager that arbitrates between polling and
// streaming.
package synchronizer

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/service/api"
	"github.com/splitio/go-client/storage"
)

// On-demand fetches retry on this schedule before falling back to a
// CDN-bypass round.
var onDemandBackoff = backoff.Config{
	MinBackoff: 10 * time.Second,
	MaxBackoff: 60 * time.Second,
	MaxRetries: 10,
}

// SplitFetcher is the transport slice the synchronizer needs; satisfied by
// api.SplitFetcher.
type SplitFetcher interface {
	Fetch(ctx context.Context, since int64, opts api.FetchOptions) (*dtos.SplitChangesDTO, error)
}

// SplitSynchronizer drives the flag feed into storage.
type SplitSynchronizer struct {
	fetcher SplitFetcher
	splits  storage.SplitStorage
	logger  log.Logger
}

// NewSplitSynchronizer builds a flag synchronizer.
func NewSplitSynchronizer(fetcher SplitFetcher, splits storage.SplitStorage, logger log.Logger) *SplitSynchronizer {
	return &SplitSynchronizer{fetcher: fetcher, splits: splits, logger: logger}
}

// fetchUntilCaughtUp loops conditional fetches until the feed reports no
// further deltas, applying each page transactionally. Returns the segments
// referenced by added flags.
func (s *SplitSynchronizer) fetchUntilCaughtUp(ctx context.Context, opts api.FetchOptions) ([]string, error) {
	referenced := []string{}
	for {
		since := s.splits.ChangeNumber()
		changes, err := s.fetcher.Fetch(ctx, since, opts)
		if err != nil {
			return referenced, err
		}

		toAdd := []dtos.SplitDTO{}
		toRemove := []dtos.SplitDTO{}
		for _, split := range changes.FeatureFlags.Splits {
			if split.Status == "ACTIVE" {
				toAdd = append(toAdd, split)
				for _, cond := range split.Conditions {
					for _, matcher := range cond.MatcherGroup.Matchers {
						if matcher.UserDefinedSegment != nil {
							referenced = append(referenced, matcher.UserDefinedSegment.SegmentName)
						}
					}
				}
			} else {
				toRemove = append(toRemove, split)
			}
		}
		s.splits.Update(toAdd, toRemove, changes.FeatureFlags.Till)

		if changes.FeatureFlags.Till == changes.FeatureFlags.Since || changes.FeatureFlags.Till <= since {
			return referenced, nil
		}
	}
}

// SynchronizeSplits catches the flag cache up with the backend. A non-nil
// till makes the call on-demand: it retries until storage reaches that change
// number, first against caches and then bypassing them.
func (s *SplitSynchronizer) SynchronizeSplits(ctx context.Context, till *int64) ([]string, error) {
	if till == nil {
		return s.fetchUntilCaughtUp(ctx, api.FetchOptions{Till: -1})
	}
	if *till <= s.splits.ChangeNumber() {
		return nil, nil
	}

	referenced := []string{}
	caughtUp := func(opts api.FetchOptions) (bool, error) {
		segments, err := s.fetchUntilCaughtUp(ctx, opts)
		referenced = append(referenced, segments...)
		if err != nil {
			var httpErr *api.HTTPError
			if errors.As(err, &httpErr) && httpErr.IsClientError() {
				return false, err
			}
			level.Warn(s.logger).Log("msg", "flag fetch attempt failed", "err", err)
			return false, nil
		}
		return s.splits.ChangeNumber() >= *till, nil
	}

	boff := backoff.New(ctx, onDemandBackoff)
	for boff.Ongoing() {
		done, err := caughtUp(api.FetchOptions{CacheControl: true, Till: -1})
		if err != nil {
			return referenced, err
		}
		if done {
			return referenced, nil
		}
		boff.Wait()
	}

	// CDN-bypass round: pin the till param so stale cached pages are skipped.
	level.Info(s.logger).Log("msg", "flag feed behind after retries, bypassing cdn", "till", *till)
	boff = backoff.New(ctx, onDemandBackoff)
	for boff.Ongoing() {
		done, err := caughtUp(api.FetchOptions{CacheControl: true, Till: *till})
		if err != nil {
			return referenced, err
		}
		if done {
			return referenced, nil
		}
		boff.Wait()
	}
	return referenced, errors.Errorf("flag feed did not reach change number %d", *till)
}

// LocalKill applies a kill notification directly to storage.
func (s *SplitSynchronizer) LocalKill(name string, defaultTreatment string, changeNumber int64) {
	s.splits.KillLocally(name, defaultTreatment, changeNumber)
}
