package synchronizer

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/service/api"
	"github.com/splitio/go-client/storage"
)

// maxConcurrentSegmentFetches bounds the fan-out of a full segment sync.
const maxConcurrentSegmentFetches = 10

// SegmentFetcher is the transport slice the synchronizer needs; satisfied by
// api.SegmentFetcher.
type SegmentFetcher interface {
	Fetch(ctx context.Context, name string, since int64, opts api.FetchOptions) (*dtos.SegmentChangesDTO, error)
}

// SegmentSynchronizer drives segment memberships into storage.
type SegmentSynchronizer struct {
	fetcher  SegmentFetcher
	splits   storage.SplitStorage
	segments storage.SegmentStorage
	logger   log.Logger
}

// NewSegmentSynchronizer builds a segment synchronizer.
func NewSegmentSynchronizer(fetcher SegmentFetcher, splits storage.SplitStorage, segments storage.SegmentStorage, logger log.Logger) *SegmentSynchronizer {
	return &SegmentSynchronizer{fetcher: fetcher, splits: splits, segments: segments, logger: logger}
}

// fetchUntilCaughtUp loops conditional fetches for one segment until the feed
// reports no further deltas.
func (s *SegmentSynchronizer) fetchUntilCaughtUp(ctx context.Context, name string, opts api.FetchOptions) error {
	for {
		since := s.segments.ChangeNumber(name)
		changes, err := s.fetcher.Fetch(ctx, name, since, opts)
		if err != nil {
			return err
		}
		s.segments.Update(name, changes.Added, changes.Removed, changes.Till)
		if changes.Till == changes.Since || changes.Till <= since {
			return nil
		}
	}
}

// SynchronizeSegment catches one segment up. A non-nil till makes the call
// on-demand with the same retry schedule as flag fetches.
func (s *SegmentSynchronizer) SynchronizeSegment(ctx context.Context, name string, till *int64) error {
	if till == nil {
		return s.fetchUntilCaughtUp(ctx, name, api.FetchOptions{Till: -1})
	}
	if *till <= s.segments.ChangeNumber(name) {
		return nil
	}

	boff := backoff.New(ctx, onDemandBackoff)
	for boff.Ongoing() {
		err := s.fetchUntilCaughtUp(ctx, name, api.FetchOptions{CacheControl: true, Till: -1})
		if err != nil {
			var httpErr *api.HTTPError
			if errors.As(err, &httpErr) && httpErr.IsClientError() {
				return err
			}
			level.Warn(s.logger).Log("msg", "segment fetch attempt failed", "segment", name, "err", err)
		} else if s.segments.ChangeNumber(name) >= *till {
			return nil
		}
		boff.Wait()
	}
	return errors.Errorf("segment %s did not reach change number %d", name, *till)
}

// SynchronizeSegments fetches every segment referenced by the stored flags,
// bounded fan-out.
func (s *SegmentSynchronizer) SynchronizeSegments(ctx context.Context) error {
	return s.synchronizeMany(ctx, s.splits.SegmentNames())
}

func (s *SegmentSynchronizer) synchronizeMany(ctx context.Context, names []string) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentSegmentFetches)
	for _, name := range names {
		name := name
		group.Go(func() error {
			return s.SynchronizeSegment(ctx, name, nil)
		})
	}
	return group.Wait()
}
