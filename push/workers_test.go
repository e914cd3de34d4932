package push

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/storage/inmemory"
	"github.com/splitio/go-client/telemetry"
)

type syncCall struct {
	op   string
	name string
	till int64
}

type fakeSynchronizer struct {
	mtx   sync.Mutex
	calls []syncCall
}

func (f *fakeSynchronizer) SynchronizeSplits(till *int64) error {
	f.record(syncCall{op: "splits", till: deref(till)})
	return nil
}

func (f *fakeSynchronizer) SynchronizeSegment(name string, till *int64) error {
	f.record(syncCall{op: "segment", name: name, till: deref(till)})
	return nil
}

func (f *fakeSynchronizer) LocalKill(name string, defaultTreatment string, changeNumber int64) {
	f.record(syncCall{op: "kill", name: name, till: changeNumber})
}

func (f *fakeSynchronizer) record(call syncCall) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSynchronizer) snapshot() []syncCall {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]syncCall{}, f.calls...)
}

func deref(v *int64) int64 {
	if v == nil {
		return -1
	}
	return *v
}

func encodeDefinition(t *testing.T, split dtos.SplitDTO, compression int64) string {
	t.Helper()
	raw, err := jsonAPI.Marshal(split)
	require.NoError(t, err)

	switch compression {
	case compressionGzip:
		var buf bytes.Buffer
		writer := gzip.NewWriter(&buf)
		_, err = writer.Write(raw)
		require.NoError(t, err)
		require.NoError(t, writer.Close())
		raw = buf.Bytes()
	case compressionZlib:
		var buf bytes.Buffer
		writer := zlib.NewWriter(&buf)
		_, err = writer.Write(raw)
		require.NoError(t, err)
		require.NoError(t, writer.Close())
		raw = buf.Bytes()
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func newTestWorkers(sync *fakeSynchronizer) (*workers, *inmemory.SplitStorage, *inmemory.SegmentStorage) {
	splits := inmemory.NewSplitStorage(log.NewNopLogger())
	segments := inmemory.NewSegmentStorage()
	w := newWorkers(sync, splits, segments, telemetry.NewStorage(), log.NewNopLogger())
	return w, splits, segments
}

func int64Ptr(v int64) *int64 { return &v }

func TestSplitWorkerAppliesCarriedDefinition(t *testing.T) {
	fake := &fakeSynchronizer{}
	w, splits, _ := newTestWorkers(fake)
	splits.Update(nil, nil, 1400)

	definition := encodeDefinition(t, dtos.SplitDTO{
		Name:             "checkout",
		Status:           "ACTIVE",
		DefaultTreatment: "off",
		Algo:             2,
	}, compressionGzip)

	w.Start()
	defer w.Stop()
	w.QueueSplitUpdate(&splitUpdate{
		ChangeNumber:         1500,
		PreviousChangeNumber: int64Ptr(1400),
		Definition:           definition,
		Compression:          int64Ptr(compressionGzip),
	})

	assert.Eventually(t, func() bool {
		return splits.ChangeNumber() == 1500 && splits.Split("checkout") != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, fake.snapshot())
}

func TestSplitWorkerArchivesCarriedDefinition(t *testing.T) {
	fake := &fakeSynchronizer{}
	w, splits, _ := newTestWorkers(fake)
	splits.Update([]dtos.SplitDTO{{Name: "checkout", Status: "ACTIVE", Algo: 2}}, nil, 1400)

	definition := encodeDefinition(t, dtos.SplitDTO{Name: "checkout", Status: "ARCHIVED", Algo: 2}, compressionZlib)

	w.Start()
	defer w.Stop()
	w.QueueSplitUpdate(&splitUpdate{
		ChangeNumber:         1500,
		PreviousChangeNumber: int64Ptr(1400),
		Definition:           definition,
		Compression:          int64Ptr(compressionZlib),
	})

	assert.Eventually(t, func() bool {
		return splits.ChangeNumber() == 1500 && splits.Split("checkout") == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSplitWorkerFallsBackToFetch(t *testing.T) {
	fake := &fakeSynchronizer{}
	w, splits, _ := newTestWorkers(fake)
	splits.Update(nil, nil, 1300)

	w.Start()
	defer w.Stop()

	// Storage is more than one change behind, so the definition cannot be
	// applied directly.
	w.QueueSplitUpdate(&splitUpdate{
		ChangeNumber:         1500,
		PreviousChangeNumber: int64Ptr(1400),
		Definition:           encodeDefinition(t, dtos.SplitDTO{Name: "x", Status: "ACTIVE"}, compressionNone),
		Compression:          int64Ptr(compressionNone),
	})

	assert.Eventually(t, func() bool {
		calls := fake.snapshot()
		return len(calls) == 1 && calls[0] == syncCall{op: "splits", till: 1500}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSplitWorkerFetchesReferencedSegments(t *testing.T) {
	fake := &fakeSynchronizer{}
	w, splits, segments := newTestWorkers(fake)
	splits.Update(nil, nil, 1400)
	segments.Update("known", []string{"k1"}, nil, 50)

	definition := encodeDefinition(t, dtos.SplitDTO{
		Name:   "segmented",
		Status: "ACTIVE",
		Algo:   2,
		Conditions: []dtos.ConditionDTO{{
			ConditionType: "ROLLOUT",
			Label:         "default rule",
			MatcherGroup: dtos.MatcherGroupDTO{
				Combiner: "AND",
				Matchers: []dtos.MatcherDTO{
					{MatcherType: "IN_SEGMENT", UserDefinedSegment: &dtos.UserDefinedSegmentMatcherDataDTO{SegmentName: "known"}},
					{MatcherType: "IN_SEGMENT", UserDefinedSegment: &dtos.UserDefinedSegmentMatcherDataDTO{SegmentName: "brand_new"}},
				},
			},
			Partitions: []dtos.PartitionDTO{{Treatment: "on", Size: 100}},
		}},
	}, compressionNone)

	w.Start()
	defer w.Stop()
	w.QueueSplitUpdate(&splitUpdate{
		ChangeNumber:         1500,
		PreviousChangeNumber: int64Ptr(1400),
		Definition:           definition,
		Compression:          int64Ptr(compressionNone),
	})

	// Only the segment storage has never seen gets fetched.
	assert.Eventually(t, func() bool {
		calls := fake.snapshot()
		return len(calls) == 1 && calls[0] == syncCall{op: "segment", name: "brand_new", till: -1}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSegmentWorker(t *testing.T) {
	fake := &fakeSynchronizer{}
	w, _, _ := newTestWorkers(fake)

	w.Start()
	defer w.Stop()
	w.QueueSegmentUpdate(&segmentUpdate{ChangeNumber: 1700, SegmentName: "beta_users"})

	assert.Eventually(t, func() bool {
		calls := fake.snapshot()
		return len(calls) == 1 && calls[0] == syncCall{op: "segment", name: "beta_users", till: 1700}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkersPauseKeepsQueue(t *testing.T) {
	fake := &fakeSynchronizer{}
	w, _, _ := newTestWorkers(fake)

	// Not started: notifications accumulate.
	w.QueueSegmentUpdate(&segmentUpdate{ChangeNumber: 10, SegmentName: "a"})
	assert.Empty(t, fake.snapshot())
	assert.Len(t, w.segmentQueue, 1)

	w.Start()
	w.Start() // idempotent
	assert.Eventually(t, func() bool {
		return len(fake.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop() // idempotent
}
