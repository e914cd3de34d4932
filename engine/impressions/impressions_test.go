package impressions

import (
	"context"
	"sync"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitio/go-client/conf"
	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/telemetry"
)

func impression(feature, key, treatment string, ts int64) dtos.Impression {
	return dtos.Impression{
		FeatureName:  feature,
		KeyName:      key,
		Treatment:    treatment,
		Label:        "default rule",
		ChangeNumber: 123,
		Time:         ts,
	}
}

func TestObserverTracksPreviousTime(t *testing.T) {
	observer, err := NewObserver()
	require.NoError(t, err)

	first := impression("f", "alice", "on", 1000)
	assert.Zero(t, observer.TestAndSet(&first))

	second := impression("f", "alice", "on", 2000)
	assert.Equal(t, int64(1000), observer.TestAndSet(&second))

	// A different tuple does not collide.
	other := impression("f", "bob", "on", 3000)
	assert.Zero(t, observer.TestAndSet(&other))
}

func TestCounterBucketsByHour(t *testing.T) {
	counter := NewCounter()
	base := int64(10) * millisPerHour

	counter.Inc("f", base+1, 1)
	counter.Inc("f", base+2000, 1)
	counter.Inc("f", base+millisPerHour, 1)
	counter.Inc("g", base+5, 2)

	counts := counter.PopAll()
	require.Len(t, counts, 3)
	byKey := make(map[string]int64)
	for _, c := range counts {
		byKey[c.FeatureName+"@"+time.UnixMilli(c.TimeFrame).UTC().Format("15")] = c.RawCount
	}
	assert.Equal(t, int64(2), byKey["f@10"])
	assert.Equal(t, int64(1), byKey["f@11"])
	assert.Equal(t, int64(2), byKey["g@10"])

	assert.Empty(t, counter.PopAll(), "pop drains")
}

func TestUniqueKeysTracker(t *testing.T) {
	tracker := NewUniqueKeysTracker()
	assert.True(t, tracker.Track("f", "alice"))
	assert.False(t, tracker.Track("f", "alice"))
	assert.True(t, tracker.Track("f", "bob"))
	assert.True(t, tracker.Track("g", "alice"))

	popped := tracker.PopAll()
	require.Len(t, popped.Keys, 2)
	byFeature := make(map[string][]string)
	for _, entry := range popped.Keys {
		byFeature[entry.Feature] = entry.Keys
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, byFeature["f"])
	assert.ElementsMatch(t, []string{"alice"}, byFeature["g"])

	// The filter still remembers across pops until cleared.
	assert.False(t, tracker.Track("f", "alice"))
	tracker.ClearFilter()
	assert.True(t, tracker.Track("f", "alice"))
}

func TestOptimizedModeDedups(t *testing.T) {
	runtime := telemetry.NewStorage()
	manager, err := NewManager(conf.ImpressionsModeOptimized, runtime)
	require.NoError(t, err)

	base := int64(100) * millisPerHour

	queued := manager.Process([]dtos.Impression{impression("f", "alice", "on", base)})
	require.Len(t, queued, 1)
	assert.Zero(t, queued[0].Pt)

	// Two repeats within the hour: suppressed, counted.
	queued = manager.Process([]dtos.Impression{impression("f", "alice", "on", base+1000)})
	assert.Empty(t, queued)
	queued = manager.Process([]dtos.Impression{impression("f", "alice", "on", base+2000)})
	assert.Empty(t, queued)

	// Next hour: emitted again, previous-time points at the last sighting.
	queued = manager.Process([]dtos.Impression{impression("f", "alice", "on", base+millisPerHour)})
	require.Len(t, queued, 1)
	assert.Equal(t, base+2000, queued[0].Pt)

	counts := manager.PopCounts()
	require.Len(t, counts, 1)
	assert.Equal(t, int64(2), counts[0].RawCount)

	stats := runtime.PopStats(0, 0, 0)
	assert.Equal(t, int64(2), stats.ImpressionsDeduped)
}

func TestDebugModeQueuesEverything(t *testing.T) {
	manager, err := NewManager(conf.ImpressionsModeDebug, telemetry.NewStorage())
	require.NoError(t, err)

	base := int64(100) * millisPerHour
	first := manager.Process([]dtos.Impression{impression("f", "alice", "on", base)})
	second := manager.Process([]dtos.Impression{impression("f", "alice", "on", base+1000)})
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Zero(t, first[0].Pt)
	assert.Equal(t, base, second[0].Pt)
	assert.Nil(t, manager.PopCounts())
}

func TestNoneModeCountsAndTracks(t *testing.T) {
	manager, err := NewManager(conf.ImpressionsModeNone, telemetry.NewStorage())
	require.NoError(t, err)

	base := int64(100) * millisPerHour
	queued := manager.Process([]dtos.Impression{
		impression("f", "alice", "on", base),
		impression("f", "bob", "on", base),
		impression("f", "alice", "on", base+1),
	})
	assert.Empty(t, queued)

	counts := manager.PopCounts()
	require.Len(t, counts, 1)
	assert.Equal(t, int64(3), counts[0].RawCount)

	uniques := manager.PopUniques()
	require.Len(t, uniques.Keys, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, uniques.Keys[0].Keys)
}

type recordingListener struct {
	mtx      sync.Mutex
	received []conf.ImpressionData
	panics   bool
}

func (l *recordingListener) LogImpression(data conf.ImpressionData) {
	if l.panics {
		panic("listener blew up")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.received = append(l.received, data)
}

func (l *recordingListener) count() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.received)
}

func TestListenerWorkerDelivers(t *testing.T) {
	listener := &recordingListener{}
	worker := NewListenerWorker(listener, dtos.Metadata{SDKVersion: "go-test", MachineIP: "1.2.3.4"}, kitlog.NewNopLogger())
	require.NotNil(t, worker)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), worker))
	defer services.StopAndAwaitTerminated(context.Background(), worker) //nolint:errcheck

	worker.Submit(impression("f", "alice", "on", 1000), map[string]interface{}{"plan": "premium"})

	require.Eventually(t, func() bool { return listener.count() == 1 }, time.Second, 10*time.Millisecond)
	listener.mtx.Lock()
	defer listener.mtx.Unlock()
	data := listener.received[0]
	assert.Equal(t, "f", data.Feature)
	assert.Equal(t, "alice", data.KeyName)
	assert.Equal(t, "go-test", data.SDKVersion)
	assert.Equal(t, "premium", data.Attributes["plan"])
}

func TestListenerWorkerRecoversPanics(t *testing.T) {
	listener := &recordingListener{panics: true}
	worker := NewListenerWorker(listener, dtos.Metadata{}, kitlog.NewNopLogger())
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), worker))
	defer services.StopAndAwaitTerminated(context.Background(), worker) //nolint:errcheck

	worker.Submit(impression("f", "alice", "on", 1000), nil)
	worker.Submit(impression("f", "bob", "on", 1000), nil)

	// The worker survives; nothing to assert beyond no test panic, give the
	// goroutine a moment to process both.
	time.Sleep(50 * time.Millisecond)
}

func TestNilListenerYieldsNilWorker(t *testing.T) {
	worker := NewListenerWorker(nil, dtos.Metadata{}, kitlog.NewNopLogger())
	assert.Nil(t, worker)
	worker.Submit(impression("f", "alice", "on", 1), nil) // no-op, no panic
}
