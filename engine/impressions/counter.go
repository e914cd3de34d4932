package impressions

import (
	"sync"

	"github.com/splitio/go-client/dtos"
)

const millisPerHour = 3600 * 1000

// TruncateToHour floors an epoch-millis timestamp to its hour bucket.
func TruncateToHour(ts int64) int64 {
	return ts - ts%millisPerHour
}

type counterKey struct {
	feature   string
	timeFrame int64
}

// Counter accumulates per-feature impression counts in hour buckets. It
// backs the OPTIMIZED dedup counters and the NONE-mode totals.
type Counter struct {
	mtx    sync.Mutex
	counts map[counterKey]int64
}

// NewCounter builds an empty counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[counterKey]int64)}
}

// Inc adds n to the feature's count for the hour containing ts.
func (c *Counter) Inc(feature string, ts int64, n int64) {
	key := counterKey{feature: feature, timeFrame: TruncateToHour(ts)}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.counts[key] += n
}

// PopAll drains the counter into its wire form.
func (c *Counter) PopAll() []dtos.ImpressionCountDTO {
	c.mtx.Lock()
	counts := c.counts
	c.counts = make(map[counterKey]int64)
	c.mtx.Unlock()

	out := make([]dtos.ImpressionCountDTO, 0, len(counts))
	for key, count := range counts {
		out = append(out, dtos.ImpressionCountDTO{
			FeatureName: key.feature,
			TimeFrame:   key.timeFrame,
			RawCount:    count,
		})
	}
	return out
}
