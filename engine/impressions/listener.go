package impressions

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/splitio/go-client/conf"
	"github.com/splitio/go-client/dtos"
)

const listenerQueueSize = 200

var metricListenerFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "split",
	Name:      "impression_listener_failures_total",
	Help:      "Panics recovered while invoking the impression listener.",
})

// ListenerWorker fans impressions out to the host-supplied listener on a
// dedicated goroutine, keeping listener cost off the evaluation hot path.
type ListenerWorker struct {
	services.Service

	listener conf.ImpressionListener
	metadata dtos.Metadata
	queue    chan conf.ImpressionData
	logger   log.Logger
}

// NewListenerWorker wraps the host listener. A nil listener yields a nil
// worker; callers treat that as "no listener configured".
func NewListenerWorker(listener conf.ImpressionListener, metadata dtos.Metadata, logger log.Logger) *ListenerWorker {
	if listener == nil {
		return nil
	}
	w := &ListenerWorker{
		listener: listener,
		metadata: metadata,
		queue:    make(chan conf.ImpressionData, listenerQueueSize),
		logger:   log.With(logger, "component", "impression_listener"),
	}
	w.Service = services.NewBasicService(nil, w.running, nil)
	return w
}

// Submit enqueues one impression for delivery. Never blocks; a saturated
// queue drops the submission.
func (w *ListenerWorker) Submit(impression dtos.Impression, attributes map[string]interface{}) {
	if w == nil {
		return
	}
	data := conf.ImpressionData{
		Feature:      impression.FeatureName,
		KeyName:      impression.KeyName,
		BucketingKey: impression.BucketingKey,
		Treatment:    impression.Treatment,
		Label:        impression.Label,
		ChangeNumber: impression.ChangeNumber,
		Time:         impression.Time,
		Attributes:   attributes,
		SDKVersion:   w.metadata.SDKVersion,
		InstanceName: w.metadata.MachineName,
		IP:           w.metadata.MachineIP,
	}
	select {
	case w.queue <- data:
	default:
	}
}

func (w *ListenerWorker) running(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-w.queue:
			w.deliver(data)
		}
	}
}

func (w *ListenerWorker) deliver(data conf.ImpressionData) {
	defer func() {
		if r := recover(); r != nil {
			metricListenerFailures.Inc()
			level.Error(w.logger).Log("msg", "impression listener panicked", "panic", r)
		}
	}()
	w.listener.LogImpression(data)
}
