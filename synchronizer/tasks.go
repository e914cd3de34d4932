package synchronizer

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// shutdownFlushDeadline bounds the final flush a recorder task performs when
// its service stops.
const shutdownFlushDeadline = 5 * time.Second

// task runs one synchronize or flush function on a cadence. It is a dskit
// service so the factory's service manager supervises it like everything
// else.
type task struct {
	services.Service

	name      string
	interval  time.Duration
	randomize bool
	execute   func(context.Context) error
	onStop    func(context.Context) error
	logger    log.Logger
}

// newTask builds a periodic task. onStop, when non-nil, runs once during
// shutdown with a bounded deadline; recorder tasks use it for the final
// flush.
func newTask(name string, interval time.Duration, randomize bool, execute func(context.Context) error, onStop func(context.Context) error, logger log.Logger) *task {
	t := &task{
		name:      name,
		interval:  interval,
		randomize: randomize,
		execute:   execute,
		onStop:    onStop,
		logger:    log.With(logger, "task", name),
	}
	t.Service = services.NewBasicService(nil, t.running, t.stopping)
	return t
}

// NewPeriodicTask exposes the task runner to other packages; the localhost
// file poller reuses it.
func NewPeriodicTask(name string, interval time.Duration, randomize bool, execute func(context.Context) error, onStop func(context.Context) error, logger log.Logger) services.Service {
	return newTask(name, interval, randomize, execute, onStop, logger)
}

func (t *task) running(ctx context.Context) error {
	timer := time.NewTimer(t.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			if err := t.execute(ctx); err != nil {
				level.Warn(t.logger).Log("msg", "periodic run failed", "err", err)
			}
			timer.Reset(t.nextInterval())
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *task) stopping(_ error) error {
	if t.onStop == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushDeadline)
	defer cancel()
	if err := t.onStop(ctx); err != nil {
		level.Warn(t.logger).Log("msg", "final flush failed", "err", err)
	}
	return nil
}

// nextInterval spreads ticks over [0.5x, 2x) of the configured period when
// randomization is on, so many SDK instances do not align their polls.
func (t *task) nextInterval() time.Duration {
	if !t.randomize {
		return t.interval
	}
	return time.Duration(float64(t.interval) * (0.5 + 1.5*rand.Float64()))
}
