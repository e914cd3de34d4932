package synchronizer

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/telemetry"
)

// PushStatus is the feedback the push subsystem reports to the manager.
type PushStatus int

const (
	PushSubsystemUp PushStatus = iota
	PushSubsystemDown
	PushRetryableError
	PushNonRetryableError
)

// Manager states.
const (
	Idle int32 = iota
	Polling
	StreamingStarting
	StreamingReady
	FallbackPolling
)

// PushManager is the slice of the push subsystem the manager drives;
// satisfied by push.Manager.
type PushManager interface {
	Start(ctx context.Context) error
	Stop()
	StartWorkers()
	StopWorkers()
}

// startupBackoff retries the initial SyncAll until it lands or the factory
// gives up.
var startupBackoff = backoff.Config{
	MinBackoff: 1 * time.Second,
	MaxBackoff: 30 * time.Second,
}

// streamingRetryBackoff paces reconnects after retryable push errors.
var streamingRetryBackoff = backoff.Config{
	MinBackoff: 1 * time.Second,
	MaxBackoff: 60 * time.Second,
}

// Manager owns the sync mode: streaming when the push subsystem is healthy,
// polling otherwise. It is a dskit service; the factory supervises it.
type Manager struct {
	services.Service

	sync     *Synchronizer
	push     PushManager
	feedback chan PushStatus
	runtime  *telemetry.Storage
	logger   log.Logger

	state atomic.Int32
	ready chan struct{}
}

// NewManager builds the sync manager. push may be nil, in which case the SDK
// polls for its whole lifetime. feedback must be the channel the push
// subsystem reports on.
func NewManager(sync *Synchronizer, push PushManager, feedback chan PushStatus, runtime *telemetry.Storage, logger log.Logger) *Manager {
	m := &Manager{
		sync:     sync,
		push:     push,
		feedback: feedback,
		runtime:  runtime,
		logger:   logger,
		ready:    make(chan struct{}),
	}
	m.state.Store(Idle)
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m
}

// Ready is closed once the first full sync has landed.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// IsReady reports whether the first full sync has landed.
func (m *Manager) IsReady() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

// State returns the current sync mode.
func (m *Manager) State() int32 { return m.state.Load() }

func (m *Manager) setState(state int32) { m.state.Store(state) }

func (m *Manager) recordSyncMode(mode int64) {
	m.runtime.RecordStreamingEvent(dtos.StreamingEvent{
		Type: telemetry.EventTypeSyncMode,
		Data: mode,
		Time: time.Now().UnixMilli(),
	})
}

// starting retries the initial full sync until it lands. Readiness unblocks
// here.
func (m *Manager) starting(ctx context.Context) error {
	boff := backoff.New(ctx, startupBackoff)
	for boff.Ongoing() {
		if err := m.sync.SyncAll(ctx); err != nil {
			level.Warn(m.logger).Log("msg", "initial sync attempt failed", "err", err)
			boff.Wait()
			continue
		}
		close(m.ready)
		return nil
	}
	return boff.ErrCause()
}

func (m *Manager) running(ctx context.Context) error {
	if m.push == nil {
		m.startPolling(ctx)
		<-ctx.Done()
		return nil
	}

	m.setState(StreamingStarting)
	m.recordSyncMode(telemetry.SyncModeStreaming)
	m.sync.StartSegmentPolling()
	if err := m.push.Start(ctx); err != nil {
		level.Warn(m.logger).Log("msg", "push subsystem failed to start, falling back to polling", "err", err)
		m.push = nil
		m.startPolling(ctx)
		<-ctx.Done()
		return nil
	}

	boff := backoff.New(ctx, streamingRetryBackoff)
	for {
		select {
		case <-ctx.Done():
			return nil
		case status := <-m.feedback:
			m.handlePushStatus(ctx, status, boff)
			if m.push == nil {
				// Streaming is off for the rest of the session; drain any
				// late feedback without acting on it.
				m.startPolling(ctx)
			}
		}
	}
}

func (m *Manager) handlePushStatus(ctx context.Context, status PushStatus, boff *backoff.Backoff) {
	if m.push == nil {
		return
	}
	switch status {
	case PushSubsystemUp:
		level.Info(m.logger).Log("msg", "streaming up, stopping flag polling")
		m.sync.StopSplitPolling()
		m.syncAllLogged(ctx)
		m.push.StartWorkers()
		boff.Reset()
		m.setState(StreamingReady)
		m.recordSyncMode(telemetry.SyncModeStreaming)

	case PushSubsystemDown:
		level.Info(m.logger).Log("msg", "streaming down, resuming flag polling")
		m.push.StopWorkers()
		m.syncAllLogged(ctx)
		m.sync.StartSplitPolling()
		m.setState(FallbackPolling)
		m.recordSyncMode(telemetry.SyncModePolling)

	case PushRetryableError:
		level.Warn(m.logger).Log("msg", "retryable streaming error, reconnecting")
		m.push.Stop()
		m.syncAllLogged(ctx)
		m.sync.StartSplitPolling()
		m.setState(FallbackPolling)
		m.recordSyncMode(telemetry.SyncModePolling)
		boff.Wait()
		if ctx.Err() != nil {
			return
		}
		m.setState(StreamingStarting)
		if err := m.push.Start(ctx); err != nil {
			level.Warn(m.logger).Log("msg", "push subsystem failed to restart, polling permanently", "err", err)
			m.push = nil
		}

	case PushNonRetryableError:
		level.Warn(m.logger).Log("msg", "non-retryable streaming error, polling permanently")
		m.push.StopWorkers()
		m.push.Stop()
		m.push = nil
	}
}

// startPolling moves to plain polling mode.
func (m *Manager) startPolling(ctx context.Context) {
	if m.state.Load() == Polling {
		return
	}
	m.syncAllLogged(ctx)
	m.sync.StartPeriodicFetching()
	m.setState(Polling)
	m.recordSyncMode(telemetry.SyncModePolling)
}

func (m *Manager) syncAllLogged(ctx context.Context) {
	if err := m.sync.SyncAll(ctx); err != nil {
		level.Warn(m.logger).Log("msg", "full sync failed", "err", err)
	}
}

func (m *Manager) stopping(_ error) error {
	if m.push != nil {
		m.push.StopWorkers()
		m.push.Stop()
	}
	m.sync.StopPeriodicFetching()
	m.setState(Idle)
	return nil
}
