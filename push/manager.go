package push

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/storage"
	"github.com/splitio/go-client/synchronizer"
	"github.com/splitio/go-client/telemetry"
)

// AuthFetcher obtains streaming tokens; satisfied by api.AuthFetcher.
type AuthFetcher interface {
	Authenticate(ctx context.Context) (*dtos.AuthResponse, error)
}

// Manager owns the streaming connection lifecycle: authenticate, connect,
// read, refresh the token before expiry, and reconnect when told to. Health
// transitions are reported on the feedback channel, which must be buffered;
// the sync manager consumes it.
type Manager struct {
	auth         AuthFetcher
	streamingURL string
	metadata     dtos.Metadata
	feedback     chan<- synchronizer.PushStatus
	status       *statusTracker
	workers      *workers
	runtime      *telemetry.Storage
	logger       log.Logger

	mtx     sync.Mutex
	conn    *sseConnection
	refresh *time.Timer

	// connected flips on the first event of each connection; that event is
	// what confirms the subsystem is up.
	connected atomic.Bool
}

// NewManager builds the push subsystem. It stays idle until Start.
func NewManager(
	auth AuthFetcher,
	sync Synchronizer,
	splits storage.SplitStorage,
	segments storage.SegmentStorage,
	feedback chan<- synchronizer.PushStatus,
	streamingURL string,
	metadata dtos.Metadata,
	runtime *telemetry.Storage,
	logger log.Logger,
) *Manager {
	return &Manager{
		auth:         auth,
		streamingURL: streamingURL,
		metadata:     metadata,
		feedback:     feedback,
		status:       newStatusTracker(runtime, logger),
		workers:      newWorkers(sync, splits, segments, runtime, logger),
		runtime:      runtime,
		logger:       logger,
	}
}

// Start authenticates and opens the streaming connection. A successful
// return means the stream is established; the subsystem-up signal follows on
// the feedback channel once the first event arrives.
func (m *Manager) Start(ctx context.Context) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.conn != nil {
		return errors.New("push manager already started")
	}
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) error {
	auth, err := m.auth.Authenticate(ctx)
	if err != nil {
		return errors.Wrap(err, "authenticating for streaming")
	}
	if !auth.PushEnabled || auth.Token == "" {
		return errors.New("streaming is not enabled for this sdk key")
	}
	token, err := parseStreamingToken(auth.Token)
	if err != nil {
		return errors.Wrap(err, "parsing streaming token")
	}
	m.runtime.RecordTokenRefresh()
	m.runtime.RecordStreamingEvent(dtos.StreamingEvent{
		Type: telemetry.EventTypeTokenRefresh,
		Data: token.expireAt * 1000,
		Time: time.Now().UnixMilli(),
	})

	m.status.Reset()
	m.connected.Store(false)
	conn := newSSEConnection(
		streamURL(m.streamingURL, token.raw, token.sseChannels()),
		m.metadata,
		m.handleEvent,
		log.With(m.logger, "component", "sse"),
	)
	if err := services.StartAndAwaitRunning(ctx, conn); err != nil {
		return errors.Wrap(err, "connecting to streaming endpoint")
	}
	m.conn = conn
	m.runtime.RecordStreamingEvent(dtos.StreamingEvent{
		Type: telemetry.EventTypeConnectionEstablished,
		Time: time.Now().UnixMilli(),
	})
	go m.watch(conn)
	m.refresh = time.AfterFunc(token.refreshIn(), m.refreshToken)
	return nil
}

// Stop tears the connection down without emitting a status; the caller asked
// for it.
func (m *Manager) Stop() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.refresh != nil {
		m.refresh.Stop()
		m.refresh = nil
	}
	if m.conn == nil {
		return
	}
	m.status.NotifyShutdownExpected()
	if err := services.StopAndAwaitTerminated(context.Background(), m.conn); err != nil {
		level.Debug(m.logger).Log("msg", "streaming connection ended with error", "err", err)
	}
	m.conn = nil
}

// StartWorkers enables notification processing.
func (m *Manager) StartWorkers() { m.workers.Start() }

// StopWorkers pauses notification processing; queued notifications survive.
func (m *Manager) StopWorkers() { m.workers.Stop() }

// watch waits for the connection to end and classifies the disconnect.
func (m *Manager) watch(conn *sseConnection) {
	_ = conn.AwaitTerminated(context.Background())
	if status, ok := m.status.HandleDisconnect(); ok {
		m.emit(status)
	}
}

// refreshToken swaps the expiring token for a fresh one by rebuilding the
// connection. Workers keep running through the swap.
func (m *Manager) refreshToken() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.conn == nil {
		return
	}
	level.Info(m.logger).Log("msg", "refreshing streaming token")
	m.stopLocked()
	if err := m.startLocked(context.Background()); err != nil {
		level.Warn(m.logger).Log("msg", "could not reconnect after token refresh", "err", err)
		m.emit(synchronizer.PushRetryableError)
	}
}

// emit reports a status without ever blocking the read loop. The channel is
// sized so drops only happen if the sync manager has wedged.
func (m *Manager) emit(status synchronizer.PushStatus) {
	select {
	case m.feedback <- status:
	default:
		level.Warn(m.logger).Log("msg", "feedback channel full, dropping push status", "status", status)
	}
}

func (m *Manager) handleEvent(raw RawEvent) {
	if raw.Event != sseEventError && m.connected.CompareAndSwap(false, true) {
		m.emit(synchronizer.PushSubsystemUp)
	}

	parsed, err := parseEvent(raw)
	if err != nil {
		level.Warn(m.logger).Log("msg", "could not parse streaming event", "err", err)
		return
	}

	switch event := parsed.(type) {
	case nil:
	case *ablyError:
		if status, ok := m.status.HandleAblyError(event); ok {
			m.emit(status)
		}
	case *occupancyMessage:
		if status, ok := m.status.HandleOccupancy(event); ok {
			m.emit(status)
		}
	case *controlMessage:
		if status, ok := m.status.HandleControl(event); ok {
			m.emit(status)
		}
	case *splitUpdate:
		m.workers.QueueSplitUpdate(event)
	case *splitKill:
		// The kill lands immediately; the queued catch-up fetch confirms it.
		m.workers.sync.LocalKill(event.SplitName, event.DefaultTreatment, event.ChangeNumber)
		m.workers.QueueSplitUpdate(&splitUpdate{ChangeNumber: event.ChangeNumber})
	case *segmentUpdate:
		m.workers.QueueSegmentUpdate(event)
	}
}
