package push

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/engine/grammar"
	"github.com/splitio/go-client/storage"
	"github.com/splitio/go-client/telemetry"
)

// Synchronizer is the on-demand slice of the sync subsystem the workers
// drive; satisfied by synchronizer.Synchronizer.
type Synchronizer interface {
	SynchronizeSplits(till *int64) error
	SynchronizeSegment(name string, till *int64) error
	LocalKill(name string, defaultTreatment string, changeNumber int64)
}

// updateQueueSize bounds buffered notifications; overflow drops the newest,
// which the next poll or catch-up fetch repairs.
const updateQueueSize = 5000

// Flag-definition compression modes on the wire.
const (
	compressionNone = 0
	compressionGzip = 1
	compressionZlib = 2
)

// workers consume the notification queues: flag updates on one, segment
// updates on the other. Queues outlive worker pauses, so notifications
// received while streaming is degraded are processed on resume.
type workers struct {
	sync     Synchronizer
	splits   storage.SplitStorage
	segments storage.SegmentStorage
	runtime  *telemetry.Storage
	logger   log.Logger

	splitQueue   chan *splitUpdate
	segmentQueue chan *segmentUpdate

	mtx  sync.Mutex
	quit chan struct{}
	done sync.WaitGroup
}

func newWorkers(sync Synchronizer, splits storage.SplitStorage, segments storage.SegmentStorage, runtime *telemetry.Storage, logger log.Logger) *workers {
	return &workers{
		sync:         sync,
		splits:       splits,
		segments:     segments,
		runtime:      runtime,
		logger:       logger,
		splitQueue:   make(chan *splitUpdate, updateQueueSize),
		segmentQueue: make(chan *segmentUpdate, updateQueueSize),
	}
}

// Start launches the two consumer goroutines. Idempotent.
func (w *workers) Start() {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.quit != nil {
		return
	}
	quit := make(chan struct{})
	w.quit = quit
	w.done.Add(2)
	go w.splitLoop(quit)
	go w.segmentLoop(quit)
}

// Stop pauses consumption without discarding queued notifications.
// Idempotent.
func (w *workers) Stop() {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.quit == nil {
		return
	}
	close(w.quit)
	w.quit = nil
	w.done.Wait()
}

func (w *workers) QueueSplitUpdate(update *splitUpdate) {
	select {
	case w.splitQueue <- update:
	default:
		level.Warn(w.logger).Log("msg", "flag update queue full, dropping notification", "changeNumber", update.ChangeNumber)
	}
}

func (w *workers) QueueSegmentUpdate(update *segmentUpdate) {
	select {
	case w.segmentQueue <- update:
	default:
		level.Warn(w.logger).Log("msg", "segment update queue full, dropping notification", "changeNumber", update.ChangeNumber)
	}
}

func (w *workers) splitLoop(quit chan struct{}) {
	defer w.done.Done()
	for {
		select {
		case <-quit:
			return
		case update := <-w.splitQueue:
			w.handleSplitUpdate(update)
		}
	}
}

func (w *workers) segmentLoop(quit chan struct{}) {
	defer w.done.Done()
	for {
		select {
		case <-quit:
			return
		case update := <-w.segmentQueue:
			till := update.ChangeNumber
			if err := w.sync.SynchronizeSegment(update.SegmentName, &till); err != nil {
				level.Warn(w.logger).Log("msg", "segment catch-up failed", "segment", update.SegmentName, "err", err)
			}
		}
	}
}

// handleSplitUpdate applies the carried definition directly when storage is
// exactly one change behind; anything else falls back to a catch-up fetch.
func (w *workers) handleSplitUpdate(update *splitUpdate) {
	if w.applyDefinition(update) {
		return
	}
	till := update.ChangeNumber
	if err := w.sync.SynchronizeSplits(&till); err != nil {
		level.Warn(w.logger).Log("msg", "flag catch-up failed", "err", err)
	}
}

func (w *workers) applyDefinition(update *splitUpdate) bool {
	if update.Definition == "" || update.PreviousChangeNumber == nil || update.Compression == nil {
		return false
	}
	if *update.PreviousChangeNumber != w.splits.ChangeNumber() {
		return false
	}

	payload, err := decodeDefinition(update.Definition, *update.Compression)
	if err != nil {
		level.Warn(w.logger).Log("msg", "could not decode carried flag definition", "err", err)
		return false
	}
	var split dtos.SplitDTO
	if err := jsonAPI.Unmarshal(payload, &split); err != nil {
		level.Warn(w.logger).Log("msg", "could not parse carried flag definition", "err", err)
		return false
	}

	if split.Status == grammar.SplitStatusActive {
		w.splits.Update([]dtos.SplitDTO{split}, nil, update.ChangeNumber)
		w.fetchMissingSegments(&split, update.ChangeNumber)
	} else {
		w.splits.Update(nil, []dtos.SplitDTO{split}, update.ChangeNumber)
	}
	w.runtime.RecordUpdatesFromSSE()
	return true
}

// fetchMissingSegments brings in segments the new definition references but
// storage has never seen.
func (w *workers) fetchMissingSegments(split *dtos.SplitDTO, changeNumber int64) {
	for _, cond := range split.Conditions {
		for _, matcher := range cond.MatcherGroup.Matchers {
			if matcher.UserDefinedSegment == nil {
				continue
			}
			name := matcher.UserDefinedSegment.SegmentName
			if w.segments.ChangeNumber(name) != -1 {
				continue
			}
			if err := w.sync.SynchronizeSegment(name, nil); err != nil {
				level.Warn(w.logger).Log("msg", "could not fetch referenced segment", "segment", name, "err", err)
			}
		}
	}
}

func decodeDefinition(definition string, compression int64) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(definition)
	if err != nil {
		return nil, errors.Wrap(err, "base64 decoding definition")
	}
	switch compression {
	case compressionNone:
		return raw, nil
	case compressionGzip:
		reader, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrap(err, "opening gzip definition")
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case compressionZlib:
		reader, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrap(err, "opening zlib definition")
		}
		defer reader.Close()
		return io.ReadAll(reader)
	}
	return nil, errors.Errorf("unknown compression mode %d", compression)
}
