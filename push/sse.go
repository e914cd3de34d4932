// Package push implements the streaming side of the sync subsystem: the SSE
// connection against the streaming service, notification parsing, the push
// status tracker and the update workers. The manager in this package reports
// health transitions to synchronizer.Manager over a feedback channel and
// never applies storage changes itself except through the workers.
package push

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/splitio/go-client/dtos"
)

// keepAliveTimeout is how long the connection may go without a single line
// (events or ':' comments) before it is torn down and restarted.
const keepAliveTimeout = 70 * time.Second

const sseEventError = "error"

// RawEvent is one server-sent event as read off the wire, before any
// notification-level parsing.
type RawEvent struct {
	ID    string
	Event string
	Data  string
}

// eventBuilder accumulates "field: value" lines until a blank line closes
// the event.
type eventBuilder struct {
	event RawEvent
	seen  bool
}

// line feeds one line, already stripped of its trailing newline. It reports
// whether the line completed an event.
func (b *eventBuilder) line(raw string) (RawEvent, bool) {
	if raw == "" {
		if !b.seen {
			return RawEvent{}, false
		}
		done := b.event
		b.event = RawEvent{}
		b.seen = false
		return done, true
	}

	field, value := raw, ""
	if idx := strings.Index(raw, ":"); idx != -1 {
		field = raw[:idx]
		value = strings.TrimPrefix(raw[idx+1:], " ")
	}
	switch field {
	case "id":
		b.event.ID = value
	case "event":
		b.event.Event = value
	case "data":
		b.event.Data = value
	default:
		return RawEvent{}, false
	}
	b.seen = true
	return RawEvent{}, false
}

// sseConnection is one live connection to the streaming endpoint, exposed as
// a dskit service: starting establishes the HTTP stream, running reads and
// dispatches events, and stopping closes the body. A connection is
// single-use; reconnects build a new one.
type sseConnection struct {
	services.Service

	url      string
	metadata dtos.Metadata
	onEvent  func(RawEvent)
	logger   log.Logger

	client *http.Client
	resp   *http.Response
}

// streamURL builds the endpoint URL for a channel-scoped token.
func streamURL(base string, jwt string, channels []string) string {
	query := url.Values{}
	query.Set("v", "1.1")
	query.Set("accessToken", jwt)
	query.Set("channels", strings.Join(channels, ","))
	return strings.TrimSuffix(base, "/") + "?" + query.Encode()
}

func newSSEConnection(url string, metadata dtos.Metadata, onEvent func(RawEvent), logger log.Logger) *sseConnection {
	c := &sseConnection{
		url:      url,
		metadata: metadata,
		onEvent:  onEvent,
		logger:   logger,
		// No client timeout: the stream is long-lived and the keep-alive
		// watcher handles dead peers.
		client: &http.Client{},
	}
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c
}

func (c *sseConnection) starting(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return errors.Wrap(err, "building stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("SplitSDKVersion", c.metadata.SDKVersion)
	if c.metadata.MachineIP != "" && c.metadata.MachineIP != "NA" {
		req.Header.Set("SplitSDKMachineIP", c.metadata.MachineIP)
	}
	if c.metadata.MachineName != "" && c.metadata.MachineName != "NA" {
		req.Header.Set("SplitSDKMachineName", c.metadata.MachineName)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "connecting to streaming endpoint")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return errors.Errorf("streaming endpoint returned status %d", resp.StatusCode)
	}
	c.resp = resp
	return nil
}

// running reads lines until the stream dies or the service is stopped. Any
// line, including ':' keep-alive comments, feeds the watchdog.
func (c *sseConnection) running(ctx context.Context) error {
	watchdog := time.AfterFunc(keepAliveTimeout, func() {
		level.Warn(c.logger).Log("msg", "no streaming traffic within keep-alive window, closing connection")
		c.resp.Body.Close()
	})
	defer watchdog.Stop()

	closer := make(chan struct{})
	defer close(closer)
	go func() {
		select {
		case <-ctx.Done():
			c.resp.Body.Close()
		case <-closer:
		}
	}()

	var builder eventBuilder
	reader := bufio.NewReader(c.resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "reading stream")
		}
		watchdog.Reset(keepAliveTimeout)

		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, ":") {
			// Comment line, sent as a keep-alive. No event to dispatch.
			continue
		}
		if event, ok := builder.line(line); ok {
			c.onEvent(event)
		}
	}
}

func (c *sseConnection) stopping(_ error) error {
	if c.resp != nil {
		c.resp.Body.Close()
	}
	return nil
}
