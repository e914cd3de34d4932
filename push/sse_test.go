package push

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitio/go-client/dtos"
)

func TestEventBuilder(t *testing.T) {
	var builder eventBuilder

	_, done := builder.line("id: abc")
	assert.False(t, done)
	_, done = builder.line("event: message")
	assert.False(t, done)
	_, done = builder.line("data: {\"hello\":1}")
	assert.False(t, done)

	event, done := builder.line("")
	require.True(t, done)
	assert.Equal(t, RawEvent{ID: "abc", Event: "message", Data: `{"hello":1}`}, event)

	// A lone blank line between events produces nothing.
	_, done = builder.line("")
	assert.False(t, done)

	// Unknown fields are dropped without voiding the event.
	builder.line("retry: 1500")
	builder.line("data: x")
	event, done = builder.line("")
	require.True(t, done)
	assert.Equal(t, "x", event.Data)
}

func TestSSEConnectionReceivesEvents(t *testing.T) {
	var mtx sync.Mutex
	received := []RawEvent{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "go-6.7.0", r.Header.Get("SplitSDKVersion"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, "id: 1\nevent: message\ndata: first\n\n")
		fmt.Fprint(w, "data: second\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	conn := newSSEConnection(server.URL, dtos.Metadata{SDKVersion: "go-6.7.0"}, func(event RawEvent) {
		mtx.Lock()
		received = append(received, event)
		mtx.Unlock()
	}, log.NewNopLogger())

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), conn))
	assert.Eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(received) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mtx.Lock()
	assert.Equal(t, RawEvent{ID: "1", Event: "message", Data: "first"}, received[0])
	assert.Equal(t, RawEvent{Data: "second"}, received[1])
	mtx.Unlock()

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), conn))
}

func TestSSEConnectionRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	conn := newSSEConnection(server.URL, dtos.Metadata{}, func(RawEvent) {}, log.NewNopLogger())
	err := services.StartAndAwaitRunning(context.Background(), conn)
	assert.Error(t, err)
}

func TestSSEConnectionFailsWhenServerCloses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: only\n\n")
	}))
	defer server.Close()

	conn := newSSEConnection(server.URL, dtos.Metadata{}, func(RawEvent) {}, log.NewNopLogger())
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), conn))

	assert.Eventually(t, func() bool {
		return conn.State() == services.Failed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Error(t, conn.FailureCase())
}

func TestStreamURL(t *testing.T) {
	url := streamURL("https://streaming.split.io/sse/", "jwt-token", []string{"chan_a", occupancyPrefix + "control_pri"})
	assert.Equal(t,
		"https://streaming.split.io/sse?accessToken=jwt-token&channels=chan_a%2C%5B%3Foccupancy%3Dmetrics.publishers%5Dcontrol_pri&v=1.1",
		url)
}
