package transport_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
	"github.com/momentics/hioload-eio/transport"
)

func text(s string) protocol.Frame { return protocol.NewMessage(protocol.KindText, []byte(s)) }

func TestPollingFlushesQueuedFramesInOrder(t *testing.T) {
	p := transport.NewPolling(time.Second, 0)
	require.NoError(t, p.Send([]protocol.Frame{text("a")}))
	require.NoError(t, p.Send([]protocol.Frame{text("b"), protocol.NewMessage(protocol.KindBinary, []byte{1, 2})}))

	body, err := p.ServeGet(context.Background())
	require.NoError(t, err)
	frames, err := protocol.DecodePayload(body)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "a", string(frames[0].Data))
	assert.Equal(t, "b", string(frames[1].Data))
	assert.Equal(t, protocol.KindBinary, frames[2].Kind)
}

func TestPollingGetTimeoutAnswersNoop(t *testing.T) {
	p := transport.NewPolling(20*time.Millisecond, 0)
	body, err := p.ServeGet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1:6", string(body))
}

func TestPollingGetWakesOnSend(t *testing.T) {
	p := transport.NewPolling(5*time.Second, 0)
	done := make(chan []byte, 1)
	go func() {
		body, _ := p.ServeGet(context.Background())
		done <- body
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Send([]protocol.Frame{text("late")}))
	select {
	case body := <-done:
		assert.Equal(t, "5:4late", string(body))
	case <-time.After(time.Second):
		t.Fatal("pending GET was not released")
	}
}

func TestPollingRejectsOverlappingGet(t *testing.T) {
	p := transport.NewPolling(5*time.Second, 0)
	go p.ServeGet(context.Background())

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := p.ServeGet(ctx)
		return errors.Is(err, api.ErrOverlap)
	}, time.Second, 5*time.Millisecond)
	p.Close("test")
}

func TestPollingCloseReleasesPendingGet(t *testing.T) {
	p := transport.NewPolling(5*time.Second, 0)
	done := make(chan []byte, 1)
	go func() {
		body, _ := p.ServeGet(context.Background())
		done <- body
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close("bye"))

	select {
	case body := <-done:
		assert.Equal(t, "1:6", string(body))
	case <-time.After(time.Second):
		t.Fatal("close did not interrupt the pending GET")
	}
	assert.ErrorIs(t, p.Send([]protocol.Frame{text("x")}), api.ErrTransportClosed)
	_, err := p.ServeGet(context.Background())
	assert.ErrorIs(t, err, api.ErrTransportClosed)
}

func TestPollingPostFeedsPoll(t *testing.T) {
	p := transport.NewPolling(time.Second, 0)
	require.NoError(t, p.ServePost(protocol.EncodePayload([]protocol.Frame{text("one"), text("two")})))

	frames, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "one", string(frames[0].Data))
	assert.Equal(t, "two", string(frames[1].Data))
}

func TestPollingPollTimeoutIsNoop(t *testing.T) {
	p := transport.NewPolling(20*time.Millisecond, 0)
	frames, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameNoop, frames[0].Type)
}

func TestPollingPollEndsAfterClose(t *testing.T) {
	p := transport.NewPolling(5*time.Second, 0)
	require.NoError(t, p.ServePost([]byte("2:4x")))
	p.Close("done")

	frames, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, frames, 1)

	start := time.Now()
	_, err = p.Poll(context.Background())
	assert.ErrorIs(t, err, api.ErrTransportClosed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollingPostRejectsOversizeAndGarbage(t *testing.T) {
	p := transport.NewPolling(time.Second, 8)
	err := p.ServePost([]byte("10:4abcdefghi"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)

	err = p.ServePost([]byte("nonsense"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestPollingDrainTakesUndelivered(t *testing.T) {
	p := transport.NewPolling(time.Second, 0)
	require.NoError(t, p.Send([]protocol.Frame{text("a"), text("b")}))
	frames := p.Drain()
	assert.Len(t, frames, 2)
	assert.Empty(t, p.Drain())
}

// pollingEndpoint serves a single Polling transport the way the server does.
func pollingEndpoint(p *transport.Polling) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			body, err := p.ServeGet(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Write(body)
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			if err := p.ServePost(body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			io.WriteString(w, "ok")
		}
	})
}

func TestPollingClientExchange(t *testing.T) {
	srv := transport.NewPolling(time.Second, 0)
	ts := httptest.NewServer(pollingEndpoint(srv))
	defer ts.Close()

	c := transport.NewPollingClient(ts.Client(), ts.URL+"/?sid=x", nil, 0)
	defer c.Close("test")

	require.NoError(t, c.Send([]protocol.Frame{text("up"), protocol.NewMessage(protocol.KindBinary, []byte{1, 2, 3, 4})}))
	got, err := srv.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "up", string(got[0].Data))
	assert.Equal(t, []byte{1, 2, 3, 4}, got[1].Data)
	assert.Equal(t, protocol.KindBinary, got[1].Kind)

	require.NoError(t, srv.Send([]protocol.Frame{text("down")}))
	got, err = c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "down", string(got[0].Data))
}

func TestPollingClientCloseInterruptsPoll(t *testing.T) {
	srv := transport.NewPolling(5*time.Second, 0)
	ts := httptest.NewServer(pollingEndpoint(srv))
	defer ts.Close()
	defer srv.Close("test")

	c := transport.NewPollingClient(ts.Client(), ts.URL, nil, 0)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Poll(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Close("bye")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, api.ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not cancel the pending poll")
	}
}

func TestPollingClientPauseWaitsForInflight(t *testing.T) {
	srv := transport.NewPolling(5*time.Second, 0)
	ts := httptest.NewServer(pollingEndpoint(srv))
	defer ts.Close()

	c := transport.NewPollingClient(ts.Client(), ts.URL, nil, 0)
	defer c.Close("test")
	polled := make(chan []protocol.Frame, 1)
	go func() {
		frames, _ := c.Poll(context.Background())
		polled <- frames
	}()
	time.Sleep(20 * time.Millisecond)

	paused := make(chan struct{})
	go func() {
		c.Pause()
		close(paused)
	}()
	select {
	case <-paused:
		t.Fatal("pause returned while a poll was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, srv.Send([]protocol.Frame{protocol.NewControl(protocol.FrameNoop, "")}))
	<-paused
	assert.Len(t, <-polled, 1)

	_, err := c.Poll(context.Background())
	assert.ErrorIs(t, err, api.ErrTransportClosed)
	assert.ErrorIs(t, c.Send([]protocol.Frame{text("x")}), api.ErrTransportClosed)
}

func TestPollingClientReportsHTTPFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := transport.NewPollingClient(ts.Client(), ts.URL, nil, 0)
	defer c.Close("test")
	_, err := c.Poll(context.Background())
	assert.ErrorIs(t, err, api.ErrIOFailure)
	assert.ErrorIs(t, c.Send([]protocol.Frame{text("x")}), api.ErrIOFailure)
}

func TestPollingReleaseAnswersPendingGet(t *testing.T) {
	p := transport.NewPolling(5*time.Second, 0)
	p.Release()
	assert.Empty(t, p.Drain(), "release without a pending GET queues nothing")

	done := make(chan []byte, 1)
	go func() {
		body, _ := p.ServeGet(context.Background())
		done <- body
	}()
	require.Eventually(t, func() bool {
		p.Release()
		select {
		case body := <-done:
			assert.Equal(t, "1:6", string(body))
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestPollingFlushedAfterCloseAndGet(t *testing.T) {
	p := transport.NewPolling(time.Second, 0)
	require.NoError(t, p.Send([]protocol.Frame{text("bye")}))
	require.NoError(t, p.Close("done"))

	select {
	case <-p.Flushed():
		t.Fatal("flushed with frames still queued")
	default:
	}
	body, err := p.ServeGet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4:4bye", string(body))
	select {
	case <-p.Flushed():
	case <-time.After(time.Second):
		t.Fatal("not flushed after the queue was collected")
	}

	empty := transport.NewPolling(time.Second, 0)
	require.NoError(t, empty.Close("done"))
	select {
	case <-empty.Flushed():
	default:
		t.Fatal("an empty closed transport is flushed at once")
	}
}
