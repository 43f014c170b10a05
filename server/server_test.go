package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/client"
	"github.com/momentics/hioload-eio/engine"
	"github.com/momentics/hioload-eio/protocol"
	"github.com/momentics/hioload-eio/server"
)

func echo(c *engine.Conn) {
	for ev := range c.Events() {
		if ev.Type == engine.EventMessage {
			_ = c.Send(ev.Kind, ev.Data)
		}
	}
}

func newTestServer(t *testing.T, h server.Handler, opts ...server.ServerOption) (*server.Server, *httptest.Server) {
	t.Helper()
	srv := server.NewServer(h, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func do(t *testing.T, method, url, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

// openPolling performs a raw polling handshake and returns its parameters.
func openPolling(t *testing.T, base string) (protocol.HandshakeParams, *http.Response) {
	t.Helper()
	resp, body := do(t, http.MethodGet, base+"/?EIO=4&transport=polling", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	frames, err := protocol.DecodePayload([]byte(body))
	require.NoError(t, err)
	params, err := protocol.ParseHandshake(frames[0])
	require.NoError(t, err)
	return params, resp
}

func sessionURL(base, sid string) string {
	return base + "/?EIO=4&transport=polling&sid=" + sid
}

func errorCode(t *testing.T, body string) api.ErrorCode {
	t.Helper()
	var e api.Error
	require.NoError(t, json.Unmarshal([]byte(body), &e), body)
	return e.Code
}

func nextEvent(t *testing.T, events <-chan engine.Event, want engine.EventType) engine.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func dial(t *testing.T, url string, opts ...client.Option) *client.Driver {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := client.Dial(ctx, url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.Close()
		for range d.Events() {
		}
	})
	return d
}

func TestPollingHandshake(t *testing.T) {
	srv, ts := newTestServer(t, echo, server.WithPingInterval(300*time.Millisecond), server.WithPingTimeout(200*time.Millisecond))

	params, resp := openPolling(t, ts.URL)
	assert.Len(t, params.SID, 22)
	assert.Equal(t, []string{protocol.TransportWebSocket}, params.Upgrades)
	assert.EqualValues(t, 300, params.PingInterval)
	assert.EqualValues(t, 200, params.PingTimeout)
	assert.EqualValues(t, protocol.DefaultMaxPayload, params.MaxPayload)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "io" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, params.SID, cookie.Value)

	conn, err := srv.Lookup(params.SID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateOpen, conn.State())
	assert.Equal(t, 1, srv.Len())
	remote, ok := conn.Values().Get(server.RemoteAddrKey)
	assert.True(t, ok)
	assert.NotEmpty(t, remote)
}

func TestPollingEchoRaw(t *testing.T) {
	_, ts := newTestServer(t, echo, server.WithCookie(""))
	params, resp := openPolling(t, ts.URL)
	assert.Empty(t, resp.Cookies())
	url := sessionURL(ts.URL, params.SID)

	resp, body := do(t, http.MethodPost, url, "6:4hello", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
	resp, body = do(t, http.MethodGet, url, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "6:4hello", body)

	resp, _ = do(t, http.MethodPost, url, "9:bAQIDBA==", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = do(t, http.MethodGet, url, "", nil)
	assert.Equal(t, "9:bAQIDBA==", body)
}

func TestErrorCodes(t *testing.T) {
	_, ts := newTestServer(t, echo)
	cases := []struct {
		name   string
		method string
		query  string
		status int
		code   api.ErrorCode
	}{
		{"unknown transport", http.MethodGet, "?EIO=4&transport=carrier-pigeon", http.StatusBadRequest, api.ErrCodeTransportUnknown},
		{"missing transport", http.MethodGet, "?EIO=4", http.StatusBadRequest, api.ErrCodeTransportUnknown},
		{"unknown sid", http.MethodGet, "?EIO=4&transport=polling&sid=nope", http.StatusBadRequest, api.ErrCodeUnknownSID},
		{"unknown sid websocket", http.MethodGet, "?EIO=4&transport=websocket&sid=nope", http.StatusBadRequest, api.ErrCodeUnknownSID},
		{"post handshake", http.MethodPost, "?EIO=4&transport=polling", http.StatusBadRequest, api.ErrCodeBadHandshakeMethod},
		{"old protocol", http.MethodGet, "?EIO=3&transport=polling", http.StatusBadRequest, api.ErrCodeUnsupportedProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, tc.method, ts.URL+"/"+tc.query, "", nil)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.Equal(t, tc.code, errorCode(t, body))
		})
	}
}

func TestForbiddenOrigin(t *testing.T) {
	_, ts := newTestServer(t, echo, server.WithCheckOrigin(func(r *http.Request) bool {
		return r.Header.Get("Origin") == "http://trusted.example"
	}))

	resp, body := do(t, http.MethodGet, ts.URL+"/?EIO=4&transport=polling", "", http.Header{"Origin": {"http://evil.example"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, api.ErrCodeForbidden, errorCode(t, body))

	resp, _ = do(t, http.MethodGet, ts.URL+"/?EIO=4&transport=polling", "", http.Header{"Origin": {"http://trusted.example"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://trusted.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, echo)
	params, _ := openPolling(t, ts.URL)

	resp, _ := do(t, http.MethodOptions, sessionURL(ts.URL, params.SID), "", http.Header{"Origin": {"http://app.example"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestOverlappingGetClosesSession(t *testing.T) {
	srv, ts := newTestServer(t, echo)
	params, _ := openPolling(t, ts.URL)
	url := sessionURL(ts.URL, params.SID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		do(t, http.MethodGet, url, "", nil)
	}()
	time.Sleep(100 * time.Millisecond)

	resp, body := do(t, http.MethodGet, url, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.ErrCodeBadRequest, errorCode(t, body))
	wg.Wait()

	_, err := srv.Lookup(params.SID)
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.EqualValues(t, 1, srv.Metrics()[server.MetricTransportErrors])
}

func TestMalformedPostClosesSession(t *testing.T) {
	closed := make(chan api.CloseReason, 1)
	srv, ts := newTestServer(t, func(c *engine.Conn) {
		closed <- nextEvent(t, c.Events(), engine.EventClose).Reason
	})
	params, _ := openPolling(t, ts.URL)

	resp, body := do(t, http.MethodPost, sessionURL(ts.URL, params.SID), "3:9zz", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.ErrCodeBadRequest, errorCode(t, body))

	select {
	case reason := <-closed:
		assert.Equal(t, api.ReasonParseError, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed")
	}
	_, err := srv.Lookup(params.SID)
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestOversizedPostIsRejected(t *testing.T) {
	_, ts := newTestServer(t, echo, server.WithMaxPayload(16))
	params, _ := openPolling(t, ts.URL)

	payload := string(protocol.EncodePayload([]protocol.Frame{protocol.NewMessage(protocol.KindText, []byte(strings.Repeat("x", 64)))}))
	resp, _ := do(t, http.MethodPost, sessionURL(ts.URL, params.SID), payload, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeartbeatTimeoutRemovesSession(t *testing.T) {
	srv, ts := newTestServer(t, echo, server.WithPingInterval(50*time.Millisecond), server.WithPingTimeout(50*time.Millisecond))
	params, _ := openPolling(t, ts.URL)
	require.Equal(t, 1, srv.Len())

	require.Eventually(t, func() bool { return srv.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	_, err := srv.Lookup(params.SID)
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.EqualValues(t, 1, srv.Metrics()[server.MetricHeartbeatTimeouts])
}

func TestUpgradeHappensOnce(t *testing.T) {
	var upgrades atomic.Int32
	srv, ts := newTestServer(t, func(c *engine.Conn) {
		for ev := range c.Events() {
			switch ev.Type {
			case engine.EventUpgrade:
				upgrades.Add(1)
			case engine.EventMessage:
				_ = c.Send(ev.Kind, ev.Data)
			}
		}
	})
	d := dial(t, ts.URL)
	nextEvent(t, d.Events(), engine.EventUpgrade)

	conn, err := srv.Lookup(d.ID())
	require.NoError(t, err)
	require.Eventually(t, conn.Upgraded, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.TransportWebSocket, conn.Transport().Name())
	assert.Eventually(t, func() bool { return upgrades.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, srv.Metrics()[server.MetricUpgradesTotal])

	resp, body := do(t, http.MethodGet, sessionURL(ts.URL, d.ID()), "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.ErrCodeBadRequest, errorCode(t, body))

	require.NoError(t, d.SendText("after"))
	assert.Equal(t, "after", string(nextEvent(t, d.Events(), engine.EventMessage).Data))
	assert.EqualValues(t, 1, upgrades.Load())
}

func TestOrderPreservedAcrossUpgrade(t *testing.T) {
	const n = 50
	received := make(chan string, n)
	_, ts := newTestServer(t, func(c *engine.Conn) {
		for ev := range c.Events() {
			if ev.Type == engine.EventMessage {
				received <- string(ev.Data)
				_ = c.Send(ev.Kind, ev.Data)
			}
		}
	})
	d := dial(t, ts.URL)

	go func() {
		for i := 0; i < n; i++ {
			_ = d.SendText(strings.Repeat("m", i+1))
		}
	}()
	for i := 0; i < n; i++ {
		ev := nextEvent(t, d.Events(), engine.EventMessage)
		assert.Equal(t, strings.Repeat("m", i+1), string(ev.Data))
	}
	for i := 0; i < n; i++ {
		select {
		case got := <-received:
			assert.Equal(t, strings.Repeat("m", i+1), got)
		case <-time.After(5 * time.Second):
			t.Fatal("server missed messages")
		}
	}
}

func TestWebSocketOnlySession(t *testing.T) {
	srv, ts := newTestServer(t, echo)
	d := dial(t, ts.URL, client.WithWebSocketOnly())
	nextEvent(t, d.Events(), engine.EventOpen)

	conn, err := srv.Lookup(d.ID())
	require.NoError(t, err)
	assert.Equal(t, protocol.TransportWebSocket, conn.Transport().Name())
	assert.False(t, conn.Upgraded())
	remote, ok := conn.Values().Get(server.RemoteAddrKey)
	require.True(t, ok)
	assert.Contains(t, remote, "127.0.0.1:")

	require.NoError(t, d.SendBinary([]byte{1, 2, 3, 4}))
	ev := nextEvent(t, d.Events(), engine.EventMessage)
	assert.Equal(t, protocol.KindBinary, ev.Kind)
	assert.Equal(t, []byte{1, 2, 3, 4}, ev.Data)
}

func TestShutdownClosesSessions(t *testing.T) {
	srv := server.NewServer(echo)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	d := dial(t, ts.URL, client.WithWebSocketOnly())
	nextEvent(t, d.Events(), engine.EventOpen)
	require.Equal(t, 1, srv.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Equal(t, 0, srv.Len())
	assert.Equal(t, api.ReasonPeerClose, nextEvent(t, d.Events(), engine.EventClose).Reason)

	resp, _ := do(t, http.MethodGet, ts.URL+"/?EIO=4&transport=polling", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestHandlerPanicClosesConnection(t *testing.T) {
	srv, ts := newTestServer(t, func(c *engine.Conn) { panic("boom") })
	d := dial(t, ts.URL, client.WithWebSocketOnly())

	nextEvent(t, d.Events(), engine.EventClose)
	assert.Eventually(t, func() bool { return srv.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestMetricsAndDebugState(t *testing.T) {
	srv, ts := newTestServer(t, echo)
	openPolling(t, ts.URL)
	openPolling(t, ts.URL)

	m := srv.Metrics()
	assert.EqualValues(t, 2, m[server.MetricSessionsTotal])
	assert.EqualValues(t, 2, m[server.MetricSessionsActive])
	assert.EqualValues(t, 0, m[server.MetricUpgradesTotal])

	state := srv.DebugState()
	sessions, ok := state["sessions"].(map[string]string)
	require.True(t, ok)
	assert.Len(t, sessions, 2)
	for _, v := range sessions {
		assert.Equal(t, "open/polling", v)
	}
	assert.Contains(t, state, "config")
	updated, ok := state["metrics.updated"].(time.Time)
	require.True(t, ok)
	assert.False(t, updated.IsZero())

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NotContains(t, srv.DebugState(), "sessions")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("EIO_PING_INTERVAL", "10s")
	t.Setenv("EIO_MAX_PAYLOAD", "2048")
	t.Setenv("EIO_ALLOW_UPGRADES", "false")
	t.Setenv("EIO_COOKIE", "")

	cfg, err := server.ConfigFromEnv("EIO_")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, 20*time.Second, cfg.PingTimeout)
	assert.Equal(t, 2048, cfg.MaxPayload)
	assert.False(t, cfg.AllowUpgrades)
	assert.Empty(t, cfg.Cookie)

	srv := server.NewServer(nil, server.WithConfig(cfg), server.WithPingTimeout(time.Second))
	assert.Equal(t, time.Second, srv.Config().PingTimeout)
	assert.Equal(t, 20*time.Second, cfg.PingTimeout)

	t.Setenv("EIO_PING_TIMEOUT", "soon")
	_, err = server.ConfigFromEnv("EIO_")
	assert.Error(t, err)
}

func TestClosedPollingSessionFlushesQueuedFrames(t *testing.T) {
	closed := make(chan struct{})
	srv, ts := newTestServer(t, func(c *engine.Conn) {
		_ = c.SendText("bye")
		_ = c.Close()
		close(closed)
	})
	params, _ := openPolling(t, ts.URL)
	<-closed

	_, err := srv.Lookup(params.SID)
	require.NoError(t, err, "session stays reachable until its frames are collected")

	resp, body := do(t, http.MethodGet, sessionURL(ts.URL, params.SID), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames, err := protocol.DecodePayload([]byte(body))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "bye", string(frames[0].Data))
	assert.Equal(t, protocol.FrameClose, frames[1].Type)

	require.Eventually(t, func() bool { return srv.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	resp, body = do(t, http.MethodGet, sessionURL(ts.URL, params.SID), "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.ErrCodeUnknownSID, errorCode(t, body))
}

func TestUncollectedCloseExpires(t *testing.T) {
	srv, ts := newTestServer(t, func(c *engine.Conn) { _ = c.Close() }, server.WithLongPollTimeout(50*time.Millisecond))
	openPolling(t, ts.URL)
	require.Eventually(t, func() bool { return srv.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestListenServesSessions(t *testing.T) {
	srv := server.NewServer(echo, server.WithPingInterval(time.Second), server.WithPingTimeout(500*time.Millisecond))
	ln, err := srv.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	hs := &http.Server{Handler: srv}
	go func() { _ = hs.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		_ = hs.Close()
	})

	params, _ := openPolling(t, "http://"+ln.Addr().String())
	assert.NotEmpty(t, params.SID)
	assert.Equal(t, int64(500), params.PingTimeout)
}
