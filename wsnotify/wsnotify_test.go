/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package wsnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tejzpr/ringcentral-call-go/subscription"
)

// fakeServer speaks the [header, body] protocol over a websocket
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu              sync.Mutex
	conns           []*websocket.Conn
	writeMu         map[*websocket.Conn]*sync.Mutex
	queries         []url.Values
	requests        []Header
	bodies          []json.RawMessage
	subscribeStatus int
	renewStatus     int
	silent          bool
	expiresIn       int
	nextID          int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, expiresIn: 900, writeMu: make(map[*websocket.Conn]*sync.Mutex)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.writeMu[conn] = &sync.Mutex{}
		fs.queries = append(fs.queries, r.URL.Query())
		n := len(fs.conns)
		fs.mu.Unlock()

		fs.send(conn, Header{Type: TypeConnectionDetails, WSC: &WSC{Token: fmt.Sprintf("wsc-%d", n), SeqNo: 1}},
			map[string]interface{}{"maxConnectionsPerSession": 5})
		fs.serve(conn)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) send(conn *websocket.Conn, header Header, body interface{}) {
	frame := []interface{}{header}
	if body != nil {
		frame = append(frame, body)
	}
	data, _ := json.Marshal(frame)
	fs.mu.Lock()
	mu := fs.writeMu[conn]
	fs.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (fs *fakeServer) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var parts []json.RawMessage
		if json.Unmarshal(message, &parts) != nil || len(parts) == 0 {
			continue
		}
		var header Header
		_ = json.Unmarshal(parts[0], &header)
		var body json.RawMessage
		if len(parts) > 1 {
			body = parts[1]
		}

		fs.mu.Lock()
		fs.requests = append(fs.requests, header)
		fs.bodies = append(fs.bodies, body)
		silent := fs.silent
		fs.mu.Unlock()
		if silent {
			continue
		}
		fs.respond(conn, header, body)
	}
}

func (fs *fakeServer) respond(conn *websocket.Conn, req Header, body json.RawMessage) {
	res := Header{Type: TypeClientRequest, MessageID: req.MessageID, Status: 200}

	fs.mu.Lock()
	subscribeStatus, renewStatus, expiresIn := fs.subscribeStatus, fs.renewStatus, fs.expiresIn
	fs.mu.Unlock()

	switch {
	case req.Method == "DELETE":
		res.Status = 204
		fs.send(conn, res, nil)

	case strings.HasSuffix(req.Path, "/renew"):
		if renewStatus >= 400 {
			res.Status = renewStatus
			fs.send(conn, res, map[string]string{"errorCode": "SUB-406", "message": "renew rejected"})
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(req.Path, subscriptionPath+"/"), "/renew")
		fs.send(conn, res, fs.descriptor(id, []string{subscription.TelephonySessionsFilter}, expiresIn))

	case req.Path == subscriptionPath:
		if subscribeStatus >= 400 {
			res.Type = TypeError
			res.Status = subscribeStatus
			fs.send(conn, res, map[string]interface{}{
				"errors": []map[string]string{{"errorCode": "SUB-400", "message": "bad filters"}},
			})
			return
		}
		var sr subscribeRequest
		_ = json.Unmarshal(body, &sr)
		fs.mu.Lock()
		fs.nextID++
		id := fmt.Sprintf("sub-%d", fs.nextID)
		fs.mu.Unlock()
		fs.send(conn, res, fs.descriptor(id, sr.EventFilters, expiresIn))
	}
}

func (fs *fakeServer) descriptor(id string, filters []string, expiresIn int) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"eventFilters": filters,
		"expiresIn":    expiresIn,
		"status":       subscription.StatusActive,
		"deliveryMode": map[string]string{"transportType": "WebSocket"},
	}
}

func (fs *fakeServer) notify(body string) {
	fs.mu.Lock()
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	fs.send(conn, Header{Type: TypeServerNotification, MessageID: "n-1"}, json.RawMessage(body))
}

func (fs *fakeServer) dropConnection() {
	fs.mu.Lock()
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	_ = conn.Close()
}

func (fs *fakeServer) seen() []Header {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]Header(nil), fs.requests...)
}

func (fs *fakeServer) connections() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) set(fn func(fs *fakeServer)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fn(fs)
}

type event struct {
	name string
	data interface{}
}

func newTestClient(t *testing.T, fs *fakeServer) (*Client, chan event) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := New(&Config{
		URL:              fs.url(),
		Token:            "ws-token",
		Logger:           logger,
		BackoffTimeReset: 10 * time.Millisecond,
		BackoffTimeMax:   50 * time.Millisecond,
		RequestTimeout:   time.Second,
	})
	events := make(chan event, 64)
	for _, name := range []string{
		subscription.TransportEventSubscribeSuccess,
		subscription.TransportEventSubscribeError,
		subscription.TransportEventRenewSuccess,
		subscription.TransportEventRenewError,
		subscription.TransportEventAutomaticRenewError,
		subscription.TransportEventNotification,
	} {
		name := name
		c.On(name, func(data interface{}) {
			select {
			case events <- event{name: name, data: data}:
			default:
			}
		})
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, events
}

func waitEvent(t *testing.T, events chan event, name string) event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
			return event{}
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("Expected PingInterval 30s, got %v", cfg.PingInterval)
	}
	if cfg.PongTimeout != 10*time.Second {
		t.Errorf("Expected PongTimeout 10s, got %v", cfg.PongTimeout)
	}
	if cfg.BackoffTimeMax != 32*time.Second {
		t.Errorf("Expected BackoffTimeMax 32s, got %v", cfg.BackoffTimeMax)
	}
	if cfg.BackoffTimeReset != 1*time.Second {
		t.Errorf("Expected BackoffTimeReset 1s, got %v", cfg.BackoffTimeReset)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.RenewHandicap != 2*time.Minute {
		t.Errorf("Expected RenewHandicap 2m, got %v", cfg.RenewHandicap)
	}

	custom := (&Config{URL: "wss://example", MaxRetries: 7}).withDefaults()
	if custom.URL != "wss://example" || custom.MaxRetries != 7 || custom.PingInterval != 30*time.Second {
		t.Errorf("Unexpected merged config %+v", custom)
	}
}

func TestConnect(t *testing.T) {
	t.Run("no URL", func(t *testing.T) {
		c := New(nil)
		if err := c.Connect(context.Background()); err == nil {
			t.Error("Expected error without a URL")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		c := New(&Config{URL: "ws://127.0.0.1:1", BackoffTimeReset: time.Millisecond, MaxRetries: 1})
		err := c.Connect(context.Background())
		if err == nil {
			t.Fatal("Expected error for unreachable server")
		}
		if c.IsConnected() {
			t.Error("Expected not connected")
		}
	})

	t.Run("access token", func(t *testing.T) {
		fs := newFakeServer(t)
		c, _ := newTestClient(t, fs)
		require.NoError(t, c.Connect(context.Background()))
		assert.True(t, c.IsConnected())
		require.NoError(t, c.Connect(context.Background()), "connect is idempotent")
		assert.Equal(t, 1, fs.connections())
		fs.mu.Lock()
		assert.Equal(t, "ws-token", fs.queries[0].Get("access_token"))
		fs.mu.Unlock()
	})

	t.Run("request without connection", func(t *testing.T) {
		c := New(nil)
		_, err := c.request(context.Background(), "GET", "/x", nil)
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestRegisterSubscribes(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestClient(t, fs)
	c.SetEventFilters([]string{subscription.TelephonySessionsFilter})

	require.NoError(t, c.Register(context.Background()))
	ev := waitEvent(t, events, subscription.TransportEventSubscribeSuccess)
	d, ok := ev.data.(*subscription.Descriptor)
	require.True(t, ok)
	assert.Equal(t, "sub-1", d.ID)
	assert.False(t, d.ExpirationTime.IsZero(), "expiration derived from expiresIn")
	assert.Equal(t, "sub-1", c.Descriptor().ID)

	reqs := fs.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "POST", reqs[0].Method)
	assert.Equal(t, subscriptionPath, reqs[0].Path)
	assert.NotEmpty(t, reqs[0].MessageID)
	fs.mu.Lock()
	assert.JSONEq(t,
		`{"eventFilters":["/restapi/v1.0/account/~/extension/~/telephony/sessions"],"deliveryMode":{"transportType":"WebSocket"}}`,
		string(fs.bodies[0]))
	fs.mu.Unlock()
}

func TestRegisterRenewsRestoredDescriptor(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestClient(t, fs)
	require.NoError(t, c.SetDescriptor(&subscription.Descriptor{
		ID:             "sub-cached",
		EventFilters:   []string{"/a"},
		ExpirationTime: time.Now().Add(10 * time.Minute),
	}))

	require.NoError(t, c.Register(context.Background()))
	waitEvent(t, events, subscription.TransportEventRenewSuccess)
	reqs := fs.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, subscriptionPath+"/sub-cached/renew", reqs[0].Path)
}

func TestSetDescriptorValidation(t *testing.T) {
	c := New(nil)
	assert.Error(t, c.SetDescriptor(nil))
	assert.Error(t, c.SetDescriptor(&subscription.Descriptor{}))
	assert.Error(t, c.SetDescriptor(&subscription.Descriptor{ID: "x", ExpirationTime: time.Now().Add(-time.Second)}))
	assert.Nil(t, c.Descriptor())

	d := &subscription.Descriptor{ID: "x", EventFilters: []string{"/a"}}
	require.NoError(t, c.SetDescriptor(d))
	d.EventFilters[0] = "/changed"
	assert.Equal(t, []string{"/a"}, c.Descriptor().EventFilters, "descriptor is copied")
}

func TestRegisterErrors(t *testing.T) {
	t.Run("subscribe rejected", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.set(func(fs *fakeServer) { fs.subscribeStatus = 400 })
		c, events := newTestClient(t, fs)
		c.SetEventFilters([]string{"/bad"})

		err := c.Register(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 400, apiErr.StatusCode)
		assert.Equal(t, "SUB-400", apiErr.ErrorCode)
		assert.Equal(t, "bad filters", apiErr.Message)

		ev := waitEvent(t, events, subscription.TransportEventSubscribeError)
		assert.ErrorAs(t, ev.data.(error), &apiErr)
		assert.Nil(t, c.Descriptor())
	})

	t.Run("no filters", func(t *testing.T) {
		fs := newFakeServer(t)
		c, events := newTestClient(t, fs)
		assert.ErrorIs(t, c.Register(context.Background()), ErrNoEventFilters)
		waitEvent(t, events, subscription.TransportEventSubscribeError)
	})

	t.Run("renew rejected", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.set(func(fs *fakeServer) { fs.renewStatus = 404 })
		c, events := newTestClient(t, fs)
		require.NoError(t, c.SetDescriptor(&subscription.Descriptor{ID: "sub-gone"}))

		err := c.Register(context.Background())
		assert.True(t, IsNotFound(err))
		waitEvent(t, events, subscription.TransportEventRenewError)
	})

	t.Run("connect failure", func(t *testing.T) {
		c := New(&Config{URL: "ws://127.0.0.1:1", BackoffTimeReset: time.Millisecond, MaxRetries: 1})
		failed := make(chan struct{}, 1)
		c.On(subscription.TransportEventSubscribeError, func(interface{}) { failed <- struct{}{} })
		c.SetEventFilters([]string{"/a"})
		assert.Error(t, c.Register(context.Background()))
		select {
		case <-failed:
		default:
			t.Error("Expected subscribeError event")
		}
	})

	t.Run("request timeout", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.set(func(fs *fakeServer) { fs.silent = true })
		c, _ := newTestClient(t, fs)
		c.config.RequestTimeout = 50 * time.Millisecond
		c.SetEventFilters([]string{"/a"})
		err := c.Register(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
		c.mu.Lock()
		assert.Empty(t, c.pending)
		c.mu.Unlock()
	})
}

func TestNotification(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestClient(t, fs)
	require.NoError(t, c.Connect(context.Background()))

	body := `{"uuid":"u-1","event":"/restapi/v1.0/account/1/extension/2/telephony/sessions","body":{"telephonySessionId":"tel-1"}}`
	fs.notify(body)

	ev := waitEvent(t, events, subscription.TransportEventNotification)
	raw, ok := ev.data.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, body, string(raw))
}

func TestAutomaticRenew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.set(func(fs *fakeServer) { fs.expiresIn = 1 })
		c, events := newTestClient(t, fs)
		c.config.RenewHandicap = 900 * time.Millisecond
		c.SetEventFilters([]string{"/a"})

		require.NoError(t, c.Register(context.Background()))
		waitEvent(t, events, subscription.TransportEventSubscribeSuccess)
		waitEvent(t, events, subscription.TransportEventRenewSuccess)
		assert.Equal(t, subscriptionPath+"/sub-1/renew", fs.seen()[1].Path)
	})

	t.Run("failure", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.set(func(fs *fakeServer) {
			fs.expiresIn = 1
			fs.renewStatus = 500
		})
		c, events := newTestClient(t, fs)
		c.config.RenewHandicap = 900 * time.Millisecond
		c.SetEventFilters([]string{"/a"})

		require.NoError(t, c.Register(context.Background()))
		ev := waitEvent(t, events, subscription.TransportEventAutomaticRenewError)
		var apiErr *APIError
		require.ErrorAs(t, ev.data.(error), &apiErr)
		assert.Equal(t, 500, apiErr.StatusCode)
	})
}

func TestResetAndResubscribe(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestClient(t, fs)
	c.SetEventFilters([]string{"/a", "/b"})
	require.NoError(t, c.Register(context.Background()))
	waitEvent(t, events, subscription.TransportEventSubscribeSuccess)

	require.NoError(t, c.Resubscribe(context.Background()))
	ev := waitEvent(t, events, subscription.TransportEventSubscribeSuccess)
	assert.Equal(t, "sub-2", ev.data.(*subscription.Descriptor).ID)

	reqs := fs.seen()
	require.Len(t, reqs, 3)
	assert.Equal(t, "DELETE", reqs[1].Method)
	assert.Equal(t, subscriptionPath+"/sub-1", reqs[1].Path)
	fs.mu.Lock()
	var sr subscribeRequest
	require.NoError(t, json.Unmarshal(fs.bodies[2], &sr))
	fs.mu.Unlock()
	assert.Equal(t, []string{"/a", "/b"}, sr.EventFilters)

	require.NoError(t, c.Reset(context.Background()))
	assert.Nil(t, c.Descriptor())
	assert.Len(t, fs.seen(), 4)

	require.NoError(t, c.Reset(context.Background()), "reset without a subscription is a no-op")
	assert.Len(t, fs.seen(), 4)
}

func TestReconnectRenews(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestClient(t, fs)
	c.SetEventFilters([]string{"/a"})
	require.NoError(t, c.Register(context.Background()))
	waitEvent(t, events, subscription.TransportEventSubscribeSuccess)

	fs.dropConnection()
	waitEvent(t, events, subscription.TransportEventRenewSuccess)

	assert.Equal(t, 2, fs.connections())
	fs.mu.Lock()
	assert.Equal(t, "wsc-1", fs.queries[1].Get("wsc"), "session recovery token sent on reconnect")
	fs.mu.Unlock()
	assert.True(t, c.IsConnected())
}

func TestDisconnect(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newTestClient(t, fs)
	require.NoError(t, c.Disconnect(), "disconnect before connect is a no-op")

	require.NoError(t, c.Connect(context.Background()))
	fs.set(func(fs *fakeServer) { fs.silent = true })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.request(context.Background(), "GET", "/slow", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(fs.seen()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, <-errCh, ErrClosed)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fs.connections(), "no reconnect after disconnect")
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
		wantText string
	}{
		{"flat", 406, `{"errorCode":"SUB-406","message":"not acceptable"}`, "SUB-406", "not acceptable", "API error: 406 SUB-406 - not acceptable"},
		{"list", 400, `{"errors":[{"errorCode":"CMN-101","message":"bad"}]}`, "CMN-101", "bad", "API error: 400 CMN-101 - bad"},
		{"not json", 502, `<html>`, "", "", "API error: 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newAPIError(tt.status, []byte(tt.body))
			assert.Equal(t, tt.wantCode, err.ErrorCode)
			assert.Equal(t, tt.wantMsg, err.Message)
			assert.Equal(t, tt.wantText, err.Error())
			assert.Equal(t, []byte(tt.body), err.RawBody)
		})
	}

	assert.True(t, IsNotFound(fmt.Errorf("wrapped: %w", newAPIError(404, nil))))
	assert.False(t, IsNotFound(newAPIError(500, nil)))
	assert.False(t, IsNotFound(errors.New("404")))
}

func TestProcessFrameIgnoresGarbage(t *testing.T) {
	c := New(nil)
	notified := 0
	c.On(subscription.TransportEventNotification, func(interface{}) { notified++ })

	assert.NotPanics(t, func() {
		c.processFrame([]byte(`not json`))
		c.processFrame([]byte(`[]`))
		c.processFrame([]byte(`["not a header"]`))
		c.processFrame([]byte(`[{"type":"Heartbeat"}]`))
		c.processFrame([]byte(`[{"type":"Mystery"},{}]`))
		c.processFrame([]byte(`[{"type":"ClientRequest","messageId":"unknown","status":200},{}]`))
		c.processFrame([]byte(`[{"type":"Error"},{"errorCode":"WSG-1"}]`))
	})
	assert.Equal(t, 0, notified)

	c.processFrame([]byte(`[{"type":"ServerNotification"},{"a":1}]`))
	assert.Equal(t, 1, notified)
}

func TestManagerOverWebsocket(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newTestClient(t, fs)

	cache := subscription.NewMemoryCache()
	sink := &recordingSink{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := subscription.NewManager(&subscription.Config{Logger: logger}, c, cache, nil, sink)
	ready := make(chan struct{}, 4)
	m.On(subscription.EventReady, func(interface{}) { ready <- struct{}{} })
	t.Cleanup(m.Stop)

	require.NoError(t, m.Start(context.Background()))
	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
	assert.True(t, m.Ready())

	data, err := cache.Get(context.Background(), subscription.DefaultCacheKey)
	require.NoError(t, err)
	d, err := subscription.DecodeDescriptor(data, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "sub-1", d.ID)

	fs.notify(`{"body":{"telephonySessionId":"tel-1"}}`)
	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"body":{"telephonySessionId":"tel-1"}}`, string(sink.received()[0]))
}

type recordingSink struct {
	mu       sync.Mutex
	payloads []json.RawMessage
}

func (s *recordingSink) OnNotificationEvent(payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
}

func (s *recordingSink) received() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.payloads...)
}
