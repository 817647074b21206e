package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/devgianlu/go-netservice/native"
)

func testConfig() *Config {
	cfg := &Config{Backend: "dummy", RegisterTimeoutMs: 1000, ShutdownTimeoutMs: 1000}
	cfg.Service.Type = "_example._tcp"
	cfg.Service.Name = "Test"
	cfg.Service.Port = 8080
	cfg.Service.Txt = map[string]string{"key1": "value1"}
	return cfg
}

func newTestApi(t *testing.T, behavior native.DummyBehavior) (*App, *native.DummyLayer, *httptest.Server) {
	t.Helper()

	layer := native.NewDummyLayer(behavior)
	t.Cleanup(func() { _ = layer.Close() })

	app, err := NewApp(testConfig(), layer)
	require.NoError(t, err)

	app.server = newApiServer("", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() {
		_ = app.serveApiRequests(ctx)
		done <- struct{}{}
	}()
	go func() {
		_ = app.watchRegistration(ctx)
		done <- struct{}{}
	}()

	srv := httptest.NewServer(app.server.handler())
	t.Cleanup(func() {
		_ = app.server.Close()
		srv.Close()
		cancel()
		<-done
		<-done
	})

	return app, layer, srv
}

func post(t *testing.T, url string, body string) *http.Response {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeStatus(t *testing.T, resp *http.Response) ApiResponseStatus {
	t.Helper()

	var status ApiResponseStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func TestApiStatus(t *testing.T) {
	_, _, srv := newTestApi(t, native.DummySucceed)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeStatus(t, resp)
	assert.Equal(t, "Test", status.Name)
	assert.Equal(t, "_example._tcp", status.Type)
	assert.Equal(t, "local.", status.Domain)
	assert.Equal(t, 8080, status.Port)
	assert.Equal(t, "unregistered", status.State)
	assert.False(t, status.Registered)
}

func TestApiRegisterUnregister(t *testing.T) {
	app, _, srv := newTestApi(t, native.DummySucceed)

	resp := post(t, srv.URL+"/register", `{"timeout_ms":500}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeStatus(t, resp)
	assert.True(t, status.Registered)
	assert.Equal(t, "registered", status.State)
	assert.True(t, app.svc.Registered())

	resp = post(t, srv.URL+"/unregister", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status = decodeStatus(t, resp)
	assert.False(t, status.Registered)
	assert.Equal(t, "unregistered", status.State)
}

func TestApiRegisterWithoutBodyUsesDefaultTimeout(t *testing.T) {
	_, _, srv := newTestApi(t, native.DummySucceed)

	resp := post(t, srv.URL+"/register", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeStatus(t, resp).Registered)
}

func TestApiRegisterRejected(t *testing.T) {
	app, layer, srv := newTestApi(t, native.DummySucceed)
	layer.SetBehavior(native.DummyFail, map[string]string{"reason": "collision"})

	resp := post(t, srv.URL+"/register", `{"timeout_ms":500}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body ApiResponseError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]string{"reason": "collision"}, body.Diagnostics)
	assert.Contains(t, body.Error, "reason:collision")
	assert.False(t, app.svc.Registered())
}

func TestApiRegisterTimeout(t *testing.T) {
	app, _, srv := newTestApi(t, native.DummySilent)

	resp := post(t, srv.URL+"/register", `{"timeout_ms":50}`)
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "unregistered", app.svc.State().String())
}

func TestApiBadRequests(t *testing.T) {
	_, _, srv := newTestApi(t, native.DummySucceed)

	resp := post(t, srv.URL+"/register", "nope")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/register", `{"timeout_ms":-1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/unregister")
	require.NoError(t, err)
	defer func() { _ = getResp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

func TestApiEvents(t *testing.T) {
	app, _, srv := newTestApi(t, native.DummySucceed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	require.Eventually(t, func() bool {
		app.server.clientsLock.RLock()
		defer app.server.clientsLock.RUnlock()
		return len(app.server.clients) == 1
	}, time.Second, 10*time.Millisecond)

	resp := post(t, srv.URL+"/register", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ev struct {
		Type ApiEventType             `json:"type"`
		Data ApiEventDataRegistration `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	assert.Equal(t, ApiEventTypeRegistered, ev.Type)
	assert.Equal(t, "Test", ev.Data.Name)

	resp = post(t, srv.URL+"/unregister", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, wsjson.Read(ctx, c, &ev))
	assert.Equal(t, ApiEventTypeUnregistered, ev.Type)
}

func TestApiMetrics(t *testing.T) {
	_, _, srv := newTestApi(t, native.DummySucceed)

	resp := post(t, srv.URL+"/register", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = metricsResp.Body.Close() }()

	require.Equal(t, http.StatusOK, metricsResp.StatusCode)

	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `netservice_operations_total{operation="register",result="success"}`)
}
