package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuya-proxy/internal/device"
	"tuya-proxy/internal/domain"
	"tuya-proxy/internal/tuya"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeVendor struct {
	mu     sync.Mutex
	bodies []string
	paths  []string
	resp   *tuya.Response
	err    error
}

func (f *fakeVendor) Get(_ context.Context, path string) (*tuya.Response, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	return f.resp, f.err
}

func (f *fakeVendor) Post(_ context.Context, path string, body any) (*tuya.Response, error) {
	b, _ := json.Marshal(body)
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.bodies = append(f.bodies, string(b))
	f.mu.Unlock()
	return f.resp, f.err
}

func (f *fakeVendor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

type fakeActive struct {
	devs []string
	ttl  int64
	err  error
}

func (f *fakeActive) GetActive(_ context.Context, _ int64, ttlSeconds int64) ([]string, error) {
	f.ttl = ttlSeconds
	return f.devs, f.err
}

type fakeHistory struct {
	limit int
	recs  []domain.CommandRecord
}

func (f *fakeHistory) RecentCommands(_ context.Context, _ string, limit int) ([]domain.CommandRecord, error) {
	f.limit = limit
	return f.recs, nil
}

func newTestServer(v *fakeVendor, d Deps) *Server {
	d.Devices = device.New(device.Deps{Vendor: v, Logger: zerolog.Nop()})
	d.Logger = zerolog.Nop()
	return New(d, ":0")
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func detail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.Detail
}

func TestReadRoutesPassPayloadThrough(t *testing.T) {
	const raw = `{"result":[{"code":"switch","value":false}],"success":true,"t":1700000000000,"tid":"abc"}`
	v := &fakeVendor{resp: &tuya.Response{Success: true, Raw: json.RawMessage(raw)}}
	s := newTestServer(v, Deps{})

	for _, path := range []string{"/devices/bf1/functions", "/devices/bf1/status"} {
		w := do(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, raw, w.Body.String(), path)
	}
	assert.Equal(t, []string{
		"/v1.0/iot-03/devices/bf1/functions",
		"/v1.0/iot-03/devices/bf1/status",
	}, v.paths)
}

func TestSendCommandForwardsEnvelope(t *testing.T) {
	v := &fakeVendor{resp: &tuya.Response{Success: true, Raw: json.RawMessage(`{"result":true,"success":true}`)}}
	s := newTestServer(v, Deps{})

	w := do(t, s, http.MethodPost, "/devices/bf1/commands", `{"code":"switch_1","value":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"result":true,"success":true}`, w.Body.String())
	assert.Equal(t, []string{`{"commands":[{"code":"switch_1","value":true}]}`}, v.bodies)
	assert.Equal(t, []string{"/v1.0/iot-03/devices/bf1/commands"}, v.paths)
}

func TestSendCommandValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing code", `{"value":true}`},
		{"missing value", `{"code":"switch_1"}`},
		{"code not a string", `{"code":1,"value":true}`},
		{"malformed json", `{"code":`},
		{"empty body", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := &fakeVendor{resp: &tuya.Response{Success: true}}
			s := newTestServer(v, Deps{})

			w := do(t, s, http.MethodPost, "/devices/bf1/commands", tc.body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			assert.NotEmpty(t, detail(t, w))
			assert.Zero(t, v.calls(), "no vendor call on invalid input")
		})
	}
}

func TestSendCommandAcceptsAnyValue(t *testing.T) {
	for _, value := range []string{`null`, `0`, `false`, `"on"`, `{"h":1}`, `[1,2]`} {
		v := &fakeVendor{resp: &tuya.Response{Success: true, Raw: json.RawMessage(`{"success":true}`)}}
		s := newTestServer(v, Deps{})

		w := do(t, s, http.MethodPost, "/devices/bf1/commands", `{"code":"x","value":`+value+`}`)
		require.Equal(t, http.StatusOK, w.Code, value)
		assert.Equal(t, `{"commands":[{"code":"x","value":`+value+`}]}`, v.bodies[0])
	}
}

func TestUpstreamRejectedIs400(t *testing.T) {
	v := &fakeVendor{resp: &tuya.Response{Success: false, Msg: "device offline", Code: 2001}}
	s := newTestServer(v, Deps{})

	w := do(t, s, http.MethodGet, "/devices/bf1/status", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "device offline", detail(t, w))
}

func TestUpstreamRejectedFallbackMessage(t *testing.T) {
	v := &fakeVendor{resp: &tuya.Response{Success: false}}
	s := newTestServer(v, Deps{})

	w := do(t, s, http.MethodGet, "/devices/bf1/functions", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Failed to get functions", detail(t, w))

	w = do(t, s, http.MethodPost, "/devices/bf1/commands", `{"code":"switch_1","value":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Failed to send command", detail(t, w))
}

func TestTransportErrorIs500(t *testing.T) {
	v := &fakeVendor{err: errors.New("dial tcp 10.0.0.1:443: i/o timeout")}
	s := newTestServer(v, Deps{})

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/devices/bf1/functions", ""},
		{http.MethodGet, "/devices/bf1/status", ""},
		{http.MethodPost, "/devices/bf1/commands", `{"code":"switch_1","value":true}`},
	} {
		w := do(t, s, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusInternalServerError, w.Code, tc.path)
		assert.Contains(t, detail(t, w), "i/o timeout", tc.path)
	}
}

func TestCircuitOpenIs500(t *testing.T) {
	v := &fakeVendor{err: tuya.ErrCircuitOpen}
	s := newTestServer(v, Deps{})

	w := do(t, s, http.MethodGet, "/devices/bf1/status", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, detail(t, w), "circuit open")
}

func TestRepeatedCommandsAreIndependent(t *testing.T) {
	v := &fakeVendor{resp: &tuya.Response{Success: true, Raw: json.RawMessage(`{"success":true}`)}}
	s := newTestServer(v, Deps{})

	for i := 0; i < 3; i++ {
		w := do(t, s, http.MethodPost, "/devices/bf1/commands", `{"code":"switch_1","value":true}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `{"success":true}`, w.Body.String())
	}
	require.Len(t, v.bodies, 3)
	assert.Equal(t, v.bodies[0], v.bodies[2])
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(&fakeVendor{}, Deps{})

	w := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&fakeVendor{resp: &tuya.Response{Success: true}}, Deps{})
	do(t, s, http.MethodGet, "/devices/bf1/status", "")

	w := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "device_operations_total")
}

func TestActiveDevices(t *testing.T) {
	s := newTestServer(&fakeVendor{}, Deps{})
	w := do(t, s, http.MethodGet, "/stats/active-devices", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	act := &fakeActive{devs: []string{"bf1", "bf2"}}
	s = newTestServer(&fakeVendor{}, Deps{Active: act, ActiveTTL: 5 * time.Minute})
	w = do(t, s, http.MethodGet, "/stats/active-devices", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active_devices":["bf1","bf2"],"ttl_seconds":300}`, w.Body.String())
	assert.EqualValues(t, 300, act.ttl)
}

func TestCommandHistory(t *testing.T) {
	s := newTestServer(&fakeVendor{}, Deps{})
	w := do(t, s, http.MethodGet, "/devices/bf1/commands/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	hist := &fakeHistory{recs: []domain.CommandRecord{
		{DeviceID: "bf1", Code: "switch_1", Value: json.RawMessage("true"), Success: true, CreatedAt: 1700000000},
	}}
	s = newTestServer(&fakeVendor{}, Deps{History: hist})

	w = do(t, s, http.MethodGet, "/devices/bf1/commands/history?limit=500", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxHistoryLimit, hist.limit)
	assert.JSONEq(t, `{"device_id":"bf1","commands":[{"device_id":"bf1","code":"switch_1","value":true,"success":true,"created_at":1700000000}]}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/devices/bf1/commands/history?limit=abc", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
