package moonraker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/metrics"
)

// fakeProvider serves a fixed set of objects.
type fakeProvider struct {
	mu        sync.Mutex
	objects   map[string]map[string]any
	scripts   []string
	scriptErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{objects: map[string]map[string]any{
		"extruder": {"pressure_advance": 0.0, "smooth_time": 0.04, "motion_queue": "extruder"},
		"toolhead": {"extruder": "extruder", "print_time": 0.0},
	}}
}

func (f *fakeProvider) set(object, attr string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[object][attr] = value
}

func (f *fakeProvider) failScripts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scriptErr = err
}

func (f *fakeProvider) ranScripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scripts...)
}

func (f *fakeProvider) ObjectNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *fakeProvider) QueryStatus(ctx context.Context, objects map[string][]string) (float64, map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := make(map[string]any)
	for name, attrs := range objects {
		obj, ok := f.objects[name]
		if !ok {
			continue
		}
		snapshot := make(map[string]any, len(obj))
		for k, v := range obj {
			snapshot[k] = v
		}
		status[name] = FilterStatus(snapshot, attrs)
	}
	return 1.5, status, nil
}

func (f *fakeProvider) RunScript(ctx context.Context, script string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
	if f.scriptErr != nil {
		return nil, f.scriptErr
	}
	return []string{"ran " + script}, nil
}

func newTestServer(t *testing.T, provider StatusProvider, reg *metrics.Registry) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{Provider: provider, Metrics: reg, StatusInterval: time.Hour})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { s.Stop() })
	return s, ts
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func postJSON(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestObjectsList(t *testing.T) {
	_, ts := newTestServer(t, newFakeProvider(), nil)
	code, body := getJSON(t, ts.URL+"/printer/objects/list")
	assert.Equal(t, http.StatusOK, code)
	result := body["result"].(map[string]any)
	assert.Equal(t, []any{"extruder", "toolhead"}, result["objects"])
}

func TestObjectsQueryGet(t *testing.T) {
	_, ts := newTestServer(t, newFakeProvider(), nil)
	code, body := getJSON(t, ts.URL+"/printer/objects/query?extruder=pressure_advance,smooth_time&toolhead&nope")
	require.Equal(t, http.StatusOK, code)

	result := body["result"].(map[string]any)
	assert.Equal(t, 1.5, result["eventtime"])
	status := result["status"].(map[string]any)
	assert.Equal(t, map[string]any{"pressure_advance": 0.0, "smooth_time": 0.04}, status["extruder"])
	assert.Equal(t, map[string]any{"extruder": "extruder", "print_time": 0.0}, status["toolhead"])
	assert.NotContains(t, status, "nope")
}

func TestObjectsQueryPost(t *testing.T) {
	_, ts := newTestServer(t, newFakeProvider(), nil)
	code, body := postJSON(t, ts.URL+"/printer/objects/query", `{"objects": {"extruder": ["motion_queue"]}}`)
	require.Equal(t, http.StatusOK, code)
	status := body["result"].(map[string]any)["status"].(map[string]any)
	assert.Equal(t, map[string]any{"motion_queue": "extruder"}, status["extruder"])

	code, body = postJSON(t, ts.URL+"/printer/objects/query", `{"objects": 3}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, float64(rpcInvalidParams), body["error"].(map[string]any)["code"])
}

func TestGCodeScript(t *testing.T) {
	fp := newFakeProvider()
	_, ts := newTestServer(t, fp, nil)

	code, body := postJSON(t, ts.URL+"/printer/gcode/script", `{"script": "SET_PRESSURE_ADVANCE ADVANCE=0.05"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["result"])
	assert.Equal(t, []string{"SET_PRESSURE_ADVANCE ADVANCE=0.05"}, fp.ranScripts())

	fp.failScripts(errors.UnknownMotionQueueError("nope"))
	code, body = postJSON(t, ts.URL+"/printer/gcode/script?script=SYNC_EXTRUDER_MOTION", "")
	assert.Equal(t, http.StatusBadRequest, code)
	rpcErr := body["error"].(map[string]any)
	assert.Equal(t, string(errors.ErrUnknownMotionQueue), rpcErr["data"])
	assert.Contains(t, rpcErr["message"], "nope")
}

func TestJSONRPC(t *testing.T) {
	_, ts := newTestServer(t, newFakeProvider(), nil)

	_, body := postJSON(t, ts.URL+"/jsonrpc",
		`{"jsonrpc": "2.0", "method": "printer.objects.query", "params": {"objects": {"toolhead": null}}, "id": 7}`)
	assert.Equal(t, 7.0, body["id"])
	status := body["result"].(map[string]any)["status"].(map[string]any)
	assert.Contains(t, status, "toolhead")

	_, body = postJSON(t, ts.URL+"/jsonrpc", `{"jsonrpc": "2.0", "method": "printer.restart", "id": 8}`)
	assert.Equal(t, float64(rpcMethodNotFound), body["error"].(map[string]any)["code"])

	_, body = postJSON(t, ts.URL+"/jsonrpc",
		`{"jsonrpc": "2.0", "method": "printer.objects.subscribe", "params": {"objects": {}}, "id": 9}`)
	assert.Equal(t, float64(rpcInvalidParams), body["error"].(map[string]any)["code"],
		"subscriptions need a websocket")

	_, body = postJSON(t, ts.URL+"/jsonrpc", `not json`)
	assert.Equal(t, float64(rpcParseError), body["error"].(map[string]any)["code"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	c := metrics.NewCounter("extruder_test_total", "Test counter")
	reg.MustRegister(c)
	c.Inc(nil)
	_, ts := newTestServer(t, newFakeProvider(), reg)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "extruder_test_total 1")
}

func TestServerInfo(t *testing.T) {
	_, ts := newTestServer(t, newFakeProvider(), nil)
	_, body := getJSON(t, ts.URL+"/server/info")
	result := body["result"].(map[string]any)
	assert.Equal(t, "ready", result["klippy_state"])
	assert.Equal(t, 0.0, result["websocket_count"])

	resp, err := http.Post(ts.URL+"/server/info", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func dialWebSocket(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(msg map[string]any) bool) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func isMethod(method string) func(map[string]any) bool {
	return func(msg map[string]any) bool { return msg["method"] == method }
}

func isResponse(id float64) func(map[string]any) bool {
	return func(msg map[string]any) bool { return msg["id"] == id }
}

func call(t *testing.T, conn *websocket.Conn, id float64, method string, params any) map[string]any {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "method": method, "params": params, "id": id,
	}))
	return readUntil(t, conn, isResponse(id))
}

func TestWebSocketIdentify(t *testing.T) {
	_, ts := newTestServer(t, newFakeProvider(), nil)
	conn := dialWebSocket(t, ts)
	readUntil(t, conn, isMethod("notify_klippy_ready"))

	resp := call(t, conn, 1, "server.connection.identify", map[string]any{"client_name": "test"})
	id := resp["result"].(map[string]any)["connection_id"].(string)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestWebSocketSubscribeSendsChanges(t *testing.T) {
	fp := newFakeProvider()
	s, ts := newTestServer(t, fp, nil)
	conn := dialWebSocket(t, ts)

	resp := call(t, conn, 1, "printer.objects.subscribe", map[string]any{
		"objects": map[string]any{"extruder": []string{"pressure_advance", "smooth_time"}},
	})
	status := resp["result"].(map[string]any)["status"].(map[string]any)
	assert.Equal(t, map[string]any{"pressure_advance": 0.0, "smooth_time": 0.04}, status["extruder"])

	fp.set("extruder", "pressure_advance", 0.05)
	fp.set("extruder", "motion_queue", "extruder1")
	s.NotifyStatusChanged()

	update := readUntil(t, conn, isMethod("notify_status_update"))
	params := update["params"].([]any)
	assert.Equal(t, map[string]any{"extruder": map[string]any{"pressure_advance": 0.05}}, params[0],
		"only subscribed attributes that changed")
	assert.Equal(t, 1.5, params[1])
}

func TestWebSocketScriptBroadcastsResponses(t *testing.T) {
	_, ts := newTestServer(t, newFakeProvider(), nil)
	conn := dialWebSocket(t, ts)

	resp := call(t, conn, 3, "printer.gcode.script", map[string]any{"script": "ACTIVATE_EXTRUDER EXTRUDER=extruder1"})
	assert.Equal(t, "ok", resp["result"])

	// Responses go to every client as notifications.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "method": "printer.gcode.script", "params": map[string]any{"script": "M400"}, "id": 4,
	}))
	msg := readUntil(t, conn, isMethod("notify_gcode_response"))
	assert.Equal(t, []any{"ran M400"}, msg["params"])
}

func TestDiffStatus(t *testing.T) {
	last := map[string]map[string]any{}
	first := diffStatus(last, map[string]any{
		"extruder": map[string]any{"pressure_advance": 0.0, "motion_queue": nil},
	})
	assert.Equal(t, map[string]any{"extruder": map[string]any{"pressure_advance": 0.0, "motion_queue": nil}}, first)

	assert.Empty(t, diffStatus(last, map[string]any{
		"extruder": map[string]any{"pressure_advance": 0.0, "motion_queue": nil},
	}))

	changed := diffStatus(last, map[string]any{
		"extruder": map[string]any{"pressure_advance": 0.0, "motion_queue": "extruder1"},
		"toolhead": map[string]any{"position": []float64{1, 2, 3, 4}},
	})
	assert.Equal(t, map[string]any{
		"extruder": map[string]any{"motion_queue": "extruder1"},
		"toolhead": map[string]any{"position": []float64{1, 2, 3, 4}},
	}, changed)
}
