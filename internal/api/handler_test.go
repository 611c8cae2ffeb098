package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"beamlinecore/internal/blob"
	"beamlinecore/internal/core"
	"beamlinecore/pkg/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const attributesPayload = `{"attributes":[
	{"name":"energy","value":12.7,"state":"READY"},
	{"name":"flux","value":1e12,"state":"READY","readonly":true}
]}`

const contentsPayload = `{"name":"SC","children":[
	{"name":"1","children":[{"name":"1:01","id":"ABC1","status":"Present"}]}
]}`

type handlerFunc func(cmd domain.Command) (domain.Response, error)

// fakeDevice answers commands per operation. Unknown operations succeed with
// an empty payload.
type fakeDevice struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    []domain.Command
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{handlers: make(map[string]handlerFunc)}
	d.payload(core.OpFetchAttributes, attributesPayload)
	d.payload(core.OpFetchContents, contentsPayload)
	d.payload(core.OpFetchLoaded, `{"address":"","barcode":""}`)
	return d
}

func (d *fakeDevice) on(op string, h handlerFunc) {
	d.mu.Lock()
	d.handlers[op] = h
	d.mu.Unlock()
}

func (d *fakeDevice) payload(op, body string) {
	d.on(op, func(domain.Command) (domain.Response, error) {
		return domain.Response{OK: true, Status: 200, Payload: json.RawMessage(body)}, nil
	})
}

func (d *fakeDevice) reject(op string, status int, msg string) {
	d.on(op, func(domain.Command) (domain.Response, error) {
		return domain.Response{OK: false, Status: status, Message: msg}, nil
	})
}

func (d *fakeDevice) Dispatch(_ context.Context, cmd domain.Command) (domain.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, cmd)
	h := d.handlers[cmd.Operation]
	d.mu.Unlock()
	if h == nil {
		return domain.Response{OK: true, Status: 200}, nil
	}
	return h(cmd)
}

func (d *fakeDevice) count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Operation == op {
			n++
		}
	}
	return n
}

func newTestRouter(t *testing.T, d *fakeDevice, opts ...core.Option) (*gin.Engine, *core.Service) {
	t.Helper()
	svc := core.NewService(d, opts...)
	t.Cleanup(func() { _ = svc.Close() })
	require.NoError(t, svc.Attributes().FetchAll(context.Background()))
	return NewRouter(svc, prometheus.NewRegistry()), svc
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAttributeRoutes(t *testing.T) {
	d := newFakeDevice()
	r, _ := newTestRouter(t, d)

	rec := do(t, r, http.MethodGet, "/api/attributes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["attributes"], 2)

	rec = do(t, r, http.MethodPut, "/api/attributes/energy", `{"value":0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 0, decode(t, rec)["value"])

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown", "/api/attributes/energi", `{"value":1}`, http.StatusNotFound},
		{"readonly", "/api/attributes/flux", `{"value":1}`, http.StatusBadRequest},
		{"missing value", "/api/attributes/energy", `{}`, http.StatusBadRequest},
		{"bad json", "/api/attributes/energy", `{"value":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPut, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}

	require.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/attributes/nope", "").Code)
	require.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/api/attributes/energy/abort", "").Code)
	require.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/api/attributes/anneal/run", `{"params":[1,"x"]}`).Code)
	require.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/api/beamline/prepare", "").Code)
	require.Equal(t, 1, d.count(core.OpPrepareBeamline))
}

func TestRejectedCommandIsConflict(t *testing.T) {
	d := newFakeDevice()
	d.reject(core.OpSetAttribute, 500, "energy out of range")
	r, svc := newTestRouter(t, d)

	rec := do(t, r, http.MethodPut, "/api/attributes/energy", `{"value":99}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "energy out of range", body["message"])
	require.Equal(t, core.OpSetAttribute, body["operation"])

	attr, ok := svc.Attributes().Attribute("energy")
	require.True(t, ok)
	require.Equal(t, domain.AttributeAbort, attr.State)

	rec = do(t, r, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "energy out of range")
}

func TestOverlappingSetIsLocked(t *testing.T) {
	d := newFakeDevice()
	started := make(chan struct{})
	release := make(chan struct{})
	d.on(core.OpSetAttribute, func(domain.Command) (domain.Response, error) {
		close(started)
		<-release
		return domain.Response{OK: true, Status: 200}, nil
	})
	r, _ := newTestRouter(t, d)

	done := make(chan int, 1)
	go func() { done <- do(t, r, http.MethodPut, "/api/attributes/energy", `{"value":13}`).Code }()
	<-started

	rec := do(t, r, http.MethodPut, "/api/attributes/energy", `{"value":14}`)
	require.Equal(t, http.StatusLocked, rec.Code)

	close(release)
	require.Equal(t, http.StatusOK, <-done)
}

func TestSampleChangerRoutes(t *testing.T) {
	d := newFakeDevice()
	d.payload(core.OpSendCommand, `{"status":"done"}`)
	d.payload(core.OpSelect, contentsPayload)
	r, svc := newTestRouter(t, d)

	rec := do(t, r, http.MethodPost, "/api/samplechanger/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The server reports the mounted sample from now on.
	d.payload(core.OpFetchLoaded, `{"address":"1:01","barcode":"ABC1"}`)

	rec = do(t, r, http.MethodPost, "/api/samplechanger/load", `{"sampleID":"ABC1","location":"1:01"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "1:01", svc.SampleChanger().LoadedSample().Address)
	require.Equal(t, 1, d.count(core.OpMount))

	rec = do(t, r, http.MethodPost, "/api/samplechanger/load", `{"sampleID":"ABC1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/samplechanger/unload", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, d.count(core.OpUnmountCurrent))
	require.Empty(t, svc.SampleChanger().LoadedSample().Address)

	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/samplechanger/select", `{}`).Code)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/samplechanger/select", `{"address":"1"}`).Code)

	rec = do(t, r, http.MethodPost, "/api/samplechanger/command", `{"command":"home"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"result":{"status":"done"}}`, rec.Body.String())

	require.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/api/samplechanger/abort", "").Code)

	rec = do(t, r, http.MethodGet, "/api/samplechanger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Contains(t, body, "contents")
	require.Contains(t, body, "loaded")
}

func TestSampleChangerRejectionIsConflict(t *testing.T) {
	d := newFakeDevice()
	d.reject(core.OpScan, 409, "scanner offline")
	r, _ := newTestRouter(t, d)

	rec := do(t, r, http.MethodPost, "/api/samplechanger/scan", `{"address":"1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "scanner offline", decode(t, rec)["message"])
}

func TestQueueRoutes(t *testing.T) {
	d := newFakeDevice()
	r, svc := newTestRouter(t, d)

	for _, label := range []string{"A", "B", "C"} {
		rec := do(t, r, http.MethodPost, "/api/queue/s1/tasks", `{"kind":"DataCollection","label":"`+label+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/queue/s1/tasks", `{"kind":"Bake"}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/queue/s1/tasks", `{"label":"x"}`).Code)

	rec := do(t, r, http.MethodPost, "/api/queue/s1/move", `{"from":2,"to":0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	labels := func() string {
		var out []string
		for _, task := range svc.Queue().Tasks("s1") {
			out = append(out, task.Label)
		}
		return strings.Join(out, ",")
	}
	require.Equal(t, "C,A,B", labels())

	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/queue/s1/move", `{"from":0,"to":7}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/queue/s1/move", `{"from":0}`).Code)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/queue/s1/swap", `{"i":0,"j":2}`).Code)
	require.Equal(t, "B,A,C", labels())

	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/queue/s1/duplicate/0", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/api/queue/s1/duplicate/9", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/queue/s1/duplicate/x", "").Code)
	require.Equal(t, "B,A,C,B", labels())

	first := svc.Queue().Tasks("s1")[0]
	path := "/api/queue/tasks/" + jsonInt(first.QueueID)
	rec = do(t, r, http.MethodPost, path+"/select", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, !first.Selected, decode(t, rec)["selected"])
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, path+"/header", `{"modifier":false}`).Code)
	require.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/api/queue/tasks/999/collapse", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/queue/tasks/abc/collapse", "").Code)

	rec = do(t, r, http.MethodPut, path, `{"parameters":{"exp_time":0.5}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, map[string]any{"exp_time": 0.5}, decode(t, rec)["parameters"])
	require.Equal(t, http.StatusNotFound, do(t, r, http.MethodPut, "/api/queue/tasks/999", `{"parameters":{}}`).Code)

	rec = do(t, r, http.MethodPost, path+"/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, decode(t, rec)["enabled"])
	ids := `[` + jsonInt(first.QueueID) + `]`
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/queue/enabled", `{"queueIDs":`+ids+`,"enabled":true}`).Code)
	enabled, _ := svc.Queue().Task(first.QueueID)
	require.True(t, enabled.Enabled)
	require.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/api/queue/enabled", `{"queueIDs":[999],"enabled":false}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/queue/enabled", `{"queueIDs":`+ids+`}`).Code)

	require.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, path, "").Code)
	require.Equal(t, http.StatusNotFound, do(t, r, http.MethodDelete, path, "").Code)
	require.Equal(t, "A,C,B", labels())

	rec = do(t, r, http.MethodGet, "/api/queue/s1/interleaved", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, decode(t, rec), "available")

	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/queue/order", `{"order":["s9"]}`).Code)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPut, "/api/queue/order", `{"order":["s1"]}`).Code)

	rec = do(t, r, http.MethodGet, "/api/queue/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["tasks"], 3)

	require.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/api/queue/clear", "").Code)
	require.Empty(t, svc.Queue().Tasks("s1"))
}

func TestQueueArchiveRoutes(t *testing.T) {
	d := newFakeDevice()
	archive := blob.NewQueueArchive(blob.NewMemory(), "")
	r, svc := newTestRouter(t, d, core.WithArchive(archive))

	_, err := svc.Queue().AddTask("s1", domain.KindDataCollection, "dc", nil, -1)
	require.NoError(t, err)

	rec := do(t, r, http.MethodPost, "/api/queue/export", `{"name":"night shift"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	key, _ := decode(t, rec)["key"].(string)
	require.NotEmpty(t, key)

	svc.Queue().Clear()
	rec = do(t, r, http.MethodPost, "/api/queue/import", `{"key":"`+key+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, svc.Queue().Tasks("s1"), 1)

	rec = do(t, r, http.MethodGet, "/api/queue/archives", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["archives"], 1)

	require.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/api/queue/import", `{"key":"queues/missing.json"}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/queue/import", `{"key":"elsewhere.json"}`).Code)
}

func TestQueueArchiveDisabled(t *testing.T) {
	r, _ := newTestRouter(t, newFakeDevice())
	rec := do(t, r, http.MethodPost, "/api/queue/export", `{"name":"x"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetricsRecorder(reg)
	require.NoError(t, err)

	d := newFakeDevice()
	svc := core.NewService(d, core.WithMetricsRecorder(metrics))
	t.Cleanup(func() { _ = svc.Close() })
	require.NoError(t, svc.Attributes().FetchAll(context.Background()))
	r := NewRouter(svc, reg)

	rec := do(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "beamline_commands_total")
	require.Contains(t, rec.Body.String(), `operation="fetch_attributes"`)

	require.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/healthz", "").Code)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
