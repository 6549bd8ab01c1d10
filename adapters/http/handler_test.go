package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artpar/vmkit/adapters/binding"
	"github.com/artpar/vmkit/adapters/metrics"
	"github.com/artpar/vmkit/adapters/remote"
	"github.com/artpar/vmkit/core/events"
	"github.com/artpar/vmkit/core/runtime"
	"github.com/artpar/vmkit/core/schema"
	"github.com/artpar/vmkit/core/viewmodel"
	"github.com/artpar/vmkit/ports"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listYAML = `
viewmodel: list
namespace: shop
defaults:
  title: ""
  items: []
  count: !expr "len(items)"
queries:
  load: /api/list
  fill: { target: /api/fill, on_success: fill }
`

type testServer struct {
	runtime *runtime.Runtime
	stub    *remote.Stub
	router  chi.Router
	metrics *metrics.Collector
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()

	stub := remote.NewStub()
	rt := runtime.New(runtime.Config{
		Env:    viewmodel.Env{Bus: events.NewBus(logger), Transport: stub},
		Logger: logger,
	})
	t.Cleanup(rt.Close)
	rt.RegisterMethod("list", "fill", func(vm *viewmodel.ViewModel, args ...any) any {
		time.Sleep(20 * time.Millisecond)
		if data, ok := args[0].(map[string]any); ok {
			vm.LoadData(data)
		}
		return nil
	})

	def, err := schema.Parse([]byte(listYAML))
	require.NoError(t, err)
	require.NoError(t, rt.Load([]schema.Definition{def}))

	collector := metrics.NewWithRegistry(prometheus.NewRegistry())
	api := NewViewModelHandler(rt, ViewModelConfig{
		Live:        binding.NewLive(binding.LiveConfig{}, logger),
		CallTimeout: time.Second,
	}, logger)
	health := NewHealthHandler(nil)

	return &testServer{
		runtime: rt,
		stub:    stub,
		metrics: collector,
		router:  NewRouterWithConfig(api, health, logger, RouterConfig{Metrics: collector, Version: "1.2.3"}),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) create(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/viewmodels", `{"class":"list","options":{"title":"Groceries","items":["milk"]}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	return data["id"].(string)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth_ReadinessFailure(t *testing.T) {
	h := NewHealthHandler(map[string]HealthChecker{
		"bus": HealthCheckFunc(func(ctx context.Context) error {
			return errors.New("not connected")
		}),
		"skipped": nil,
	})

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","errors":{"bus":"not connected"}}`, rec.Body.String())
}

func TestVersion(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/version", "")
	assert.JSONEq(t, `{"version":"1.2.3","service":"vmkit"}`, rec.Body.String())
}

func TestViewModels_Lifecycle(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)

	rec := s.do(t, http.MethodGet, "/viewmodels/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "list", body["viewmodel"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "Groceries", data["title"])
	assert.Equal(t, float64(1), data["count"])

	rec = s.do(t, http.MethodPost, "/viewmodels/"+id+"/load", `{"items":["milk","eggs"],"unknown":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data = decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, float64(2), data["count"])
	assert.NotContains(t, data, "unknown")

	rec = s.do(t, http.MethodGet, "/viewmodels?class=list", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, float64(1), body["count"])

	rec = s.do(t, http.MethodDelete, "/viewmodels/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, s.runtime.Count())

	rec = s.do(t, http.MethodGet, "/viewmodels/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodDelete, "/viewmodels/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestViewModels_CreateErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing class", `{}`, http.StatusBadRequest, "invalid_body"},
		{"malformed body", `{"class":`, http.StatusBadRequest, "invalid_body"},
		{"unknown class", `{"class":"nope"}`, http.StatusNotFound, "class_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/viewmodels", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			errBody := decode(t, rec)["error"].(map[string]any)
			assert.Equal(t, tt.code, errBody["code"])
		})
	}
}

func TestViewModels_ListUnknownClass(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/viewmodels?class=nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestViewModels_Formats(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)

	rec := s.do(t, http.MethodGet, "/viewmodels/"+id+"?format=yaml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "title: Groceries")

	rec = s.do(t, http.MethodGet, "/viewmodels?format=table", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "Groceries")

	rec = s.do(t, http.MethodGet, "/viewmodels?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestViewModels_Trigger(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)
	vm, ok := s.runtime.Get(id)
	require.True(t, ok)

	var got []any
	vm.On("refresh", func(args ...any) {
		got = args
	})

	rec := s.do(t, http.MethodPost, "/viewmodels/"+id+"/trigger/refresh", `{"args":["now",2]}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []any{"now", float64(2)}, got)

	rec = s.do(t, http.MethodPost, "/viewmodels/"+id+"/trigger/refresh", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, got)
}

func TestViewModels_Execute(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)

	s.stub.Respond(func(req ports.Request) (any, error) {
		return map[string]any{"items": []any{"milk"}}, nil
	})

	rec := s.do(t, http.MethodPost, "/viewmodels/"+id+"/queries/load", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"call":"queries.load","value":{"items":["milk"]}}`, rec.Body.String())

	req, _ := s.stub.Last()
	assert.Equal(t, "/api/list", req.URL)
	assert.Equal(t, "get", req.Method)
}

func TestViewModels_ExecuteWaitsForHandlers(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)

	go func() {
		for s.stub.Len() == 0 {
			time.Sleep(time.Millisecond)
		}
		s.stub.Resolve(0, map[string]any{"title": "Filled"})
	}()

	rec := s.do(t, http.MethodPost, "/viewmodels/"+id+"/queries/fill", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/viewmodels/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "Filled", data["title"], "on_success ran before the response")
}

func TestViewModels_ExecuteErrors(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)

	s.stub.Respond(func(req ports.Request) (any, error) {
		return nil, &remote.StatusError{StatusCode: 500, Method: "GET", URL: req.URL, Message: "boom"}
	})

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"upstream failure", "/queries/load", http.StatusBadGateway, "upstream_error"},
		{"unknown call", "/queries/missing", http.StatusNotFound, "unknown_call"},
		{"unknown kind", "/actions/load", http.StatusNotFound, "unknown_kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/viewmodels/"+id+tt.path, "")
			assert.Equal(t, tt.status, rec.Code)
			errBody := decode(t, rec)["error"].(map[string]any)
			assert.Equal(t, tt.code, errBody["code"])
		})
	}
}

func TestViewModels_ExecuteTimeout(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)

	// The stub leaves calls pending until settled by hand.
	rec := s.do(t, http.MethodPost, "/viewmodels/"+id+"/query/load", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, 1, s.stub.Len())
}

func TestClasses(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/classes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "classes", body["viewmodel"])
	assert.Equal(t, float64(1), body["count"])

	rec = s.do(t, http.MethodGet, "/classes/list", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "shop", data["channel"])
	assert.Equal(t, []any{"fill", "load"}, data["queries"])

	rec = s.do(t, http.MethodGet, "/classes/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/nowhere", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["error"].(map[string]any)["code"])
}

func TestMetricsMiddleware(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)

	s.do(t, http.MethodGet, "/viewmodels/"+id, "")
	s.do(t, http.MethodGet, "/viewmodels/missing", "")
	s.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, float64(1),
		testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues("GET", "/viewmodels/{id}", "2xx")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues("GET", "/viewmodels/{id}", "4xx")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues("POST", "/viewmodels", "2xx")))
	assert.Equal(t, float64(0), testutil.ToFloat64(s.metrics.RequestsInFlight))
}

func TestStatusLabel(t *testing.T) {
	tests := map[int]string{
		101: "other",
		200: "2xx",
		304: "3xx",
		404: "4xx",
		503: "5xx",
	}
	for status, want := range tests {
		assert.Equal(t, want, statusLabel(status), "status %d", status)
	}
}

func TestLive(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)
	vm, _ := s.runtime.Get(id)

	server := httptest.NewServer(s.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/viewmodels/" + id + "/live"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))

	var frame binding.Frame
	require.NoError(t, client.ReadJSON(&frame))
	assert.Equal(t, binding.FrameSnapshot, frame.Type)
	assert.Equal(t, id, frame.ID)
	assert.Equal(t, "list", frame.ViewModel)

	require.NoError(t, vm.Set("title", "Books"))
	frame = binding.Frame{}
	require.NoError(t, client.ReadJSON(&frame))
	assert.Equal(t, binding.FrameChange, frame.Type)
	assert.Equal(t, "title", frame.Field)
	assert.Equal(t, "Books", frame.Value)
}

func TestLive_UnknownInstance(t *testing.T) {
	s := newTestServer(t)

	server := httptest.NewServer(s.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/viewmodels/missing/live"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
