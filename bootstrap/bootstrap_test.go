package bootstrap_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/vmkit/bootstrap"
	"github.com/artpar/vmkit/core/runtime"
	"github.com/artpar/vmkit/core/viewmodel"
	"github.com/prometheus/client_golang/prometheus"
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
  summary: summarize
queries:
  load: { target: /api/list, on_success: loadData }
subscriptions:
  refresh: shop.refresh
`

const refreshYAML = `
viewmodel: list
namespace: shop
defaults:
  title: ""
  items: []
  summary: summarize
  extra: 1
subscriptions:
  refresh: shop.refresh
`

type fixture struct {
	dir      string
	defsDir  string
	config   string
	upstream *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"Remote","items":["a","b"]}`))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	defsDir := filepath.Join(dir, "viewmodels")
	require.NoError(t, os.MkdirAll(defsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(defsDir, "list.yaml"), []byte(listYAML), 0o644))

	configPath := filepath.Join(dir, "vmkit.yaml")
	configYAML := "transport:\n  base_url: " + upstream.URL + "\n" +
		"definitions:\n  dir: " + defsDir + "\n" +
		"metrics:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0o644))

	return &fixture{dir: dir, defsDir: defsDir, config: configPath, upstream: upstream}
}

func summarize(vm *viewmodel.ViewModel, args ...any) any {
	items, _ := vm.Get("items").([]any)
	return strings.Repeat("*", len(items))
}

func (f *fixture) app(t *testing.T) *bootstrap.App {
	t.Helper()
	logger := zerolog.Nop()
	app, err := bootstrap.NewWithConfig(bootstrap.Config{
		ConfigPath: f.config,
		Version:    "test",
		Registry:   prometheus.NewRegistry(),
		Logger:     &logger,
		Methods: func(rt *runtime.Runtime) {
			rt.RegisterMethod("list", "summarize", summarize)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { app.Shutdown() })
	return app
}

func serve(app *bootstrap.App, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	app.HTTPServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestBootstrap_Integration(t *testing.T) {
	f := newFixture(t)
	app := f.app(t)

	require.NotNil(t, app.HTTPServer)
	require.NotNil(t, app.Metrics)
	assert.Equal(t, "0.0.0.0:8080", app.HTTPServer.Addr)
	assert.Len(t, app.Runtime.Classes(), 1)

	rec := serve(app, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(app, http.MethodGet, "/version", "")
	assert.Contains(t, rec.Body.String(), `"test"`)

	rec = serve(app, http.MethodPost, "/viewmodels", `{"class":"list"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created.Data["id"].(string)

	rec = serve(app, http.MethodPost, "/viewmodels/"+id+"/queries/load", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	vm, ok := app.Runtime.Get(id)
	require.True(t, ok)
	// The response is written after loadData ran as the success handler.
	assert.Equal(t, "Remote", vm.Get("title"))
	assert.Equal(t, "**", vm.Get("summary"))

	rec = serve(app, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vmkit_instances_created_total")
}

func TestBootstrap_SubscriptionDelivery(t *testing.T) {
	f := newFixture(t)
	app := f.app(t)

	// refresh is declared as a handler; route it to the builtin loadData.
	require.NoError(t, os.WriteFile(filepath.Join(f.defsDir, "list.yaml"),
		[]byte(strings.Replace(listYAML, "refresh: shop.refresh", "loadData: shop.refresh", 1)), 0o644))
	require.NoError(t, app.ReloadDefinitions(f.defsDir))

	vm, err := app.Runtime.New("list", nil)
	require.NoError(t, err)

	// A single-token route is a topic on the instance's own channel.
	require.NoError(t, app.Bus.Channel("shop").Publish("shop.refresh", map[string]any{"title": "Pushed"}))
	assert.Eventually(t, func() bool {
		return vm.Get("title") == "Pushed"
	}, time.Second, 10*time.Millisecond)
}

func TestBootstrap_ReloadDefinitions(t *testing.T) {
	f := newFixture(t)
	app := f.app(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.defsDir, "list.yaml"), []byte(refreshYAML), 0o644))
	require.NoError(t, app.ReloadDefinitions(f.defsDir))

	c, ok := app.Runtime.Class("list")
	require.True(t, ok)
	assert.Contains(t, c.Definition().Defaults.Names(), "extra")

	// A broken definition keeps the previous classes loaded.
	require.NoError(t, os.WriteFile(filepath.Join(f.defsDir, "list.yaml"),
		[]byte("viewmodel: list\nqueries: { x: { target: /x, on_success: nope } }\n"), 0o644))
	assert.Error(t, app.ReloadDefinitions(f.defsDir))

	c, ok = app.Runtime.Class("list")
	require.True(t, ok)
	assert.Contains(t, c.Definition().Defaults.Names(), "extra")
}

func TestBootstrap_EnvFallback(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VMKIT_DEFINITIONS_DIR", filepath.Join(dir, "absent"))
	t.Setenv("VMKIT_SERVER_PORT", "9191")

	logger := zerolog.Nop()
	app, err := bootstrap.NewWithConfig(bootstrap.Config{
		ConfigPath: filepath.Join(dir, "missing.yaml"),
		Logger:     &logger,
	})
	require.NoError(t, err)
	defer app.Shutdown()

	assert.Empty(t, app.Config.Path())
	assert.Nil(t, app.Metrics)
	assert.Empty(t, app.Runtime.Classes(), "a missing definitions directory loads nothing")
	assert.Equal(t, "0.0.0.0:9191", app.HTTPServer.Addr)
}

func TestBootstrap_InvalidDefinitions(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.defsDir, "broken.yaml"),
		[]byte("viewmodel: broken\nqueries: { x: { target: /x, on_success: nope } }\n"), 0o644))

	logger := zerolog.Nop()
	_, err := bootstrap.NewWithConfig(bootstrap.Config{
		ConfigPath: f.config,
		Registry:   prometheus.NewRegistry(),
		Logger:     &logger,
	})
	assert.ErrorContains(t, err, "load definitions")
}

func TestBootstrap_ConsoleBinding(t *testing.T) {
	f := newFixture(t)
	app := f.app(t)

	vm, err := app.Runtime.New("list", viewmodel.Options{"title": "Groceries"})
	require.NoError(t, err)

	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	detach, err := vm.BindTo(ctx, &buf)
	require.NoError(t, err)
	defer detach()
	assert.Contains(t, buf.String(), "Groceries")
}

func TestBootstrap_ShutdownTwice(t *testing.T) {
	f := newFixture(t)
	app := f.app(t)

	assert.NoError(t, app.Shutdown())
	assert.NoError(t, app.Shutdown())
	assert.Equal(t, 0, app.Runtime.Count())
}

func TestBuiltins_LoadData(t *testing.T) {
	f := newFixture(t)
	app := f.app(t)

	vm, err := app.Runtime.New("list", nil)
	require.NoError(t, err)

	_, err = vm.Call(bootstrap.MethodLoadData, map[string]any{"title": "Direct"})
	require.NoError(t, err)
	assert.Equal(t, "Direct", vm.Get("title"))

	// Non-object values are ignored.
	_, err = vm.Call(bootstrap.MethodLoadData, "not an object")
	require.NoError(t, err)
	_, err = vm.Call(bootstrap.MethodLoadData)
	require.NoError(t, err)
	assert.Equal(t, "Direct", vm.Get("title"))

	_, err = vm.Call(bootstrap.MethodNoop)
	assert.NoError(t, err)
}
