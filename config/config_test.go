package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/vmkit/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAndLoad(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := config.Load(writeConfig(t, content))
	require.NoError(t, err)
	return cfg
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 9090

bus:
  driver: nats
  url: nats://127.0.0.1:4222
  name: shop-ui

transport:
  base_url: http://localhost:3000/api
  timeout: 15s
  headers:
    X-Client: vmkit

binding:
  template_path: ui/templates
  format: json

definitions:
  dir: ui/viewmodels
  watch: true
`

	cfg := writeAndLoad(t, content)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "nats", cfg.Bus.Driver)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Bus.URL)
	assert.Equal(t, "shop-ui", cfg.Bus.Name)
	assert.Equal(t, "http://localhost:3000/api", cfg.Transport.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, map[string]string{"X-Client": "vmkit"}, cfg.Transport.Headers)
	assert.Equal(t, "ui/templates", cfg.Binding.TemplatePath)
	assert.Equal(t, "json", cfg.Binding.Format)
	assert.Equal(t, "ui/viewmodels", cfg.Definitions.Dir)
	assert.True(t, cfg.Definitions.Watch)
}

func TestLoad_Defaults(t *testing.T) {
	cfg := writeAndLoad(t, "{}\n")

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, "vmkit", cfg.Bus.Prefix)
	assert.Equal(t, 10*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, ".", cfg.Binding.TemplatePath)
	assert.Equal(t, ".tmpl", cfg.Binding.Extension)
	assert.Equal(t, "table", cfg.Binding.Format)
	assert.Equal(t, "viewmodels", cfg.Definitions.Dir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown bus driver", "bus: {driver: kafka}", "bus.driver"},
		{"nats without url", "bus: {driver: nats}", "bus.url is required"},
		{"bad format", "binding: {format: xml}", "binding.format"},
		{"bad level", "logging: {level: loud}", "logging.level"},
		{"bad log format", "logging: {format: text}", "logging.format"},
		{"bad metrics path", "metrics: {path: metrics}", "metrics.path"},
		{"bad port", "server: {port: 70000}", "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = config.Load(writeConfig(t, "server: [unclosed"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("SHOP_API", "http://shop.internal")

	cfg := writeAndLoad(t, "transport:\n  base_url: ${SHOP_API}/v1\n")
	assert.Equal(t, "http://shop.internal/v1", cfg.Transport.BaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VMKIT_SERVER_PORT", "9999")
	t.Setenv("VMKIT_BUS_DRIVER", "nats")
	t.Setenv("VMKIT_BUS_URL", "nats://bus:4222")
	t.Setenv("VMKIT_TRANSPORT_TIMEOUT", "3s")
	t.Setenv("VMKIT_DEFINITIONS_WATCH", "yes")
	t.Setenv("VMKIT_METRICS_ENABLED", "1")
	t.Setenv("VMKIT_LOG_LEVEL", "debug")

	cfg := writeAndLoad(t, "server:\n  port: 1234\n")

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "nats", cfg.Bus.Driver)
	assert.Equal(t, "nats://bus:4222", cfg.Bus.URL)
	assert.Equal(t, 3*time.Second, cfg.Transport.Timeout)
	assert.True(t, cfg.Definitions.Watch)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadWithFallback(t *testing.T) {
	t.Setenv("VMKIT_DEFINITIONS_DIR", "from-env")

	cfg, err := config.LoadWithFallback(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Definitions.Dir)

	cfg, err = config.LoadWithFallback("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Bus.Driver)

	path := writeConfig(t, "binding:\n  format: yaml\n")
	cfg, err = config.LoadWithFallback(path)
	require.NoError(t, err)
	assert.Equal(t, "yaml", cfg.Binding.Format)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	t.Setenv("VMKIT_BUS_DRIVER", "nats")

	_, err := config.LoadFromEnv()
	assert.ErrorContains(t, err, "bus.url is required")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
