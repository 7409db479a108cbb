// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Covers duration parsing, defaults, and required-field errors.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:9090"
database:
  path: "/tmp/agenthub-test.db"
auth:
  jwt_secret: "test-secret"
  require_auth: true
acp:
  connect_timeout: 5s
  handshake_reply_timeout: 1s
  heartbeat_interval: 10s
lifecycle:
  maintenance_interval: 30s
  retention_window: 48h
  max_instances_per_agent: 3
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/agenthub-test.db", cfg.Database.Path)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Auth.RequireAuth)

	assert.Equal(t, 5*time.Second, cfg.ACP.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.ACP.HandshakeReplyTimeout)
	assert.Equal(t, 10*time.Second, cfg.ACP.HeartbeatInterval)

	assert.Equal(t, 30*time.Second, cfg.Lifecycle.MaintenanceInterval)
	assert.Equal(t, 48*time.Hour, cfg.Lifecycle.RetentionWindow)
	assert.Equal(t, 3, cfg.Lifecycle.MaxInstancesPerAgent)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultConnectTimeout, cfg.ACP.ConnectTimeout)
	assert.Equal(t, DefaultHandshakeReplyTimeout, cfg.ACP.HandshakeReplyTimeout)
	assert.Equal(t, DefaultTaskTimeout, cfg.ACP.TaskTimeout)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.ACP.HeartbeatInterval)
	assert.Equal(t, DefaultHealthWindow, cfg.ACP.HealthWindow)
	assert.Equal(t, DefaultMaintenanceInterval, cfg.Lifecycle.MaintenanceInterval)
	assert.Equal(t, DefaultMonitorInterval, cfg.Lifecycle.MonitorInterval)
	assert.Equal(t, DefaultRetentionWindow, cfg.Lifecycle.RetentionWindow)
	assert.Equal(t, DefaultMaxInstancesPerAgent, cfg.Lifecycle.MaxInstancesPerAgent)
	assert.Equal(t, "mock", cfg.Runtime.Mode)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("AGENTHUB_TEST_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
auth:
  jwt_secret: "${AGENTHUB_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing http addr",
			yaml:    "database:\n  path: \":memory:\"\n",
			wantErr: "server.http_addr",
		},
		{
			name:    "missing database path",
			yaml:    "server:\n  http_addr: \"localhost:8080\"\n",
			wantErr: "database.path",
		},
		{
			name: "require_auth without secret",
			yaml: `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
auth:
  require_auth: true
`,
			wantErr: "auth.jwt_secret",
		},
		{
			name: "unsupported runtime mode",
			yaml: `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
runtime:
  mode: kubernetes
`,
			wantErr: "runtime.mode",
		},
		{
			name: "bad duration",
			yaml: `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
acp:
  connect_timeout: "soon"
`,
			wantErr: "acp.connect_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
