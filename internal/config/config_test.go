// file: internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ReturnsUsableDefaults(t *testing.T) {
	s := New()
	assert.Equal(t, ":7654", s.Server.ListenAddr)
	assert.Equal(t, 16*1024*1024, s.Server.MaxFrameBytes)
	assert.Equal(t, 10*time.Second, s.Client.DefaultTimeout.AsDuration())
	assert.Equal(t, 32, s.Client.NRecentRequests)
	assert.False(t, s.Client.CircuitBreaker.Enabled)
}

func TestLoad_MergesYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
server:
  listen_addr: ":9000"
client:
  dial_addr: "example:9000"
  default_timeout: 5s
  circuit_breaker:
    enabled: true
    max_failures: 3
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", s.Server.ListenAddr)
	assert.Equal(t, "example:9000", s.Client.DialAddr)
	assert.Equal(t, 5*time.Second, s.Client.DefaultTimeout.AsDuration())
	assert.True(t, s.Client.CircuitBreaker.Enabled)
	assert.Equal(t, uint32(3), s.Client.CircuitBreaker.MaxFailures)
	assert.Equal(t, "debug", s.Log.Level)
	// Unset fields keep their New() defaults.
	assert.Equal(t, 16*1024*1024, s.Server.MaxFrameBytes)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, New(), s)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, New(), s)
}

func TestLoad_MalformedYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [this is not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	expanded, err := ExpandPath("~/fast/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "fast/config.yaml"), expanded)

	plain, err := ExpandPath("/tmp/fast/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/fast/config.yaml", plain)

	bareHome, err := ExpandPath("~")
	require.NoError(t, err)
	assert.Equal(t, home, bareHome)
}
