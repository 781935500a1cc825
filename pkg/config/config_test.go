package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/voxtalk/pkg/memory"
	"github.com/go-go-golems/voxtalk/pkg/rtc"
	"github.com/go-go-golems/voxtalk/pkg/tokenbroker"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, tokenbroker.DefaultPrimaryPath, cfg.Backend.PrimaryPath)
	require.Equal(t, rtc.DefaultModel, cfg.Realtime.Model)
	require.Equal(t, 10*time.Second, cfg.Realtime.MicrophoneTimeout)
	require.Equal(t, 15*time.Second, cfg.Realtime.ConnectTimeout)
	require.Equal(t, uint64(2), cfg.Realtime.MaxRetries)
	require.Equal(t, memory.StoreKindMemory, cfg.Memory.Store)
	require.Equal(t, memory.DefaultWindow, cfg.Memory.Window)
	require.False(t, cfg.EventBus.RedisEnabled)
	require.Equal(t, "voxtalk", cfg.EventBus.Group)
	require.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadFileFromWorkingDirectory(t *testing.T) {
	dir := isolate(t)
	content := `
log_level: debug
backend:
  base_url: http://tutor.local
realtime:
  connect_timeout: 30s
  ice_servers: ["stun:a", "stun:b"]
memory:
  store: sqlite
  dsn: file:mem.db
  window: 6
eventbus:
  redis_enabled: true
  redis_addr: redis:6379
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "voxtalk.yaml"), []byte(content), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "http://tutor.local", cfg.Backend.BaseURL)
	require.Equal(t, 30*time.Second, cfg.Realtime.ConnectTimeout)
	require.Equal(t, []string{"stun:a", "stun:b"}, cfg.Realtime.ICEServers)
	require.Equal(t, 6, cfg.Memory.Window)
	require.True(t, cfg.EventBus.RedisEnabled)
	require.Equal(t, "redis:6379", cfg.EventBus.Addr)
	// untouched keys keep their defaults
	require.Equal(t, tokenbroker.DefaultVoice, cfg.Backend.Voice)

	st := cfg.StoreSettings()
	require.Equal(t, memory.StoreKindSQLite, st.Kind)
	require.Equal(t, "file:mem.db", st.DSN)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("VOXTALK_SERVER_OPENAI_API_KEY", "sk-env")
	t.Setenv("VOXTALK_REALTIME_VAD_MODE", "semantic_vad")
	t.Setenv("VOXTALK_MEMORY_WINDOW", "4")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sk-env", cfg.Server.OpenAIAPIKey)
	require.Equal(t, "semantic_vad", cfg.Realtime.VADMode)
	require.Equal(t, 4, cfg.Memory.Window)
	require.Equal(t, "sk-env", cfg.BackendOptions().APIKey)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
}

func TestSessionAndBrokerOptions(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)

	so := cfg.SessionOptions()
	require.Equal(t, rtc.DefaultDataChannelLabel, so.DataChannelLabel)
	require.Equal(t, 5*time.Second, so.ICEGatherTimeout)
	require.Nil(t, so.OnEvent)

	bo := cfg.BrokerOptions()
	require.Equal(t, "http://localhost:8080", bo.BaseURL)
	require.Equal(t, tokenbroker.DefaultFallbackPath, bo.FallbackPath)
}

func TestRedactedHidesAPIKey(t *testing.T) {
	cfg := Config{Server: ServerConfig{OpenAIAPIKey: "sk-secret"}, Realtime: RealtimeConfig{ConnectTimeout: 15 * time.Second}}
	out, err := yaml.Marshal(cfg.Redacted())
	require.NoError(t, err)
	require.NotContains(t, string(out), "sk-secret")
	require.Contains(t, string(out), "connect_timeout: 15s")
	require.Equal(t, "sk-secret", cfg.Server.OpenAIAPIKey)
}
