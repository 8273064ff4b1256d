package chatsync

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
api_base_url: https://chat.example.com
socket_url: wss://chat.example.com/ws
access_token: tok
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize, cfg.PageSize)
	assert.Equal(t, DefaultGroupGap, cfg.GroupGap)
	assert.Equal(t, defaultReconcileTimeout, cfg.ReconcileTimeout)
	assert.Equal(t, "chatsync:lock", cfg.Broadcast.RedisChannel)
	assert.Equal(t, "chatsync.lock", cfg.Broadcast.NATSSubject)
}

func TestLoadConfigDurations(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
api_base_url: https://chat.example.com
socket_url: wss://chat.example.com/ws
group_gap: 10m
reconcile_timeout: 30s
page_size: 50
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.GroupGap)
	assert.Equal(t, 30*time.Second, cfg.ReconcileTimeout)
	assert.Equal(t, 50, cfg.PageSize)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(writeConfig(t, dir, `socket_url: wss://x/ws`))
	assert.ErrorContains(t, err, "api_base_url")

	_, err = LoadConfig(writeConfig(t, dir, `
api_base_url: https://x
socket_url: wss://x/ws
group_gap: banana
`))
	assert.ErrorContains(t, err, "group_gap")

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchConfigReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
api_base_url: https://chat.example.com
socket_url: wss://chat.example.com/ws
page_size: 10
`)

	var reloaded atomic.Int32
	var lastSize atomic.Int32
	stop, err := WatchConfig(path, zerolog.Nop(), func(cfg *Config) {
		lastSize.Store(int32(cfg.PageSize))
		reloaded.Add(1)
	})
	require.NoError(t, err)
	defer stop()

	writeConfig(t, dir, `
api_base_url: https://chat.example.com
socket_url: wss://chat.example.com/ws
page_size: 99
`)
	require.Eventually(t, func() bool { return reloaded.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(99), lastSize.Load())

	// A broken intermediate write is skipped, keeping the old config.
	before := reloaded.Load()
	writeConfig(t, dir, `api_base_url: [broken`)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, before, reloaded.Load())
}
