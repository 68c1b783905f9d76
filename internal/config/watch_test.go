package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory:\n  max_tokens: 1000\n"), 0o644))

	got := make(chan *Config, 1)
	w, err := Watch(path, zap.NewNop(), func(c *Config) {
		select {
		case got <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("memory:\n  max_tokens: 2000\n"), 0o644))

	select {
	case cfg := <-got:
		assert.Equal(t, 2000, cfg.Memory.MaxTokens)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload callback never fired")
	}
}

func TestWatch_InvalidReloadKeepsRunning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory:\n  max_tokens: 1000\n"), 0o644))

	got := make(chan *Config, 2)
	w, err := Watch(path, zap.NewNop(), func(c *Config) { got <- c })
	require.NoError(t, err)
	defer w.Close()

	// Broken YAML is logged and skipped; a later valid write still lands.
	require.NoError(t, os.WriteFile(path, []byte(":::"), 0o644))
	time.Sleep(time.Second)
	require.NoError(t, os.WriteFile(path, []byte("memory:\n  max_tokens: 3000\n"), 0o644))

	select {
	case cfg := <-got:
		assert.Equal(t, 3000, cfg.Memory.MaxTokens)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher stopped delivering after invalid config")
	}
}
