package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":8080\"\n"), 0o600))

	var reloads atomic.Int64
	gotAddr := make(chan string, 4)
	w := NewWatcher(path, func(cfg *Config) {
		reloads.Add(1)
		gotAddr <- cfg.Server.Address
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	w.pollInterval = 100 * time.Millisecond
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":8181\"\n"), 0o600))

	select {
	case addr := <-gotAddr:
		assert.Equal(t, ":8181", addr)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	w.Stop()
	require.NoError(t, <-done)
}

func TestWatcherKeepsOldConfigOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":8080\"\n"), 0o600))

	var reloads atomic.Int64
	w := NewWatcher(path, func(*Config) { reloads.Add(1) }, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	w.pollInterval = 100 * time.Millisecond
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	time.Sleep(200 * time.Millisecond)
	// Invalid breaker threshold fails validation; callback must not fire.
	require.NoError(t, os.WriteFile(path, []byte("breaker:\n  failure_threshold: 7\n"), 0o600))
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, int64(0), reloads.Load())

	w.Stop()
	require.NoError(t, <-done)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "c.yaml"), func(*Config) {}, slog.Default())
	w.Stop()
	w.Stop()
}
