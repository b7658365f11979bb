package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the new, validated config on every successful reload.
// It runs synchronously on the watcher goroutine.
type ReloadFunc func(newCfg *Config)

// Watcher watches the config file and invokes a callback with the reloaded
// config. Detection combines fsnotify events with periodic content-hash
// polling; the polling path catches Kubernetes projected-volume updates,
// where kubelet swaps a "..data" symlink without emitting inotify events.
type Watcher struct {
	path         string
	dir          string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Watching starts with Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start blocks until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the parent directory too; atomic save-and-rename and ConfigMap
	// volume swaps replace the file's inode.
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	_ = fw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	dataLink := filepath.Join(w.dir, "..data")
	lastHash := hashFile(w.path)
	lastTarget := readlink(dataLink)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				// The old inode fell out of the watch; re-add the path.
				_ = fw.Add(w.path)
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()
			lastHash = hashFile(w.path)
			lastTarget = readlink(dataLink)

		case <-poll.C:
			changed := false
			if target := readlink(dataLink); target != "" && target != lastTarget {
				lastTarget = target
				changed = true
			}
			if !changed && hashFile(w.path) != lastHash {
				changed = true
			}
			if changed {
				lastHash = hashFile(w.path)
				lastTarget = readlink(dataLink)
				w.logger.Debug("config change detected via polling", "path", w.path)
				w.reload()
			}

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

// reload loads and publishes the new config. On failure the old config is
// kept and the error logged.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(newCfg)
}

// Stop terminates the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file content, or "" if the
// file cannot be read. Symlinks are followed, so a volume swap changes it.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the symlink target, or "" if path is not a symlink.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}

// ---------------------------------------------------------------------------
// CertWatcher — poll-based watcher for TLS certificate files.
// ---------------------------------------------------------------------------

// CertCallback is invoked when the TLS certificate files change on disk.
type CertCallback func(certFile, keyFile string)

// CertWatcher polls TLS certificate files for changes. Polling (not
// inotify) because cert files usually live in a Kubernetes Secret volume,
// where symlink swaps are invisible to inotify.
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS certificate watcher. Polling starts with Start.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start blocks until ctx is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cw.cancel = context.WithCancel(ctx)

	dataLink := filepath.Join(filepath.Dir(cw.certFile), "..data")

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	lastCert := hashFile(cw.certFile)
	lastKey := hashFile(cw.keyFile)
	lastTarget := readlink(dataLink)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			changed := false
			if target := readlink(dataLink); target != "" && target != lastTarget {
				lastTarget = target
				changed = true
			}
			if !changed {
				if hashFile(cw.certFile) != lastCert || hashFile(cw.keyFile) != lastKey {
					changed = true
				}
			}
			if changed {
				lastCert = hashFile(cw.certFile)
				lastKey = hashFile(cw.keyFile)
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.callback(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop terminates the cert watcher goroutine.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}
