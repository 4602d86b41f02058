// Package watcher hot-reloads the configuration file and the credential
// directory. Config swaps go through a callback so the server can replace
// its model table atomically; credential changes re-scan the auth dir into
// the account pool.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	geminiauth "github.com/geminibridge/geminibridge/internal/auth/gemini"
	"github.com/geminibridge/geminibridge/internal/config"
)

const debounceInterval = 500 * time.Millisecond

// Watcher observes the config file and auth directory for changes.
type Watcher struct {
	configPath string
	authDir    string
	pool       *geminiauth.Pool
	onConfig   func(*config.Config)
}

func New(configPath, authDir string, pool *geminiauth.Pool, onConfig func(*config.Config)) *Watcher {
	return &Watcher{
		configPath: configPath,
		authDir:    authDir,
		pool:       pool,
		onConfig:   onConfig,
	}
}

// Start runs the watch loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if w.configPath != "" {
		// Watch the directory: editors replace config files atomically, which
		// drops the watch on the file itself.
		if err = fsWatcher.Add(filepath.Dir(w.configPath)); err != nil {
			_ = fsWatcher.Close()
			return err
		}
	}
	if w.authDir != "" {
		if err = fsWatcher.Add(w.authDir); err != nil {
			log.Warnf("watcher: cannot watch auth dir %s: %v", w.authDir, err)
		}
	}

	go w.loop(ctx, fsWatcher)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsWatcher *fsnotify.Watcher) {
	defer func() {
		if err := fsWatcher.Close(); err != nil {
			log.Errorf("watcher: close error: %v", err)
		}
	}()

	var reloadConfigAt, reloadAuthAt time.Time
	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if w.configPath != "" && filepath.Clean(event.Name) == filepath.Clean(w.configPath) {
				reloadConfigAt = time.Now().Add(debounceInterval)
			}
			if w.authDir != "" && strings.HasSuffix(event.Name, ".json") && filepath.Dir(event.Name) == filepath.Clean(w.authDir) {
				reloadAuthAt = time.Now().Add(debounceInterval)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher: %v", err)
		case now := <-ticker.C:
			if !reloadConfigAt.IsZero() && now.After(reloadConfigAt) {
				reloadConfigAt = time.Time{}
				w.reloadConfig()
			}
			if !reloadAuthAt.IsZero() && now.After(reloadAuthAt) {
				reloadAuthAt = time.Time{}
				w.reloadAuth()
			}
		}
	}
}

func (w *Watcher) reloadConfig() {
	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("watcher: config reload failed, keeping previous config: %v", err)
		return
	}
	log.Infof("watcher: config reloaded from %s", w.configPath)
	if w.onConfig != nil {
		w.onConfig(cfg)
	}
}

func (w *Watcher) reloadAuth() {
	if w.pool == nil {
		return
	}
	if err := w.pool.LoadFromDir(w.authDir); err != nil {
		log.Errorf("watcher: auth reload failed: %v", err)
		return
	}
	log.Infof("watcher: credentials reloaded from %s (%d enabled)", w.authDir, w.pool.EnabledCount())
}
