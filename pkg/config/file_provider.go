package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/polis-apikit/pkg/domain"
)

// Reload statuses passed to ProviderOptions.OnReload.
const (
	ReloadSuccess = "success"
	ReloadError   = "error"
)

const defaultDebounce = 100 * time.Millisecond

// ProviderOptions configure a FileProvider.
type ProviderOptions struct {
	Logger *slog.Logger
	// Debounce delays reloads after a burst of file events.
	Debounce time.Duration
	// OnReload is called after every reload attempt with ReloadSuccess or
	// ReloadError.
	OnReload func(status string)
}

// FileProvider serves the current configuration and reloads it whenever the
// file changes. A reload that fails to parse or validate keeps the previous
// configuration.
type FileProvider struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	onReload func(string)

	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileProvider loads path and starts watching it.
func NewFileProvider(path string, opts ProviderOptions) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	p := &FileProvider{
		path:     absPath,
		logger:   logger.With("config_path", absPath),
		debounce: debounce,
		onReload: opts.OnReload,
		done:     make(chan struct{}),
	}

	cfg, err := p.read()
	if err != nil {
		return nil, err
	}
	p.current = cfg

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the current configuration. Callers must not modify it.
func (p *FileProvider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// HandlerConfig implements handler.ConfigSource over the current configuration.
func (p *FileProvider) HandlerConfig(route string) (domain.HandlerConfig, bool) {
	return p.Current().HandlerConfig(route)
}

// Subscribe returns a channel that receives every successfully reloaded
// configuration. The current configuration is sent immediately.
func (p *FileProvider) Subscribe() <-chan *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Config, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.current
	return ch
}

// Close stops the watcher and waits for the watch loop to exit.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					p.reload()
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (p *FileProvider) reload() {
	cfg, err := p.read()
	if err != nil {
		p.logger.Error("config reload failed, keeping previous configuration", "error", err)
		p.notifyReload(ReloadError)
		return
	}

	p.mu.Lock()
	p.current = cfg
	subscribers := make([]chan *Config, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		// Drop a stale pending value so slow consumers see the latest config.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}

	p.logger.Info("configuration reloaded", "handlers", len(cfg.Handlers))
	p.notifyReload(ReloadSuccess)
}

func (p *FileProvider) notifyReload(status string) {
	if p.onReload != nil {
		p.onReload(status)
	}
}

func (p *FileProvider) read() (*Config, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	// Editors truncate before writing; an empty file is never a valid reload.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config file %s is empty", p.path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", p.path, err)
	}
	return cfg, nil
}
