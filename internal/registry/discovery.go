package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"modkit/internal/api"
	"modkit/pkg/logging"
)

// Discovery watches a manifest directory and feeds every YAML module
// manifest it finds through Register with source "automatic". Discovery
// never activates anything.
//
// File events are debounced so editors that write in multiple syscalls
// produce a single registration attempt.
type Discovery struct {
	mu sync.Mutex

	registry *Registry
	basePath string
	watcher  *fsnotify.Watcher

	debounceInterval time.Duration
	pending          map[string]*time.Timer

	stopCh  chan struct{}
	running bool
}

// NewDiscovery creates a discovery source over basePath.
func NewDiscovery(registry *Registry, basePath string, debounceInterval time.Duration) *Discovery {
	if debounceInterval == 0 {
		debounceInterval = 500 * time.Millisecond
	}
	return &Discovery{
		registry:         registry,
		basePath:         basePath,
		debounceInterval: debounceInterval,
		pending:          make(map[string]*time.Timer),
		stopCh:           make(chan struct{}),
	}
}

// Start scans the directory once, then begins watching for changes.
func (d *Discovery) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if err := watcher.Add(d.basePath); err != nil {
		watcher.Close()
		d.mu.Unlock()
		return err
	}
	d.watcher = watcher
	d.running = true
	d.mu.Unlock()

	d.scanOnce(ctx)

	go d.loop(ctx)
	logging.Info("Discovery", "Watching %s for module manifests", d.basePath)
	return nil
}

// Stop ends the watch loop.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
	if d.watcher != nil {
		d.watcher.Close()
	}
}

// scanOnce registers every manifest already present.
func (d *Discovery) scanOnce(ctx context.Context) {
	entries, err := os.ReadDir(d.basePath)
	if err != nil {
		logging.Warn("Discovery", "Cannot read manifest directory %s: %v", d.basePath, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isManifest(entry.Name()) {
			continue
		}
		d.registerManifest(ctx, filepath.Join(d.basePath, entry.Name()))
	}
}

func (d *Discovery) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.Stop()
			return
		case <-d.stopCh:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !isManifest(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			d.debounce(ctx, event.Name)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Discovery", "Watcher error: %v", err)
		}
	}
}

func (d *Discovery) debounce(ctx context.Context, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.pending[path]; ok {
		timer.Stop()
	}
	d.pending[path] = time.AfterFunc(d.debounceInterval, func() {
		d.mu.Lock()
		delete(d.pending, path)
		d.mu.Unlock()
		d.registerManifest(ctx, path)
	})
}

func (d *Discovery) registerManifest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Warn("Discovery", "Cannot read manifest %s: %v", path, err)
		return
	}

	var def api.ModuleDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		logging.Warn("Discovery", "Manifest %s is not a valid module definition: %v", path, err)
		return
	}

	if _, err := d.registry.Register(ctx, def, nil, api.SourceAutomatic, RegisterOptions{}); err != nil {
		if api.IsKind(err, api.KindConflict) {
			logging.Debug("Discovery", "Manifest %s already registered: %v", path, err)
			return
		}
		logging.Warn("Discovery", "Failed to register manifest %s: %v", path, err)
		return
	}
	logging.Info("Discovery", "Registered discovered module %s from %s", def.ID, path)
}

func isManifest(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
