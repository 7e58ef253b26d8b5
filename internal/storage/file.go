package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"modkit/pkg/logging"
)

// FileStore persists namespaced entries as files under a base directory.
// Keyed values become one file per key; append-only logs become one YAML
// stream file per namespace.
type FileStore struct {
	mu       sync.RWMutex
	basePath string
}

// NewFileStore creates a file-backed store rooted at basePath.
func NewFileStore(basePath string) *FileStore {
	return &FileStore{basePath: basePath}
}

// Get returns the value for key, or found=false when absent.
func (fs *FileStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	path, err := fs.entryPath(namespace, key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, true, nil
}

// Put stores value under key. Writes go through a temp file + rename so a
// reader never observes a partial value.
func (fs *FileStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path, err := fs.entryPath(namespace, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", path, err)
	}

	logging.Debug("Storage", "Saved %s/%s to %s", namespace, key, path)
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (fs *FileStore) Delete(ctx context.Context, namespace, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path, err := fs.entryPath(namespace, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// List returns all keys in the namespace with the given prefix, sorted.
func (fs *FileStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dir := filepath.Join(fs.basePath, sanitizeComponent(namespace))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".tmp") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		key := decodeComponent(strings.TrimSuffix(name, ".yaml"))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// AppendLog appends an entry to the namespace's log file as one YAML
// document per entry.
func (fs *FileStore) AppendLog(ctx context.Context, namespace string, entry []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.logPath(namespace)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer f.Close()

	record := logRecord{Entry: string(entry)}
	data, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	if _, err := f.Write(append([]byte("---\n"), data...)); err != nil {
		return fmt.Errorf("failed to append log entry to %s: %w", path, err)
	}
	return nil
}

// ReadLog returns all entries of the named log in append order.
func (fs *FileStore) ReadLog(ctx context.Context, namespace string) ([][]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	path := fs.logPath(namespace)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer f.Close()

	var entries [][]byte
	decoder := yaml.NewDecoder(f)
	for {
		var record logRecord
		if err := decoder.Decode(&record); err != nil {
			break
		}
		entries = append(entries, []byte(record.Entry))
	}
	return entries, nil
}

type logRecord struct {
	Entry string `yaml:"entry"`
}

func (fs *FileStore) entryPath(namespace, key string) (string, error) {
	if namespace == "" {
		return "", fmt.Errorf("namespace cannot be empty")
	}
	if key == "" {
		return "", fmt.Errorf("key cannot be empty")
	}
	return filepath.Join(fs.basePath, sanitizeComponent(namespace), sanitizeComponent(key)+".yaml"), nil
}

func (fs *FileStore) logPath(namespace string) string {
	return filepath.Join(fs.basePath, sanitizeComponent(namespace), "_log.yamls")
}

// sanitizeComponent makes a key safe to use as a filename. Path
// separators and other unsafe characters are percent-escaped so that
// decodeComponent can restore the original key.
func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%02x", r)
		}
	}
	return b.String()
}

func decodeComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			var r rune
			if _, err := fmt.Sscanf(s[i+1:i+3], "%02x", &r); err == nil {
				b.WriteRune(r)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
