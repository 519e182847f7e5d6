package physical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"

	"github.com/stephnangue/custodian/logger"
)

// FileBackend is a durable storage backend on the local filesystem.
// Each entry lives in its own file named "_<key>" under a directory
// tree mirroring the key's path segments. Suitable for single node
// deployments.
type FileBackend struct {
	sync.RWMutex
	path   string
	logger logger.Logger
}

type fileEntry struct {
	Value []byte `json:"value"`
}

// NewFileBackend constructs a file backend rooted at config["path"].
func NewFileBackend(config map[string]string, log logger.Logger) (sdklogical.Storage, error) {
	path, ok := config["path"]
	if !ok || path == "" {
		return nil, errors.New("file backend requires a 'path' setting")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", path, err)
	}
	return &FileBackend{
		path:   path,
		logger: log,
	}, nil
}

func (b *FileBackend) validatePath(key string) error {
	switch {
	case strings.Contains(key, ".."):
		return errors.New("path cannot reference parents")
	case strings.HasPrefix(key, "/"):
		return errors.New("path cannot be absolute")
	}
	return nil
}

// expandPath splits a key into the directory holding it and the file
// name inside that directory.
func (b *FileBackend) expandPath(key string) (string, string) {
	path := filepath.Join(b.path, key)
	name := "_" + filepath.Base(path)
	return filepath.Dir(path), name
}

func (b *FileBackend) Get(ctx context.Context, key string) (*sdklogical.StorageEntry, error) {
	if err := b.validatePath(key); err != nil {
		return nil, err
	}

	b.RLock()
	defer b.RUnlock()

	dir, name := b.expandPath(key)
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %q: %w", key, err)
	}

	var entry fileEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", key, err)
	}

	return &sdklogical.StorageEntry{
		Key:   key,
		Value: entry.Value,
	}, nil
}

func (b *FileBackend) Put(ctx context.Context, entry *sdklogical.StorageEntry) error {
	if err := b.validatePath(entry.Key); err != nil {
		return err
	}

	b.Lock()
	defer b.Unlock()

	dir, name := b.expandPath(entry.Key)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %q: %w", dir, err)
	}

	raw, err := json.Marshal(fileEntry{Value: entry.Value})
	if err != nil {
		return fmt.Errorf("encoding %q: %w", entry.Key, err)
	}

	// Write to a temp file then rename so readers never observe a
	// partially written entry.
	target := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %q: %w", entry.Key, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %q: %w", entry.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing %q: %w", entry.Key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming %q: %w", entry.Key, err)
	}
	return nil
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := b.validatePath(key); err != nil {
		return err
	}

	b.Lock()
	defer b.Unlock()

	dir, name := b.expandPath(key)
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %w", key, err)
	}

	// Prune directories left empty so listings stay clean.
	b.cleanupLogicalPath(key)
	return nil
}

// cleanupLogicalPath removes empty parent directories of the deleted
// key, walking upward until a non-empty directory is hit.
func (b *FileBackend) cleanupLogicalPath(path string) {
	nodes := strings.Split(filepath.Clean(path), "/")
	for i := len(nodes) - 1; i > 0; i-- {
		fullPath := filepath.Join(b.path, filepath.Join(nodes[:i]...))

		dir, err := os.Open(fullPath)
		if err != nil {
			return
		}
		list, err := dir.Readdir(1)
		dir.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return
		}
		if len(list) > 0 {
			return
		}
		os.Remove(fullPath)
	}
}

func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := b.validatePath(prefix); err != nil {
		return nil, err
	}

	b.RLock()
	defer b.RUnlock()

	path := b.path
	if prefix != "" {
		path = filepath.Join(path, prefix)
	}

	dir, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %q: %w", prefix, err)
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", prefix, err)
	}

	keys := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, "_") {
			keys = append(keys, name[1:])
		} else {
			keys = append(keys, name+"/")
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ListPage lists the keys under prefix that sort after the given
// marker, returning at most limit entries. A non-positive limit means
// no cap.
func (b *FileBackend) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if after != "" && key <= after {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, key)
	}
	return out, nil
}
