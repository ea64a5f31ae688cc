package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileArea stores each key as a file in a directory shared by local processes.
// Changes are picked up through filesystem notifications.
type FileArea struct {
	dir    string
	id     string
	logger *zap.Logger
}

type fileRecord struct {
	Value  string `json:"value"`
	Origin string `json:"origin"`
}

// NewFileArea attaches to dir, creating it when needed.
func NewFileArea(dir string, logger *zap.Logger) (*FileArea, error) {
	if dir == "" {
		return nil, errors.New("file storage requires a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileArea{dir: dir, id: uuid.NewString(), logger: logger.Named("file-storage")}, nil
}

func (a *FileArea) ID() string { return a.id }

const recordExt = ".json"

func (a *FileArea) path(key string) string {
	return filepath.Join(a.dir, url.PathEscape(key)+recordExt)
}

func (a *FileArea) Get(_ context.Context, key string) (string, bool, error) {
	rec, err := a.read(a.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (a *FileArea) read(path string) (fileRecord, error) {
	var rec fileRecord
	raw, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

// Set writes through a temp file and rename so readers never see partial data.
func (a *FileArea) Set(_ context.Context, key, value string) error {
	raw, err := json.Marshal(fileRecord{Value: value, Origin: a.id})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(a.dir, "*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), a.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (a *FileArea) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(a.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", a.dir, err)
	}

	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				name := filepath.Base(ev.Name)
				if !strings.HasSuffix(name, recordExt) {
					continue
				}
				key, err := url.PathUnescape(strings.TrimSuffix(name, recordExt))
				if err != nil {
					continue
				}
				rec, err := a.read(ev.Name)
				if err != nil {
					a.logger.Debug("skipping unreadable change", zap.String("key", key), zap.Error(err))
					continue
				}
				if rec.Origin == a.id {
					continue
				}
				select {
				case out <- Change{Key: key, Value: rec.Value, Origin: rec.Origin}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn("storage watcher error", zap.Error(err))
			}
		}
	}()
	return out, nil
}

func (a *FileArea) Close() error { return nil }
