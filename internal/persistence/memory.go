package persistence

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryHub is an in-process shared backend; each Attach models one tab.
type MemoryHub struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers map[*memoryWatcher]struct{}
}

type memoryWatcher struct {
	owner string
	ch    chan Change
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		data:     make(map[string]string),
		watchers: make(map[*memoryWatcher]struct{}),
	}
}

// Attach returns a new Area view of the hub.
func (h *MemoryHub) Attach() *MemoryArea {
	return &MemoryArea{hub: h, id: uuid.NewString()}
}

// MemoryArea is one attachment to a MemoryHub.
type MemoryArea struct {
	hub *MemoryHub
	id  string
}

func (a *MemoryArea) ID() string { return a.id }

func (a *MemoryArea) Get(_ context.Context, key string) (string, bool, error) {
	a.hub.mu.RLock()
	defer a.hub.mu.RUnlock()
	v, ok := a.hub.data[key]
	return v, ok, nil
}

func (a *MemoryArea) Set(_ context.Context, key, value string) error {
	a.hub.mu.Lock()
	defer a.hub.mu.Unlock()
	a.hub.data[key] = value

	change := Change{Key: key, Value: value, Origin: a.id}
	for w := range a.hub.watchers {
		if w.owner == a.id {
			continue
		}
		select {
		case w.ch <- change:
		default:
			// slow watcher; storage events are best effort
		}
	}
	return nil
}

func (a *MemoryArea) Watch(ctx context.Context) (<-chan Change, error) {
	w := &memoryWatcher{owner: a.id, ch: make(chan Change, watchBuffer)}

	a.hub.mu.Lock()
	a.hub.watchers[w] = struct{}{}
	a.hub.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.hub.mu.Lock()
		delete(a.hub.watchers, w)
		close(w.ch)
		a.hub.mu.Unlock()
	}()
	return w.ch, nil
}

func (a *MemoryArea) Close() error { return nil }
