// Package worker runs background loops that feed the session.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger probes whether the API origin is reachable.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// OnlineWatcher polls connectivity and calls OnOnline when the API becomes
// reachable again after a failed probe.
type OnlineWatcher struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	onOnline func(context.Context)
	logger   *zap.Logger

	mu     sync.Mutex
	online bool
}

// NewOnlineWatcher builds a watcher that starts out assuming it is online.
func NewOnlineWatcher(p Pinger, interval, timeout time.Duration, onOnline func(context.Context), logger *zap.Logger) *OnlineWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OnlineWatcher{
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		onOnline: onOnline,
		logger:   logger.Named("online-watcher"),
		online:   true,
	}
}

// Online reports the result of the last probe.
func (w *OnlineWatcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Run probes every interval until ctx is done.
func (w *OnlineWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *OnlineWatcher) probe(ctx context.Context) {
	err := w.pinger.Ping(ctx, w.timeout)
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	was := w.online
	w.online = err == nil
	w.mu.Unlock()

	switch {
	case was && err != nil:
		w.logger.Warn("switched to offline mode", zap.Error(err))
	case !was && err == nil:
		w.logger.Info("switched to online mode")
		if w.onOnline != nil {
			w.onOnline(ctx)
		}
	}
}
