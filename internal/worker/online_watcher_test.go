package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type scriptedPinger struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *scriptedPinger) Ping(context.Context, time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.results) == 0 {
		return nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return err
}

func TestOnlineWatcherFiresOnReconnect(t *testing.T) {
	down := errors.New("connection refused")
	p := &scriptedPinger{results: []error{nil, down, down, nil}}

	var fired atomic.Int32
	w := NewOnlineWatcher(p, 5*time.Millisecond, time.Second, func(context.Context) {
		fired.Add(1)
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	assert.EqualValues(t, 1, fired.Load())
	assert.True(t, w.Online())
}

func TestOnlineWatcherStaysQuietWhileOnline(t *testing.T) {
	p := &scriptedPinger{}
	var fired atomic.Int32
	w := NewOnlineWatcher(p, 5*time.Millisecond, time.Second, func(context.Context) {
		fired.Add(1)
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	assert.Zero(t, fired.Load())
	p.mu.Lock()
	assert.Greater(t, p.calls, 1)
	p.mu.Unlock()
}

func TestOnlineWatcherReportsOffline(t *testing.T) {
	p := &scriptedPinger{results: []error{errors.New("down")}}
	w := NewOnlineWatcher(p, time.Hour, time.Second, nil, zaptest.NewLogger(t))

	w.probe(context.Background())
	assert.False(t, w.Online())
	w.probe(context.Background())
	assert.True(t, w.Online())
}
