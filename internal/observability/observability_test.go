package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/spec-kit/inspect-session/internal/config"
)

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger(config.LoggerConfig{Level: "chatty"})
	require.NoError(t, err)

	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLoggerHonoursDebug(t *testing.T) {
	logger, err := NewLogger(config.LoggerConfig{Level: "DEBUG"})
	require.NoError(t, err)

	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRequest("/refresh", 200, 15*time.Millisecond)
	m.RecordRequest("/refresh", 200, 20*time.Millisecond)
	m.RecordRequest("/refresh", 401, 5*time.Millisecond)
	m.RecordAttemptFailure("/refresh")
	m.RecordRefresh("READY")
	m.RecordLockContention("tokenRefreshLock")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/refresh", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/refresh", "401")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attemptFailures.WithLabelValues("/refresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("READY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockContention.WithLabelValues("tokenRefreshLock")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("/login", 200, time.Millisecond)
		m.RecordAttemptFailure("/login")
		m.RecordRefresh("ERROR")
		m.RecordLockContention("k")
	})
}
