package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-queue-worker/internal/config"
)

func TestSchedule_FromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.HealthCheckInterval = time.Minute
	cfg.SessionTTL = 45 * time.Minute

	s := Schedule(cfg)
	require.Equal(t, time.Minute, s.HealthCheck)
	require.Equal(t, 30*time.Minute, s.NoMessagesTimeout)
	require.Equal(t, 10*time.Second, s.ConnectionErrorSleep)
	require.Equal(t, 24*time.Hour, s.Cleanup)
	require.Equal(t, time.Hour, s.MetricsSummary)
	require.Equal(t, 45*time.Minute, s.SessionTTL)
}

func TestRetention_FromConfig(t *testing.T) {
	r := Retention(config.Default())
	require.Equal(t, 7*24*time.Hour, r.Requests)
	require.Equal(t, 30*24*time.Hour, r.Conversations)
	require.Equal(t, 7*24*time.Hour, r.Health)
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	require.True(t, NewLogger("debug").Enabled(ctx, slog.LevelDebug))
	require.False(t, NewLogger("warn").Enabled(ctx, slog.LevelInfo))
	require.True(t, NewLogger("WARN").Enabled(ctx, slog.LevelWarn))
	require.False(t, NewLogger("chatty").Enabled(ctx, slog.LevelDebug), "unknown level falls back to info")
	require.True(t, NewLogger("").Enabled(ctx, slog.LevelInfo))
}
