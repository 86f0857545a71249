package zapadapter

import (
	"context"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"testing"
)

func TestLogTagsContext(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewLogger(zap.New(core))

	ctx := NewContextWithIdentity(NewContextWithID(context.Background(), "conn-1"), "alice")
	l.Log(ctx, pgx.LogLevelInfo, "Query", map[string]interface{}{"sql": "select 1"})

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "Query", entries[0].Message)

	fields := entries[0].ContextMap()
	require.Equal(t, "conn-1", fields["request_id"])
	require.Equal(t, "alice", fields["identity"])
	require.Equal(t, "select 1", fields["sql"])
}

func TestLogLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewLogger(zap.New(core))

	l.Log(context.Background(), pgx.LogLevelWarn, "slow", nil)
	l.Log(context.Background(), pgx.LogLevelError, "failed", nil)
	l.Log(context.Background(), pgx.LogLevelTrace, "trace", nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zap.WarnLevel, entries[0].Level)
	require.Equal(t, zap.ErrorLevel, entries[1].Level)
	require.Equal(t, zap.DebugLevel, entries[2].Level)
	require.Contains(t, entries[2].ContextMap(), "PGX_LOG_LEVEL")
}

func TestFieldsEmptyContext(t *testing.T) {
	require.Empty(t, Fields(context.Background()))
}
