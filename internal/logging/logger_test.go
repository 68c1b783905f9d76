package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitParsesLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		logger, err := Init(lvl, "json")
		require.NoError(t, err, lvl)
		require.NotNil(t, logger)
	}

	_, err := Init("loud", "json")
	assert.Error(t, err)
}

func TestInitConsoleFormat(t *testing.T) {
	logger, err := Init("info", "console")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestSetLevelMovesBothDirections(t *testing.T) {
	_, err := Init("info", "json")
	require.NoError(t, err)
	assert.False(t, L().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, SetLevel("debug"))
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, SetLevel("error"))
	assert.False(t, L().Core().Enabled(zapcore.InfoLevel))

	assert.Error(t, SetLevel("blaring"))
}

func TestNamedScopesComponent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	mu.Lock()
	prev := root
	root = zap.New(core)
	mu.Unlock()
	defer func() {
		mu.Lock()
		root = prev
		mu.Unlock()
	}()

	Named(ComponentSearch).Info("probe")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, ComponentSearch, entries[0].LoggerName)
}

func TestTimerLogsAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	timer := StartTimer(log, "vector_search")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	assert.GreaterOrEqual(t, elapsed, time.Millisecond)
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "operation complete", entries[0].Message)
	assert.Equal(t, "vector_search", entries[0].ContextMap()["op"])
}

func TestTimerNilLoggerIsSafe(t *testing.T) {
	elapsed := StartTimer(nil, "noop").Stop()
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))
}
