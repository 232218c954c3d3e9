package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{SugaredLogger: zap.New(core).Sugar()}, logs
}

func TestWith_ScopesChildOnly(t *testing.T) {
	root, logs := observed(zapcore.DebugLevel)
	child := root.With("component", "set_lifecycle")

	child.Warn("companion missing", "gauge_id", 7)
	root.Info("plain")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]interface{}{"component": "set_lifecycle", "gauge_id": int64(7)}, entries[0].ContextMap())
	assert.Empty(t, entries[1].ContextMap())
}

func TestNew_Modes(t *testing.T) {
	testCases := []struct {
		mode  string
		debug bool
		warn  bool
	}{
		{"development", true, true},
		{"production", false, true},
		{"PROD", false, true},
		{"test", false, true},
	}
	for _, tc := range testCases {
		t.Run(tc.mode, func(t *testing.T) {
			l, err := New(tc.mode)
			require.NoError(t, err)
			core := l.SugaredLogger.Desugar().Core()
			assert.Equal(t, tc.debug, core.Enabled(zapcore.DebugLevel))
			assert.Equal(t, tc.warn, core.Enabled(zapcore.WarnLevel))
		})
	}
}

func TestNop_DiscardsEverything(t *testing.T) {
	l := Nop()
	assert.False(t, l.SugaredLogger.Desugar().Core().Enabled(zapcore.ErrorLevel))
	l.Error("dropped", "k", "v")
	l.Sync()
}
