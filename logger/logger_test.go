package logger

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func withCapturedOutput(t *testing.T) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	SetOutput(zapcore.AddSync(buf))
	t.Cleanup(func() {
		SetOutput(zapcore.Lock(os.Stdout))
		require.NoError(t, SetLogLevel("INFO"))
		ClearTrace()
	})
	return buf
}

func TestSetLogLevel(t *testing.T) {
	withCapturedOutput(t)

	require.NoError(t, SetLogLevel("debug"))
	assert.Equal(t, "DEBUG", GetLogLevel())

	require.NoError(t, SetLogLevel("ERROR"))
	assert.Equal(t, "ERROR", GetLogLevel())

	assert.Error(t, SetLogLevel("verbose"))
	assert.Equal(t, "ERROR", GetLogLevel(), "invalid level must not change state")
}

func TestLevelFiltering(t *testing.T) {
	buf := withCapturedOutput(t)
	require.NoError(t, SetLogLevel("WARN"))

	Debug("hidden %d", 1)
	Info("also hidden")
	Warn("visible warning")
	Error("visible error")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible warning")
	assert.Contains(t, out, "visible error")
}

func TestTraceSubsystemGating(t *testing.T) {
	buf := withCapturedOutput(t)
	require.NoError(t, SetLogLevel("INFO"))

	TraceIf("wal", "quiet")
	assert.NotContains(t, buf.String(), "quiet")

	EnableTrace("wal")
	TraceIf("wal", "loud flush")
	TraceIf("cache", "still quiet")
	out := buf.String()
	assert.Contains(t, out, "loud flush")
	assert.NotContains(t, out, "still quiet")

	assert.ElementsMatch(t, []string{"wal"}, GetTraceSubsystems())

	DisableTrace("wal")
	TraceIf("wal", "quiet again")
	assert.NotContains(t, buf.String(), "quiet again")
}
