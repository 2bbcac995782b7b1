package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, false)
	l.SetOutput(&buf)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN: shown")
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, true)
	l.SetOutput(&buf)

	l.WithField("lane", 1).Info("reset", Fields{"archived_ms": 1500})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "reset", entry.Message)
	assert.EqualValues(t, 1, entry.Fields["lane"])
	assert.EqualValues(t, 1500, entry.Fields["archived_ms"])
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, false)
	parent.SetOutput(&buf)
	_ = parent.WithField("child", true)

	parent.Info("plain")
	assert.False(t, strings.Contains(buf.String(), "child"))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"bogus":   INFO,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("nothing to see")
	assert.Greater(t, int(l.Level()), int(FATAL))
}

func newTestFileLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "display.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	l := &Logger{
		level:  DEBUG,
		sink:   &sink{out: f, logFile: f},
		fields: make(Fields),
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestRotateIfNeeded(t *testing.T) {
	l, path := newTestFileLogger(t)

	require.NoError(t, l.RotateIfNeeded(1<<20))
	backups, _ := filepath.Glob(path + ".*")
	assert.Empty(t, backups, "small file must not rotate")

	l.Info(strings.Repeat("x", 256))
	require.NoError(t, l.RotateIfNeeded(64))

	backups, _ = filepath.Glob(path + ".*")
	require.Len(t, backups, 1)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestStartRotation(t *testing.T) {
	l, path := newTestFileLogger(t)
	l.Info(strings.Repeat("x", 256))

	stop := l.StartRotation(5*time.Millisecond, 64)
	assert.Eventually(t, func() bool {
		backups, _ := filepath.Glob(path + ".*")
		return len(backups) == 1
	}, time.Second, 5*time.Millisecond)
	stop()
	stop()
}

func TestStartRotationDisabled(t *testing.T) {
	l, _ := newTestFileLogger(t)
	stop := l.StartRotation(0, 64)
	stop()
}
