package logging

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGELF struct {
	mu   sync.Mutex
	msgs []*gelf.Message
	err  error
}

func (f *fakeGELF) WriteMessage(m *gelf.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return f.err
}

func TestGELFHandler_Message(t *testing.T) {
	w := &fakeGELF{}
	logger := slog.New(NewGELFHandler(w, slog.LevelInfo))

	logger.With("group", "mygroup1").Warn("fetch failed", "attempt", 2, "ok", false)

	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, "fetch failed", m.Short)
	assert.Empty(t, m.Full)
	assert.Equal(t, int32(4), m.Level)
	assert.Equal(t, "mygroup1", m.Extra["_group"])
	assert.Equal(t, int64(2), m.Extra["_attempt"])
	assert.Equal(t, false, m.Extra["_ok"])
	assert.NotZero(t, m.TimeUnix)
}

func TestGELFHandler_FiltersLevel(t *testing.T) {
	w := &fakeGELF{}
	logger := slog.New(NewGELFHandler(w, slog.LevelWarn))

	logger.Info("ignored")
	logger.Error("kept")

	require.Len(t, w.msgs, 1)
	assert.Equal(t, int32(3), w.msgs[0].Level)
}

func TestGELFHandler_GroupsAndMultiline(t *testing.T) {
	w := &fakeGELF{}
	logger := slog.New(NewGELFHandler(w, slog.LevelDebug))

	logger.WithGroup("sync").Debug("line one\nline two", "ticks", 3, slog.Group("fetch", "ms", 12))

	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, "line one", m.Short)
	assert.Equal(t, "line one\nline two", m.Full)
	assert.Equal(t, int32(7), m.Level)
	assert.Equal(t, int64(3), m.Extra["_sync.ticks"])
	assert.Equal(t, int64(12), m.Extra["_sync.fetch.ms"])
}

func TestGELFHandler_WriteError(t *testing.T) {
	h := NewGELFHandler(&fakeGELF{err: errors.New("udp down")}, slog.LevelInfo)

	multi := NewMultiHandler(h)
	logger := slog.New(multi)

	// the multi handler swallows the error
	logger.Info("still fine")
}

func TestSyslogLevel(t *testing.T) {
	assert.Equal(t, int32(7), syslogLevel(slog.LevelDebug))
	assert.Equal(t, int32(6), syslogLevel(slog.LevelInfo))
	assert.Equal(t, int32(4), syslogLevel(slog.LevelWarn))
	assert.Equal(t, int32(3), syslogLevel(slog.LevelError))
}
