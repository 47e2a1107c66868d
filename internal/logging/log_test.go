package logging

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWritesText(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo)
	log.Debug("hidden")
	log.Info("sync.start", "repo", "demo")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "sync.start")
	assert.Contains(t, out, "repo=demo")
}

func TestCapturingHandlerRecordsEntries(t *testing.T) {
	s := newLogSink(2)
	h := &capturingHandler{handler: slog.NewTextHandler(&bytes.Buffer{}, nil), sink: s}
	log := slog.New(h).With("component", "syncer")

	log.Info("first", "elapsed", time.Second)
	log.Info("second")
	log.Warn("third", "n", 3)

	entries := s.entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "third", entries[1].Message)
	assert.Equal(t, "warn", entries[1].Level)
	assert.Equal(t, "syncer", entries[1].Component)
	assert.EqualValues(t, 3, entries[1].Attributes["n"])
}

func TestComponentFromMessage(t *testing.T) {
	entry := buildLogEntry(slog.NewRecord(time.Now(), slog.LevelInfo, "chunker.done", 0), nil)
	assert.Equal(t, "chunker", entry.Component)
}
