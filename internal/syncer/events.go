package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// EventKind classifies sync events.
type EventKind string

const (
	EventSyncStarted          EventKind = "SyncStarted"
	EventSyncProgress         EventKind = "SyncProgress"
	EventSyncCompleted        EventKind = "SyncCompleted"
	EventSyncFailed           EventKind = "SyncFailed"
	EventShowSyncNotification EventKind = "ShowSyncNotification"
)

// Level is the severity of an event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is an advisory notification about a sync.
type Event struct {
	Kind       EventKind       `json:"kind"`
	Repository string          `json:"repository"`
	Branch     string          `json:"branch,omitempty"`
	Message    string          `json:"message"`
	Level      Level           `json:"level"`
	Time       time.Time       `json:"time"`
	Progress   *types.Progress `json:"progress,omitempty"`
}

// EventSink receives events. Emit must not block.
type EventSink interface {
	Emit(Event)
}

// FuncSink adapts a function into an EventSink.
type FuncSink func(Event)

// Emit implements EventSink.
func (f FuncSink) Emit(e Event) {
	if f != nil {
		f(e)
	}
}

// NopSink drops every event.
var NopSink EventSink = FuncSink(nil)

// ChannelSink delivers events to a buffered channel, dropping them when it is full.
type ChannelSink chan Event

// Emit implements EventSink.
func (c ChannelSink) Emit(e Event) {
	select {
	case c <- e:
	default:
	}
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements EventSink. Progress events are logged at debug level.
func (s LogSink) Emit(e Event) {
	level := slog.LevelInfo
	switch {
	case e.Kind == EventSyncProgress:
		level = slog.LevelDebug
	case e.Level == LevelWarning:
		level = slog.LevelWarn
	case e.Level == LevelError:
		level = slog.LevelError
	}
	s.Logger.Log(context.Background(), level, "syncer.event",
		slog.String("kind", string(e.Kind)),
		slog.String("repository", e.Repository),
		slog.String("branch", e.Branch),
		slog.String("level", string(e.Level)),
		slog.String("message", e.Message))
}

// MultiSink fans out to several sinks.
type MultiSink []EventSink

// Emit implements EventSink.
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}
