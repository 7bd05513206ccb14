// Package zerolog adapts github.com/rs/zerolog to goentitle.Logger.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Logger implements goentitle.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...goentitle.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...goentitle.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...goentitle.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...goentitle.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []goentitle.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			event = event.AnErr(f.Key, v)
		case string:
			event = event.Str(f.Key, v)
		case goentitle.Provider:
			event = event.Str(f.Key, string(v))
		case goentitle.Scope:
			event = event.Str(f.Key, string(v))
		case goentitle.Status:
			event = event.Str(f.Key, string(v))
		case goentitle.AccessTier:
			event = event.Str(f.Key, string(v))
		default:
			event = event.Interface(f.Key, f.Value)
		}
	}
	event.Msg(msg)
}
