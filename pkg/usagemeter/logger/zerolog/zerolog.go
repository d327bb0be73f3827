// Package zerolog adapts github.com/rs/zerolog to usagemeter.Logger.
package zerolog

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// Logger implements usagemeter.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// With returns a copy of the adapter whose events carry the component name
func (l *Logger) With(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

func (l *Logger) Debug(msg string, fields ...usagemeter.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...usagemeter.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...usagemeter.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...usagemeter.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []usagemeter.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			event = event.AnErr(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		case *time.Time:
			if v == nil {
				event = event.Interface(f.Key, nil)
			} else {
				event = event.Time(f.Key, *v)
			}
		case time.Duration:
			event = event.Dur(f.Key, v)
		case usagemeter.LimitType:
			event = event.Str(f.Key, string(v))
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
