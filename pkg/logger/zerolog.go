package logger

import "github.com/rs/zerolog"

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerolog wraps a zerolog.Logger in a Logger, for applications already
// built on zerolog.
func NewZerolog(l zerolog.Logger) Logger {
	return &zerologLogger{logger: l}
}

func (l *zerologLogger) Error(msg string, args ...any) { l.emit(l.logger.Error(), msg, args) }
func (l *zerologLogger) Warn(msg string, args ...any)  { l.emit(l.logger.Warn(), msg, args) }
func (l *zerologLogger) Info(msg string, args ...any)  { l.emit(l.logger.Info(), msg, args) }
func (l *zerologLogger) Debug(msg string, args ...any) { l.emit(l.logger.Debug(), msg, args) }

func (l *zerologLogger) emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}
