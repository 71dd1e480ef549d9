// Package kitlog adapts github.com/go-kit/log to the cqlwire Logger interface.
//
// Levels are attached with github.com/go-kit/log/level, so the usual
// level.NewFilter wrappers apply:
//
//	base := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
//	logger := kitlog.New(level.NewFilter(base, level.AllowInfo()))
package kitlog

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arloliu/cqlwire/types"
)

// Logger forwards leveled messages to a go-kit logger.
type Logger struct {
	l log.Logger
}

var _ types.Logger = (*Logger)(nil)

// New wraps l. A nil l yields a no-op logger.
func New(l log.Logger) *Logger {
	if l == nil {
		l = log.NewNopLogger()
	}

	return &Logger{l: l}
}

func (l *Logger) Debug(msg string, keysAndValues ...any) { l.log(level.Debug(l.l), msg, keysAndValues) }
func (l *Logger) Info(msg string, keysAndValues ...any)  { l.log(level.Info(l.l), msg, keysAndValues) }
func (l *Logger) Warn(msg string, keysAndValues ...any)  { l.log(level.Warn(l.l), msg, keysAndValues) }
func (l *Logger) Error(msg string, keysAndValues ...any) { l.log(level.Error(l.l), msg, keysAndValues) }

func (l *Logger) log(to log.Logger, msg string, kv []any) {
	args := make([]any, 0, len(kv)+2)
	args = append(args, "msg", msg)
	args = append(args, kv...)
	_ = to.Log(args...)
}
