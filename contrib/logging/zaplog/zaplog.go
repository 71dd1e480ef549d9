// Package zaplog adapts go.uber.org/zap to the cqlwire Logger interface.
//
//	z, _ := zap.NewProduction()
//	session, _ := cqlwire.NewSession(ctx, hosts, cqlwire.WithLogger(zaplog.New(z)))
package zaplog

import (
	"go.uber.org/zap"

	"github.com/arloliu/cqlwire/types"
)

// Logger forwards to a zap.SugaredLogger using the key/value variants.
type Logger struct {
	s *zap.SugaredLogger
}

var _ types.Logger = (*Logger)(nil)

// New wraps l. A nil l yields a no-op logger.
func New(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}

	return &Logger{s: l.Sugar()}
}

// NewSugared wraps an existing sugared logger.
func NewSugared(s *zap.SugaredLogger) *Logger {
	return &Logger{s: s}
}

func (l *Logger) Debug(msg string, keysAndValues ...any) { l.s.Debugw(msg, keysAndValues...) }
func (l *Logger) Info(msg string, keysAndValues ...any)  { l.s.Infow(msg, keysAndValues...) }
func (l *Logger) Warn(msg string, keysAndValues ...any)  { l.s.Warnw(msg, keysAndValues...) }
func (l *Logger) Error(msg string, keysAndValues ...any) { l.s.Errorw(msg, keysAndValues...) }
