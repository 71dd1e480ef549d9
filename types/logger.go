package types

// Logger is the structured logger used throughout the driver.
//
// Messages are followed by alternating key/value pairs. The method set
// matches the "w" variants of zap.SugaredLogger; see contrib/logging for
// ready-made adapters.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
