package relay

// Logger interface for optional logging.
// *logging.Logger and *slog.Logger both satisfy it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// logWith returns l, or a logger that discards everything when l is nil.
func logWith(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
