package syncer

import "log/slog"

// LogNotifier routes user-facing messages to a slog logger. Useful for the
// headless server where no richer delivery channel exists.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(level, message string) {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	switch level {
	case "error":
		l.Error(message)
	case "warning":
		l.Warn(message)
	default:
		l.Info(message)
	}
}
