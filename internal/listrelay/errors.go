package listrelay

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidStatus  = errors.New("invalid status")
	ErrNoValidSession = errors.New("no valid session")
	ErrCacheExpired   = errors.New("cache entry expired")
	ErrNotImplemented = errors.New("not implemented")
)

// Logger is satisfied by *log.Logger and *logrus.Logger alike. Components
// treat a nil logger as "silent".
type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
