package history

import (
	"context"
	"sync"
	"time"
)

const defaultRecordTimeout = 5 * time.Second

// Logger is the logging surface used by this package.
// *logging.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Recorder writes every observed switch state to a Repository. It has the
// method set of the relay bridge's state observer.
type Recorder struct {
	repo    Repository
	timeout time.Duration

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRecorder creates a Recorder on repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, timeout: defaultRecordTimeout}
}

// SetLogger sets the logger for record failures.
func (r *Recorder) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// SwitchStateChanged records one state. Failures are logged, never returned.
func (r *Recorder) SwitchStateChanged(key string, state int, origin string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.repo.Record(ctx, key, state, origin); err != nil {
		r.loggerMu.RLock()
		logger := r.logger
		r.loggerMu.RUnlock()
		if logger != nil {
			logger.Error("failed to record switch history",
				"key", key,
				"origin", origin,
				"error", err,
			)
		}
	}
}
