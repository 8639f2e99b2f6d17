package cbterrors

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrorGroupWrapper embeds errgroup.Group and additionally recovers panics
// in goroutines it launches, turning them into a returned error instead of
// crashing the process. Used anywhere the engine fans out across the three
// worker pools and needs to join on shutdown.
type ErrorGroupWrapper struct {
	*errgroup.Group
	logger      logrus.FieldLogger
	ReturnError error
}

// NewErrorGroupWrapper builds a wrapper that logs recovered panics through
// logger, which may be nil to discard them.
func NewErrorGroupWrapper(logger logrus.FieldLogger) *ErrorGroupWrapper {
	return &ErrorGroupWrapper{
		Group:  new(errgroup.Group),
		logger: logger,
	}
}

// Go runs f in a new goroutine, recovering any panic and recording it as
// ReturnError rather than propagating it up the call stack.
func (egw *ErrorGroupWrapper) Go(f func() error) {
	egw.Group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				if egw.logger != nil {
					egw.logger.WithField("action", "cbt_worker_panic").
						WithField("panic", r).
						Error(string(debug.Stack()))
				}
				egw.ReturnError = fmt.Errorf("panic in worker goroutine: %v", r)
			}
		}()
		return f()
	})
}

// Wait blocks until every goroutine started with Go has returned, then
// returns the first error a goroutine returned; only when none returned one
// does it return the recorded panic error (nil if nothing panicked).
func (egw *ErrorGroupWrapper) Wait() error {
	if err := egw.Group.Wait(); err != nil {
		return err
	}
	return egw.ReturnError
}
