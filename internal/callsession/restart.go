package callsession

import (
	"context"
	"time"

	"github.com/voicecore/callcore/pkg/callerr"
)

const (
	maxStageRestarts  = 3
	restartWindow     = 30 * time.Second
	restartBackoffMin = 100 * time.Millisecond
)

// runSupervised runs fn in a loop, restarting it on retryable [callerr.Error]
// failures within a bounded rolling window. It returns nil if fn ever returns
// nil (graceful stop, typically ctx cancellation), and returns the triggering
// error once fn's failure is fatal or the restart budget within restartWindow
// is exhausted.
//
// onRestart is called once per restart, after the failed attempt and before
// the next one starts, so the caller can emit a StageRestarted event.
func runSupervised(ctx context.Context, fn func(ctx context.Context) error, onRestart func(cause error)) error {
	var restarts []time.Time

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ce, ok := callerr.As(err)
		if !ok || !ce.Kind.Retryable() {
			return err
		}

		now := time.Now()
		restarts = trimRestarts(restarts, now)
		if len(restarts) >= maxStageRestarts {
			return err
		}
		restarts = append(restarts, now)

		if onRestart != nil {
			onRestart(err)
		}

		select {
		case <-time.After(restartBackoffMin):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func trimRestarts(restarts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-restartWindow)
	i := 0
	for i < len(restarts) && restarts[i].Before(cutoff) {
		i++
	}
	return restarts[i:]
}
