package utils

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"go.viam.com/starfield/logging"
)

// SlowLogger warns with msg every few seconds until the returned function is called or ctx is
// done. The first warning comes after 2s, the second 3s later and every following one 5s apart.
func SlowLogger(
	ctx context.Context,
	clk clock.Clock,
	msg string,
	logger logging.Logger,
	keysAndValues ...interface{},
) func() {
	start := clk.Now()
	slowTicker := clk.Ticker(2 * time.Second)
	workers := NewStoppableWorkers(func(workerCtx context.Context) {
		defer slowTicker.Stop()
		firstTick := true
		for {
			select {
			case <-slowTicker.C:
				elapsed := clk.Since(start).Round(time.Second).String()
				if firstTick {
					slowTicker.Reset(3 * time.Second)
					firstTick = false
				} else {
					slowTicker.Reset(5 * time.Second)
				}
				logger.Warnw(msg, append(keysAndValues, "time_elapsed", elapsed)...)
			case <-workerCtx.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	})
	return workers.Stop
}
