// Package runtime wires every other package together into a running server: the world directory, map instance
// actors, the message hub, the persistence pipeline, and the QUIC gateway, plus the read-only telemetry snapshots
// and graceful shutdown sequence the control-plane API exposes.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	backoffInitialDelay = time.Second
	backoffMaxDelay     = 2 * time.Minute
)

// RunWithBackoff runs fn repeatedly, doubling the retry delay up to a cap each time fn returns a non-nil,
// non-context.Canceled error, the restart-on-crash discipline shared by every long-lived background
// service (gateway accept loop, subscribers, workers).
func RunWithBackoff(ctx context.Context, log zerolog.Logger, name string, fn func(context.Context) error) {
	delay := backoffInitialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > backoffMaxDelay {
				delay = backoffMaxDelay
			}
			continue
		}
		return
	}
}
