package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// withRetry runs ping until it succeeds, doubling the pause between
// attempts. Containers started together rarely come up in order.
func withRetry(ctx context.Context, log zerolog.Logger, ping func(context.Context) error) error {
	backoff := connectBackoff
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Connection failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
