package service

import (
	"context"
	"time"

	"github.com/finlit/core-api/internal/logging"
)

// ExpiredPurger deletes revocation records whose tokens can no longer
// verify. repository.TokenRepo implements it.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RunRevocationPurge calls p.PurgeExpired every interval until ctx is done.
func RunRevocationPurge(ctx context.Context, p ExpiredPurger, every time.Duration, logger logging.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := p.PurgeExpired(ctx, now)
			if err != nil {
				logger.Warn(ctx, "purge revoked tokens failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug(ctx, "purged revoked tokens", "rows", n)
			}
		}
	}
}
