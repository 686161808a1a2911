package negotiate

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const minRenewRetry = time.Second

// KeepFresh renegotiates lead before the session expires and passes each new
// session to apply. Failed renewals are retried after lead/2. It returns
// when ctx is done.
func KeepFresh(ctx context.Context, c Client, s *Session, role, event string, lead time.Duration,
	apply func(context.Context, *Session) error, logger *zap.Logger) {
	retry := max(lead/2, minRenewRetry)
	wait := max(time.Until(s.ExpiresAt)-lead, 0)

	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := c.Negotiate(ctx, role, event)
		if err != nil {
			logger.Warn("token renewal failed", zap.Error(err), zap.Duration("retryIn", retry))
			wait = retry
			continue
		}
		if err := apply(ctx, next); err != nil {
			logger.Warn("applying renewed token failed", zap.Error(err))
		}
		logger.Info("token renewed", zap.Time("expiresAt", next.ExpiresAt))
		wait = max(time.Until(next.ExpiresAt)-lead, 0)
	}
}
