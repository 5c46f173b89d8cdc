package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/austindbirch/harbor_mail/internal/logging"
)

// Purger is implemented by *Store
type Purger interface {
	PurgeExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

// SchedulePurge registers a job on c that removes records older than ttl.
// spec accepts the standard five field format plus descriptors like "@every 1h".
func SchedulePurge(c *cron.Cron, spec string, p Purger, ttl time.Duration, log *logging.Logger) (cron.EntryID, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("idempotency ttl must be positive, got %s", ttl)
	}
	id, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := p.PurgeExpired(ctx, ttl)
		if err != nil {
			log.WithContext(ctx).WithError(err).Error("idempotency purge failed")
			return
		}
		log.WithContext(ctx).WithFields(map[string]any{"deleted": n, "ttl": ttl.String()}).Info("idempotency records purged")
	})
	if err != nil {
		return 0, fmt.Errorf("schedule idempotency purge %q: %w", spec, err)
	}
	return id, nil
}
