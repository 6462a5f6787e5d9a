package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
	"gitlab.diskarte.net/engineering/redis-mirror/logfield"
)

// scan calls the source scanner, retrying connection errors with
// exponential backoff. The cursor is never advanced by a failed call.
func (e *Engine) scan(ctx context.Context, cursor schema.Cursor) ([]schema.Handle, schema.Cursor, error) {
	backoff := e.opts.Backoff
	for attempt := 0; ; attempt++ {
		handles, next, err := e.src.Scan(ctx, cursor, e.opts.Pattern, e.opts.BatchSize)
		if err == nil {
			return handles, next, nil
		}
		if !schema.IsConnection(err) || attempt >= e.opts.Retries {
			return nil, cursor, err
		}

		e.log.WithFields(logrus.Fields{
			logfield.Event:       "SCAN-RETRY",
			logfield.Cursor:      cursor,
			logfield.ErrorReason: err.Error(),
		}).Warnf("scan failed, retry %d/%d in %s", attempt+1, e.opts.Retries, backoff)
		if e.opts.Observer != nil {
			e.opts.Observer.ObserveRetry(opSync)
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, cursor, ctx.Err()
		case <-t.C:
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
