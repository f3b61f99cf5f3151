package syncer

import (
	"context"
	"time"

	"github.com/timetab/timetab/prefs"
)

// RunAutoSync refreshes the schedule on a cadence measured from the last
// successful sync, not from process start: a restart does not reset the
// clock. When a refresh is already due at startup, it waits out the grace
// period first. Settings writes wake the loop through the store's change
// notification, so flipping offline mode or auto-sync takes effect at once;
// RecheckEvery bounds the wait for writes made outside this process. A
// failed attempt retries with a doubling backoff capped at the sync
// interval instead of hammering the source. Blocks until ctx is done.
func (c *Coordinator) RunAutoSync(ctx context.Context) {
	settingsCh, unsubscribe := c.kv.Subscribe(prefs.SettingsKey)
	defer unsubscribe()

	timer := time.NewTimer(c.nextSyncDelay(ctx))
	defer timer.Stop()

	var backoff time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-settingsCh:
			resetTimer(timer, c.nextSyncDelay(ctx))
			continue
		case <-timer.C:
		}

		if c.settings.AutoSyncEnabled(ctx) && !c.settings.OfflineMode(ctx) {
			if _, err := c.Fetch(ctx, true); err != nil {
				c.opts.Logger.Warn("auto sync failed", "error", err)
				backoff = c.failureBackoff(backoff)
				timer.Reset(backoff)
				continue
			}
			backoff = 0
		}
		timer.Reset(c.nextSyncDelay(ctx))
	}
}

func (c *Coordinator) nextSyncDelay(ctx context.Context) time.Duration {
	if !c.settings.AutoSyncEnabled(ctx) || c.settings.OfflineMode(ctx) {
		return c.opts.RecheckEvery
	}
	last := c.settings.LastSync(ctx)
	if last.IsZero() {
		return c.opts.StartupGrace
	}
	next := last.Add(c.opts.SyncInterval)
	if delay := next.Sub(c.now()); delay > 0 {
		return delay
	}
	return c.opts.StartupGrace
}

// failureBackoff returns the retry delay after a failed attempt: starts at
// RecheckEvery, doubles each consecutive failure, capped at SyncInterval.
func (c *Coordinator) failureBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return c.opts.RecheckEvery
	}
	next := prev * 2
	if next > c.opts.SyncInterval {
		next = c.opts.SyncInterval
	}
	return next
}

// resetTimer rearms a timer that has not fired in this iteration.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
