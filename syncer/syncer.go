// Package syncer orchestrates schedule synchronization against the remote
// sheet source: single-flight fetching, offline mode, a two-tier local
// fallback chain, and the auto-refresh loop.
//
// At most one remote fetch is outstanding at any time; callers arriving
// while one is in flight join its result instead of issuing a second call.
// Within one fetch, parse -> persist -> activate happen strictly in that
// order (the week store's save does all three under its guard). A started
// fetch runs to completion and updates shared state even if every caller
// stops waiting.
//
// On failure the coordinator recovers locally before surfacing anything:
// first from the raw-response cache if it is younger than the validity
// window, then from the week store's current valid record. Only when neither
// exists does the error reach the caller, and previously served data is
// never cleared by a failure.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/timetab/timetab/cache"
	"github.com/timetab/timetab/kvstore"
	"github.com/timetab/timetab/prefs"
	"github.com/timetab/timetab/schedule"
	"github.com/timetab/timetab/sheetparse"
	"github.com/timetab/timetab/weekstore"
)

// Raw-response fallback tier keys. This tier is deliberately independent of
// the cache record's schema version: a version bump invalidates every
// record, and the raw tier is what makes recovery possible afterwards.
const (
	rawCacheKey   = "api-response-cache"
	rawCacheTSKey = "api-cache-timestamp"
)

const flightKey = "fetch"

// ErrNoData is returned when neither the remote source nor any local
// fallback can produce a snapshot.
var ErrNoData = errors.New("syncer: no schedule available")

// Fetcher obtains the raw remote payload. Any error is treated the same,
// regardless of cause.
type Fetcher interface {
	FetchRaw(ctx context.Context) ([]byte, error)
}

// Notifier receives user-facing messages. Level is one of "info",
// "success", "warning", "error". Silent operations never reach it.
type Notifier interface {
	Notify(level, message string)
}

// Options tunes the coordinator.
type Options struct {
	// Lifetime is the validity window for records and the raw tier.
	// Default: cache.DefaultLifetime.
	Lifetime time.Duration
	// StaleAfter is the refresh-recommendation window. Default:
	// cache.DefaultStaleAfter.
	StaleAfter time.Duration
	// SyncInterval is the auto-refresh cadence, measured from the last
	// successful sync. Default: 16h.
	SyncInterval time.Duration
	// StartupGrace delays an already-due auto-refresh at startup so it
	// does not race app initialization. Default: 30s.
	StartupGrace time.Duration
	// RecheckEvery is how often the auto-refresh loop re-evaluates its
	// enablement while auto-sync is off or offline mode is on. Default: 1m.
	RecheckEvery time.Duration
	// SchemaVersion stamps validity checks. Default: cache.SchemaVersion.
	SchemaVersion string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Notifier receives non-silent user-facing messages. Nil discards them.
	Notifier Notifier
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Lifetime <= 0 {
		o.Lifetime = cache.DefaultLifetime
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = cache.DefaultStaleAfter
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 16 * time.Hour
	}
	if o.StartupGrace <= 0 {
		o.StartupGrace = 30 * time.Second
	}
	if o.RecheckEvery <= 0 {
		o.RecheckEvery = time.Minute
	}
	if o.SchemaVersion == "" {
		o.SchemaVersion = cache.SchemaVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State string `json:"state"` // "idle" or "fetching"
	// LastSync is milliseconds since the epoch; zero means never.
	LastSync  int64  `json:"last_sync,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Stale     bool   `json:"stale"`
}

// Coordinator is the sync orchestrator.
type Coordinator struct {
	weeks    *weekstore.Store
	kv       *kvstore.Store
	settings *prefs.Settings
	fetcher  Fetcher
	opts     Options

	flight singleflight.Group

	mu       sync.Mutex
	fetching bool
	lastErr  string
}

// New creates a Coordinator. The coordinator reads the week store and
// writes only through its save/activate operations.
func New(weeks *weekstore.Store, kv *kvstore.Store, settings *prefs.Settings, fetcher Fetcher, opts Options) *Coordinator {
	opts.defaults()
	return &Coordinator{
		weeks:    weeks,
		kv:       kv,
		settings: settings,
		fetcher:  fetcher,
		opts:     opts,
	}
}

// Fetch obtains a fresh snapshot from the remote source, or the best local
// substitute. Concurrent callers join the in-flight operation and share its
// outcome, including its notification mode, which is taken from the caller
// that started it. In offline mode the last known snapshot is returned
// without touching the network.
//
// A caller whose context expires stops waiting, but the operation runs to
// completion and still updates shared state.
func (c *Coordinator) Fetch(ctx context.Context, silent bool) (*schedule.Snapshot, error) {
	if c.settings.OfflineMode(ctx) {
		if rec, err := c.weeks.Record(ctx); err == nil && rec != nil && rec.Data != nil {
			return rec.Data, nil
		}
		return nil, ErrNoData
	}

	ch := c.flight.DoChan(flightKey, func() (any, error) {
		return c.doFetch(context.WithoutCancel(ctx), silent)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*schedule.Snapshot), nil
	}
}

func (c *Coordinator) doFetch(ctx context.Context, silent bool) (*schedule.Snapshot, error) {
	c.setFetching(true)
	defer c.setFetching(false)

	raw, err := c.fetcher.FetchRaw(ctx)
	if err == nil {
		snap, serr := c.saveAndUpdate(ctx, raw, silent, true)
		if serr == nil {
			c.clearError()
			return snap, nil
		}
		if errors.Is(serr, weekstore.ErrBusy) {
			return nil, serr
		}
		err = serr
	}
	c.opts.Logger.Warn("remote fetch failed", "error", err, "silent", silent)

	// Tier one: the raw-response cache, if young enough.
	if raw, ok := c.rawCache(ctx); ok {
		if snap, serr := c.saveAndUpdate(ctx, raw, true, false); serr == nil {
			c.clearError()
			if !silent {
				c.notify("warning", "Could not reach the schedule source; serving the cached response.")
			}
			return snap, nil
		} else {
			c.opts.Logger.Warn("raw cache fallback failed", "error", serr)
		}
	}

	// Tier two: the current valid record.
	now := c.now()
	if rec, rerr := c.weeks.Record(ctx); rerr == nil &&
		cache.IsValid(rec, now, c.opts.SchemaVersion, c.opts.Lifetime) {
		c.clearError()
		if !silent {
			c.notify("warning", fmt.Sprintf("Could not update the schedule: %v. Showing cached data.", err))
		}
		return rec.Data, nil
	}

	c.setError(err)
	if !silent {
		c.notify("error", fmt.Sprintf("Schedule sync failed: %v", err))
	}
	return nil, fmt.Errorf("syncer: fetch: %w", err)
}

// saveAndUpdate runs the success path, strictly in order: decode, extract
// the week label, parse, persist and activate through the week store, then
// refresh the raw tier and the last-sync timestamp.
func (c *Coordinator) saveAndUpdate(ctx context.Context, raw []byte, silent, updateRawTier bool) (*schedule.Snapshot, error) {
	var payload sheetparse.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("syncer: decode payload: %w", err)
	}

	label := WeekLabel(&payload)
	snap, err := sheetparse.Parse(&payload)
	if err != nil {
		return nil, err
	}

	now := c.now()
	sourceName := label
	if sourceName == "" {
		sourceName = fmt.Sprintf("Week-%d", now.UnixMilli())
	}

	entry, err := c.weeks.SaveWeek(ctx, sourceName, label, cache.SourceAPI, snap)
	if err != nil {
		if errors.Is(err, weekstore.ErrBusy) {
			return nil, err
		}
		// Persistence trouble is non-fatal: the parsed snapshot is still
		// the freshest data we have.
		c.opts.Logger.Warn("persist failed, serving unpersisted snapshot", "error", err)
		return snap, nil
	}

	if updateRawTier {
		if err := c.kv.Set(ctx, rawCacheKey, raw); err != nil {
			c.opts.Logger.Warn("raw cache write failed", "error", err)
		} else if err := c.kv.SetJSON(ctx, rawCacheTSKey, now.UnixMilli()); err != nil {
			c.opts.Logger.Warn("raw cache timestamp write failed", "error", err)
		}
	}

	if err := c.settings.UpdateLastSync(ctx, now); err != nil {
		c.opts.Logger.Warn("last sync update failed", "error", err)
	}

	if !silent {
		c.notify("success", fmt.Sprintf("Schedule %q loaded.", entry.Name))
	}
	return snap, nil
}

// rawCache returns the raw-response tier if it exists and is younger than
// the validity window.
func (c *Coordinator) rawCache(ctx context.Context) ([]byte, bool) {
	raw, err := c.kv.Get(ctx, rawCacheKey)
	if err != nil || raw == nil {
		return nil, false
	}
	var ts int64
	ok, err := c.kv.GetJSON(ctx, rawCacheTSKey, &ts)
	if err != nil || !ok || ts == 0 {
		return nil, false
	}
	if c.now().Sub(time.UnixMilli(ts)) > c.opts.Lifetime {
		return nil, false
	}
	return raw, true
}

// WarmStart primes state at boot without touching the network: when the
// primary record is missing or stale but a young raw response exists, the
// raw response is re-processed silently. With a valid, fresh record this is
// a no-op, so a restart right after a sync costs nothing.
func (c *Coordinator) WarmStart(ctx context.Context) {
	now := c.now()
	rec, err := c.weeks.Record(ctx)
	if err == nil && cache.IsValid(rec, now, c.opts.SchemaVersion, c.opts.Lifetime) &&
		!cache.IsStale(rec, now, c.opts.StaleAfter) {
		return
	}
	raw, ok := c.rawCache(ctx)
	if !ok {
		return
	}
	if _, err := c.saveAndUpdate(ctx, raw, true, false); err != nil {
		c.opts.Logger.Warn("warm start from raw cache failed", "error", err)
	}
}

// Status reports the coordinator's current state.
func (c *Coordinator) Status(ctx context.Context) Status {
	c.mu.Lock()
	fetching, lastErr := c.fetching, c.lastErr
	c.mu.Unlock()

	st := Status{State: "idle", LastError: lastErr}
	if fetching {
		st.State = "fetching"
	}
	if last := c.settings.LastSync(ctx); !last.IsZero() {
		st.LastSync = last.UnixMilli()
	}
	if rec, err := c.weeks.Record(ctx); err == nil {
		st.Stale = cache.IsStale(rec, c.now(), c.opts.StaleAfter)
	}
	return st
}

// DismissError clears the retained user-visible error.
func (c *Coordinator) DismissError() {
	c.mu.Lock()
	c.lastErr = ""
	c.mu.Unlock()
}

func (c *Coordinator) setFetching(v bool) {
	c.mu.Lock()
	c.fetching = v
	c.mu.Unlock()
}

func (c *Coordinator) setError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *Coordinator) clearError() {
	c.mu.Lock()
	c.lastErr = ""
	c.mu.Unlock()
}

func (c *Coordinator) notify(level, message string) {
	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(level, message)
	}
}

func (c *Coordinator) now() time.Time {
	if c.opts.Now != nil {
		return c.opts.Now()
	}
	return time.Now()
}
