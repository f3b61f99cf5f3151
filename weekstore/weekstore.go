// Package weekstore manages the bounded multi-week schedule history and the
// primary cache record that mirrors the active week.
//
// The store owns two keys in the underlying key-value store: the week
// collection and the primary cache record. It is the only writer of both;
// other components read them and mutate only through the operations here.
// Because the key-value store has no compare-and-swap, every read-modify-
// write of the collection runs under an operation-in-progress guard:
// overlapping save attempts are rejected with ErrBusy rather than racing.
package weekstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timetab/timetab/cache"
	"github.com/timetab/timetab/kvstore"
	"github.com/timetab/timetab/schedule"
)

// Persisted state keys.
const (
	recordKey = "schedule-cache"
	weeksKey  = "schedule-weeks"
)

// ErrBusy is returned when a save or clear overlaps another in-progress
// operation.
var ErrBusy = errors.New("weekstore: operation already in progress")

// ErrUnknownWeek is returned by SetActiveWeek for a week id not present in
// the collection. Callers may treat it as a no-op condition.
var ErrUnknownWeek = errors.New("weekstore: unknown week id")

// Entry is a named, timestamped, persisted snapshot in the multi-week
// history.
type Entry struct {
	WeekID string `json:"week_id"`
	Name   string `json:"name"`
	// UploadedAt is milliseconds since the epoch.
	UploadedAt int64              `json:"uploaded_at"`
	Snapshot   *schedule.Snapshot `json:"snapshot"`
}

// Collection is the ordered multi-week history plus the active pointer.
type Collection struct {
	ActiveWeekID string  `json:"active_week_id,omitempty"`
	Weeks        []Entry `json:"weeks"`
}

// Options tunes the store.
type Options struct {
	// MaxWeeks bounds the collection; oldest entries beyond the cap are
	// dropped. Default: 10.
	MaxWeeks int
	// SchemaVersion stamps every written cache record. Default:
	// cache.SchemaVersion.
	SchemaVersion string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.MaxWeeks <= 0 {
		o.MaxWeeks = 10
	}
	if o.SchemaVersion == "" {
		o.SchemaVersion = cache.SchemaVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is the multi-week history handle. Safe for concurrent use.
type Store struct {
	kv   *kvstore.Store
	opts Options

	// op serializes read-modify-write cycles on the collection.
	op sync.Mutex
}

// New creates a Store over the given key-value store.
func New(kv *kvstore.Store, opts Options) *Store {
	opts.defaults()
	return &Store{kv: kv, opts: opts}
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// WeekID derives the stable week id for a source name: "week-" plus the
// lowercased name with every non-alphanumeric run collapsed to a hyphen.
// Equal source names always map to equal ids, which is what makes SaveWeek
// idempotent.
func WeekID(sourceName string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(sourceName), "-")
	slug = strings.Trim(slug, "-")
	return "week-" + slug
}

// SaveWeek inserts or replaces the week derived from sourceName. An entry
// with the same week id is replaced in place, never duplicated. The
// collection is re-sorted newest-first and truncated to MaxWeeks, the saved
// week becomes active, and the primary cache record is rewritten to mirror
// it. Returns ErrBusy when another save or clear is in progress.
func (s *Store) SaveWeek(ctx context.Context, sourceName, label, source string, snap *schedule.Snapshot) (Entry, error) {
	if !s.op.TryLock() {
		return Entry{}, ErrBusy
	}
	defer s.op.Unlock()

	display := strings.TrimSpace(label)
	if display == "" {
		display = strings.TrimSpace(sourceName)
	}
	if display == "" {
		display = "Schedule"
	}

	entry := Entry{
		WeekID:     WeekID(sourceName),
		Name:       display,
		UploadedAt: s.opts.Now().UnixMilli(),
		Snapshot:   snap,
	}

	col, err := s.collection(ctx)
	if err != nil {
		return Entry{}, err
	}

	replaced := false
	for i := range col.Weeks {
		if col.Weeks[i].WeekID == entry.WeekID {
			col.Weeks[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		col.Weeks = append(col.Weeks, entry)
	}

	sort.SliceStable(col.Weeks, func(i, j int) bool {
		return col.Weeks[i].UploadedAt > col.Weeks[j].UploadedAt
	})
	if len(col.Weeks) > s.opts.MaxWeeks {
		col.Weeks = col.Weeks[:s.opts.MaxWeeks]
	}
	col.ActiveWeekID = entry.WeekID

	if err := s.kv.SetJSON(ctx, weeksKey, col); err != nil {
		return Entry{}, fmt.Errorf("weekstore: save collection: %w", err)
	}
	if err := s.writeRecord(ctx, entry, source); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// SetActiveWeek retargets the active pointer and mirrors that entry into the
// primary cache record. An unknown week id is reported as ErrUnknownWeek and
// leaves the state untouched.
func (s *Store) SetActiveWeek(ctx context.Context, weekID string) error {
	s.op.Lock()
	defer s.op.Unlock()

	col, err := s.collection(ctx)
	if err != nil {
		return err
	}

	var target *Entry
	for i := range col.Weeks {
		if col.Weeks[i].WeekID == weekID {
			target = &col.Weeks[i]
			break
		}
	}
	if target == nil {
		s.opts.Logger.Warn("activate skipped, week not in collection", "week_id", weekID)
		return ErrUnknownWeek
	}

	col.ActiveWeekID = weekID
	if err := s.kv.SetJSON(ctx, weeksKey, col); err != nil {
		return fmt.Errorf("weekstore: save collection: %w", err)
	}
	return s.writeRecord(ctx, *target, "")
}

// ActiveWeek returns the entry the active pointer references, or nil when
// there is none. A dangling pointer (entry evicted or collection edited
// externally) is repaired to null on read.
func (s *Store) ActiveWeek(ctx context.Context) (*Entry, error) {
	col, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}
	if col.ActiveWeekID == "" {
		return nil, nil
	}
	for i := range col.Weeks {
		if col.Weeks[i].WeekID == col.ActiveWeekID {
			return &col.Weeks[i], nil
		}
	}

	// Dangling pointer: repair to null.
	s.opts.Logger.Warn("active week missing from collection, repairing", "week_id", col.ActiveWeekID)
	col.ActiveWeekID = ""
	if err := s.kv.SetJSON(ctx, weeksKey, col); err != nil {
		s.opts.Logger.Warn("repair write failed", "error", err)
	}
	return nil, nil
}

// Weeks returns the stored history, newest first.
func (s *Store) Weeks(ctx context.Context) ([]Entry, error) {
	col, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}
	return col.Weeks, nil
}

// Record returns the primary cache record, or nil when none is stored.
// Callers decide validity and staleness with the cache package.
func (s *Store) Record(ctx context.Context) (*cache.Record, error) {
	var rec cache.Record
	ok, err := s.kv.GetJSON(ctx, recordKey, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ClearAll resets both the primary record and the week collection, used for
// explicit cache invalidation. Returns ErrBusy when a save is in progress.
func (s *Store) ClearAll(ctx context.Context) error {
	if !s.op.TryLock() {
		return ErrBusy
	}
	defer s.op.Unlock()

	if err := s.kv.Delete(ctx, recordKey); err != nil {
		return err
	}
	return s.kv.Delete(ctx, weeksKey)
}

func (s *Store) collection(ctx context.Context) (Collection, error) {
	var col Collection
	if _, err := s.kv.GetJSON(ctx, weeksKey, &col); err != nil {
		return Collection{}, err
	}
	return col, nil
}

func (s *Store) writeRecord(ctx context.Context, e Entry, source string) error {
	rec := cache.Record{
		Data: e.Snapshot,
		Metadata: cache.Metadata{
			LastUpdated: e.UploadedAt,
			Version:     s.opts.SchemaVersion,
			Source:      source,
			Label:       e.Name,
			Hash:        cache.Hash(e.Snapshot),
		},
	}
	if err := s.kv.SetJSON(ctx, recordKey, rec); err != nil {
		return fmt.Errorf("weekstore: save record: %w", err)
	}
	return nil
}
