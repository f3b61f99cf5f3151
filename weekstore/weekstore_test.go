package weekstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/timetab/timetab/cache"
	"github.com/timetab/timetab/kvstore"
	"github.com/timetab/timetab/schedule"
)

func snapWithSubject(subject string) *schedule.Snapshot {
	return &schedule.Snapshot{
		Groups: []schedule.Group{{ID: "g1", Name: "G-101", Course: 1, Subgroup: 1}},
		Schedule: map[string]map[string][]schedule.Lesson{
			"g1": {"MONDAY": {{ID: "l1", Subject: subject}}},
		},
	}
}

func newStore(t *testing.T, opts Options) (*Store, *kvstore.Store) {
	t.Helper()
	kv := kvstore.OpenMemory(t)
	return New(kv, opts), kv
}

func TestWeekID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Week of Sep 1", "week-week-of-sep-1"},
		{"schedule_2026.xlsx", "week-schedule-2026-xlsx"},
		{"  Mixed CASE!! ", "week-mixed-case"},
	}
	for _, c := range cases {
		if got := WeekID(c.in); got != c.want {
			t.Errorf("WeekID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestIdempotentSave(t *testing.T) {
	s, _ := newStore(t, Options{})
	ctx := context.Background()

	if _, err := s.SaveWeek(ctx, "Week A", "", cache.SourceAPI, snapWithSubject("first")); err != nil {
		t.Fatal(err)
	}
	second := snapWithSubject("second")
	if _, err := s.SaveWeek(ctx, "Week A", "", cache.SourceAPI, second); err != nil {
		t.Fatal(err)
	}

	weeks, err := s.Weeks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(weeks) != 1 {
		t.Fatalf("expected one entry after re-save, got %d", len(weeks))
	}
	got := weeks[0].Snapshot.Schedule["g1"]["MONDAY"][0].Subject
	if got != "second" {
		t.Fatalf("replace-in-place should keep the second snapshot, got %q", got)
	}
}

func TestEvictionBound(t *testing.T) {
	now := time.Now()
	tick := 0
	s, _ := newStore(t, Options{
		MaxWeeks: 3,
		Now: func() time.Time {
			tick++
			return now.Add(time.Duration(tick) * time.Minute)
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("Week %d", i)
		if _, err := s.SaveWeek(ctx, name, "", cache.SourceAPI, snapWithSubject(name)); err != nil {
			t.Fatal(err)
		}
	}

	weeks, err := s.Weeks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(weeks) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(weeks))
	}
	for i, want := range []string{"week-week-4", "week-week-3", "week-week-2"} {
		if weeks[i].WeekID != want {
			t.Errorf("weeks[%d] = %q, want %q", i, weeks[i].WeekID, want)
		}
	}
	for i := 1; i < len(weeks); i++ {
		if weeks[i-1].UploadedAt < weeks[i].UploadedAt {
			t.Fatal("weeks not sorted descending by upload time")
		}
	}
}

func TestNewestWinsWithCapOne(t *testing.T) {
	base := time.UnixMilli(0)
	stamps := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}
	i := 0
	s, _ := newStore(t, Options{
		MaxWeeks: 1,
		Now: func() time.Time {
			ts := base.Add(stamps[i])
			i++
			return ts
		},
	})
	ctx := context.Background()

	if _, err := s.SaveWeek(ctx, "Week-of-Sep-1", "", cache.SourceAPI, snapWithSubject("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveWeek(ctx, "Week-of-Sep-8", "", cache.SourceAPI, snapWithSubject("b")); err != nil {
		t.Fatal(err)
	}

	weeks, err := s.Weeks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(weeks) != 1 || weeks[0].WeekID != "week-week-of-sep-8" {
		t.Fatalf("expected only week-week-of-sep-8, got %+v", weeks)
	}

	active, err := s.ActiveWeek(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.WeekID != "week-week-of-sep-8" {
		t.Fatalf("active = %+v, want week-week-of-sep-8", active)
	}
}

func TestSaveMirrorsPrimaryRecord(t *testing.T) {
	s, _ := newStore(t, Options{})
	ctx := context.Background()

	snap := snapWithSubject("mirrored")
	if _, err := s.SaveWeek(ctx, "Week A", "Sep 1-6", cache.SourceFile, snap); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Record(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("expected a primary record after save")
	}
	if rec.Metadata.Version != cache.SchemaVersion {
		t.Fatalf("record version = %q", rec.Metadata.Version)
	}
	if rec.Metadata.Source != cache.SourceFile {
		t.Fatalf("record source = %q", rec.Metadata.Source)
	}
	if rec.Metadata.Label != "Sep 1-6" {
		t.Fatalf("record label = %q", rec.Metadata.Label)
	}
	if !cache.IsValid(rec, time.Now(), cache.SchemaVersion, cache.DefaultLifetime) {
		t.Fatal("freshly mirrored record should be valid")
	}
}

func TestSetActiveWeek(t *testing.T) {
	now := time.Now()
	tick := 0
	s, _ := newStore(t, Options{Now: func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Minute)
	}})
	ctx := context.Background()

	if _, err := s.SaveWeek(ctx, "Week A", "", cache.SourceAPI, snapWithSubject("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveWeek(ctx, "Week B", "", cache.SourceAPI, snapWithSubject("b")); err != nil {
		t.Fatal(err)
	}

	if err := s.SetActiveWeek(ctx, "week-week-a"); err != nil {
		t.Fatal(err)
	}
	active, err := s.ActiveWeek(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.WeekID != "week-week-a" {
		t.Fatalf("active = %+v", active)
	}

	// The primary record now mirrors week A.
	rec, err := s.Record(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Data.Schedule["g1"]["MONDAY"][0].Subject != "a" {
		t.Fatal("primary record should mirror the newly activated week")
	}
}

func TestSetActiveWeekUnknown(t *testing.T) {
	s, _ := newStore(t, Options{})
	ctx := context.Background()

	if _, err := s.SaveWeek(ctx, "Week A", "", cache.SourceAPI, snapWithSubject("a")); err != nil {
		t.Fatal(err)
	}
	err := s.SetActiveWeek(ctx, "week-ghost")
	if !errors.Is(err, ErrUnknownWeek) {
		t.Fatalf("err = %v, want ErrUnknownWeek", err)
	}

	active, aerr := s.ActiveWeek(ctx)
	if aerr != nil {
		t.Fatal(aerr)
	}
	if active == nil || active.WeekID != "week-week-a" {
		t.Fatalf("active pointer should be untouched, got %+v", active)
	}
}

func TestDanglingActivePointerRepairedOnRead(t *testing.T) {
	s, kv := newStore(t, Options{})
	ctx := context.Background()

	// Write a collection whose active pointer references nothing.
	col := Collection{ActiveWeekID: "week-gone", Weeks: nil}
	if err := kv.SetJSON(ctx, "schedule-weeks", col); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveWeek(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Fatalf("dangling pointer should read as nil, got %+v", active)
	}

	var repaired Collection
	if _, err := kv.GetJSON(ctx, "schedule-weeks", &repaired); err != nil {
		t.Fatal(err)
	}
	if repaired.ActiveWeekID != "" {
		t.Fatalf("pointer should be repaired to empty, got %q", repaired.ActiveWeekID)
	}
}

func TestClearAll(t *testing.T) {
	s, _ := newStore(t, Options{})
	ctx := context.Background()

	if _, err := s.SaveWeek(ctx, "Week A", "", cache.SourceAPI, snapWithSubject("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}

	weeks, err := s.Weeks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(weeks) != 0 {
		t.Fatalf("expected empty collection, got %d entries", len(weeks))
	}
	rec, err := s.Record(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatal("expected no primary record after clear")
	}
}

func TestConcurrentSavesAreSerializedOrRejected(t *testing.T) {
	s, _ := newStore(t, Options{})
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.SaveWeek(ctx, fmt.Sprintf("Week %d", i), "", cache.SourceAPI, snapWithSubject("x"))
		}(i)
	}
	wg.Wait()

	saved := 0
	for _, err := range errs {
		switch {
		case err == nil:
			saved++
		case errors.Is(err, ErrBusy):
			// Rejected overlap, by contract.
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if saved == 0 {
		t.Fatal("at least one concurrent save must win")
	}

	weeks, err := s.Weeks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(weeks) != saved {
		t.Fatalf("collection has %d entries, %d saves succeeded", len(weeks), saved)
	}
}
