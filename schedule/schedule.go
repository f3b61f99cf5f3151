// Package schedule defines the normalized timetable model shared by the
// cache, store, and parser layers.
//
// A Snapshot is one fully parsed schedule for one time period: the groups it
// covers plus, per group and per teaching day, an ordered list of lessons.
// Snapshots are treated as immutable values once built.
package schedule

import (
	"fmt"
	"strings"
)

// Kind classifies a lesson.
type Kind string

const (
	KindLecture  Kind = "LECTURE"
	KindPractice Kind = "PRACTICE"
	KindLab      Kind = "LAB"
	KindOther    Kind = "OTHER"
)

// Days is the fixed six-day teaching week, in display order.
var Days = []string{
	"MONDAY",
	"TUESDAY",
	"WEDNESDAY",
	"THURSDAY",
	"FRIDAY",
	"SATURDAY",
}

// IsDay reports whether name (case-insensitive) is one of the six teaching
// days.
func IsDay(name string) bool {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, d := range Days {
		if d == upper {
			return true
		}
	}
	return false
}

// TimeSlot is a lesson's start and end in "HH:MM" form.
type TimeSlot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Lesson is a single scheduled class.
type Lesson struct {
	ID       string   `json:"id"`
	Subject  string   `json:"subject"`
	Teacher  string   `json:"teacher,omitempty"`
	Room     string   `json:"room,omitempty"`
	Time     string   `json:"time"`
	TimeSlot TimeSlot `json:"time_slot"`
	Kind     Kind     `json:"kind"`
}

// Group is a student group. ID is opaque and stable within one snapshot
// only; it is not comparable across snapshots.
type Group struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Course   int    `json:"course"`
	Subgroup int    `json:"subgroup"`
}

// Snapshot is the normalized schedule: groups plus a groupID -> day ->
// lessons mapping.
type Snapshot struct {
	Groups   []Group                        `json:"groups"`
	Schedule map[string]map[string][]Lesson `json:"schedule"`
}

// GroupByID returns the group with the given id.
func (s *Snapshot) GroupByID(id string) (Group, bool) {
	for _, g := range s.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}

// Lessons returns the ordered lessons for one group on one day. A missing
// group or day yields an empty slice.
func (s *Snapshot) Lessons(groupID, day string) []Lesson {
	days, ok := s.Schedule[groupID]
	if !ok {
		return nil
	}
	return days[strings.ToUpper(day)]
}

// Validate checks the structural invariants: every schedule key must have a
// corresponding groups entry, and every day key must belong to the fixed
// six-day set.
func (s *Snapshot) Validate() error {
	ids := make(map[string]bool, len(s.Groups))
	for _, g := range s.Groups {
		ids[g.ID] = true
	}
	for groupID, days := range s.Schedule {
		if !ids[groupID] {
			return fmt.Errorf("schedule: group %q has lessons but no groups entry", groupID)
		}
		for day := range days {
			if !IsDay(day) {
				return fmt.Errorf("schedule: group %q has unknown day %q", groupID, day)
			}
		}
	}
	return nil
}
