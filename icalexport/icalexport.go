// Package icalexport renders one group's week of lessons as an iCalendar
// document, suitable for import into any calendar client.
package icalexport

import (
	"errors"
	"fmt"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/timetab/timetab/schedule"
)

// ErrUnknownGroup is returned when the snapshot has no such group.
var ErrUnknownGroup = errors.New("icalexport: unknown group id")

// WeekStart returns the Monday 00:00 of the week containing now, in now's
// location.
func WeekStart(now time.Time) time.Time {
	offset := (int(now.Weekday()) + 6) % 7
	day := now.AddDate(0, 0, -offset)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, now.Location())
}

// Calendar renders the group's lessons for the week starting at weekStart
// (a Monday). Lessons with unparseable time slots are skipped rather than
// failing the whole export.
func Calendar(snap *schedule.Snapshot, groupID string, weekStart time.Time) (string, error) {
	group, ok := snap.GroupByID(groupID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//timetab//schedule//EN")
	cal.SetXWRCalName(group.Name)

	for dayIdx, day := range schedule.Days {
		date := weekStart.AddDate(0, 0, dayIdx)
		for i, lesson := range snap.Lessons(groupID, day) {
			start, ok := slotTime(date, lesson.TimeSlot.Start)
			if !ok {
				continue
			}
			end, ok := slotTime(date, lesson.TimeSlot.End)
			if !ok {
				continue
			}

			ev := cal.AddEvent(fmt.Sprintf("%s-%s-%d@timetab", groupID, day, i))
			ev.SetDtStampTime(time.Now().UTC())
			ev.SetStartAt(start)
			ev.SetEndAt(end)
			ev.SetSummary(lesson.Subject)
			if lesson.Room != "" {
				ev.SetLocation(lesson.Room)
			}
			if lesson.Teacher != "" {
				ev.SetDescription(lesson.Teacher)
			}
		}
	}
	return cal.Serialize(), nil
}

// slotTime combines a date with an "HH:MM" slot boundary.
func slotTime(date time.Time, hhmm string) (time.Time, bool) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location()), true
}
