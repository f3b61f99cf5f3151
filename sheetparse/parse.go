package sheetparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/timetab/timetab/schedule"
)

// Parse validates the payload and converts it into a normalized snapshot.
//
// Per sheet: the course and subgroup come from the sheet name; group names
// sit on the time-header row, one group per pair of columns (subject column
// plus room column); weekday marker rows open a day section; every row with
// a parseable time slot contributes one lesson per group whose subject cell
// is non-empty. Sheets whose name does not look like a course are skipped.
func Parse(p *Payload) (*schedule.Snapshot, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	snap := &schedule.Snapshot{
		Schedule: make(map[string]map[string][]schedule.Lesson),
	}

	for _, sheet := range p.Sheets {
		course, subgroup, ok := parseCourseInfo(sheet.Name)
		if !ok {
			continue
		}

		headerRow := findTimeHeader(sheet, headerScanRows)
		if headerRow < 0 {
			continue
		}

		// Groups: every second column after the time column.
		var groups []schedule.Group
		header := sheet.Rows[headerRow]
		for col := 2; col < len(header); col += 2 {
			name := strings.TrimSpace(header[col])
			if name == "" {
				continue
			}
			g := schedule.Group{
				ID:       uuid.NewString(),
				Name:     name,
				Course:   course,
				Subgroup: subgroup,
			}
			groups = append(groups, g)
			snap.Groups = append(snap.Groups, g)
			snap.Schedule[g.ID] = make(map[string][]schedule.Lesson)
		}

		currentDay := ""
		for _, row := range sheet.Rows[headerRow+1:] {
			if len(row) == 0 {
				continue
			}
			if schedule.IsDay(row[0]) {
				currentDay = strings.ToUpper(strings.TrimSpace(row[0]))
			}
			if currentDay == "" || len(row) < 2 {
				continue
			}

			slot, formatted, ok := parseTimeSlot(row[1])
			if !ok {
				continue
			}

			for i, g := range groups {
				subjectCol := 2 + i*2
				if subjectCol >= len(row) {
					break
				}
				subjectCell := strings.TrimSpace(row[subjectCol])
				if subjectCell == "" {
					continue
				}
				room := ""
				if subjectCol+1 < len(row) {
					room = strings.TrimSpace(row[subjectCol+1])
				}
				subject, teacher := splitSubjectTeacher(subjectCell)
				snap.Schedule[g.ID][currentDay] = append(snap.Schedule[g.ID][currentDay], schedule.Lesson{
					ID:       uuid.NewString(),
					Subject:  subject,
					Teacher:  teacher,
					Room:     room,
					Time:     formatted,
					TimeSlot: slot,
					Kind:     detectKind(subject),
				})
			}
		}
	}

	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("sheetparse: parsed snapshot: %w", err)
	}
	return snap, nil
}

var (
	courseSubgroupRe = regexp.MustCompile(`(?i)(\d+)\s*course\s*\((\d+)\)`)
	courseRe         = regexp.MustCompile(`(?i)(\d+)\s*course`)
	trailingSubRe    = regexp.MustCompile(`\((\d+)\)\s*$`)
	leadingNumRe     = regexp.MustCompile(`^\s*(\d+)`)
)

// parseCourseInfo extracts the course number and subgroup from a sheet name
// such as "2 course (1)", "3 course", or a bare leading number.
func parseCourseInfo(sheetName string) (course, subgroup int, ok bool) {
	if m := courseSubgroupRe.FindStringSubmatch(sheetName); m != nil {
		return atoi(m[1]), atoi(m[2]), true
	}
	if m := courseRe.FindStringSubmatch(sheetName); m != nil {
		sub := 1
		if sm := trailingSubRe.FindStringSubmatch(sheetName); sm != nil {
			sub = atoi(sm[1])
		}
		return atoi(m[1]), sub, true
	}
	if m := leadingNumRe.FindStringSubmatch(sheetName); m != nil {
		return atoi(m[1]), 1, true
	}
	return 0, 0, false
}

var (
	dashRe     = regexp.MustCompile(`[-–—]`)
	spaceRe    = regexp.MustCompile(`\s+`)
	timeSlotRe = regexp.MustCompile(`^(\d{1,2})(?::(\d{1,2}))?-(\d{1,2})(?::(\d{1,2}))?$`)
)

// parseTimeSlot parses a "start-end" cell like "8:30-9:50" or "8 30 - 9 50"
// into a normalized slot plus its "HH:MM-HH:MM" display form.
func parseTimeSlot(cell string) (schedule.TimeSlot, string, bool) {
	normalized := spaceRe.ReplaceAllString(strings.TrimSpace(cell), " ")
	normalized = dashRe.ReplaceAllString(normalized, "-")
	normalized = regexp.MustCompile(`\s*-\s*`).ReplaceAllString(normalized, "-")
	normalized = strings.ReplaceAll(normalized, " ", ":")

	m := timeSlotRe.FindStringSubmatch(normalized)
	if m == nil {
		return schedule.TimeSlot{}, "", false
	}

	sh, sm, eh, em := atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4])
	if sh > 23 || eh > 23 || sm > 59 || em > 59 {
		return schedule.TimeSlot{}, "", false
	}

	slot := schedule.TimeSlot{
		Start: fmt.Sprintf("%02d:%02d", sh, sm),
		End:   fmt.Sprintf("%02d:%02d", eh, em),
	}
	return slot, slot.Start + "-" + slot.End, true
}

// splitSubjectTeacher splits "Subject / Teacher" cells; everything after the
// first slash is the teacher.
func splitSubjectTeacher(cell string) (subject, teacher string) {
	parts := strings.Split(cell, "/")
	if len(parts) < 2 {
		return strings.TrimSpace(cell), ""
	}
	subject = strings.TrimSpace(parts[0])
	teacher = spaceRe.ReplaceAllString(strings.TrimSpace(strings.Join(parts[1:], "/")), " ")
	return subject, teacher
}

var (
	practiceKeywords = []string{"practice", "pract.", "physical education", "workshop", "studio"}
	labKeywords      = []string{"lab", "laboratory", "computer science", "modelling", "design project"}
	lectureKeywords  = []string{"lecture", "lec."}
)

// detectKind classifies a lesson from keywords in its subject. Subjects
// without a recognizable marker default to lectures.
func detectKind(subject string) schedule.Kind {
	lower := strings.ToLower(subject)
	for _, kw := range practiceKeywords {
		if strings.Contains(lower, kw) {
			return schedule.KindPractice
		}
	}
	for _, kw := range labKeywords {
		if strings.Contains(lower, kw) {
			return schedule.KindLab
		}
	}
	for _, kw := range lectureKeywords {
		if strings.Contains(lower, kw) {
			return schedule.KindLecture
		}
	}
	return schedule.KindLecture
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
