package sheetparse

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/timetab/timetab/schedule"
)

// Validation failure reasons.
var (
	ErrEmptyPayload = errors.New("sheetparse: payload has no sheet data")
	ErrNoTimeHeader = errors.New("sheetparse: no time column header found")
	ErrNoWeekdays   = errors.New("sheetparse: no weekday rows found")
	ErrBadUpload    = errors.New("sheetparse: unsupported upload")
)

const (
	// timeHeader marks the row that carries group names. The time column
	// itself is the second column of that row.
	timeHeader = "TIME"

	// validateScanRows bounds the header search during validation.
	validateScanRows = 10
	// headerScanRows bounds the header search during parsing, which is more
	// lenient about leading banner rows.
	headerScanRows = 20

	// MaxUploadBytes is the upload size gate.
	MaxUploadBytes = 10 << 20
)

// CheckUpload gates an upload before any bytes are parsed: only .xlsx/.xls
// files within the size limit are accepted.
func CheckUpload(name string, size int64) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xls":
	default:
		return fmt.Errorf("%w: extension %q", ErrBadUpload, filepath.Ext(name))
	}
	if size > MaxUploadBytes {
		return fmt.Errorf("%w: file exceeds %d bytes", ErrBadUpload, MaxUploadBytes)
	}
	return nil
}

// Validate rejects payloads that are clearly not schedules, before parsing.
// At least one sheet must carry a time-column header in its leading rows and
// at least one recognized weekday row.
func Validate(p *Payload) error {
	if p == nil || len(p.Sheets) == 0 {
		return ErrEmptyPayload
	}

	hasRows := false
	headerFound := false
	for _, sheet := range p.Sheets {
		if len(sheet.Rows) == 0 {
			continue
		}
		hasRows = true
		if !sheetHasTimeHeader(sheet, validateScanRows) {
			continue
		}
		headerFound = true
		if sheetWeekdayRows(sheet) > 0 {
			return nil
		}
	}

	if !hasRows {
		return ErrEmptyPayload
	}
	if !headerFound {
		return ErrNoTimeHeader
	}
	return ErrNoWeekdays
}

func sheetHasTimeHeader(sheet Sheet, scanRows int) bool {
	return findTimeHeader(sheet, scanRows) >= 0
}

// findTimeHeader returns the index of the row whose second cell is the time
// header, or -1.
func findTimeHeader(sheet Sheet, scanRows int) int {
	for i := 0; i < scanRows && i < len(sheet.Rows); i++ {
		row := sheet.Rows[i]
		if len(row) > 1 && strings.EqualFold(strings.TrimSpace(row[1]), timeHeader) {
			return i
		}
	}
	return -1
}

func sheetWeekdayRows(sheet Sheet) int {
	n := 0
	for _, row := range sheet.Rows {
		if len(row) > 0 && schedule.IsDay(row[0]) {
			n++
		}
	}
	return n
}

// UploadName derives the human-readable source name for an uploaded file:
// the base name without its extension, underscores turned into spaces, and
// generic "schedule"/"timetable" tokens dropped.
func UploadName(fileName string) string {
	base := filepath.Base(fileName)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	var parts []string
	for _, part := range strings.Split(base, "_") {
		switch strings.ToLower(part) {
		case "", "schedule", "timetable":
			continue
		}
		parts = append(parts, part)
	}
	name := strings.Join(parts, " ")
	if name == "" {
		return base
	}
	return name
}
