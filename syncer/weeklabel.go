package syncer

import (
	"regexp"
	"strings"

	"github.com/timetab/timetab/sheetparse"
)

// Week labels live in a banner row near the top of the first sheet,
// e.g. "1 - 6 SEPTEMBER" or "29 SEPTEMBER - 4 OCTOBER".
var weekLabelRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(\d{1,2})\s*[-–]\s*(\d{1,2})\s+(JANUARY|FEBRUARY|MARCH|APRIL|MAY|JUNE|JULY|AUGUST|SEPTEMBER|OCTOBER|NOVEMBER|DECEMBER)\b`),
	regexp.MustCompile(`(?i)\b(\d{1,2})\s+(JANUARY|FEBRUARY|MARCH|APRIL|MAY|JUNE|JULY|AUGUST|SEPTEMBER|OCTOBER|NOVEMBER|DECEMBER)\s*[-–]\s*(\d{1,2})\s+(JANUARY|FEBRUARY|MARCH|APRIL|MAY|JUNE|JULY|AUGUST|SEPTEMBER|OCTOBER|NOVEMBER|DECEMBER)\b`),
}

const (
	labelScanFrom = 3
	labelScanTo   = 6
)

// WeekLabel extracts the human-readable date range from the banner rows of
// the payload's first sheet. Returns "" when no row matches; the caller
// falls back to a generated name.
func WeekLabel(p *sheetparse.Payload) string {
	if p == nil || len(p.Sheets) == 0 {
		return ""
	}
	rows := p.Sheets[0].Rows
	for i := labelScanFrom; i <= labelScanTo && i < len(rows); i++ {
		if len(rows[i]) == 0 {
			continue
		}
		cell := strings.TrimSpace(rows[i][0])
		if cell == "" {
			continue
		}
		for _, re := range weekLabelRes {
			if m := re.FindString(cell); m != "" {
				return strings.ToUpper(strings.Join(strings.Fields(m), " "))
			}
		}
	}
	return ""
}
